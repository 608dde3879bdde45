package tlscontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentFlagsBoundaries(t *testing.T) {
	flags := NewPercentFlags(map[string]uint32{
		"never":  0,
		"always": 100,
	})

	for i := 0; i < 1000; i++ {
		assert.False(t, flags.Enabled("never", 100))
		assert.True(t, flags.Enabled("always", 0))
	}
}

func TestPercentFlagsDefault(t *testing.T) {
	flags := NewPercentFlags(nil)

	for i := 0; i < 1000; i++ {
		assert.False(t, flags.Enabled(AltALPNFlag, 0))
		assert.True(t, flags.Enabled(AltALPNFlag, 100))
	}
}

func TestPercentFlagsSampling(t *testing.T) {
	flags := NewPercentFlags(map[string]uint32{AltALPNFlag: 50})

	hits := 0
	const trials = 10000
	for i := 0; i < trials; i++ {
		if flags.Enabled(AltALPNFlag, 0) {
			hits++
		}
	}
	// Loose bounds; the point is that the flag neither always nor never
	// fires at an intermediate percentage.
	assert.Greater(t, hits, trials/10)
	assert.Less(t, hits, trials*9/10)
}

func TestPercentFlagsSnapshotsMap(t *testing.T) {
	percents := map[string]uint32{AltALPNFlag: 100}
	flags := NewPercentFlags(percents)
	percents[AltALPNFlag] = 0

	assert.True(t, flags.Enabled(AltALPNFlag, 0))
}

func TestPercentFlagsNilReceiver(t *testing.T) {
	var flags *PercentFlags
	assert.False(t, flags.Enabled(AltALPNFlag, 0))
	assert.True(t, flags.Enabled(AltALPNFlag, 100))
}
