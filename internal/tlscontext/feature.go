package tlscontext

import "math/rand"

// AltALPNFlag gates substitution of the alternate ALPN protocol list,
// enabling controlled rollout of an updated list. Default-disabled.
const AltALPNFlag = "ssl.alt_alpn"

// FeatureFlags is the injected percentage-gated toggle capability. Enabled
// is queried at most once per applicable connection event and must be safe
// for concurrent use.
type FeatureFlags interface {
	Enabled(name string, defaultPercent uint32) bool
}

// PercentFlags samples configured enable percentages. An absent flag uses
// the caller-supplied default percentage.
type PercentFlags struct {
	percents map[string]uint32
}

// NewPercentFlags snapshots the given flag percentages. The map is copied;
// later mutation by the caller has no effect.
func NewPercentFlags(percents map[string]uint32) *PercentFlags {
	copied := make(map[string]uint32, len(percents))
	for name, p := range percents {
		copied[name] = p
	}
	return &PercentFlags{percents: copied}
}

// Enabled samples the flag. 0 never fires, 100 always fires.
func (f *PercentFlags) Enabled(name string, defaultPercent uint32) bool {
	percent := defaultPercent
	if f != nil {
		if p, ok := f.percents[name]; ok {
			percent = p
		}
	}
	if percent == 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	return uint32(rand.Int31n(100)) < percent
}
