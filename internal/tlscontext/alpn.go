package tlscontext

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/trustplane/pkg/config"
)

// maxALPNEncodedSize bounds the TLS ALPN extension payload; the encoded
// list must stay below it.
const maxALPNEncodedSize = 65535

// ProtocolList is an ordered, immutable sequence of ALPN protocol names
// together with its TLS wire encoding (each name prefixed by a one-byte
// length).
type ProtocolList struct {
	names []string
	wire  []byte
}

// ParseProtocols builds a ProtocolList from a comma-separated string, e.g.
// "h2,http/1.1". An empty input yields an empty list, which disables ALPN.
func ParseProtocols(csv string) (ProtocolList, error) {
	if csv == "" {
		return ProtocolList{}, nil
	}

	names := strings.Split(csv, ",")
	wire := make([]byte, 0, len(csv)+1)
	for _, name := range names {
		if len(name) == 0 || len(name) > 255 {
			return ProtocolList{}, config.NewConfigValidationError("alpn_protocols", csv,
				fmt.Sprintf("ALPN protocol name %q must be 1-255 bytes", name))
		}
		wire = append(wire, byte(len(name)))
		wire = append(wire, name...)
	}
	if len(wire) >= maxALPNEncodedSize {
		return ProtocolList{}, config.NewConfigValidationError("alpn_protocols", len(csv),
			fmt.Sprintf("encoded ALPN protocol list must be under %d bytes", maxALPNEncodedSize))
	}

	return ProtocolList{names: names, wire: wire}, nil
}

// ParseWire decodes a length-prefixed ALPN wire list, such as the peer's
// offered-protocols extension payload.
func ParseWire(wire []byte) (ProtocolList, error) {
	if len(wire) >= maxALPNEncodedSize {
		return ProtocolList{}, errors.New("ALPN wire list too large")
	}
	var names []string
	for i := 0; i < len(wire); {
		n := int(wire[i])
		i++
		if n == 0 || i+n > len(wire) {
			return ProtocolList{}, errors.New("malformed ALPN wire list")
		}
		names = append(names, string(wire[i:i+n]))
		i += n
	}
	return ProtocolList{names: names, wire: append([]byte(nil), wire...)}, nil
}

// Empty reports whether ALPN is disabled for this list.
func (l ProtocolList) Empty() bool { return len(l.names) == 0 }

// Names returns the protocol names in preference order.
func (l ProtocolList) Names() []string { return append([]string(nil), l.names...) }

// Wire returns the TLS extension encoding of the list.
func (l ProtocolList) Wire() []byte { return append([]byte(nil), l.wire...) }

// SelectServerSide picks the first protocol in supported's order that the
// peer also offered (offered is the peer's wire-encoded list). The second
// return is false when there is no overlap; that is not an error — the
// handshake proceeds without an application protocol.
func SelectServerSide(offeredWire []byte, supported ProtocolList) (string, bool) {
	offered, err := ParseWire(offeredWire)
	if err != nil {
		return "", false
	}
	return selectProtocol(offered.names, supported)
}

func selectProtocol(offered []string, supported ProtocolList) (string, bool) {
	for _, want := range supported.names {
		for _, got := range offered {
			if want == got {
				return want, true
			}
		}
	}
	return "", false
}

// AlpnNegotiator performs per-connection server-side protocol selection.
// The alternate list, when configured, is substituted for a connection when
// the alt-ALPN feature flag samples true; the flag is consulted at most once
// per selection.
type AlpnNegotiator struct {
	primary ProtocolList
	alt     ProtocolList
	flags   FeatureFlags
}

// NewAlpnNegotiator builds a negotiator over the primary and alternate
// lists. flags may be nil, which pins selection to the primary list.
func NewAlpnNegotiator(primary, alt ProtocolList, flags FeatureFlags) *AlpnNegotiator {
	return &AlpnNegotiator{primary: primary, alt: alt, flags: flags}
}

// Select chooses a protocol for one connection given the peer's offered
// names (as surfaced by the TLS library's client hello).
func (n *AlpnNegotiator) Select(offered []string) (string, bool) {
	supported := n.primary
	if !n.alt.Empty() && n.flags != nil && n.flags.Enabled(AltALPNFlag, 0) {
		supported = n.alt
	}
	return selectProtocol(offered, supported)
}
