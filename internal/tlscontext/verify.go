package tlscontext

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/polisai/trustplane/pkg/config"
)

// VerifyMode controls how much of the peer's identity is demanded.
type VerifyMode int

const (
	// VerifyNone performs no peer verification at all.
	VerifyNone VerifyMode = iota
	// VerifyPeer validates a certificate chain when one is presented.
	VerifyPeer
	// VerifyPeerRequireCert additionally refuses peers that present no
	// certificate.
	VerifyPeerRequireCert
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyPeer:
		return "peer"
	case VerifyPeerRequireCert:
		return "peer_require_cert"
	default:
		return "none"
	}
}

// VerificationPolicy is the operator-configured trust policy evaluated
// against every presented peer certificate.
//
// Invariant: SANPatterns and PinnedHash may only be non-empty when a CA
// certificate is configured, and setting either escalates Mode to
// VerifyPeerRequireCert.
type VerificationPolicy struct {
	Mode        VerifyMode
	SANPatterns []string
	PinnedHash  []byte
}

// ParsePinnedHash decodes an operator-supplied certificate pin: a SHA-256
// digest as a hex string, optionally ":"-delimited.
func ParsePinnedHash(raw string) ([]byte, error) {
	stripped := strings.ReplaceAll(raw, ":", "")
	decoded, err := hex.DecodeString(stripped)
	if err != nil {
		return nil, config.NewConfigValidationError("verify_certificate_hash", raw,
			"certificate hash is not valid hex")
	}
	if len(decoded) != sha256.Size {
		return nil, config.NewConfigValidationError("verify_certificate_hash", raw,
			fmt.Sprintf("certificate hash must decode to %d bytes, got %d", sha256.Size, len(decoded)))
	}
	return decoded, nil
}

// PeerVerifier evaluates a presented certificate against the policy after
// chain validation has been delegated to the TLS library. It holds no
// mutable state besides counters and is safe for unbounded concurrent use.
type PeerVerifier struct {
	policy VerificationPolicy
	stats  *SSLStats
}

// NewPeerVerifier binds a verifier to a policy and a stats sink.
func NewPeerVerifier(policy VerificationPolicy, stats *SSLStats) *PeerVerifier {
	return &PeerVerifier{policy: policy, stats: stats}
}

// Verify applies the post-chain policy checks to the validated leaf. The
// pipeline short-circuits in order: SAN patterns, then pinned hash.
func (v *PeerVerifier) Verify(leaf *x509.Certificate) error {
	if len(v.policy.SANPatterns) > 0 && !matchSubjectAltNames(leaf, v.policy.SANPatterns) {
		v.stats.FailVerifySAN.Inc()
		return &VerifyError{Reason: ReasonSANMismatch}
	}

	if len(v.policy.PinnedHash) > 0 {
		computed := sha256.Sum256(leaf.Raw)
		if subtle.ConstantTimeCompare(computed[:], v.policy.PinnedHash) != 1 {
			v.stats.FailVerifyCertHash.Inc()
			return &VerifyError{Reason: ReasonHashMismatch}
		}
	}

	return nil
}

// matchSubjectAltNames scans the certificate's SAN entries. DNS entries
// match a pattern exactly or by wildcard; URI entries match exactly only.
func matchSubjectAltNames(leaf *x509.Certificate, patterns []string) bool {
	for _, dns := range leaf.DNSNames {
		for _, pattern := range patterns {
			if dnsNameMatch(dns, pattern) {
				return true
			}
		}
	}
	for _, uri := range leaf.URIs {
		presented := uri.String()
		for _, pattern := range patterns {
			if presented == pattern {
				return true
			}
		}
	}
	return false
}

// dnsNameMatch reports whether the presented DNS name satisfies the
// configured pattern. A "*.<suffix>" pattern matches any presented name
// whose remaining length exceeds the suffix and whose trailing bytes equal
// ".<suffix>"; this intentionally matches at any subdomain depth, so
// "*.example.com" accepts "a.b.example.com".
func dnsNameMatch(dnsName, pattern string) bool {
	if dnsName == pattern {
		return true
	}
	if len(pattern) > 1 && pattern[0] == '*' && pattern[1] == '.' {
		if len(dnsName) > len(pattern)-1 {
			return strings.HasSuffix(dnsName, pattern[1:])
		}
	}
	return false
}
