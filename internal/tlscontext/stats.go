package tlscontext

import "github.com/polisai/trustplane/pkg/stats"

// SSLStats bundles the counters the trust core emits. All counters live
// under the "ssl." prefix in the owning scope.
type SSLStats struct {
	Handshake          stats.Counter
	SessionReused      stats.Counter
	NoCertificate      stats.Counter
	FailVerifyError    stats.Counter
	FailVerifySAN      stats.Counter
	FailVerifyCertHash stats.Counter

	scope stats.Scope
}

// NewSSLStats creates the counter bundle in the given scope.
func NewSSLStats(scope stats.Scope) *SSLStats {
	if scope == nil {
		scope = stats.NullScope{}
	}
	return &SSLStats{
		Handshake:          scope.Counter("ssl.handshake"),
		SessionReused:      scope.Counter("ssl.session_reused"),
		NoCertificate:      scope.Counter("ssl.no_certificate"),
		FailVerifyError:    scope.Counter("ssl.fail_verify_error"),
		FailVerifySAN:      scope.Counter("ssl.fail_verify_san"),
		FailVerifyCertHash: scope.Counter("ssl.fail_verify_cert_hash"),
		scope:              scope,
	}
}

// CipherCounter returns the per-negotiated-cipher counter.
func (s *SSLStats) CipherCounter(cipherName string) stats.Counter {
	return s.scope.Counter("ssl.ciphers." + cipherName)
}
