package tlscontext

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/trustplane/pkg/config"
	"github.com/polisai/trustplane/pkg/stats"
)

// Role tags a context as listener-side or cluster-side.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Dependencies are the injected external collaborators: the stats sink, the
// feature-flag capability, and the logger. Zero values are usable.
type Dependencies struct {
	Scope  stats.Scope
	Flags  FeatureFlags
	Logger *slog.Logger
}

func (d Dependencies) normalize() Dependencies {
	if d.Scope == nil {
		d.Scope = stats.NullScope{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Context is the immutable aggregate built once per configuration version.
// It is shared read-only by unboundedly many concurrent connections and is
// replaced wholesale, never mutated, on configuration reload.
type Context struct {
	id   uuid.UUID
	role Role

	cfg *tls.Config

	policy   VerificationPolicy
	verifier *PeerVerifier
	caPool   *x509.CertPool

	caCert    *Certificate
	certChain *Certificate

	alpn       ProtocolList
	negotiator *AlpnNegotiator // server only
	tickets    *SessionTicketKeyManager

	sessionDigest [sha256.Size]byte // server only
	sni           string            // client only

	stats   *SSLStats
	metrics *HandshakeMetrics
	logger  *slog.Logger
}

// NewServerContext builds a listener-side context from validated
// configuration. Construction fails fast: any error aborts it and the
// configuration version must not be activated.
func NewServerContext(cfg *config.ServerTLSConfig, deps Dependencies) (*Context, error) {
	c, err := newContext(RoleServer, &cfg.TLSContextConfig, deps)
	if err != nil {
		return nil, err
	}

	if cfg.CertChainFile == "" {
		return nil, config.NewConfigMissingError("cert_chain_file")
	}

	if c.caPool != nil {
		// Advertise the client-CA names and demand a certificate when the
		// policy requires one. Chain validation stays in our verify
		// callback so rejection reasons map to the right counters.
		c.cfg.ClientCAs = c.caPool
		if cfg.RequireClientCertificate || c.policy.Mode == VerifyPeerRequireCert {
			c.policy.Mode = VerifyPeerRequireCert
			c.cfg.ClientAuth = tls.RequireAnyClientCert
		} else {
			c.cfg.ClientAuth = tls.RequestClientCert
		}
	}

	altALPN, err := ParseProtocols(cfg.AltALPNProtocols)
	if err != nil {
		return nil, err
	}
	c.negotiator = NewAlpnNegotiator(c.alpn, altALPN, deps.Flags)
	if !c.alpn.Empty() || !altALPN.Empty() {
		c.cfg.GetConfigForClient = c.selectALPN
	}

	blobs, err := cfg.DecodedSessionTicketKeys()
	if err != nil {
		return nil, err
	}
	keys, err := ParseSessionTicketKeys(blobs)
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		c.tickets = NewSessionTicketKeyManager(keys)
		c.cfg.WrapSession = c.wrapSession
		c.cfg.UnwrapSession = c.unwrapSession
	}

	c.sessionDigest = ComputeSessionContextDigest(c.caCert, c.policy.SANPatterns, c.policy.PinnedHash)

	c.logger.Info("built server TLS context",
		"context_id", c.id.String(),
		"verify_mode", c.policy.Mode.String(),
		"alpn", c.alpn.Names(),
		"ticket_keys", len(keys))
	return c, nil
}

// NewClientContext builds a cluster-side context from validated
// configuration.
func NewClientContext(cfg *config.ClientTLSConfig, deps Dependencies) (*Context, error) {
	c, err := newContext(RoleClient, &cfg.TLSContextConfig, deps)
	if err != nil {
		return nil, err
	}

	c.sni = cfg.SNI
	c.cfg.ServerName = cfg.SNI
	if !c.alpn.Empty() {
		c.cfg.NextProtos = c.alpn.Names()
	}

	c.logger.Info("built client TLS context",
		"context_id", c.id.String(),
		"verify_mode", c.policy.Mode.String(),
		"sni", c.sni,
		"alpn", c.alpn.Names())
	return c, nil
}

func newContext(role Role, cfg *config.TLSContextConfig, deps Dependencies) (*Context, error) {
	deps = deps.normalize()

	c := &Context{
		id:     uuid.New(),
		role:   role,
		stats:  NewSSLStats(deps.Scope),
		logger: deps.Logger.With("role", role.String()),
	}

	metrics, err := GetHandshakeMetrics(deps.Logger)
	if err != nil {
		return nil, err
	}
	c.metrics = metrics

	suites, err := resolveCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}
	curves, err := resolveCurves(cfg.ECDHCurves)
	if err != nil {
		return nil, err
	}

	c.cfg = &tls.Config{
		CipherSuites:     suites,
		CurvePreferences: curves,
		// Obsolete protocol versions stay disabled regardless of peer
		// preference.
		MinVersion:               tls.VersionTLS12,
		PreferServerCipherSuites: true,
	}

	// Verify mode: none by default, peer when a CA is given, escalated to
	// require-cert when SAN patterns or a pinned hash are additionally
	// given.
	c.policy.Mode = VerifyNone
	if cfg.CACertFile != "" {
		c.caCert, err = LoadCertificate(cfg.CACertFile)
		if err != nil {
			return nil, err
		}
		c.caPool, err = LoadCertificatePool(cfg.CACertFile)
		if err != nil {
			return nil, err
		}
		c.policy.Mode = VerifyPeer
	}

	if len(cfg.VerifySubjectAltNames) > 0 {
		if c.caPool == nil {
			return nil, config.NewConfigValidationError("verify_subject_alt_names",
				cfg.VerifySubjectAltNames, "SAN verification requires a CA certificate")
		}
		c.policy.SANPatterns = append([]string(nil), cfg.VerifySubjectAltNames...)
		c.policy.Mode = VerifyPeerRequireCert
	}

	if cfg.VerifyCertificateHash != "" {
		if c.caPool == nil {
			return nil, config.NewConfigValidationError("verify_certificate_hash",
				cfg.VerifyCertificateHash, "certificate pinning requires a CA certificate")
		}
		c.policy.PinnedHash, err = ParsePinnedHash(cfg.VerifyCertificateHash)
		if err != nil {
			return nil, err
		}
		c.policy.Mode = VerifyPeerRequireCert
	}

	c.verifier = NewPeerVerifier(c.policy, c.stats)
	if c.policy.Mode != VerifyNone {
		// Chain validation is performed inside the callback so the library
		// default does not swallow the rejection reason. The callback is
		// bound by closure capture of this context; no global registry.
		c.cfg.InsecureSkipVerify = role == RoleClient
		c.cfg.VerifyPeerCertificate = c.verifyPeer
	} else if role == RoleClient {
		// No trust policy configured: peers are accepted without
		// verification, matching a listener with no CA.
		c.cfg.InsecureSkipVerify = true
	}

	if cfg.CertChainFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.CertChainFile, cfg.PrivateKeyFile)
		if err != nil {
			return nil, &CertLoadError{Path: cfg.CertChainFile, Cause: err}
		}
		c.cfg.Certificates = []tls.Certificate{pair}
		c.certChain, err = LoadCertificate(cfg.CertChainFile)
		if err != nil {
			return nil, err
		}
	}

	c.alpn, err = ParseProtocols(cfg.ALPNProtocols)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// verifyPeer is the verification callback registered with the TLS library.
// It runs synchronously on the handshake's goroutine, must not block, and
// touches no shared mutable state besides counters.
func (c *Context) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		if c.policy.Mode == VerifyPeerRequireCert {
			c.stats.FailVerifyError.Inc()
			return &VerifyError{Reason: ReasonChainInvalid}
		}
		return nil
	}

	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		c.stats.FailVerifyError.Inc()
		return &VerifyError{Reason: ReasonChainInvalid, Cause: err}
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			c.stats.FailVerifyError.Inc()
			return &VerifyError{Reason: ReasonChainInvalid, Cause: err}
		}
		intermediates.AddCert(cert)
	}

	// Step 1: delegated full chain validation.
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         c.caPool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		c.stats.FailVerifyError.Inc()
		return &VerifyError{Reason: ReasonChainInvalid, Cause: err}
	}

	// Steps 2-4: operator policy on the validated leaf.
	return c.verifier.Verify(leaf)
}

// selectALPN performs per-connection server-side protocol selection. No
// overlap is not an error: the handshake proceeds without an
// application-protocol extension.
func (c *Context) selectALPN(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	conn := c.cfg.Clone()
	conn.GetConfigForClient = nil

	if selected, ok := c.negotiator.Select(hello.SupportedProtos); ok {
		conn.NextProtos = []string{selected}
	} else {
		conn.NextProtos = nil
	}
	return conn, nil
}

// wrapSession seals resumption state into a ticket. The session context
// digest is prefixed to the plaintext so a differently-configured context
// can never unwrap it. Failure degrades: no ticket is issued and the
// connection continues.
func (c *Context) wrapSession(_ tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
	state, err := ss.Bytes()
	if err != nil {
		c.logger.Debug("session state serialization failed, ticket not issued", "error", err)
		return nil, nil
	}

	plaintext := make([]byte, 0, len(c.sessionDigest)+len(state))
	plaintext = append(plaintext, c.sessionDigest[:]...)
	plaintext = append(plaintext, state...)

	ticket, err := c.tickets.Encrypt(plaintext)
	if err != nil {
		c.logger.Debug("ticket encryption failed, resumption not offered", "error", err)
		return nil, nil
	}
	return ticket, nil
}

// unwrapSession opens a presented ticket. Any failure falls back to a full
// handshake. A ticket sealed under an older key still resumes; the fresh
// tickets issued on the resumed connection come from wrapSession and are
// therefore sealed under the active key, which completes rotation without
// forcing full re-handshakes.
func (c *Context) unwrapSession(identity []byte, _ tls.ConnectionState) (*tls.SessionState, error) {
	plaintext, outcome := c.tickets.Decrypt(identity)
	if outcome == TicketRejected {
		return nil, nil
	}
	if len(plaintext) < sha256.Size || !bytes.Equal(plaintext[:sha256.Size], c.sessionDigest[:]) {
		// Minted under an incompatible trust policy.
		return nil, nil
	}

	ss, err := tls.ParseSessionState(plaintext[sha256.Size:])
	if err != nil {
		return nil, nil
	}
	return ss, nil
}

// TLSConfig returns the library configuration with all callbacks bound to
// this context. The config is shared and must not be mutated by callers.
func (c *Context) TLSConfig() *tls.Config { return c.cfg }

// ID is the context version identifier, unique per construction.
func (c *Context) ID() uuid.UUID { return c.id }

// Role reports whether this is a listener- or cluster-side context.
func (c *Context) Role() Role { return c.role }

// VerifyMode exposes the derived verification mode.
func (c *Context) VerifyMode() VerifyMode { return c.policy.Mode }

// Negotiator exposes the server-side ALPN selector; nil on client contexts.
func (c *Context) Negotiator() *AlpnNegotiator { return c.negotiator }

// TicketKeys exposes the ticket engine; nil unless server keys are
// configured.
func (c *Context) TicketKeys() *SessionTicketKeyManager { return c.tickets }

// SessionContextDigest is the resumption scoping tag; zero for clients.
func (c *Context) SessionContextDigest() [sha256.Size]byte { return c.sessionDigest }

// SNI is the client-side server name; empty for servers.
func (c *Context) SNI() string { return c.sni }

// DaysUntilFirstCertExpires aggregates expiry over the CA certificate and
// the certificate chain; absent certificates never become the limit.
func (c *Context) DaysUntilFirstCertExpires(now time.Time) uint32 {
	days := c.caCert.DaysUntilExpiry(now)
	if chain := c.certChain.DaysUntilExpiry(now); chain < days {
		days = chain
	}
	return days
}

// CACertInfo returns a summary of the CA certificate, or "" if none.
func (c *Context) CACertInfo(now time.Time) string { return c.caCert.Info(now) }

// CertChainInfo returns a summary of the certificate chain, or "" if none.
func (c *Context) CertChainInfo(now time.Time) string { return c.certChain.Info(now) }

// LogHandshake emits the per-handshake counters and otel metrics for a
// completed connection. elapsed is the handshake wall time; zero skips the
// duration histogram.
func (c *Context) LogHandshake(state tls.ConnectionState, elapsed time.Duration) {
	c.stats.Handshake.Inc()

	if state.DidResume {
		c.stats.SessionReused.Inc()
	}

	c.stats.CipherCounter(tls.CipherSuiteName(state.CipherSuite)).Inc()

	if len(state.PeerCertificates) == 0 {
		c.stats.NoCertificate.Inc()
	}

	c.metrics.RecordHandshake(context.Background(), state, elapsed)
}

func resolveCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		byName[suite.Name] = suite.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, config.NewConfigValidationError("cipher_suites", name,
				fmt.Sprintf("failed to initialize cipher suite %q", name))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func resolveCurves(names []string) ([]tls.CurveID, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := map[string]tls.CurveID{
		"X25519": tls.X25519,
		"P-256":  tls.CurveP256,
		"P-384":  tls.CurveP384,
		"P-521":  tls.CurveP521,
	}

	curves := make([]tls.CurveID, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, config.NewConfigValidationError("ecdh_curves", name,
				fmt.Sprintf("failed to initialize ECDH curve %q", name))
		}
		curves = append(curves, id)
	}
	return curves, nil
}
