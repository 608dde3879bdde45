package tlscontext

import (
	"crypto/tls"
	"encoding/base64"
	"math/big"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/trustplane/pkg/config"
)

// testCertDir generates a CA plus CA-signed server and client certificates
// and returns the directory holding them.
func testCertDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, GenerateTestCertificates(dir))
	return dir
}

func serverConfig(dir string) *config.ServerTLSConfig {
	return &config.ServerTLSConfig{
		TLSContextConfig: config.TLSContextConfig{
			CertChainFile:  filepath.Join(dir, "server.crt"),
			PrivateKeyFile: filepath.Join(dir, "server.key"),
		},
	}
}

func TestNewServerContextVerifyModeDerivation(t *testing.T) {
	dir := testCertDir(t)

	t.Run("no CA means no verification", func(t *testing.T) {
		ctx, err := NewServerContext(serverConfig(dir), Dependencies{})
		require.NoError(t, err)

		assert.Equal(t, VerifyNone, ctx.VerifyMode())
		assert.Nil(t, ctx.TLSConfig().VerifyPeerCertificate)
		assert.Equal(t, tls.NoClientCert, ctx.TLSConfig().ClientAuth)
	})

	t.Run("CA alone verifies presented certificates", func(t *testing.T) {
		cfg := serverConfig(dir)
		cfg.CACertFile = filepath.Join(dir, "ca.crt")
		ctx, err := NewServerContext(cfg, Dependencies{})
		require.NoError(t, err)

		assert.Equal(t, VerifyPeer, ctx.VerifyMode())
		assert.NotNil(t, ctx.TLSConfig().VerifyPeerCertificate)
		assert.Equal(t, tls.RequestClientCert, ctx.TLSConfig().ClientAuth)
	})

	t.Run("SAN patterns escalate to require-cert", func(t *testing.T) {
		cfg := serverConfig(dir)
		cfg.CACertFile = filepath.Join(dir, "ca.crt")
		cfg.VerifySubjectAltNames = []string{"*.foo.com"}
		ctx, err := NewServerContext(cfg, Dependencies{})
		require.NoError(t, err)

		assert.Equal(t, VerifyPeerRequireCert, ctx.VerifyMode())
		assert.Equal(t, tls.RequireAnyClientCert, ctx.TLSConfig().ClientAuth)
	})

	t.Run("require flag escalates without SANs", func(t *testing.T) {
		cfg := serverConfig(dir)
		cfg.CACertFile = filepath.Join(dir, "ca.crt")
		cfg.RequireClientCertificate = true
		ctx, err := NewServerContext(cfg, Dependencies{})
		require.NoError(t, err)

		assert.Equal(t, VerifyPeerRequireCert, ctx.VerifyMode())
		assert.Equal(t, tls.RequireAnyClientCert, ctx.TLSConfig().ClientAuth)
	})
}

func TestNewServerContextConfigErrors(t *testing.T) {
	dir := testCertDir(t)

	t.Run("missing cert chain", func(t *testing.T) {
		_, err := NewServerContext(&config.ServerTLSConfig{}, Dependencies{})
		var cfgErr *config.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "cert_chain_file", cfgErr.Field)
	})

	t.Run("SANs without CA", func(t *testing.T) {
		cfg := serverConfig(dir)
		cfg.VerifySubjectAltNames = []string{"*.foo.com"}
		_, err := NewServerContext(cfg, Dependencies{})
		var cfgErr *config.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "verify_subject_alt_names", cfgErr.Field)
	})

	t.Run("unknown cipher suite", func(t *testing.T) {
		cfg := serverConfig(dir)
		cfg.CipherSuites = []string{"TLS_TOTALLY_MADE_UP"}
		_, err := NewServerContext(cfg, Dependencies{})
		var cfgErr *config.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, cfgErr.Reason, "TLS_TOTALLY_MADE_UP")
	})

	t.Run("unknown curve", func(t *testing.T) {
		cfg := serverConfig(dir)
		cfg.ECDHCurves = []string{"P-1024"}
		_, err := NewServerContext(cfg, Dependencies{})
		var cfgErr *config.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "ecdh_curves", cfgErr.Field)
	})

	t.Run("unreadable key pair", func(t *testing.T) {
		cfg := serverConfig(dir)
		cfg.PrivateKeyFile = filepath.Join(dir, "missing.key")
		_, err := NewServerContext(cfg, Dependencies{})
		var loadErr *CertLoadError
		require.ErrorAs(t, err, &loadErr)
	})
}

func TestVerifyPeerAgainstPolicy(t *testing.T) {
	dir := testCertDir(t)
	client, err := LoadCertificate(filepath.Join(dir, "client.crt"))
	require.NoError(t, err)

	build := func(t *testing.T, sans []string, scope *memScope) *Context {
		t.Helper()
		cfg := serverConfig(dir)
		cfg.CACertFile = filepath.Join(dir, "ca.crt")
		cfg.VerifySubjectAltNames = sans
		ctx, err := NewServerContext(cfg, Dependencies{Scope: scope})
		require.NoError(t, err)
		return ctx
	}

	t.Run("matching SAN accepts", func(t *testing.T) {
		ctx := build(t, []string{"*.foo.com"}, newMemScope())
		assert.NoError(t, ctx.verifyPeer([][]byte{client.Raw}, nil))
	})

	t.Run("apex does not match wildcard", func(t *testing.T) {
		scope := newMemScope()
		ctx := build(t, []string{"foo.com"}, scope)
		err := ctx.verifyPeer([][]byte{client.Raw}, nil)
		var verr *VerifyError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, ReasonSANMismatch, verr.Reason)
		assert.Equal(t, float64(1), scope.value("ssl.fail_verify_san"))
	})

	t.Run("untrusted chain rejected before policy", func(t *testing.T) {
		otherCA := writeTestCert(t, CertificateGenerationOptions{IsCA: true, CommonName: "other CA"})
		cfg := serverConfig(dir)
		cfg.CACertFile = otherCA
		scope := newMemScope()
		ctx, err := NewServerContext(cfg, Dependencies{Scope: scope})
		require.NoError(t, err)

		verifyErr := ctx.verifyPeer([][]byte{client.Raw}, nil)
		var verr *VerifyError
		require.ErrorAs(t, verifyErr, &verr)
		assert.Equal(t, ReasonChainInvalid, verr.Reason)
		assert.Equal(t, float64(1), scope.value("ssl.fail_verify_error"))
	})

	t.Run("missing certificate rejected when required", func(t *testing.T) {
		ctx := build(t, []string{"*.foo.com"}, newMemScope())
		verifyErr := ctx.verifyPeer(nil, nil)
		var verr *VerifyError
		require.ErrorAs(t, verifyErr, &verr)
		assert.Equal(t, ReasonChainInvalid, verr.Reason)
	})

	t.Run("missing certificate tolerated when optional", func(t *testing.T) {
		cfg := serverConfig(dir)
		cfg.CACertFile = filepath.Join(dir, "ca.crt")
		ctx, err := NewServerContext(cfg, Dependencies{})
		require.NoError(t, err)
		assert.NoError(t, ctx.verifyPeer(nil, nil))
	})
}

func TestServerALPNSelection(t *testing.T) {
	dir := testCertDir(t)

	cfg := serverConfig(dir)
	cfg.ALPNProtocols = "h2,http/1.1"
	ctx, err := NewServerContext(cfg, Dependencies{})
	require.NoError(t, err)
	require.NotNil(t, ctx.TLSConfig().GetConfigForClient)

	t.Run("common protocol selected", func(t *testing.T) {
		conn, err := ctx.selectALPN(&tls.ClientHelloInfo{SupportedProtos: []string{"http/1.1", "h2"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"h2"}, conn.NextProtos)
		assert.Nil(t, conn.GetConfigForClient)
	})

	t.Run("no overlap proceeds without ALPN", func(t *testing.T) {
		conn, err := ctx.selectALPN(&tls.ClientHelloInfo{SupportedProtos: []string{"spdy/1"}})
		require.NoError(t, err)
		assert.Nil(t, conn.NextProtos)
	})

	t.Run("alt list used when flag is on", func(t *testing.T) {
		altCfg := serverConfig(dir)
		altCfg.ALPNProtocols = "h2,http/1.1"
		altCfg.AltALPNProtocols = "http/1.1"
		altCtx, err := NewServerContext(altCfg, Dependencies{Flags: fixedFlags{AltALPNFlag: true}})
		require.NoError(t, err)

		conn, err := altCtx.selectALPN(&tls.ClientHelloInfo{SupportedProtos: []string{"h2", "http/1.1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"http/1.1"}, conn.NextProtos)
	})

	t.Run("no lists means no callback", func(t *testing.T) {
		plain, err := NewServerContext(serverConfig(dir), Dependencies{})
		require.NoError(t, err)
		assert.Nil(t, plain.TLSConfig().GetConfigForClient)
	})
}

func TestNewClientContext(t *testing.T) {
	dir := testCertDir(t)

	cfg := &config.ClientTLSConfig{
		TLSContextConfig: config.TLSContextConfig{
			CACertFile:    filepath.Join(dir, "ca.crt"),
			ALPNProtocols: "h2,http/1.1",
		},
		SNI: "backend.example.com",
	}
	ctx, err := NewClientContext(cfg, Dependencies{})
	require.NoError(t, err)

	assert.Equal(t, RoleClient, ctx.Role())
	assert.Equal(t, "backend.example.com", ctx.SNI())
	assert.Equal(t, "backend.example.com", ctx.TLSConfig().ServerName)
	assert.Equal(t, []string{"h2", "http/1.1"}, ctx.TLSConfig().NextProtos)
	assert.Equal(t, VerifyPeer, ctx.VerifyMode())
	// Chain validation runs in our callback, not the library default.
	assert.True(t, ctx.TLSConfig().InsecureSkipVerify)
	assert.NotNil(t, ctx.TLSConfig().VerifyPeerCertificate)
	assert.Nil(t, ctx.Negotiator())
}

func TestClientContextNoTrustPolicy(t *testing.T) {
	ctx, err := NewClientContext(&config.ClientTLSConfig{SNI: "anywhere"}, Dependencies{})
	require.NoError(t, err)

	assert.Equal(t, VerifyNone, ctx.VerifyMode())
	assert.True(t, ctx.TLSConfig().InsecureSkipVerify)
	assert.Nil(t, ctx.TLSConfig().VerifyPeerCertificate)
}

func TestSessionDigestScopesTickets(t *testing.T) {
	dir := testCertDir(t)
	key := base64.StdEncoding.EncodeToString(makeTicketKeyBlob(7))

	build := func(t *testing.T, sans []string) *Context {
		t.Helper()
		cfg := serverConfig(dir)
		cfg.CACertFile = filepath.Join(dir, "ca.crt")
		cfg.VerifySubjectAltNames = sans
		cfg.SessionTicketKeys = []string{key}
		ctx, err := NewServerContext(cfg, Dependencies{})
		require.NoError(t, err)
		return ctx
	}

	fooCtx := build(t, []string{"*.foo.com"})
	barCtx := build(t, []string{"*.bar.com"})
	require.NotEqual(t, fooCtx.SessionContextDigest(), barCtx.SessionContextDigest())

	digest := fooCtx.SessionContextDigest()
	plaintext := append(digest[:], []byte("resumption state")...)
	ticket, err := fooCtx.TicketKeys().Encrypt(plaintext)
	require.NoError(t, err)

	// A context with a different trust policy must not open the ticket.
	ss, err := barCtx.unwrapSession(ticket, tls.ConnectionState{})
	assert.NoError(t, err)
	assert.Nil(t, ss)

	// The owning context passes the digest gate but falls back to a full
	// handshake when the state is not parseable.
	ss, err = fooCtx.unwrapSession(ticket, tls.ConnectionState{})
	assert.NoError(t, err)
	assert.Nil(t, ss)
}

func TestHandshakeAndResumption(t *testing.T) {
	dir := testCertDir(t)

	cfg := serverConfig(dir)
	cfg.ALPNProtocols = "h2,http/1.1"
	cfg.SessionTicketKeys = []string{base64.StdEncoding.EncodeToString(makeTicketKeyBlob(9))}
	scope := newMemScope()
	ctx, err := NewServerContext(cfg, Dependencies{Scope: scope})
	require.NoError(t, err)

	clientCfg := &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         "example.com",
		NextProtos:         []string{"h2"},
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}

	connect := func(t *testing.T) tls.ConnectionState {
		t.Helper()
		start := time.Now()
		clientSide, serverSide := net.Pipe()

		server := tls.Server(serverSide, ctx.TLSConfig())
		client := tls.Client(clientSide, clientCfg)

		done := make(chan error, 1)
		go func() {
			if err := server.Handshake(); err != nil {
				done <- err
				return
			}
			// Flush the session ticket to the client before closing.
			if _, err := server.Write([]byte("ok")); err != nil {
				done <- err
				return
			}
			done <- nil
		}()

		require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
		buf := make([]byte, 2)
		_, readErr := client.Read(buf)
		require.NoError(t, readErr)
		require.NoError(t, <-done)

		state := client.ConnectionState()
		ctx.LogHandshake(server.ConnectionState(), time.Since(start))
		// Close the raw pipe ends; a TLS close_notify over a synchronous
		// pipe would block with no reader left.
		_ = clientSide.Close()
		_ = serverSide.Close()
		return state
	}

	first := connect(t)
	assert.False(t, first.DidResume)
	assert.Equal(t, "h2", first.NegotiatedProtocol)

	second := connect(t)
	assert.True(t, second.DidResume)
	assert.Equal(t, "h2", second.NegotiatedProtocol)

	assert.Equal(t, float64(2), scope.value("ssl.handshake"))
	assert.Equal(t, float64(1), scope.value("ssl.session_reused"))
	assert.Equal(t, float64(2), scope.value("ssl.no_certificate"))
}

func TestDaysUntilFirstCertExpires(t *testing.T) {
	now := time.Now()
	dir := t.TempDir()

	caPEM, caKeyPEM, caCert, caKey, err := GenerateCertificate(CertificateGenerationOptions{
		IsCA:     true,
		ValidFor: 90*24*time.Hour + time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, WriteCertificateFiles(caPEM, caKeyPEM,
		filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")))

	leafPEM, leafKeyPEM, _, _, err := GenerateCertificate(CertificateGenerationOptions{
		DNSNames:     []string{"example.com"},
		ValidFor:     30*24*time.Hour + time.Hour,
		SerialNumber: big.NewInt(2),
		ParentCert:   caCert,
		ParentKey:    caKey,
	})
	require.NoError(t, err)
	require.NoError(t, WriteCertificateFiles(leafPEM, leafKeyPEM,
		filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key")))

	cfg := serverConfig(dir)
	cfg.CACertFile = filepath.Join(dir, "ca.crt")
	ctx, err := NewServerContext(cfg, Dependencies{})
	require.NoError(t, err)

	// The leaf expires first and sets the floor.
	assert.Equal(t, uint32(30), ctx.DaysUntilFirstCertExpires(now))
	assert.Contains(t, ctx.CACertInfo(now), "Days until Expiration: 90")
	assert.Contains(t, ctx.CertChainInfo(now), filepath.Join(dir, "server.crt"))
}
