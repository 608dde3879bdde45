package tlscontext

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/trustplane/pkg/config"
)

func managerConfig(dir string) *config.Config {
	return &config.Config{
		Listener: &config.ServerTLSConfig{
			TLSContextConfig: config.TLSContextConfig{
				CACertFile:     filepath.Join(dir, "ca.crt"),
				CertChainFile:  filepath.Join(dir, "server.crt"),
				PrivateKeyFile: filepath.Join(dir, "server.key"),
			},
		},
		Cluster: &config.ClientTLSConfig{
			TLSContextConfig: config.TLSContextConfig{
				CACertFile: filepath.Join(dir, "ca.crt"),
			},
			SNI: "upstream.example.com",
		},
	}
}

func TestNewManagerBuildsBothContexts(t *testing.T) {
	dir := testCertDir(t)

	m, err := NewManager(managerConfig(dir), Dependencies{})
	require.NoError(t, err)
	defer m.Close()

	server := m.ServerContext()
	require.NotNil(t, server)
	assert.Equal(t, RoleServer, server.Role())
	assert.Equal(t, VerifyPeer, server.VerifyMode())

	client := m.ClientContext()
	require.NotNil(t, client)
	assert.Equal(t, RoleClient, client.Role())
	assert.Equal(t, "upstream.example.com", client.SNI())
}

func TestNewManagerFailsOnBrokenConfig(t *testing.T) {
	dir := testCertDir(t)
	cfg := managerConfig(dir)
	cfg.Listener.PrivateKeyFile = filepath.Join(dir, "missing.key")

	_, err := NewManager(cfg, Dependencies{})
	require.Error(t, err)
}

func TestApplyKeepsLastKnownGoodOnFailure(t *testing.T) {
	dir := testCertDir(t)

	m, err := NewManager(managerConfig(dir), Dependencies{})
	require.NoError(t, err)
	defer m.Close()

	before := m.ServerContext()
	require.NotNil(t, before)

	bad := managerConfig(dir)
	bad.Listener.CertChainFile = filepath.Join(dir, "nope.crt")
	require.Error(t, m.Apply(bad))

	// The failed apply must not disturb the serving contexts.
	assert.Equal(t, before.ID(), m.ServerContext().ID())
}

func TestApplySwapsContextsWholesale(t *testing.T) {
	dir := testCertDir(t)

	m, err := NewManager(managerConfig(dir), Dependencies{})
	require.NoError(t, err)
	defer m.Close()

	before := m.ServerContext()
	beforeClient := m.ClientContext()

	next := managerConfig(dir)
	next.Listener.VerifySubjectAltNames = []string{"*.foo.com"}
	require.NoError(t, m.Apply(next))

	after := m.ServerContext()
	assert.NotEqual(t, before.ID(), after.ID())
	assert.Equal(t, VerifyPeerRequireCert, after.VerifyMode())
	assert.NotEqual(t, beforeClient.ID(), m.ClientContext().ID())

	// Contexts already bound by connections stay usable after the swap.
	assert.NotNil(t, before.TLSConfig())
	assert.Equal(t, VerifyPeer, before.VerifyMode())
}

func TestApplyRejectsInvalidFlagPercentage(t *testing.T) {
	dir := testCertDir(t)

	m, err := NewManager(managerConfig(dir), Dependencies{})
	require.NoError(t, err)
	defer m.Close()

	bad := managerConfig(dir)
	bad.Runtime.Flags = map[string]uint32{AltALPNFlag: 150}

	var cfgErr *config.ConfigError
	require.ErrorAs(t, m.Apply(bad), &cfgErr)
}

func TestWatchFilesRebuildsOnCertChange(t *testing.T) {
	dir := testCertDir(t)

	m, err := NewManager(managerConfig(dir), Dependencies{})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WatchFiles())
	require.Error(t, m.WatchFiles(), "second watch must be refused")

	// Renew atomically the way certbot does: write to a temp name, then
	// rename over the target. The rename replaces the inode, so a repeat
	// renewal must still be noticed.
	renew := func(t *testing.T, commonName string) {
		t.Helper()
		certPEM, keyPEM, _, _, err := GenerateCertificate(CertificateGenerationOptions{
			CommonName: commonName,
			DNSNames:   []string{"example.com"},
		})
		require.NoError(t, err)
		require.NoError(t, WriteCertificateFiles(certPEM, keyPEM,
			filepath.Join(dir, "server.crt.tmp"), filepath.Join(dir, "server.key.tmp")))
		require.NoError(t, os.Rename(filepath.Join(dir, "server.key.tmp"), filepath.Join(dir, "server.key")))
		require.NoError(t, os.Rename(filepath.Join(dir, "server.crt.tmp"), filepath.Join(dir, "server.crt")))
	}

	servingCommonName := func() string {
		return m.ServerContext().certChain.X509().Subject.CommonName
	}

	renew(t, "renewed-1")
	require.Eventually(t, func() bool {
		return servingCommonName() == "renewed-1"
	}, 5*time.Second, 50*time.Millisecond, "context was not rebuilt after first renewal")

	renew(t, "renewed-2")
	require.Eventually(t, func() bool {
		return servingCommonName() == "renewed-2"
	}, 5*time.Second, 50*time.Millisecond, "context was not rebuilt after second renewal")
}

func TestWatchFilesRequiresPaths(t *testing.T) {
	dir := testCertDir(t)
	cfg := managerConfig(dir)
	cfg.Listener = nil
	cfg.Cluster.CACertFile = ""

	m, err := NewManager(cfg, Dependencies{})
	require.NoError(t, err)
	defer m.Close()

	require.Error(t, m.WatchFiles())
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	dir := testCertDir(t)

	m, err := NewManager(managerConfig(dir), Dependencies{})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestApplyEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))

	dir := testCertDir(t)
	m, err := NewManager(managerConfig(dir), Dependencies{})
	require.NoError(t, err)
	defer m.Close()

	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)
	assert.Equal(t, "tls_context_apply", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)

	exporter.Reset()
	bad := managerConfig(dir)
	bad.Listener.CertChainFile = filepath.Join(dir, "nope.crt")
	require.Error(t, m.Apply(bad))

	spans = exporter.GetSpans()
	require.NotEmpty(t, spans)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.NotEmpty(t, spans[0].Events, "the rejection error is attached to the span")
}

func TestManagerWithoutListener(t *testing.T) {
	dir := testCertDir(t)
	cfg := managerConfig(dir)
	cfg.Listener = nil

	m, err := NewManager(cfg, Dependencies{})
	require.NoError(t, err)
	defer m.Close()

	assert.Nil(t, m.ServerContext())
	require.NotNil(t, m.ClientContext())

	// Stale config file contents must not crash rebuilds either.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), []byte("junk"), 0644))
	require.Error(t, m.Apply(cfg))
	require.NotNil(t, m.ClientContext())
}
