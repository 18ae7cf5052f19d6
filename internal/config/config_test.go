package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 4096, cfg.Server.MaxConnections)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Client.TLS.AcceptInvalidCertificates)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcpmsg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "127.0.0.1:7777"
  preshared_key: "0123456789ABCDEF"
  idle_client_timeout_seconds: 30
  permitted_ips:
    - 10.0.0.1
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Addr)
	assert.Equal(t, "0123456789ABCDEF", cfg.Server.PresharedKey)
	assert.Equal(t, 30, cfg.Server.IdleClientTimeoutSeconds)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.Server.PermittedIPs)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 4096, cfg.Server.MaxConnections)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcpmsg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \"127.0.0.1:7777\"\n"), 0o644))

	t.Setenv("TCPMSG_SERVER__ADDR", "127.0.0.1:8888")
	t.Setenv("TCPMSG_SERVER__MAX_CONNECTIONS", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8888", cfg.Server.Addr)
	assert.Equal(t, 16, cfg.Server.MaxConnections)
}

func TestLoadOverridesWin(t *testing.T) {
	cfg, err := LoadWithOverrides("", map[string]any{"server.addr": "127.0.0.1:6000"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", cfg.Server.Addr)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresServerCert(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Server.TLS.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg.Server.TLS.SelfSigned = true
	assert.NoError(t, cfg.Validate())
}

func TestServerOptionsMapping(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Server.IdleClientTimeoutSeconds = 12
	cfg.Server.StatsIntervalSeconds = 7

	opts, fingerprint, err := cfg.ServerOptions()
	require.NoError(t, err)
	assert.Empty(t, fingerprint)
	assert.Equal(t, 12*time.Second, opts.IdleClientTimeout)
	assert.Equal(t, 7*time.Second, opts.StatsInterval)
	assert.False(t, opts.TLS.Enabled)
	// accept_invalid_certificates=true maps to verification off.
	assert.False(t, opts.TLS.VerifyCertificates)
}

func TestServerOptionsSelfSigned(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.SelfSigned = true

	opts, fingerprint, err := cfg.ServerOptions()
	require.NoError(t, err)
	assert.Len(t, fingerprint, 64)
	require.Len(t, opts.TLS.Certificates, 1)
	assert.True(t, opts.TLS.Enabled)
}

func TestClientOptionsMapping(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Client.ConnectTimeoutSeconds = 3
	opts := cfg.ClientOptions()
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.Equal(t, "127.0.0.1:9000", opts.Addr)
}
