package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poold.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const minimal = `
pool_config: " pool.toml "
tls:
  allow_insecure: true
auth:
  hmac_secret: "0123456789abcdef"
chain:
  rpc_url: "http://127.0.0.1:8545"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	require.Equal(t, defaultListen, cfg.ListenAddress)
	require.Equal(t, "pool.toml", cfg.PoolConfig)
	require.Equal(t, defaultChainTimeout, cfg.Chain.Timeout)
	require.Equal(t, defaultShutdownTimeout, cfg.ShutdownTimeout)
	require.Equal(t, defaultMaxConnections, cfg.MaxConnections)
	require.False(t, cfg.Journal.Enabled())
	require.False(t, cfg.TLS.Enabled())
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: " :9000 "
max_connections: 64
data_dir: "/var/lib/poold"
pause_store: " /var/lib/poold-pauses.db "
pool_config: "pool.toml"
shutdown_timeout: 10s
tls:
  cert: "server.crt"
  key: "server.key"
auth:
  hmac_secret: "0123456789abcdef"
  issuer: poold
  audience: lendpool
  clock_skew: 45s
rate_limit:
  trust_proxy: true
  read: {rps: 20, burst: 40}
  write: {rps: 5, burst: 10}
journal:
  driver: " SQLite "
  dsn: "file:events.db"
chain:
  rpc_url: "https://node:8545"
  timeout: 2s
  tls_ca_file: " /etc/poold/node-ca.pem "
log:
  level: DEBUG
  file: /var/log/poold.log
  max_size_mb: 50
`))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, 64, cfg.MaxConnections)
	require.Equal(t, "/var/lib/poold-pauses.db", cfg.PauseStore)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.True(t, cfg.TLS.Enabled())
	require.Equal(t, 45*time.Second, cfg.Auth.ClockSkew)
	require.Equal(t, 20.0, cfg.RateLimit.Read.RatePerSecond)
	require.Equal(t, 10, cfg.RateLimit.Write.Burst)
	require.Equal(t, "sqlite", cfg.Journal.Driver)
	require.True(t, cfg.Journal.Enabled())
	require.Equal(t, 2*time.Second, cfg.Chain.Timeout)
	require.Equal(t, "/etc/poold/node-ca.pem", cfg.Chain.TLSCAFile)
	require.False(t, cfg.Chain.AllowInsecure)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigSecretFromEnv(t *testing.T) {
	t.Setenv(EnvJWTSecret, "fedcba9876543210-env")
	cfg, err := Load(writeConfig(t, `
pool_config: pool.toml
tls: {allow_insecure: true}
chain: {rpc_url: "http://node"}
`))
	require.NoError(t, err)
	require.Equal(t, "fedcba9876543210-env", cfg.Auth.HMACSecret)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": minimal + "bogus: 1\n",
		"no pool config": `
tls: {allow_insecure: true}
auth: {hmac_secret: "0123456789abcdef"}
chain: {rpc_url: "http://node"}
`,
		"tls half": `
pool_config: pool.toml
tls: {cert: server.crt}
auth: {hmac_secret: "0123456789abcdef"}
chain: {rpc_url: "http://node"}
`,
		"tls required": `
pool_config: pool.toml
auth: {hmac_secret: "0123456789abcdef"}
chain: {rpc_url: "http://node"}
`,
		"short secret": `
pool_config: pool.toml
tls: {allow_insecure: true}
auth: {hmac_secret: "short"}
chain: {rpc_url: "http://node"}
`,
		"journal driver": minimal + "journal: {driver: mysql, dsn: x}\n",
		"journal dsn":    minimal + "journal: {driver: postgres}\n",
		"negative rate":  minimal + "rate_limit: {read: {rps: -1}}\n",
		"log level":      minimal + "log: {level: loud}\n",
		"negative conns": minimal + "max_connections: -1\n",
		"chain tls conflict": `
pool_config: pool.toml
tls: {allow_insecure: true}
auth: {hmac_secret: "0123456789abcdef"}
chain: {rpc_url: "https://node", tls_ca_file: ca.pem, allow_insecure: true}
`,
		"no chain": `
pool_config: pool.toml
tls: {allow_insecure: true}
auth: {hmac_secret: "0123456789abcdef"}
`,
	}
	for name, contents := range cases {
		_, err := Load(writeConfig(t, contents))
		require.Error(t, err, name)
	}
}

func TestLoadConfigRequiresPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}
