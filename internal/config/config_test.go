package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("LEXISYNC_AUTH_JWT_KEY", "secret")
	t.Setenv("LEXISYNC_SYNC_MAX_BATCH", "250")
	t.Setenv("LEXISYNC_AUTH_ACCESS_TTL", "30m")
	t.Setenv("LEXISYNC_HTTP_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.Auth.JWTKey)
	require.Equal(t, 250, cfg.Sync.MaxBatch)
	require.Equal(t, 30*time.Minute, cfg.Auth.AccessTTL)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, ":9090", cfg.GRPC.Addr)
	require.Equal(t, time.Hour, cfg.Sync.SweepInterval)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexisync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  jwt_key: from-file
database:
  dsn: postgres://u:p@db:5432/x
  max_conns: 4
log:
  level: debug
`), 0o600))
	t.Setenv("LEXISYNC_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Auth.JWTKey)
	require.Equal(t, int32(4), cfg.Database.MaxConns)
	require.Equal(t, "warn", cfg.Log.Level, "env overrides the file")
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("LEXISYNC_AUTH_JWT_KEY", "")
	t.Setenv("LEXISYNC_TLS_CERT", "cert.pem")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth.jwt_key")
	require.Contains(t, err.Error(), "tls.cert")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
