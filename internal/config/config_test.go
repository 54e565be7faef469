package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "memory", cfg.Engine.Kind)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: ":9000"
engine:
  kind: badger
  path: /var/lib/genstore
  syncWrites: true
store:
  pageSize: 50
  cursorTTL: 2m
log:
  level: debug
  format: json
`))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, EngineConfig{Kind: "badger", Path: "/var/lib/genstore", SyncWrites: true}, cfg.Engine)
	require.Equal(t, 50, cfg.Store.PageSize)
	require.Equal(t, 2*time.Minute, cfg.Store.CursorTTL)
	require.Equal(t, 1024, cfg.Store.MaxCursors)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"unknown engine":      "engine:\n  kind: postgres\n",
		"sqlite without path": "engine:\n  kind: sqlite\n",
		"zero page size":      "store:\n  pageSize: 0\n",
		"bad log level":       "log:\n  level: loud\n",
		"oidc without issuer": "auth:\n  mode: oidc\n  clientID: c\n  redirectURL: http://localhost/cb\n",
		"unknown auth mode":   "auth:\n  mode: basic\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"PORT":               "7070",
		"GENSTORE_ENGINE":    "sqlite",
		"GENSTORE_PATH":      "/tmp/genstore.db",
		"GENSTORE_LOG_LEVEL": "warn",
	}
	require.NoError(t, applyEnv(&cfg, func(key string) string { return env[key] }))
	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, "sqlite", cfg.Engine.Kind)
	require.Equal(t, "/tmp/genstore.db", cfg.Engine.Path)
	require.Equal(t, "warn", cfg.Log.Level)
	require.NoError(t, cfg.Validate())

	env["PORT"] = "http"
	require.Error(t, applyEnv(&cfg, func(key string) string { return env[key] }))
}

func TestLoadFile(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("GENSTORE_ENGINE", "")
	t.Setenv("GENSTORE_PATH", "")
	t.Setenv("GENSTORE_LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "genstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  kind: sqlite\n  path: data.db\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Engine.Kind)
	require.Equal(t, "data.db", cfg.Engine.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
