package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `{
	"server": {"addr": ":8080"},
	"redis": {"addr": "localhost:6379", "passwordEnv": "TEST_REDIS_PASSWORD"},
	"postgres": {"host": "localhost", "user": "app", "passwordEnv": "TEST_PG_PASSWORD", "database": "trading"},
	"admission": {"maxConnections": 5, "windowSeconds": 60},
	"broadcast": {"symbols": ["XAUUSD", "BTCUSD"]},
	"sweep": {"intervalSeconds": 300},
	"profiling": {"enabled": false}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config, err: %+v", err)
	}
	return path
}

func TestLoadResolvesEnvCredentials(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "r-secret")
	t.Setenv("TEST_PG_PASSWORD", "pg-secret")

	loaded, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load, err: %+v", err)
	}
	if loaded.RedisPassword != "r-secret" {
		t.Fatalf("redis password not resolved: %q", loaded.RedisPassword)
	}
	if loaded.PGPassword != "pg-secret" {
		t.Fatalf("pg password not resolved: %q", loaded.PGPassword)
	}
	if loaded.SweepInterval != 5*time.Minute {
		t.Fatalf("sweep interval: %v", loaded.SweepInterval)
	}
	if len(loaded.Symbols) != 2 {
		t.Fatalf("symbols: %v", loaded.Symbols)
	}

	dsn := loaded.DSN()
	want := "host=localhost port=5432 user=app password=pg-secret dbname=trading sslmode=disable"
	if dsn != want {
		t.Fatalf("dsn mismatch:\n  got  %s\n  want %s", dsn, want)
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	if _, err := Load(writeConfig(t, `{"server": {"addr": ":8080"}}`)); err == nil {
		t.Fatalf("expected error for missing redis section")
	}
	if _, err := Load(writeConfig(t, `not json`)); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}
