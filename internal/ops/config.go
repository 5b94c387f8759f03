// Package ops loads the runtime configuration. File values define the
// topology; credentials come from the environment so the config file can
// be committed.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Postgres  PostgresConfig  `json:"postgres"`
	Admission AdmissionConfig `json:"admission"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Sweep     SweepConfig     `json:"sweep"`
	Profiling ProfilingConfig `json:"profiling"`
}

// ServerConfig defines the http listener.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// RedisConfig locates the shared key-value service.
type RedisConfig struct {
	Addr        string `json:"addr"`
	PasswordEnv string `json:"passwordEnv"`
	DB          int    `json:"db"`
}

// PostgresConfig locates the relational store.
type PostgresConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	PasswordEnv string `json:"passwordEnv"`
	Database    string `json:"database"`
	SSLMode     string `json:"sslMode"`
}

// AdmissionConfig tunes the per-IP connection gate.
type AdmissionConfig struct {
	MaxConnections int `json:"maxConnections"`
	WindowSeconds  int `json:"windowSeconds"`
}

// BroadcastConfig tunes the market data fan-out.
type BroadcastConfig struct {
	Symbols []string `json:"symbols"`
}

// SweepConfig tunes the idempotency housekeeping job.
type SweepConfig struct {
	IntervalSeconds int `json:"intervalSeconds"`
}

// ProfilingConfig captures the optional continuous profiler.
type ProfilingConfig struct {
	Enabled       bool   `json:"enabled"`
	ServerAddress string `json:"serverAddress"`
}

// Loaded is the resolved configuration ready for use, with credentials
// pulled from the environment.
type Loaded struct {
	Server        ServerConfig
	Redis         RedisConfig
	RedisPassword string
	Postgres      PostgresConfig
	PGPassword    string
	Admission     AdmissionConfig
	Symbols       []string
	SweepInterval time.Duration
	Profiling     ProfilingConfig
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	if cfg.Server.Addr == "" {
		return Loaded{}, fmt.Errorf("config: empty server.addr")
	}
	if cfg.Redis.Addr == "" {
		return Loaded{}, fmt.Errorf("config: empty redis.addr")
	}
	if cfg.Postgres.Host == "" || cfg.Postgres.Database == "" {
		return Loaded{}, fmt.Errorf("config: incomplete postgres section")
	}
	return Loaded{
		Server:        cfg.Server,
		Redis:         cfg.Redis,
		RedisPassword: envValue(cfg.Redis.PasswordEnv),
		Postgres:      cfg.Postgres,
		PGPassword:    envValue(cfg.Postgres.PasswordEnv),
		Admission:     cfg.Admission,
		Symbols:       cfg.Broadcast.Symbols,
		SweepInterval: time.Duration(cfg.Sweep.IntervalSeconds) * time.Second,
		Profiling:     cfg.Profiling,
	}, nil
}

// DSN renders the postgres connection string.
func (l Loaded) DSN() string {
	sslMode := l.Postgres.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := l.Postgres.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		l.Postgres.Host, port, l.Postgres.User, l.PGPassword, l.Postgres.Database, sslMode)
}

func envValue(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
