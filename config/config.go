// Package config loads service configuration for the turnpipe binaries from
// YAML. Load starts from Default and overlays the file, so deployments only
// declare the fields they change. Connection settings can also come from the
// environment, which takes precedence over the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

type (
	// Config is the root configuration for the turnpipe binaries.
	Config struct {
		// Backend selects the event store implementation.
		Backend  string   `yaml:"backend"`
		Redis    Redis    `yaml:"redis"`
		Mongo    Mongo    `yaml:"mongo"`
		Postgres Postgres `yaml:"postgres"`
		Stream   Stream   `yaml:"stream"`
		Persist  Persist  `yaml:"persist"`
		Ops      Ops      `yaml:"ops"`
	}

	// Redis configures the connection shared by the sequence allocator and
	// the Pulse stream sink.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// SequenceKey namespaces the shared sequence counter. Empty uses the
		// allocator default.
		SequenceKey string `yaml:"sequence_key"`
	}

	// Mongo configures the MongoDB event store.
	Mongo struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
		TimeoutMS  int    `yaml:"timeout_ms"`
	}

	// Postgres configures the PostgreSQL event store.
	Postgres struct {
		URL string `yaml:"url"`
	}

	// Stream configures the live Pulse streams.
	Stream struct {
		// MaxLen bounds entries kept per session stream. Zero keeps the
		// Pulse default.
		MaxLen    int `yaml:"max_len"`
		TimeoutMS int `yaml:"timeout_ms"`
	}

	// Persist configures the async write coordinator.
	Persist struct {
		QueueSize      int `yaml:"queue_size"`
		WriteTimeoutMS int `yaml:"write_timeout_ms"`
	}

	// Ops configures the operational HTTP endpoint serving health checks.
	Ops struct {
		Addr string `yaml:"addr"`
	}
)

// Default returns the configuration used when no file overrides it: the
// in-memory store with local Redis, suitable for the demo command.
func Default() Config {
	return Config{
		Backend: BackendMemory,
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Mongo: Mongo{
			URI:       "mongodb://localhost:27017",
			Database:  "turnpipe",
			TimeoutMS: 5000,
		},
		Postgres: Postgres{
			URL: "postgres://localhost:5432/turnpipe",
		},
		Stream: Stream{
			MaxLen:    1000,
			TimeoutMS: 5000,
		},
		Persist: Persist{
			QueueSize:      512,
			WriteTimeoutMS: 10000,
		},
		Ops: Ops{
			Addr: ":8080",
		},
	}
}

// Load reads the YAML file at path over the defaults. Environment variables
// REDIS_ADDR, MONGO_URI and POSTGRES_URL override both.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when path is empty
// or the file does not exist.
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}
	return Load(path)
}

// Validate checks fields whose misconfiguration would only surface at
// runtime, such as the backend name.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendMongo, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q (valid: %s, %s, %s)",
			c.Backend, BackendMemory, BackendMongo, BackendPostgres)
	}
	if c.Backend == BackendMongo && c.Mongo.URI == "" {
		return fmt.Errorf("mongo backend requires mongo.uri")
	}
	if c.Backend == BackendPostgres && c.Postgres.URL == "" {
		return fmt.Errorf("postgres backend requires postgres.url")
	}
	return nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		c.Mongo.URI = uri
	}
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		c.Postgres.URL = url
	}
}

// Timeout returns the Mongo operation timeout as a duration.
func (m Mongo) Timeout() time.Duration {
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// Timeout returns the stream publish timeout as a duration.
func (s Stream) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// WriteTimeout returns the per-append timeout as a duration.
func (p Persist) WriteTimeout() time.Duration {
	return time.Duration(p.WriteTimeoutMS) * time.Millisecond
}
