// Package config loads the credstore configuration from an optional YAML or
// JSON file and environment overrides. It is resolved once at startup and
// passed down explicitly; nothing in the module reads the environment after
// that.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend kinds accepted by storage.backend.
const (
	BackendAuto     = "auto"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Defaults applied by Default.
const (
	DefaultPort      = "8080"
	DefaultTimeout   = 5 * time.Second
	DefaultDataFile  = "data/api-keys.json"
	DefaultRedisKey  = "riverflow:api-keys"
	DefaultRecord    = "api-keys"
	DefaultSQLiteDSN = "data/credstore.db"
	DefaultBadgerDir = "data/badger"
)

// Config is the full process configuration.
type Config struct {
	Server  Server  `json:"server" yaml:"server"`
	Storage Storage `json:"storage" yaml:"storage"`
	Admin   Admin   `json:"admin" yaml:"admin"`
	Audit   Audit   `json:"audit" yaml:"audit"`
	Log     Log     `json:"log" yaml:"log"`
}

// Server configures the HTTP listener.
type Server struct {
	Port        string    `json:"port" yaml:"port"`
	CORSOrigins []string  `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	VerifyLimit RateLimit `json:"verify_rate_limit" yaml:"verify_rate_limit"`
}

// RateLimit is a per-client token bucket. A zero RequestsPerSecond disables
// limiting.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             float64 `json:"burst" yaml:"burst"`
}

// Storage selects and configures the persistence backend.
type Storage struct {
	// Backend is one of auto, file, redis, sqlite, postgres, badger. auto
	// picks redis in cloud mode and file otherwise.
	Backend string `json:"backend" yaml:"backend"`
	// Cloud is set from the deployment environment (VERCEL, VERCEL_ENV,
	// CREDSTORE_CLOUD).
	Cloud bool `json:"cloud" yaml:"cloud"`
	// Timeout bounds every backend call.
	Timeout Duration       `json:"timeout" yaml:"timeout"`
	File    FileStorage    `json:"file" yaml:"file"`
	Redis   RedisStorage   `json:"redis" yaml:"redis"`
	SQL     SQLStorage     `json:"sql" yaml:"sql"`
	Badger  BadgerStorage  `json:"badger" yaml:"badger"`
	Breaker CircuitBreaker `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// FileStorage configures the local JSON file backend.
type FileStorage struct {
	Path string `json:"path" yaml:"path"`
}

// RedisStorage configures the remote KV backend. URL may be a redis:// or
// rediss:// URL, or the https:// REST endpoint of a Vercel KV / Upstash
// database, in which case the host is dialled over TLS on 6379.
type RedisStorage struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token" yaml:"token"`
	Key   string `json:"key" yaml:"key"`
}

// SQLStorage configures the sqlite and postgres backends. Record names the
// snapshot row, so several stores can share one table.
type SQLStorage struct {
	DSN    string `json:"dsn" yaml:"dsn"`
	Record string `json:"record" yaml:"record"`
}

// BadgerStorage configures the embedded KV backend.
type BadgerStorage struct {
	Dir string `json:"dir" yaml:"dir"`
	Key string `json:"key" yaml:"key"`
}

// CircuitBreaker configures the breaker placed in front of networked
// backends.
type CircuitBreaker struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
}

// Admin configures the admin API.
type Admin struct {
	// Token is the bearer token required on /admin routes. Empty disables
	// the admin API.
	Token string `json:"token" yaml:"token"`
}

// Audit configures the optional audit log. An empty DSN disables it.
type Audit struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// Log configures the process logger.
type Log struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:        DefaultPort,
			VerifyLimit: RateLimit{RequestsPerSecond: 10, Burst: 20},
		},
		Storage: Storage{
			Backend: BackendAuto,
			Timeout: Duration(DefaultTimeout),
			File:    FileStorage{Path: DefaultDataFile},
			Redis:   RedisStorage{Key: DefaultRedisKey},
			SQL:     SQLStorage{Record: DefaultRecord},
			Badger:  BadgerStorage{Dir: DefaultBadgerDir, Key: DefaultRedisKey},
			Breaker: CircuitBreaker{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          Duration(30 * time.Second),
			},
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Load reads a config file on top of Default. Supported formats: JSON
// (.json), YAML (.yaml, .yml).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through getenv. Deployment
// signals only ever switch cloud mode on.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	if v, err := strconv.ParseFloat(getenv("CREDSTORE_VERIFY_RPS"), 64); err == nil {
		cfg.Server.VerifyLimit.RequestsPerSecond = v
	}
	if v, err := strconv.ParseFloat(getenv("CREDSTORE_VERIFY_BURST"), 64); err == nil {
		cfg.Server.VerifyLimit.Burst = v
	}

	if getenv("VERCEL") == "1" || getenv("VERCEL_ENV") != "" {
		cfg.Storage.Cloud = true
	}
	if v, err := strconv.ParseBool(getenv("CREDSTORE_CLOUD")); err == nil && v {
		cfg.Storage.Cloud = true
	}
	if v := getenv("CREDSTORE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := getenv("CREDSTORE_DATA_FILE"); v != "" {
		cfg.Storage.File.Path = v
	}
	if v := getenv("CREDSTORE_STORAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.Timeout = Duration(d)
		}
	}
	if v := getenv("KV_REST_API_URL"); v != "" {
		cfg.Storage.Redis.URL = v
	} else if v := getenv("KV_URL"); v != "" && cfg.Storage.Redis.URL == "" {
		cfg.Storage.Redis.URL = v
	}
	if v := getenv("KV_REST_API_TOKEN"); v != "" {
		cfg.Storage.Redis.Token = v
	}
	if v := getenv("CREDSTORE_SQL_DSN"); v != "" {
		cfg.Storage.SQL.DSN = v
	}
	if v := getenv("CREDSTORE_BADGER_DIR"); v != "" {
		cfg.Storage.Badger.Dir = v
	}

	if v := getenv("CREDSTORE_ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := getenv("CREDSTORE_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
	}
	if v := getenv("CREDSTORE_AUDIT_DRIVER"); v != "" {
		cfg.Audit.Driver = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Resolve builds the effective configuration: defaults, then the file at
// path when non-empty, then the environment.
func Resolve(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	ApplyEnv(cfg, getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvedBackend returns the concrete backend kind, turning auto into redis
// in cloud mode and file otherwise.
func (s Storage) ResolvedBackend() string {
	b := strings.ToLower(strings.TrimSpace(s.Backend))
	if b == "" || b == BackendAuto {
		if s.Cloud {
			return BackendRedis
		}
		return BackendFile
	}
	return b
}

// AuditDriver returns the audit log driver, defaulting to sqlite when only a
// DSN is given. Postgres URLs are recognised by scheme.
func (a Audit) AuditDriver() string {
	if a.Driver != "" {
		return strings.ToLower(a.Driver)
	}
	if strings.HasPrefix(a.DSN, "postgres://") || strings.HasPrefix(a.DSN, "postgresql://") {
		return BackendPostgres
	}
	return BackendSQLite
}

// Validate checks cfg for correctness and returns the first problem found.
// Missing remote credentials are not a config error: the redis backend
// reports them as unavailability on first use.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid server port %q", cfg.Server.Port)
	}

	if cfg.Server.VerifyLimit.RequestsPerSecond < 0 || cfg.Server.VerifyLimit.Burst < 0 {
		return fmt.Errorf("server.verify_rate_limit values must not be negative")
	}

	s := cfg.Storage
	switch s.ResolvedBackend() {
	case BackendFile:
		if strings.TrimSpace(s.File.Path) == "" {
			return fmt.Errorf("storage.file.path is required for the file backend")
		}
	case BackendRedis:
		if strings.TrimSpace(s.Redis.Key) == "" {
			return fmt.Errorf("storage.redis.key is required for the redis backend")
		}
	case BackendSQLite:
	case BackendPostgres:
		if strings.TrimSpace(s.SQL.DSN) == "" {
			return fmt.Errorf("storage.sql.dsn is required for the postgres backend")
		}
	case BackendBadger:
		if strings.TrimSpace(s.Badger.Dir) == "" {
			return fmt.Errorf("storage.badger.dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", s.Backend)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("storage.timeout must not be negative")
	}
	if s.Breaker.FailureThreshold < 0 || s.Breaker.SuccessThreshold < 0 || s.Breaker.Timeout < 0 {
		return fmt.Errorf("circuit_breaker values must not be negative")
	}

	if cfg.Audit.DSN != "" {
		switch cfg.Audit.AuditDriver() {
		case BackendSQLite, BackendPostgres:
		default:
			return fmt.Errorf("unknown audit driver: %q", cfg.Audit.Driver)
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format: %q", cfg.Log.Format)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
