package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP           HTTPConfig
	Backend        BackendConfig
	Session        SessionConfig
	DatabaseURL    string
	SQLitePath     string
	RedisURL       string
	AuditLogFile   string
	Log            LogConfig
	MetricsEnabled bool
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type BackendConfig struct {
	URL       string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

// SessionConfig selects where the auth token and cached user are kept.
// Store is one of file, postgres, sqlite, redis or memory.
type SessionConfig struct {
	Store     string
	File      string
	Namespace string
	Watch     bool
}

type LogConfig struct {
	Level  string
	Format string
}

// fileConfig is the optional YAML layer named by CONFIG_FILE. It sits between
// the built-in defaults and the environment.
type fileConfig struct {
	HTTP struct {
		Addr               string `yaml:"addr"`
		ReadTimeoutSec     int    `yaml:"read_timeout_sec"`
		WriteTimeoutSec    int    `yaml:"write_timeout_sec"`
		ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	} `yaml:"http"`
	Backend struct {
		URL         string `yaml:"url"`
		TimeoutSec  int    `yaml:"timeout_sec"`
		CacheSize   int    `yaml:"cache_size"`
		CacheTTLSec int    `yaml:"cache_ttl_sec"`
	} `yaml:"backend"`
	Session struct {
		Store     string `yaml:"store"`
		File      string `yaml:"file"`
		Namespace string `yaml:"namespace"`
		Watch     bool   `yaml:"watch"`
	} `yaml:"session"`
	DatabaseURL  string `yaml:"database_url"`
	SQLitePath   string `yaml:"sqlite_path"`
	RedisURL     string `yaml:"redis_url"`
	AuditLogFile string `yaml:"audit_log_file"`
	Log          struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

func defaults() fileConfig {
	var fc fileConfig
	fc.HTTP.Addr = ":5173"
	fc.HTTP.ReadTimeoutSec = 10
	fc.HTTP.WriteTimeoutSec = 15
	fc.HTTP.ShutdownTimeoutSec = 20
	fc.Backend.URL = "http://localhost:8080"
	fc.Backend.TimeoutSec = 15
	fc.Backend.CacheSize = 128
	fc.Backend.CacheTTLSec = 30
	fc.Session.Store = "file"
	fc.Session.File = DefaultSessionFile()
	fc.Session.Namespace = "eduscrum-portal"
	fc.Session.Watch = true
	fc.SQLitePath = "./data/session.db"
	fc.AuditLogFile = "./data/audit.log"
	fc.Log.Level = "info"
	fc.Log.Format = "json"
	fc.MetricsEnabled = true
	return fc
}

// DefaultSessionFile is shared by the portal and the terminal client so that
// both see the same session.
func DefaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "./data/session.json"
	}
	return filepath.Join(dir, "eduscrum", "session.json")
}

// Load resolves configuration from defaults, then CONFIG_FILE, then the
// environment. A .env file (DOTENV_FILE, default ./.env) only fills variables
// that are not already set.
func Load() (Config, error) {
	if err := loadDotEnv(getEnv("DOTENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	fc := defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := readFile(path, &fc); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", fc.HTTP.Addr),
			ReadTimeout:     time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SEC", fc.HTTP.ReadTimeoutSec)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SEC", fc.HTTP.WriteTimeoutSec)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SEC", fc.HTTP.ShutdownTimeoutSec)) * time.Second,
		},
		Backend: BackendConfig{
			URL:       getEnv("BACKEND_URL", fc.Backend.URL),
			Timeout:   time.Duration(getEnvInt("BACKEND_TIMEOUT_SEC", fc.Backend.TimeoutSec)) * time.Second,
			CacheSize: getEnvInt("BACKEND_CACHE_SIZE", fc.Backend.CacheSize),
			CacheTTL:  time.Duration(getEnvInt("BACKEND_CACHE_TTL_SEC", fc.Backend.CacheTTLSec)) * time.Second,
		},
		Session: SessionConfig{
			Store:     strings.ToLower(getEnv("SESSION_STORE", fc.Session.Store)),
			File:      getEnv("SESSION_FILE", fc.Session.File),
			Namespace: getEnv("SESSION_NAMESPACE", fc.Session.Namespace),
			Watch:     getEnvBool("SESSION_WATCH", fc.Session.Watch),
		},
		DatabaseURL:  getEnv("DATABASE_URL", fc.DatabaseURL),
		SQLitePath:   getEnv("SQLITE_PATH", fc.SQLitePath),
		RedisURL:     getEnv("REDIS_URL", fc.RedisURL),
		AuditLogFile: getEnv("AUDIT_LOG_FILE", fc.AuditLogFile),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", fc.Log.Level),
			Format: strings.ToLower(getEnv("LOG_FORMAT", fc.Log.Format)),
		},
		MetricsEnabled: getEnvBool("METRICS_ENABLED", fc.MetricsEnabled),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if cfg.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP_READ_TIMEOUT_SEC must be > 0")
	}
	if cfg.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT_SEC must be > 0")
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP_SHUTDOWN_TIMEOUT_SEC must be > 0")
	}
	if cfg.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL must not be empty")
	}
	if cfg.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT_SEC must be > 0")
	}
	if cfg.Backend.CacheSize < 0 {
		return fmt.Errorf("BACKEND_CACHE_SIZE must be >= 0")
	}
	if cfg.Backend.CacheTTL < 0 {
		return fmt.Errorf("BACKEND_CACHE_TTL_SEC must be >= 0")
	}
	if cfg.Session.Namespace == "" {
		return fmt.Errorf("SESSION_NAMESPACE must not be empty")
	}

	switch cfg.Session.Store {
	case "file":
		if cfg.Session.File == "" {
			return fmt.Errorf("SESSION_FILE must not be empty when SESSION_STORE=file")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must not be empty when SESSION_STORE=postgres")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must not be empty when SESSION_STORE=sqlite")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must not be empty when SESSION_STORE=redis")
		}
	case "memory":
	default:
		return fmt.Errorf("SESSION_STORE must be one of file, postgres, sqlite, redis, memory; got %q", cfg.Session.Store)
	}

	if cfg.AuditLogFile == "" {
		return fmt.Errorf("AUDIT_LOG_FILE must not be empty")
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", cfg.Log.Format)
	}
	return nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readFile(path string, fc *fileConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(raw, fc); err != nil {
		return fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
