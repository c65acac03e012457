// Package config defines the board service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server ServerConfig `yaml:"server" toml:"server"`
	Store  StoreConfig  `yaml:"store" toml:"store"`
	Redis  RedisConfig  `yaml:"redis" toml:"redis"`
	Board  BoardConfig  `yaml:"board" toml:"board"`
	Events EventsConfig `yaml:"events" toml:"events"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	AllowOrigins    []string      `yaml:"allow_origins" toml:"allow_origins"`
}

// StoreConfig selects the project store backend.
type StoreConfig struct {
	Driver           string `yaml:"driver" toml:"driver"` // "tables", "sqlite" or "mongo"
	ConnectionString string `yaml:"connection_string" toml:"connection_string"`
	ProjectsTable    string `yaml:"projects_table" toml:"projects_table"`
	SQLitePath       string `yaml:"sqlite_path" toml:"sqlite_path"`
	MongoURI         string `yaml:"mongo_uri" toml:"mongo_uri"`
	MongoDatabase    string `yaml:"mongo_database" toml:"mongo_database"`
	MongoCollection  string `yaml:"mongo_collection" toml:"mongo_collection"`
}

// RedisConfig enables the read cache and cross-instance events. Both are off
// when ConnectionString is empty.
type RedisConfig struct {
	ConnectionString string        `yaml:"connection_string" toml:"connection_string"`
	CacheTTL         time.Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	EventsChannel    string        `yaml:"events_channel" toml:"events_channel"`
}

// BoardConfig tunes board behaviour.
type BoardConfig struct {
	Stages          []string `yaml:"stages" toml:"stages"`
	ConflictRetries int      `yaml:"conflict_retries" toml:"conflict_retries"`
	LayoutMode      string   `yaml:"layout_mode" toml:"layout_mode"` // "atomic" or "per-task"
}

// EventsConfig sizes the event dispatcher. Queue names an optional storage
// queue receiving every event.
type EventsConfig struct {
	Workers        int           `yaml:"workers" toml:"workers"`
	Buffer         int           `yaml:"buffer" toml:"buffer"`
	PublishTimeout time.Duration `yaml:"publish_timeout" toml:"publish_timeout"`
	HandoffTimeout time.Duration `yaml:"handoff_timeout" toml:"handoff_timeout"`
	Queue          string        `yaml:"queue" toml:"queue"`
}

// LogConfig controls logrus.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "text" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			AllowOrigins:    []string{"*"},
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			ProjectsTable:   "projects",
			SQLitePath:      "./kanban.db",
			MongoDatabase:   "kanban",
			MongoCollection: "projects",
		},
		Redis: RedisConfig{
			CacheTTL:      5 * time.Minute,
			EventsChannel: "board-events",
		},
		Board: BoardConfig{
			Stages:          []string{"To-do", "In Progress", "Done"},
			ConflictRetries: 8,
			LayoutMode:      "atomic",
		},
		Events: EventsConfig{
			Workers:        4,
			Buffer:         1024,
			PublishTimeout: 10 * time.Second,
			HandoffTimeout: 15 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the optional config file at path (YAML, or TOML by extension),
// then .env, then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	case ".yaml", ".yml", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}

type lookupFunc func(string) (string, bool)

// applyEnv lets deployment settings override the file, using the variable
// names the hosting environment already provides.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORAGE_CONNECTION_STRING", &c.Store.ConnectionString)
	str("PROJECTS_TABLE", &c.Store.ProjectsTable)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("MONGO_URI", &c.Store.MongoURI)
	str("MONGO_DATABASE", &c.Store.MongoDatabase)
	str("REDIS_CONNECTION_STRING", &c.Redis.ConnectionString)
	str("EVENTS_CHANNEL", &c.Redis.EventsChannel)
	str("EVENTS_QUEUE", &c.Events.Queue)
	str("LAYOUT_MODE", &c.Board.LayoutMode)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	if v, ok := lookup("DEBUG"); ok {
		if dbg, err := strconv.ParseBool(v); err == nil && dbg {
			c.Log.Level = "debug"
		}
	}
	if v, ok := lookup("BOARD_STAGES"); ok && v != "" {
		var stages []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				stages = append(stages, s)
			}
		}
		c.Board.Stages = stages
	}

	for _, it := range []struct {
		key string
		dst *int
	}{
		{"CONFLICT_RETRIES", &c.Board.ConflictRetries},
		{"EVENTS_WORKERS", &c.Events.Workers},
		{"EVENTS_BUFFER", &c.Events.Buffer},
	} {
		if err := envInt(lookup, it.key, it.dst); err != nil {
			return err
		}
	}
	for _, it := range []struct {
		key string
		dst *time.Duration
	}{
		{"CACHE_TTL", &c.Redis.CacheTTL},
		{"EVENTS_PUBLISH_TIMEOUT", &c.Events.PublishTimeout},
		{"EVENTS_HANDOFF_TIMEOUT", &c.Events.HandoffTimeout},
	} {
		if err := envDur(lookup, it.key, it.dst); err != nil {
			return err
		}
	}
	return nil
}

func envInt(lookup lookupFunc, key string, dst *int) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDur(lookup lookupFunc, key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate reports the first setting the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "tables":
		if c.Store.ConnectionString == "" || c.Store.ProjectsTable == "" {
			return errors.New("missing storage config")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("missing sqlite path")
		}
	case "mongo":
		if c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			return errors.New("missing mongo config")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Board.LayoutMode {
	case "atomic", "per-task":
	default:
		return fmt.Errorf("invalid layout mode %q", c.Board.LayoutMode)
	}
	seen := map[string]bool{}
	for _, s := range c.Board.Stages {
		if strings.TrimSpace(s) == "" || seen[s] {
			return fmt.Errorf("invalid board stages %v", c.Board.Stages)
		}
		seen[s] = true
	}
	if c.Board.ConflictRetries <= 0 {
		return errors.New("invalid conflict retries: must be greater than zero")
	}
	if c.Events.Workers <= 0 || c.Events.Buffer <= 0 {
		return errors.New("invalid events pool: workers and buffer must be greater than zero")
	}
	if c.Events.Queue != "" && c.Store.ConnectionString == "" {
		return errors.New("events queue requires STORAGE_CONNECTION_STRING")
	}
	if c.Redis.CacheTTL < 0 {
		return errors.New("invalid cache ttl")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}
