package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/edge-orchestrator/internal/jobstore"
	"github.com/ChuLiYu/edge-orchestrator/internal/storage/wal"
)

const (
	defaultConfigPath = "configs/default.yaml"
	defaultEnvFile    = ".env"

	driverMemory = "memory"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Orchestrator struct {
		UpdatePlacementInterval time.Duration `yaml:"update_placement_interval"`
		StaleAfter              time.Duration `yaml:"stale_after"`
		LeaseRetryLimit         int           `yaml:"lease_retry_limit"`
		HookTimeout             time.Duration `yaml:"hook_timeout"`
		PushPlacement           bool          `yaml:"push_placement"`
	} `yaml:"orchestrator"`

	Store struct {
		Driver           string        `yaml:"driver"` // memory, sqlite, postgres
		DSN              string        `yaml:"dsn"`
		JournalPath      string        `yaml:"journal_path"` // memory driver only
		SnapshotPath     string        `yaml:"snapshot_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"store"`

	WriterGroups struct {
		File  string `yaml:"file"`
		Watch bool   `yaml:"watch"`
	} `yaml:"writer_groups"`

	Matching struct {
		CaseInsensitive bool `yaml:"case_insensitive"`
	} `yaml:"matching"`

	Server struct {
		GRPCPort int `yaml:"grpc_port"`
		HTTPPort int `yaml:"http_port"` // 0 disables diagnostics
	} `yaml:"server"`

	Agent struct {
		ID                string            `yaml:"id"`
		Orchestrator      string            `yaml:"orchestrator"`
		Capabilities      map[string]string `yaml:"capabilities"`
		PollInterval      time.Duration     `yaml:"poll_interval"`
		HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	} `yaml:"agent"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`
}

func (c *Config) withDefaults() {
	if c.Orchestrator.UpdatePlacementInterval == 0 {
		c.Orchestrator.UpdatePlacementInterval = 10 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = driverMemory
	}
	if c.WriterGroups.File == "" {
		c.WriterGroups.File = "configs/writer-groups.yaml"
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 50051
	}
	if c.Agent.Orchestrator == "" {
		c.Agent.Orchestrator = fmt.Sprintf("localhost:%d", c.Server.GRPCPort)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case driverMemory:
	case jobstore.DriverSQLite, jobstore.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want memory, sqlite or postgres)", c.Store.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// loadEnv loads KEY=VALUE pairs from path into the environment. Variables
// already set win. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the YAML config at path, expanding ${VAR} references
// from the environment. A missing file at the default path yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// openStore opens the configured job store together with its close
// function.
func openStore(ctx context.Context, cfg *Config) (jobstore.Store, func() error, error) {
	if cfg.Store.Driver == driverMemory {
		if cfg.Store.JournalPath == "" {
			return jobstore.NewMemoryStore(), func() error { return nil }, nil
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Store.JournalPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		log, err := wal.NewWAL(cfg.Store.JournalPath, true)
		if err != nil {
			return nil, nil, err
		}
		store := jobstore.NewJournaledStore(jobstore.NewMemoryStore(), log)
		return store, store.Close, nil
	}
	store, err := jobstore.OpenSQL(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}
