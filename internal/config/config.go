package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreNATS   = "nats"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Action target backends
const (
	ActionsNATS   = "nats"
	ActionsPlugin = "plugin"
	ActionsNone   = "none"
)

// Config is the configuration shared by triggerd, triggerctl and actiond
type Config struct {
	NATS     NATSConfig    `yaml:"nats"`
	Store    StoreConfig   `yaml:"store"`
	Engine   EngineConfig  `yaml:"engine"`
	Actions  ActionsConfig `yaml:"actions"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Control  ControlConfig `yaml:"control"`
	LogLevel string        `yaml:"log_level"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	Subject       string        `yaml:"subject"`
	Durable       string        `yaml:"durable"`
	QueueGroup    string        `yaml:"queue_group"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxDeliveries int           `yaml:"max_deliveries"`
}

type StoreConfig struct {
	Type   string `yaml:"type"`
	Path   string `yaml:"path"`   // file and sqlite
	Bucket string `yaml:"bucket"` // nats
}

type EngineConfig struct {
	LogCapacity      int           `yaml:"log_capacity"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
	RoundStartEvents []string      `yaml:"round_start_events"`
	MatchStartEvents []string      `yaml:"match_start_events"`
}

type ActionsConfig struct {
	Type              string `yaml:"type"`
	SubjectPrefix     string `yaml:"subject_prefix"`
	DefaultConnection string `yaml:"default_connection"`
	PluginPath        string `yaml:"plugin_path"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables the metrics endpoint
}

type ControlConfig struct {
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:        "SCORING",
			Subject:       "scoring.events.>",
			Durable:       "trigger-engine",
			QueueGroup:    "trigger-engines",
			AckWait:       30 * time.Second,
			MaxDeliveries: 5,
		},
		Store: StoreConfig{
			Type:   StoreNATS,
			Bucket: "restrike_triggers",
		},
		Engine: EngineConfig{
			LogCapacity:      50,
			DispatchTimeout:  5 * time.Second,
			RoundStartEvents: []string{"rnd"},
			MatchStartEvents: []string{"mch"},
		},
		Actions: ActionsConfig{
			Type:              ActionsNATS,
			SubjectPrefix:     "restrike.action",
			DefaultConnection: "OBS_LIVE",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
		Control: ControlConfig{
			ServiceName: "trigger-control",
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path or a missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RESTRIKE_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("RESTRIKE_STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("RESTRIKE_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("RESTRIKE_DEFAULT_CONNECTION"); v != "" {
		c.Actions.DefaultConnection = v
	}
	if v := os.Getenv("RESTRIKE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs error

	if c.NATS.URL == "" {
		errs = multierr.Append(errs, errors.New("nats.url is required"))
	}
	if c.NATS.AckWait < 0 {
		errs = multierr.Append(errs, fmt.Errorf("nats.ack_wait must not be negative, got %v", c.NATS.AckWait))
	}
	if c.NATS.MaxDeliveries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("nats.max_deliveries must not be negative, got %d", c.NATS.MaxDeliveries))
	}

	switch c.Store.Type {
	case StoreNATS:
		if c.Store.Bucket == "" {
			errs = multierr.Append(errs, errors.New("store.bucket is required for the nats store"))
		}
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("store.path is required for the %s store", c.Store.Type))
		}
	case StoreMemory:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown store type %q", c.Store.Type))
	}

	if c.Engine.LogCapacity <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("engine.log_capacity must be positive, got %d", c.Engine.LogCapacity))
	}
	if c.Engine.DispatchTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("engine.dispatch_timeout must be positive, got %v", c.Engine.DispatchTimeout))
	}

	switch c.Actions.Type {
	case ActionsNATS:
		if c.Actions.SubjectPrefix == "" {
			errs = multierr.Append(errs, errors.New("actions.subject_prefix is required for nats actions"))
		}
	case ActionsPlugin:
		if c.Actions.PluginPath == "" {
			errs = multierr.Append(errs, errors.New("actions.plugin_path is required for plugin actions"))
		}
	case ActionsNone:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown actions type %q", c.Actions.Type))
	}

	if c.Control.ServiceName == "" {
		errs = multierr.Append(errs, errors.New("control.service_name is required"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("invalid log_level: %w", err))
	}

	if errs != nil {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

// NewLogger builds the process logger for the configured level. Debug
// selects the development encoder.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log_level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
