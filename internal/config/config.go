// Package config loads the kernel configuration from an optional YAML
// file overlaid with environment variables, and can hot-reload it when
// the file changes on disk.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "noirdesk/pkg/errors"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the root configuration aggregate.
type Config struct {
	Environment Environment `yaml:"environment" validate:"oneof=development production"`

	Game        GameConfig        `yaml:"game"`
	Events      EventsConfig      `yaml:"events"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Cloud       CloudConfig       `yaml:"cloud"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// GameConfig holds gameplay-facing kernel settings.
type GameConfig struct {
	SaveDir          string        `yaml:"save_dir" validate:"required"`
	AutosaveInterval time.Duration `yaml:"autosave_interval" validate:"gte=0"`
	AutosaveSlot     int           `yaml:"autosave_slot" validate:"gte=0"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	QueueCapacity int `yaml:"queue_capacity" validate:"gt=0"`
	DrainBatch    int `yaml:"drain_batch" validate:"gt=0"`
}

// BootstrapConfig tunes the bootstrap sequencer.
type BootstrapConfig struct {
	// ServiceTimeout bounds one service's initialization; zero disables it.
	ServiceTimeout time.Duration `yaml:"service_timeout" validate:"gte=0"`
}

// CloudConfig configures the cloud save backend.
type CloudConfig struct {
	Enabled        bool          `yaml:"enabled"`
	TableName      string        `yaml:"table_name"`
	Region         string        `yaml:"region"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout" validate:"gte=0"`
}

// DiagnosticsConfig configures the readiness/metrics HTTP endpoint.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TelemetryConfig configures optional trace export.
type TelemetryConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

var validate = validator.New()

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Environment: Development,
		Game: GameConfig{
			SaveDir:          "saves",
			AutosaveInterval: 5 * time.Minute,
			AutosaveSlot:     0,
		},
		Events: EventsConfig{
			QueueCapacity: 1000,
			DrainBatch:    64,
		},
		Bootstrap: BootstrapConfig{
			ServiceTimeout: 30 * time.Second,
		},
		Cloud: CloudConfig{
			Enabled:        false,
			TableName:      "noirdesk-saves",
			Region:         "us-east-1",
			BreakerTimeout: 60 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8391",
		},
		Telemetry: TelemetryConfig{
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4318",
		},
	}
}

// Load builds the configuration in layers: defaults, the base YAML file
// at path, a sibling config.<environment>.yaml overlay, then environment
// variables, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
		if overlay := environmentOverlayPath(path, cfg.Environment); overlay != "" {
			if err := mergeFile(cfg, overlay); err != nil {
				return nil, err
			}
		}
	}

	applyEnv(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, apperrors.NewValidation("invalid configuration: " + err.Error())
	}
	return cfg, nil
}

// mergeFile unmarshals the file at path over cfg. A missing file is not
// an error; the previous layers stand.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return apperrors.NewIO("failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return apperrors.NewIO("failed to parse config file", err)
	}
	return nil
}

// environmentOverlayPath derives the config.<env>.yaml sibling of the
// base file. NOIRDESK_ENV wins over the base file's environment so the
// overlay and the final validation see the same environment.
func environmentOverlayPath(base string, env Environment) string {
	if v := os.Getenv("NOIRDESK_ENV"); v != "" {
		env = Environment(v)
	}
	if env == "" {
		return ""
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + string(env) + ext
}

// applyEnv overlays NOIRDESK_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NOIRDESK_ENV"); v != "" {
		cfg.Environment = Environment(v)
	}
	if v := os.Getenv("NOIRDESK_SAVE_DIR"); v != "" {
		cfg.Game.SaveDir = v
	}
	if v := os.Getenv("NOIRDESK_AUTOSAVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Game.AutosaveInterval = d
		}
	}
	if v := os.Getenv("NOIRDESK_EVENT_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Events.QueueCapacity = n
		}
	}
	if v := os.Getenv("NOIRDESK_SERVICE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bootstrap.ServiceTimeout = d
		}
	}
	if v := os.Getenv("NOIRDESK_CLOUD_ENABLED"); v != "" {
		cfg.Cloud.Enabled = v == "true"
	}
	if v := os.Getenv("NOIRDESK_CLOUD_TABLE"); v != "" {
		cfg.Cloud.TableName = v
	}
	if v := os.Getenv("NOIRDESK_CLOUD_REGION"); v != "" {
		cfg.Cloud.Region = v
	}
	if v := os.Getenv("NOIRDESK_DIAGNOSTICS_ADDR"); v != "" {
		cfg.Diagnostics.Enabled = true
		cfg.Diagnostics.Addr = v
	}
	if v := os.Getenv("NOIRDESK_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.TracingEnabled = true
		cfg.Telemetry.OTLPEndpoint = v
	}
}
