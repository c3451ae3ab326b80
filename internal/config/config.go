// Package config loads the engine's runtime configuration from an optional
// YAML file, a ".env" file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SandboxVariant selects which Sandbox Provider implementation the engine
// uses for every run. Selection is a per-deployment policy, never per-run.
type SandboxVariant string

const (
	SandboxVariantLocalProcess SandboxVariant = "local"
	SandboxVariantContainer    SandboxVariant = "container"
	SandboxVariantClusterPod   SandboxVariant = "cluster"
)

// Config is the engine's top-level, explicit configuration struct. Unknown
// keys in a loaded YAML file are a configuration error (spec.md §9's
// "runtime reflection-based config loading" redesign note), so this struct
// is decoded with strict YAML unmarshalling.
type Config struct {
	MaxConcurrency int            `json:"max_concurrency" yaml:"max_concurrency" env:"REQ2RUN_MAX_CONCURRENCY"`
	EvidenceRoot   string         `json:"evidence_root" yaml:"evidence_root" env:"REQ2RUN_EVIDENCE_ROOT"`
	SandboxVariant SandboxVariant `json:"sandbox_variant" yaml:"sandbox_variant" env:"REQ2RUN_SANDBOX_VARIANT"`
	DefaultSeed    int64          `json:"default_seed" yaml:"default_seed" env:"REQ2RUN_DEFAULT_SEED"`
	EngineLogLevel string         `json:"engine_log_level" yaml:"engine_log_level" env:"REQ2RUN_ENGINE_LOG_LEVEL"`

	// Domain-stack extensions beyond spec.md §6's five base variables.
	ResultDBDSN   string `json:"result_db_dsn" yaml:"result_db_dsn" env:"REQ2RUN_RESULT_DB_DSN"`
	QueueBackend  string `json:"queue_backend" yaml:"queue_backend" env:"REQ2RUN_QUEUE_BACKEND"`
	AdminAddr     string `json:"admin_addr" yaml:"admin_addr" env:"REQ2RUN_ADMIN_ADDR"`
	SigningSecret string `json:"-" yaml:"-" env:"REQ2RUN_SIGNING_SECRET"`

	EngineVersion string `json:"engine_version" yaml:"engine_version"`
}

// New returns a Config populated with the engine's defaults.
func New() *Config {
	return &Config{
		MaxConcurrency: 4,
		EvidenceRoot:   "./runs",
		SandboxVariant: SandboxVariantLocalProcess,
		DefaultSeed:    42,
		EngineLogLevel: "info",
		QueueBackend:   "memory",
		EngineVersion:  "dev",
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE, else
// ./configs/config.yaml if present), a ".env" file, and the environment, with
// later sources overriding earlier ones.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if err := loadFromFile("configs/config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("load default config file: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("unknown or malformed key in %s: %w", path, err)
	}
	return nil
}

// Validate enforces the configuration invariants a malformed spec or
// deployment could violate. Per spec.md §7, configuration errors are
// surfaced at load time, never at dispatch.
func (c *Config) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	switch c.SandboxVariant {
	case SandboxVariantLocalProcess, SandboxVariantContainer, SandboxVariantClusterPod:
	default:
		return fmt.Errorf("unknown sandbox_variant %q", c.SandboxVariant)
	}
	if strings.TrimSpace(c.EvidenceRoot) == "" {
		return fmt.Errorf("evidence_root must not be empty")
	}
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue_backend %q (want memory or redis)", c.QueueBackend)
	}
	return nil
}
