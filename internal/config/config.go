// Package config loads settings from WEIGHSPLIT_ environment variables and the
// instance list from an optional YAML file.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"weighsplit/internal/domain"
)

const (
	// DefaultThreshold is used when an instance does not set one.
	DefaultThreshold = 10.0
	// MinThreshold and MaxThreshold bound the configurable threshold.
	MinThreshold = 0.5
	MaxThreshold = 40.0
	// ThresholdStep is the granularity of the threshold.
	ThresholdStep = 0.5

	generatedSourcePrefix = "sensor.mpws_"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all settings of the service.
type Config struct {
	Addr       string
	ConfigFile string
	LogLevel   slog.Level

	Storage StorageConfig
	NATS    NATSConfig
	Ingest  IngestConfig

	// APITokenHash is a bcrypt hash of the bearer token; empty disables auth.
	APITokenHash string

	Instances []domain.Instance
}

// StorageConfig selects the document store.
type StorageConfig struct {
	Engine      string // memory, postgres, sqlite or nats (default: memory)
	DatabaseURL string // postgres connection string
	SQLitePath  string // sqlite file (default: weighsplit.db)
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL     string        // empty disables NATS
	Bucket  string        // key-value bucket (default: weighsplit)
	Timeout time.Duration // per KV operation (default: 5s)
}

// IngestConfig configures the reading source and webhook limits.
type IngestConfig struct {
	Source string  // webhook or nats (default: webhook)
	Rate   float64 // webhook events per second (default: 5)
	Burst  int     // webhook burst (default: 10)
}

// Load reads the configuration from the environment and, if configured, the
// instance file. The result is validated.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:       getEnv("WEIGHSPLIT_ADDR", ":8080"),
		ConfigFile: os.Getenv("WEIGHSPLIT_CONFIG"),
		Storage: StorageConfig{
			Engine:      strings.ToLower(getEnv("WEIGHSPLIT_STORAGE", "memory")),
			DatabaseURL: os.Getenv("WEIGHSPLIT_DATABASE_URL"),
			SQLitePath:  getEnv("WEIGHSPLIT_SQLITE_PATH", "weighsplit.db"),
		},
		NATS: NATSConfig{
			URL:     os.Getenv("WEIGHSPLIT_NATS_URL"),
			Bucket:  getEnv("WEIGHSPLIT_NATS_BUCKET", "weighsplit"),
			Timeout: getEnvDuration("WEIGHSPLIT_NATS_TIMEOUT", 5*time.Second),
		},
		Ingest: IngestConfig{
			Source: strings.ToLower(getEnv("WEIGHSPLIT_SOURCE", "webhook")),
			Rate:   getEnvFloat("WEIGHSPLIT_INGEST_RATE", 5),
			Burst:  getEnvInt("WEIGHSPLIT_INGEST_BURST", 10),
		},
		APITokenHash: os.Getenv("WEIGHSPLIT_API_TOKEN_HASH"),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("WEIGHSPLIT_LOG_LEVEL", "info"))); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "log level: %v", err)
	}

	if cfg.ConfigFile != "" {
		instances, err := LoadInstances(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.Instances = instances
	} else if name := os.Getenv("WEIGHSPLIT_NAME"); name != "" {
		inst := domain.Instance{
			Name:      name,
			Source:    os.Getenv("WEIGHSPLIT_SOURCE_ID"),
			Threshold: getEnvFloat("WEIGHSPLIT_THRESHOLD", DefaultThreshold),
		}
		if err := ValidateInstances([]domain.Instance{inst}); err != nil {
			return nil, err
		}
		cfg.Instances = []domain.Instance{inst}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Engine {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.Wrap(ErrInvalidConfig, "WEIGHSPLIT_DATABASE_URL is required for postgres storage")
		}
	case "nats":
		if c.NATS.URL == "" {
			return errors.Wrap(ErrInvalidConfig, "WEIGHSPLIT_NATS_URL is required for nats storage")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown storage engine %q", c.Storage.Engine)
	}

	switch c.Ingest.Source {
	case "webhook":
	case "nats":
		if c.NATS.URL == "" {
			return errors.Wrap(ErrInvalidConfig, "WEIGHSPLIT_NATS_URL is required for the nats source")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown source %q", c.Ingest.Source)
	}

	if c.Ingest.Rate <= 0 || c.Ingest.Burst <= 0 {
		return errors.Wrap(ErrInvalidConfig, "ingest rate and burst must be > 0")
	}
	return nil
}

type instanceFile struct {
	Instances []instanceEntry `yaml:"instances"`
}

type instanceEntry struct {
	Name      string   `yaml:"name"`
	Source    string   `yaml:"source"`
	Threshold *float64 `yaml:"weight_difference_threshold"`
}

// LoadInstances reads and validates the instance list at path.
func LoadInstances(path string) ([]domain.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return ParseInstances(data)
}

// ParseInstances decodes and validates a YAML instance list.
func ParseInstances(data []byte) ([]domain.Instance, error) {
	var f instanceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "decode instances: %v", err)
	}

	out := make([]domain.Instance, 0, len(f.Instances))
	for _, e := range f.Instances {
		inst := domain.Instance{
			Name:      strings.TrimSpace(e.Name),
			Source:    strings.TrimSpace(e.Source),
			Threshold: DefaultThreshold,
		}
		if e.Threshold != nil {
			inst.Threshold = *e.Threshold
		}
		out = append(out, inst)
	}
	if err := ValidateInstances(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateInstances checks every instance and that their names do not collide
// once turned into identifiers.
func ValidateInstances(instances []domain.Instance) error {
	seen := make(map[string]string, len(instances))
	for i, inst := range instances {
		if err := ValidateInstance(inst); err != nil {
			return errors.Wrapf(err, "instance %d", i)
		}
		key := inst.IDSafeName()
		if prev, ok := seen[key]; ok {
			return errors.Wrapf(ErrInvalidConfig, "instance %q collides with %q", inst.Name, prev)
		}
		seen[key] = inst.Name
	}
	return nil
}

// ValidateInstance checks one instance.
func ValidateInstance(inst domain.Instance) error {
	if strings.TrimSpace(inst.Name) == "" {
		return errors.Wrap(ErrInvalidConfig, "name is required")
	}
	if strings.TrimSpace(inst.Source) == "" {
		return errors.Wrapf(ErrInvalidConfig, "%s: source is required", inst.Name)
	}
	if strings.HasPrefix(inst.Source, generatedSourcePrefix) {
		return errors.Wrapf(ErrInvalidConfig, "%s: source %s is a generated person sensor", inst.Name, inst.Source)
	}
	t := inst.Threshold
	if math.IsNaN(t) || t < MinThreshold || t > MaxThreshold {
		return errors.Wrapf(ErrInvalidConfig, "%s: threshold %v outside [%v, %v]", inst.Name, t, MinThreshold, MaxThreshold)
	}
	if steps := t / ThresholdStep; math.Abs(steps-math.Round(steps)) > 1e-9 {
		return errors.Wrapf(ErrInvalidConfig, "%s: threshold %v is not a multiple of %v", inst.Name, t, ThresholdStep)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// String describes the configuration without secrets.
func (c *Config) String() string {
	return fmt.Sprintf("addr=%s storage=%s source=%s instances=%d auth=%t",
		c.Addr, c.Storage.Engine, c.Ingest.Source, len(c.Instances), c.APITokenHash != "")
}
