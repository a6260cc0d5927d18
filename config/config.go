// Package config loads the petalrun server configuration from YAML with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalrun/store"
)

const (
	projectConfigName = "petalrun.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".petalrun"
)

// Environment variables that override file values.
const (
	EnvSQLitePath   = "PETALRUN_SQLITE_PATH"
	EnvLLMProvider  = "PETALRUN_LLM_PROVIDER"
	EnvLLMModel     = "PETALRUN_LLM_MODEL"
	EnvOTLPEndpoint = "PETALRUN_OTLP_ENDPOINT"
	EnvLogLevel     = "PETALRUN_LOG_LEVEL"
)

// Config is the full server configuration.
type Config struct {
	Listen     ListenConfig    `yaml:"listen"`
	CORSOrigin string          `yaml:"cors_origin"`
	SQLitePath string          `yaml:"sqlite_path"`
	Bus        BusConfig       `yaml:"bus"`
	Runs       RunsConfig      `yaml:"runs"`
	Retention  RetentionConfig `yaml:"retention"`
	SSE        SSEConfig       `yaml:"sse"`
	LLM        LLMConfig       `yaml:"llm"`
	OTel       OTelConfig      `yaml:"otel"`
	Log        LogConfig       `yaml:"log"`
}

// ListenConfig is the HTTP listen address.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// BusConfig sizes the in-memory event bus.
type BusConfig struct {
	HistorySize      int `yaml:"history_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// RunsConfig bounds runs.
type RunsConfig struct {
	MaxConcurrent   int64 `yaml:"max_concurrent"`
	DefaultMaxSteps int   `yaml:"default_max_steps"`
	MaxStepsLimit   int   `yaml:"max_steps_limit"`
}

// RetentionConfig controls event pruning. A zero MaxAge keeps events forever.
type RetentionConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// SSEConfig tunes the event stream.
type SSEConfig struct {
	KeepAlive time.Duration `yaml:"keepalive"`
}

// LLMConfig selects the reasoning provider. An empty Provider uses the
// offline rule stepper.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the provider key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey reads the provider key from APIKeyEnv.
func (l LLMConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.APIKeyEnv)
}

// OTelConfig configures telemetry export. An empty endpoint disables export.
type OTelConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is found.
func Default() Config {
	return Config{
		Listen:     ListenConfig{Host: "127.0.0.1", Port: 8000},
		CORSOrigin: "*",
		Bus:        BusConfig{HistorySize: 1024, SubscriberBuffer: 256},
		Runs:       RunsConfig{MaxConcurrent: 64, DefaultMaxSteps: 50, MaxStepsLimit: 500},
		Retention:  RetentionConfig{PruneSchedule: store.DefaultPruneSchedule},
		SSE:        SSEConfig{KeepAlive: 15 * time.Second},
		OTel:       OTelConfig{ServiceName: "petalrun"},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// DiscoverPath resolves the config file with first-match semantics:
// the explicit path, then ./petalrun.yaml, then ~/.petalrun/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Without a home directory only the project file is searched.
		homeDir = ""
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	explicit := strings.TrimSpace(explicitPath)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and reads the configuration, applying defaults for unset
// keys and then environment overrides. It does not validate.
func Load(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	cfg := Default()
	if found {
		cfg, err = LoadFile(path)
		if err != nil {
			return Config{}, "", err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, path, nil
}

// LoadFile reads one YAML file over the defaults.
func LoadFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.LLM.Provider = strings.TrimSpace(cfg.LLM.Provider)
	return cfg, nil
}

// ApplyEnv overrides file values from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvSQLitePath); ok {
		c.SQLitePath = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLLMProvider); ok {
		c.LLM.Provider = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLLMModel); ok {
		c.LLM.Model = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok {
		c.OTel.OTLPEndpoint = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = strings.TrimSpace(v)
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port must be between 0 and 65535, got %d", c.Listen.Port))
	}
	if c.Bus.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("bus.history_size must be positive, got %d", c.Bus.HistorySize))
	}
	if c.Bus.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("bus.subscriber_buffer must be positive, got %d", c.Bus.SubscriberBuffer))
	}
	if c.Runs.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("runs.max_concurrent must be positive, got %d", c.Runs.MaxConcurrent))
	}
	if c.Runs.DefaultMaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("runs.default_max_steps must be positive, got %d", c.Runs.DefaultMaxSteps))
	}
	if c.Runs.MaxStepsLimit <= 0 {
		errs = append(errs, fmt.Errorf("runs.max_steps_limit must be positive, got %d", c.Runs.MaxStepsLimit))
	} else if c.Runs.DefaultMaxSteps > c.Runs.MaxStepsLimit {
		errs = append(errs, fmt.Errorf("runs.default_max_steps (%d) exceeds runs.max_steps_limit (%d)",
			c.Runs.DefaultMaxSteps, c.Runs.MaxStepsLimit))
	}
	if c.Retention.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("retention.max_age must not be negative, got %s", c.Retention.MaxAge))
	}
	if c.Retention.MaxAge > 0 {
		if _, err := store.ParsePruneSchedule(c.Retention.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.prune_schedule: %w", err))
		}
	}
	if c.SSE.KeepAlive <= 0 {
		errs = append(errs, fmt.Errorf("sse.keepalive must be positive, got %s", c.SSE.KeepAlive))
	}
	if c.LLM.Provider != "" && strings.TrimSpace(c.LLM.Model) == "" {
		errs = append(errs, errors.New("llm.model is required when llm.provider is set"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", name)
}
