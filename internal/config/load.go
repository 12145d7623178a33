package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load constructs the runtime configuration by merging defaults, the
// optional YAML file, environment variables, and caller overrides, in that
// precedence order.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := Config{
		MaxConcurrency: DefaultMaxConcurrency,
		BufferBytes:    DefaultBufferBytes,
		GracePeriod:    DefaultGracePeriod,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		Profile:        ProfileEnhanced,
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

type fileConfig struct {
	AgentCLIPath   string `yaml:"agent_cli_path"`
	Mock           *bool  `yaml:"mock"`
	MaxConcurrency *int   `yaml:"max_concurrency"`
	BufferBytes    *int   `yaml:"buffer_bytes"`
	GracePeriodMS  *int   `yaml:"grace_period_ms"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	Profile        string `yaml:"profile"`
}

func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	configPath := opts.configPath
	if configPath == "" {
		home, err := opts.homeDir()
		if err != nil {
			return nil
		}
		configPath = filepath.Join(home, DefaultConfigFileName)
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", configPath, err)
	}

	if parsed.AgentCLIPath != "" {
		cfg.AgentCLIPath = parsed.AgentCLIPath
		meta.sources["agent_cli_path"] = SourceFile
	}
	if parsed.Mock != nil {
		cfg.Mock = *parsed.Mock
		meta.sources["mock"] = SourceFile
	}
	if parsed.MaxConcurrency != nil {
		cfg.MaxConcurrency = *parsed.MaxConcurrency
		meta.sources["max_concurrency"] = SourceFile
	}
	if parsed.BufferBytes != nil {
		cfg.BufferBytes = *parsed.BufferBytes
		meta.sources["buffer_bytes"] = SourceFile
	}
	if parsed.GracePeriodMS != nil {
		cfg.GracePeriod = time.Duration(*parsed.GracePeriodMS) * time.Millisecond
		meta.sources["grace_period_ms"] = SourceFile
	}
	if parsed.LogLevel != "" {
		cfg.LogLevel = parsed.LogLevel
		meta.sources["log_level"] = SourceFile
	}
	if parsed.LogFormat != "" {
		cfg.LogFormat = parsed.LogFormat
		meta.sources["log_format"] = SourceFile
	}
	if parsed.Profile != "" {
		cfg.Profile = Profile(parsed.Profile)
		meta.sources["profile"] = SourceFile
	}
	return nil
}

func applyEnv(cfg *Config, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	if value, ok := lookup("AGENT_CLI_PATH"); ok && value != "" {
		cfg.AgentCLIPath = value
		meta.sources["agent_cli_path"] = SourceEnv
	}
	if value, ok := lookup("AGENT_MOCK"); ok && value != "" {
		cfg.Mock = IsTruthy(value)
		meta.sources["mock"] = SourceEnv
	}
	if value, ok := lookup("MAX_CONCURRENCY"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse MAX_CONCURRENCY: %w", err)
		}
		cfg.MaxConcurrency = parsed
		meta.sources["max_concurrency"] = SourceEnv
	}
	if value, ok := lookup("BUFFER_BYTES"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse BUFFER_BYTES: %w", err)
		}
		cfg.BufferBytes = parsed
		meta.sources["buffer_bytes"] = SourceEnv
	}
	if value, ok := lookup("GRACE_PERIOD_MS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse GRACE_PERIOD_MS: %w", err)
		}
		cfg.GracePeriod = time.Duration(parsed) * time.Millisecond
		meta.sources["grace_period_ms"] = SourceEnv
	}
	if value, ok := lookup("LOG_LEVEL"); ok && value != "" {
		cfg.LogLevel = value
		meta.sources["log_level"] = SourceEnv
	}
	if value, ok := lookup("LOG_FORMAT"); ok && value != "" {
		cfg.LogFormat = value
		meta.sources["log_format"] = SourceEnv
	}
	if value, ok := lookup("ORCHESTRATOR_PROFILE"); ok && value != "" {
		cfg.Profile = Profile(value)
		meta.sources["profile"] = SourceEnv
	}
	return nil
}

func applyOverrides(cfg *Config, meta *Metadata, overrides Overrides) {
	if overrides.AgentCLIPath != nil {
		cfg.AgentCLIPath = *overrides.AgentCLIPath
		meta.sources["agent_cli_path"] = SourceOverride
	}
	if overrides.Mock != nil {
		cfg.Mock = *overrides.Mock
		meta.sources["mock"] = SourceOverride
	}
	if overrides.MaxConcurrency != nil {
		cfg.MaxConcurrency = *overrides.MaxConcurrency
		meta.sources["max_concurrency"] = SourceOverride
	}
	if overrides.BufferBytes != nil {
		cfg.BufferBytes = *overrides.BufferBytes
		meta.sources["buffer_bytes"] = SourceOverride
	}
	if overrides.GracePeriodMS != nil {
		cfg.GracePeriod = time.Duration(*overrides.GracePeriodMS) * time.Millisecond
		meta.sources["grace_period_ms"] = SourceOverride
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = *overrides.LogLevel
		meta.sources["log_level"] = SourceOverride
	}
	if overrides.LogFormat != nil {
		cfg.LogFormat = *overrides.LogFormat
		meta.sources["log_format"] = SourceOverride
	}
	if overrides.Profile != nil {
		cfg.Profile = Profile(*overrides.Profile)
		meta.sources["profile"] = SourceOverride
	}
}

func normalize(cfg *Config) {
	cfg.AgentCLIPath = strings.TrimSpace(cfg.AgentCLIPath)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.Profile = Profile(strings.ToLower(strings.TrimSpace(string(cfg.Profile))))
}

func validate(cfg Config) error {
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", cfg.MaxConcurrency)
	}
	if cfg.BufferBytes < 1 {
		return fmt.Errorf("buffer_bytes must be >= 1, got %d", cfg.BufferBytes)
	}
	if cfg.GracePeriod < 0 {
		return fmt.Errorf("grace_period_ms must be >= 0, got %s", cfg.GracePeriod)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}
	switch cfg.Profile {
	case ProfileEnhanced, ProfileSimple:
	default:
		return fmt.Errorf("profile must be enhanced or simple, got %q", cfg.Profile)
	}
	return nil
}
