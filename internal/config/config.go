package config

import (
	"os"
	"strings"
	"time"
)

// Profile selects the feature surface exposed by the orchestrator.
type Profile string

const (
	// ProfileEnhanced enables the full feature set: priorities,
	// dependencies, timeouts, and retries.
	ProfileEnhanced Profile = "enhanced"
	// ProfileSimple restricts task delegation to plain NORMAL-priority
	// tasks with no dependencies, timeouts, or retries.
	ProfileSimple Profile = "simple"
)

// Defaults shared across binaries and tests.
const (
	DefaultMaxConcurrency = 4
	DefaultBufferBytes    = 1 << 20 // 1 MiB per stream per task
	DefaultGracePeriod    = 5 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultConfigFileName = ".conductor.yaml"
)

// Config captures the orchestrator's runtime settings.
type Config struct {
	// AgentCLIPath overrides discovery of the coding-agent binary.
	// Empty means look up the default binary name on PATH.
	AgentCLIPath string
	// Mock replaces child processes with a synthetic transcript.
	Mock bool
	// MaxConcurrency bounds concurrently running tasks.
	MaxConcurrency int
	// BufferBytes bounds each per-task output ring buffer.
	BufferBytes int
	// GracePeriod separates the soft signal from the hard kill.
	GracePeriod time.Duration
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFormat is json or text.
	LogFormat string
	// Profile restricts the delegation surface (enhanced or simple).
	Profile Profile
}

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Fields lists every field with a non-default provenance, for startup logs.
func (m Metadata) Fields() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for k, v := range m.sources {
		out[k] = v
	}
	return out
}

// Overrides conveys caller-specified values that win over env and file.
type Overrides struct {
	AgentCLIPath   *string
	Mock           *bool
	MaxConcurrency *int
	BufferBytes    *int
	GracePeriodMS  *int
	LogLevel       *string
	LogFormat      *string
	Profile        *string
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// IsTruthy reports whether an environment value counts as true.
// The accepted set is fixed: 1, true, yes, on (case-insensitive).
func IsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}
