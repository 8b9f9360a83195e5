// Package config provides the configuration schema, loader, and provider
// registry for the Cadenza conductor.
package config

// LogLevel controls log verbosity for the Cadenza server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Validate] for unset limit values.
const (
	DefaultMaxEventBytes      = 64 * 1024
	DefaultMaxTurns           = 20
	DefaultRateLimitPerMinute = 30
)

// Config is the root configuration structure for Cadenza.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Limits   LimitsConfig   `yaml:"limits"`
	Provider ProviderConfig `yaml:"provider"`
}

// ServerConfig holds network and logging settings for the Cadenza server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LimitsConfig bounds per-connection and per-session resource usage.
type LimitsConfig struct {
	// MaxEventBytes caps the size of a single inbound envelope.
	MaxEventBytes int `yaml:"max_event_bytes"`

	// MaxTurns caps retained conversation exchanges per session. The
	// stored history holds up to twice this many turns.
	MaxTurns int `yaml:"max_turns"`

	// RateLimitPerMinute caps inbound events per connection in any rolling
	// sixty second window. Zero disables rate limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// ProviderConfig selects and configures the model backend. The Name field
// is used to look up the constructor in the [Registry].
type ProviderConfig struct {
	// Name selects the registered provider implementation
	// (e.g., "anthropic", "bedrock", "openai").
	Name string `yaml:"name"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API if any.
	// Values of the form "${VAR}" are expanded from the environment at
	// load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Region selects the cloud region for region-scoped providers such as
	// Bedrock.
	Region string `yaml:"region"`

	// MaxTokens caps the response length requested from the model.
	MaxTokens int `yaml:"max_tokens"`

	// ChunkDelayMs spaces out simulated speech chunks, in milliseconds.
	ChunkDelayMs int `yaml:"chunk_delay_ms"`
}
