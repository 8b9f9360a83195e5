package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known model provider names. Used by [Validate]
// to warn about unrecognised names.
var ValidProviderNames = []string{"anthropic", "bedrock", "openai"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in credentials, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and applies
// defaults for unset limits. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Limits.MaxEventBytes == 0 {
		cfg.Limits.MaxEventBytes = DefaultMaxEventBytes
	}
	if cfg.Limits.MaxEventBytes < 0 {
		errs = append(errs, fmt.Errorf("limits.max_event_bytes %d must be positive", cfg.Limits.MaxEventBytes))
	}
	if cfg.Limits.MaxTurns == 0 {
		cfg.Limits.MaxTurns = DefaultMaxTurns
	}
	if cfg.Limits.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("limits.max_turns %d must be positive", cfg.Limits.MaxTurns))
	}
	if cfg.Limits.RateLimitPerMinute == 0 {
		cfg.Limits.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if cfg.Limits.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("limits.rate_limit_per_minute %d must not be negative", cfg.Limits.RateLimitPerMinute))
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name — may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	if cfg.Provider.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("provider.max_tokens %d must not be negative", cfg.Provider.MaxTokens))
	}
	if cfg.Provider.ChunkDelayMs < 0 {
		errs = append(errs, fmt.Errorf("provider.chunk_delay_ms %d must not be negative", cfg.Provider.ChunkDelayMs))
	}
	if cfg.Provider.Name == "anthropic" && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the anthropic provider will rely on ambient credentials")
	}

	return errors.Join(errs...)
}
