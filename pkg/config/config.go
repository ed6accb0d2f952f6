// Package config loads client settings from YAML or JSON with environment
// overrides, keeps the last valid copy and can watch the file for changes.
package config

import (
	"strings"
	"time"
)

const (
	EnvAPIKey  = "STREAMSDK_API_KEY"
	EnvBaseURL = "STREAMSDK_BASE_URL"

	DefaultBaseURL      = "https://api.openai.com/v1"
	DefaultPollInterval = time.Second
	DefaultMaxToolRound = 16
)

// Settings is the declarative client configuration.
type Settings struct {
	APIKey    string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	Headers   map[string]string `json:"headers" yaml:"headers"`
	RateLimit RateLimit         `json:"rate_limit" yaml:"rate_limit"`
	Poll      Poll              `json:"poll" yaml:"poll"`
	Tools     Tools             `json:"tools" yaml:"tools"`
	Telemetry Telemetry         `json:"telemetry" yaml:"telemetry"`
	Logging   Logging           `json:"logging" yaml:"logging"`

	SourcePath string `json:"-" yaml:"-"`
	SourceHash string `json:"-" yaml:"-"`
}

// RateLimit throttles outgoing requests. Zero RequestsPerSecond disables it.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// Poll controls lifecycle polling.
type Poll struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	MaxPolls int           `json:"max_polls" yaml:"max_polls"`
}

// Tools controls tool dispatch.
type Tools struct {
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	MaxRounds   int `json:"max_rounds" yaml:"max_rounds"`
}

// Telemetry configures the OpenTelemetry manager.
type Telemetry struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	ServiceName  string   `json:"service_name" yaml:"service_name"`
	Environment  string   `json:"environment" yaml:"environment"`
	OTLPEndpoint string   `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool     `json:"otlp_insecure" yaml:"otlp_insecure"`
	MaskPatterns []string `json:"mask_patterns" yaml:"mask_patterns"`
}

// Logging selects the slog handler.
type Logging struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns settings with every default applied.
func Default() *Settings {
	s := &Settings{}
	s.Normalize()
	return s
}

// Normalize trims whitespace and fills defaults.
func (s *Settings) Normalize() {
	if s == nil {
		return
	}
	s.APIKey = strings.TrimSpace(s.APIKey)
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	if s.Headers == nil {
		s.Headers = map[string]string{}
	}
	for k, v := range s.Headers {
		s.Headers[k] = strings.TrimSpace(v)
	}
	if s.RateLimit.RequestsPerSecond > 0 && s.RateLimit.Burst <= 0 {
		s.RateLimit.Burst = 1
	}
	if s.Poll.Interval <= 0 {
		s.Poll.Interval = DefaultPollInterval
	}
	if s.Tools.MaxRounds <= 0 {
		s.Tools.MaxRounds = DefaultMaxToolRound
	}
	if s.Telemetry.ServiceName == "" {
		s.Telemetry.ServiceName = "streamsdk"
	}
	s.Logging.Level = strings.ToLower(strings.TrimSpace(s.Logging.Level))
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	s.Logging.Format = strings.ToLower(strings.TrimSpace(s.Logging.Format))
	if s.Logging.Format == "" {
		s.Logging.Format = "text"
	}
}

// ApplyEnv overrides fields from the environment using lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) {
	if s == nil || lookup == nil {
		return
	}
	if v, ok := lookup(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		s.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvBaseURL); ok && strings.TrimSpace(v) != "" {
		s.BaseURL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
}
