package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// Validator enforces constraints on Settings.
type Validator interface {
	Validate(*Settings) error
}

// DefaultValidator applies structural checks.
type DefaultValidator struct {
	maxHeaders int
	requireKey bool
}

// NewDefaultValidator builds the default validator. When requireKey is set
// an empty API key is rejected.
func NewDefaultValidator(requireKey bool) *DefaultValidator {
	return &DefaultValidator{maxHeaders: 32, requireKey: requireKey}
}

// Validate checks every section and reports all problems at once.
func (v *DefaultValidator) Validate(s *Settings) error {
	if s == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if v.requireKey && s.APIKey == "" {
		errs = append(errs, fmt.Errorf("api key is required (set api_key or %s)", EnvAPIKey))
	}
	if err := validateBaseURL(s.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if len(s.Headers) > v.maxHeaders {
		errs = append(errs, fmt.Errorf("too many headers: %d > %d", len(s.Headers), v.maxHeaders))
	}
	if err := sanitizeHeaders(s.Headers); err != nil {
		errs = append(errs, err)
	}
	if s.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second must not be negative"))
	}
	if s.Poll.Timeout < 0 {
		errs = append(errs, errors.New("poll.timeout must not be negative"))
	}
	if s.Poll.MaxPolls < 0 {
		errs = append(errs, errors.New("poll.max_polls must not be negative"))
	}
	if s.Tools.Concurrency < 0 {
		errs = append(errs, errors.New("tools.concurrency must not be negative"))
	}
	for _, p := range s.Telemetry.MaskPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("telemetry.mask_patterns: %w", err))
		}
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch s.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", s.Logging.Format))
	}
	return errors.Join(errs...)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url %q must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url %q has no host", raw)
	}
	return nil
}

var headerKeyPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

func sanitizeHeaders(headers map[string]string) error {
	for key, value := range headers {
		if !headerKeyPattern.MatchString(strings.TrimSpace(key)) {
			return fmt.Errorf("invalid header name %q", key)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("header value for %s contains newline", key)
		}
		if len(value) > 1024 {
			return fmt.Errorf("header value for %s too long", key)
		}
	}
	return nil
}
