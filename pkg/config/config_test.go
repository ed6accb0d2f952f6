package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "streamsdk.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
api_key: " sk-file "
base_url: https://example.test/v1/
headers:
  OpenAI-Beta: assistants=v2
rate_limit:
  requests_per_second: 5
poll:
  interval: 250ms
  timeout: 2m
  max_polls: 40
tools:
  concurrency: 4
logging:
  level: DEBUG
  format: json
`)
	loader, err := NewLoader(path, WithLookupEnv(noEnv))
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, "sk-file", cfg.APIKey)
	require.Equal(t, "https://example.test/v1", cfg.BaseURL)
	require.Equal(t, "assistants=v2", cfg.Headers["OpenAI-Beta"])
	require.Equal(t, 5.0, cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, 1, cfg.RateLimit.Burst)
	require.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
	require.Equal(t, 2*time.Minute, cfg.Poll.Timeout)
	require.Equal(t, 40, cfg.Poll.MaxPolls)
	require.Equal(t, 4, cfg.Tools.Concurrency)
	require.Equal(t, DefaultMaxToolRound, cfg.Tools.MaxRounds)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, path, cfg.SourcePath)
	require.Len(t, cfg.SourceHash, 64)

	last, ok := loader.Last()
	require.True(t, ok)
	require.Same(t, cfg, last)
}

func TestLoadJSONAndDefaults(t *testing.T) {
	cfg, err := ParseSettings([]byte(`{"api_key":"k","tools":{"max_rounds":3}}`))
	require.NoError(t, err)
	require.Equal(t, DefaultBaseURL, cfg.BaseURL)
	require.Equal(t, DefaultPollInterval, cfg.Poll.Interval)
	require.Equal(t, 3, cfg.Tools.MaxRounds)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)

	def := Default()
	require.NoError(t, NewDefaultValidator(false).Validate(def))
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "api_key: from-file\n")
	env := map[string]string{
		EnvAPIKey:  "from-env",
		EnvBaseURL: "http://localhost:8080/v1/",
	}
	loader, err := NewLoader(path, WithLookupEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.APIKey)
	require.Equal(t, "http://localhost:8080/v1", cfg.BaseURL)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	loader, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), WithLookupEnv(noEnv))
	require.NoError(t, err)
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, DefaultBaseURL, cfg.BaseURL)

	loader, err = NewLoader("", WithLookupEnv(noEnv), WithValidator(NewDefaultValidator(true)))
	require.NoError(t, err)
	_, err = loader.Load()
	require.ErrorContains(t, err, "api key is required")
}

func TestValidatorRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "bad scheme", mutate: func(s *Settings) { s.BaseURL = "ftp://x" }, wantErr: "http or https"},
		{name: "no host", mutate: func(s *Settings) { s.BaseURL = "https://" }, wantErr: "no host"},
		{name: "header name", mutate: func(s *Settings) { s.Headers["bad header"] = "x" }, wantErr: "invalid header name"},
		{name: "header newline", mutate: func(s *Settings) { s.Headers["X-A"] = "a\nb" }, wantErr: "contains newline"},
		{name: "negative rate", mutate: func(s *Settings) { s.RateLimit.RequestsPerSecond = -1 }, wantErr: "requests_per_second"},
		{name: "negative timeout", mutate: func(s *Settings) { s.Poll.Timeout = -time.Second }, wantErr: "poll.timeout"},
		{name: "negative polls", mutate: func(s *Settings) { s.Poll.MaxPolls = -1 }, wantErr: "poll.max_polls"},
		{name: "negative concurrency", mutate: func(s *Settings) { s.Tools.Concurrency = -2 }, wantErr: "tools.concurrency"},
		{name: "mask pattern", mutate: func(s *Settings) { s.Telemetry.MaskPatterns = []string{"("} }, wantErr: "mask_patterns"},
		{name: "log level", mutate: func(s *Settings) { s.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "log format", mutate: func(s *Settings) { s.Logging.Format = "xml" }, wantErr: "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			err := NewDefaultValidator(false).Validate(s)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q got %v", tt.wantErr, err)
			}
		})
	}
	if err := NewDefaultValidator(false).Validate(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestReloadKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "api_key: one\n")
	loader, err := NewLoader(path, WithLookupEnv(noEnv))
	require.NoError(t, err)

	first, err := loader.Load()
	require.NoError(t, err)

	writeConfig(t, dir, "base_url: ftp://broken\n")
	got, err := loader.Reload()
	require.ErrorContains(t, err, "keeping last good config")
	require.Same(t, first, got)

	writeConfig(t, dir, "api_key: two\n")
	got, err = loader.Reload()
	require.NoError(t, err)
	require.Equal(t, "two", got.APIKey)
	require.NotEqual(t, first.SourceHash, got.SourceHash)
}

func TestReloadWithoutPriorFails(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "   \n")
	loader, err := NewLoader(path, WithLookupEnv(noEnv))
	require.NoError(t, err)
	cfg, err := loader.Reload()
	require.Nil(t, cfg)
	require.ErrorContains(t, err, "payload is empty")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "api_key: one\n")
	loader, err := NewLoader(path, WithLookupEnv(noEnv))
	require.NoError(t, err)
	_, err = loader.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Settings, 4)
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, func(s *Settings, err error) {
			if err == nil {
				changes <- s
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, "api_key: two\n")

	select {
	case s := <-changes:
		require.Equal(t, "two", s.APIKey)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not report change")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestWatchWithoutPath(t *testing.T) {
	loader, err := NewLoader("")
	require.NoError(t, err)
	require.Error(t, loader.Watch(context.Background(), nil))
}
