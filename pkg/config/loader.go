package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const watchDebounce = 100 * time.Millisecond

// Loader loads, validates, and caches settings.
type Loader struct {
	path string

	validator Validator
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger

	mu   sync.Mutex
	last atomic.Pointer[Settings]
}

// LoaderOption customizes loader behaviour.
type LoaderOption func(*Loader)

// WithValidator injects a custom Validator.
func WithValidator(v Validator) LoaderOption {
	return func(l *Loader) {
		l.validator = v
	}
}

// WithLookupEnv replaces os.LookupEnv for environment overrides.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookupEnv = fn
	}
}

// WithLogger sets the logger used by Watch.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader wires a loader for the file at path. An empty path loads
// defaults plus environment overrides only.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	loader := &Loader{
		validator: NewDefaultValidator(false),
		lookupEnv: os.LookupEnv,
		logger:    slog.Default(),
	}
	if strings.TrimSpace(path) != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		loader.path = abs
	}
	for _, opt := range opts {
		opt(loader)
	}
	if loader.lookupEnv == nil {
		loader.lookupEnv = os.LookupEnv
	}
	return loader, nil
}

// Path returns the absolute config path, or "" when none was given.
func (l *Loader) Path() string {
	return l.path
}

// Last returns the most recent valid configuration.
func (l *Loader) Last() (*Settings, bool) {
	cfg := l.last.Load()
	if cfg == nil {
		return nil, false
	}
	return cfg, true
}

// Load reads the file, applies env overrides and defaults, and validates.
func (l *Loader) Load() (*Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadOnce()
	if err != nil {
		return nil, err
	}
	l.last.Store(cfg)
	return cfg, nil
}

// Reload attempts to refresh configuration keeping the last good state on error.
func (l *Loader) Reload() (*Settings, error) {
	prev, _ := l.Last()
	cfg, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("reload failed, keeping last good config: %w", err)
		}
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadOnce() (*Settings, error) {
	cfg := &Settings{}
	var raw []byte
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case err == nil:
			if cfg, err = decodeSettings(data); err != nil {
				return nil, fmt.Errorf("%s: %w", l.path, err)
			}
			raw = data
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}
	cfg.SourcePath = l.path
	cfg.ApplyEnv(l.lookupEnv)
	cfg.Normalize()
	if l.validator != nil {
		if err := l.validator.Validate(cfg); err != nil {
			return nil, err
		}
	}
	cfg.SourceHash = computeConfigHash(raw)
	return cfg, nil
}

// Watch reloads the file whenever it changes and reports each outcome to
// onChange until ctx is done. On a failed reload onChange receives the last
// good settings together with the error.
func (l *Loader) Watch(ctx context.Context, onChange func(*Settings, error)) error {
	if l.path == "" {
		return errors.New("config: no file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(l.path), err)
	}

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		target = filepath.Clean(l.path)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("config watcher error", "path", l.path, "error", err)
		case <-fire:
			fire = nil
			prev, _ := l.Last()
			cfg, err := l.Reload()
			switch {
			case err != nil:
				l.logger.Warn("config reload failed", "path", l.path, "error", err)
			case prev == nil || prev.SourceHash != cfg.SourceHash:
				l.logger.Info("config reloaded", "path", l.path, "hash", cfg.SourceHash)
			default:
				continue
			}
			if onChange != nil {
				onChange(cfg, err)
			}
		}
	}
}

func decodeSettings(raw []byte) (*Settings, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("config payload is empty")
	}
	cfg := &Settings{}
	if err := decodeMixedYAMLJSON(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func computeConfigHash(raw []byte) string {
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

// ParseSettings parses yaml or json into Settings with defaults applied.
func ParseSettings(data []byte) (*Settings, error) {
	cfg, err := decodeSettings(data)
	if err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

func decodeMixedYAMLJSON(data []byte, out any) error {
	yamlErr := yaml.Unmarshal(data, out)
	if yamlErr == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return fmt.Errorf("config decode failed: %w", yamlErr)
}
