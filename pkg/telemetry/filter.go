package telemetry

import (
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
)

const defaultMask = "***"

var defaultPatterns = []string{
	`sk-[A-Za-z0-9_\-]+`,
	`(?i)bearer\s+[A-Za-z0-9._\-]+`,
	`(?i)api[_-]?key\s*[=:]\s*\S+`,
}

// FilterConfig adds masking patterns on top of the built-in secret patterns.
type FilterConfig struct {
	Mask     string
	Patterns []string
}

type filter struct {
	mask     string
	patterns []*regexp.Regexp
}

func newFilter(cfg FilterConfig) (*filter, error) {
	f := &filter{mask: cfg.Mask}
	if f.mask == "" {
		f.mask = defaultMask
	}
	for _, raw := range append(append([]string(nil), defaultPatterns...), cfg.Patterns...) {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("telemetry: compile mask pattern %q: %w", raw, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *filter) apply(s string) string {
	for _, re := range f.patterns {
		s = re.ReplaceAllString(s, f.mask)
	}
	return s
}

var fallbackFilter, _ = newFilter(FilterConfig{})

// MaskText replaces secrets in s.
func (m *Manager) MaskText(s string) string {
	if m == nil {
		return fallbackFilter.apply(s)
	}
	return m.filter.apply(s)
}

// MaskText masks with the default Manager's filter.
func MaskText(s string) string { return Default().MaskText(s) }

// SanitizeAttributes masks string and string-slice attribute values.
func (m *Manager) SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		switch kv.Value.Type() {
		case attribute.STRING:
			out = append(out, attribute.String(string(kv.Key), m.MaskText(kv.Value.AsString())))
		case attribute.STRINGSLICE:
			vals := kv.Value.AsStringSlice()
			masked := make([]string, len(vals))
			for i, v := range vals {
				masked[i] = m.MaskText(v)
			}
			out = append(out, attribute.StringSlice(string(kv.Key), masked))
		default:
			out = append(out, kv)
		}
	}
	return out
}

// SanitizeAttributes sanitizes with the default Manager.
func SanitizeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	return Default().SanitizeAttributes(attrs...)
}
