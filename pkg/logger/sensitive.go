package logger

import (
	"maps"
	"strings"

	"go.uber.org/zap"
)

// MaskConfig configures masking of sensitive principal attributes and
// context facts before they reach logs or audit exporters.
type MaskConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	MaskValue string   `mapstructure:"mask_value"`
	Keys      []string `mapstructure:"keys"`
	ShowLast  int      `mapstructure:"show_last"`
}

// DefaultSensitiveKeys are masked unless configuration says otherwise.
var DefaultSensitiveKeys = []string{"password", "secret", "token", "ssn", "credit_card", "api_key"}

// Masker replaces values whose key contains one of the configured names.
type Masker struct {
	cfg  MaskConfig
	keys []string
}

// NewMasker creates a masker. A nil masker never masks.
func NewMasker(cfg MaskConfig) *Masker {
	if cfg.MaskValue == "" {
		cfg.MaskValue = "***"
	}
	keys := make([]string, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys = append(keys, k)
		}
	}
	return &Masker{cfg: cfg, keys: keys}
}

// IsSensitive reports whether key should be masked.
func (m *Masker) IsSensitive(key string) bool {
	if m == nil || !m.cfg.Enabled {
		return false
	}
	lower := strings.ToLower(key)
	for _, k := range m.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// MaskString masks a value, keeping the last ShowLast characters when the
// value is long enough for that to leak nothing useful.
func (m *Masker) MaskString(value string) string {
	if m == nil || !m.cfg.Enabled || value == "" {
		return value
	}
	if n := m.cfg.ShowLast; n > 0 && len(value) > 2*n {
		return m.cfg.MaskValue + value[len(value)-n:]
	}
	return m.cfg.MaskValue
}

// MaskAttributes returns a copy of attrs with sensitive values masked.
func (m *Masker) MaskAttributes(attrs map[string]string) map[string]string {
	if m == nil || !m.cfg.Enabled || len(attrs) == 0 {
		return attrs
	}
	out := maps.Clone(attrs)
	for k, v := range out {
		if m.IsSensitive(k) {
			out[k] = m.MaskString(v)
		}
	}
	return out
}

// MaskFacts returns a copy of facts with sensitive values masked. Nested
// maps are masked recursively.
func (m *Masker) MaskFacts(facts map[string]any) map[string]any {
	if m == nil || !m.cfg.Enabled || len(facts) == 0 {
		return facts
	}
	out := make(map[string]any, len(facts))
	for k, v := range facts {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = m.MaskFacts(tv)
		case map[string]string:
			out[k] = m.MaskAttributes(tv)
		case string:
			if m.IsSensitive(k) {
				out[k] = m.MaskString(tv)
			} else {
				out[k] = tv
			}
		default:
			if m.IsSensitive(k) {
				out[k] = m.cfg.MaskValue
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// Field returns a zap field for key, masked when key is sensitive.
func (m *Masker) Field(key, value string) zap.Field {
	if m.IsSensitive(key) {
		return zap.String(key, m.MaskString(value))
	}
	return zap.String(key, value)
}
