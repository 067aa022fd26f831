package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMasker(t *testing.T) {
	m := NewMasker(MaskConfig{Enabled: true, Keys: []string{" Email ", "", "ssn"}})

	require.NotNil(t, m)
	assert.Equal(t, []string{"email", "ssn"}, m.keys)
	assert.Equal(t, "***", m.cfg.MaskValue)
}

func TestMasker_MaskString(t *testing.T) {
	tests := []struct {
		name     string
		cfg      MaskConfig
		input    string
		expected string
	}{
		{"disabled", MaskConfig{Enabled: false}, "secret", "secret"},
		{"full mask", MaskConfig{Enabled: true, MaskValue: "[x]"}, "secret", "[x]"},
		{"show last", MaskConfig{Enabled: true, ShowLast: 2}, "1234567890", "***90"},
		{"too short for partial", MaskConfig{Enabled: true, ShowLast: 3}, "12345", "***"},
		{"empty", MaskConfig{Enabled: true}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewMasker(tt.cfg).MaskString(tt.input))
		})
	}
}

func TestMasker_MaskAttributes(t *testing.T) {
	m := NewMasker(MaskConfig{Enabled: true, Keys: []string{"email"}})
	in := map[string]string{"role": "admin", "work_email": "a@b.c"}

	out := m.MaskAttributes(in)

	assert.Equal(t, "admin", out["role"])
	assert.Equal(t, "***", out["work_email"])
	assert.Equal(t, "a@b.c", in["work_email"], "input must not be mutated")
}

func TestMasker_MaskFacts_Nested(t *testing.T) {
	m := NewMasker(MaskConfig{Enabled: true, Keys: []string{"token"}})
	out := m.MaskFacts(map[string]any{
		"device": map[string]any{"token": "abc", "os": "linux"},
		"token":  42,
		"region": "eu",
	})

	assert.Equal(t, "***", out["token"])
	assert.Equal(t, "eu", out["region"])
	nested := out["device"].(map[string]any)
	assert.Equal(t, "***", nested["token"])
	assert.Equal(t, "linux", nested["os"])
}

func TestMasker_Nil(t *testing.T) {
	var m *Masker
	assert.False(t, m.IsSensitive("password"))
	assert.Equal(t, "v", m.MaskString("v"))
	attrs := map[string]string{"a": "b"}
	assert.Equal(t, attrs, m.MaskAttributes(attrs))
}
