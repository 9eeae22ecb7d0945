package configutil

import (
	"errors"
	"strings"
	"testing"
)

type providerSettings struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var out providerSettings
	err := DecodeSettings(map[string]any{
		"API-Key":     "k",
		"model":       "m",
		"temperature": "0.5",
		"maxTokens":   "64",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "k" || out.Model != "m" || out.Temperature != 0.5 || out.MaxTokens != 64 {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"api_key": " ", "colour": "red"}, Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "missing: api_key") || !strings.Contains(msg, "unknown: colour") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestValidateSettingsNamesSection(t *testing.T) {
	err := ValidateSettings(map[string]any{}, Schema{Section: "llm.settings", Required: []string{"api_key"}})
	var se *SettingsError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SettingsError, got %T", err)
	}
	if se.Section != "llm.settings" || len(se.Missing) != 1 || se.Missing[0] != "api_key" {
		t.Fatalf("unexpected error fields: %+v", se)
	}
	if err.Error() != "llm.settings: missing: api_key" {
		t.Fatalf("unexpected message: %s", err)
	}
}

func TestDecodeAndValidate(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"model", "temperature", "max_tokens"}}
	var out providerSettings
	if err := DecodeAndValidate(map[string]any{"model": "m"}, schema, &out); err == nil {
		t.Fatalf("expected missing api_key error")
	}
	if err := DecodeAndValidate(map[string]any{"api_key": "k", "model": "m"}, schema, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.APIKey != "k" || out.Model != "m" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestValueHelpers(t *testing.T) {
	if RequireString("  ", "chain.llm") == nil {
		t.Fatalf("expected error for blank value")
	}
	v := 3
	if IntValue(&v, 1) != 3 || IntValue(nil, 1) != 1 {
		t.Fatalf("unexpected IntValue result")
	}
	if !BoolValue(nil, true) {
		t.Fatalf("expected fallback true")
	}
}
