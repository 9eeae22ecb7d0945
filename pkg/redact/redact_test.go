package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890 key sk-abcdefghijklmnop"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	for _, want := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_KEY]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output %q", want, got)
		}
	}
}

func TestSettingsMasksCredentials(t *testing.T) {
	in := map[string]any{"api_key": "sk-123", "Auth_Token": "x", "model": "gpt-4o-mini", "empty_key": ""}
	out := Settings(in)
	if out["api_key"] != "[REDACTED]" || out["Auth_Token"] != "[REDACTED]" {
		t.Fatalf("expected credentials masked, got %v", out)
	}
	if out["model"] != "gpt-4o-mini" {
		t.Fatalf("expected model untouched, got %v", out["model"])
	}
	if out["empty_key"] != "" {
		t.Fatalf("expected empty credential to stay empty")
	}
	if in["api_key"] != "sk-123" {
		t.Fatalf("input must not be mutated")
	}
}
