package configutil

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeSettingsMatchesLooseKeys(t *testing.T) {
	type target struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate int    `mapstructure:"sample_rate"`
		Greeting   string `mapstructure:"greeting"`
	}

	input := map[string]any{
		"API-Key":    "secret",
		"sampleRate": "8000",
		"greeting":   "hello",
	}

	var out target
	if err := DecodeSettings(input, &out); err != nil {
		t.Fatalf("DecodeSettings: %v", err)
	}
	if out.APIKey != "secret" {
		t.Fatalf("APIKey = %q, want secret", out.APIKey)
	}
	if out.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000 (weak typing)", out.SampleRate)
	}
	if out.Greeting != "hello" {
		t.Fatalf("Greeting = %q", out.Greeting)
	}
}

func TestValidateSettingsMissingAndUnknown(t *testing.T) {
	schema := Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
	}

	err := ValidateSettings(map[string]any{"api_key": "", "bogus": 1}, schema)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if want := "missing: api_key"; !strings.Contains(msg, want) {
		t.Fatalf("error %q missing %q", msg, want)
	}
	if want := "unknown: bogus"; !strings.Contains(msg, want) {
		t.Fatalf("error %q missing %q", msg, want)
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	schema := Schema{
		Required:     []string{"api_key"},
		AllowUnknown: true,
	}
	err := ValidateSettings(map[string]any{"api_key": "k", "extra": true}, schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFallbackHelpers(t *testing.T) {
	if got := StringValue("  ", "fallback"); got != "fallback" {
		t.Fatalf("StringValue = %q", got)
	}
	if got := StringValue("set", "fallback"); got != "set" {
		t.Fatalf("StringValue = %q", got)
	}
	if got := DurationMS(0, 5*time.Second); got != 5*time.Second {
		t.Fatalf("DurationMS(0) = %v", got)
	}
	if got := DurationMS(250, time.Second); got != 250*time.Millisecond {
		t.Fatalf("DurationMS(250) = %v", got)
	}
}

func TestValidateSettingsDuplicateSpellings(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}}
	err := ValidateSettings(map[string]any{"api_key": "k", "API-Key": "other"}, schema)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "duplicate: API-Key/api_key") {
		t.Fatalf("error = %v", err)
	}
}
