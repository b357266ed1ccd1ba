package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +1 555 123 4567, born 1948-03-14"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	in := "email a@b.com and phone +1 555 123 4567, born 1948-03-14, record MRN-1001"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	for _, want := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_DOB]", "[REDACTED_MRN]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output %q", want, got)
		}
	}
}

func TestRedactLeavesPlainTranscripts(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	in := "[user] my blood pressure was 120 over 80 this morning"
	if got := Text(in); got != in {
		t.Fatalf("reading values should survive redaction, got %q", got)
	}
}
