package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	dobRe   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	mrnRe   = regexp.MustCompile(`(?i)\bMRN[-_]?\d+\b`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails, phone numbers, ISO dates and medical record
// numbers when enabled. Transcripts carry patient identifiers, so
// observability sinks pass everything through here before writing.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	out = dobRe.ReplaceAllString(out, "[REDACTED_DOB]")
	out = mrnRe.ReplaceAllString(out, "[REDACTED_MRN]")
	return out
}
