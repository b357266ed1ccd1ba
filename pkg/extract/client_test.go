package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/resilience"
)

func chatResponse(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 321, "completion_tokens": 57},
	})
	return string(b)
}

func newTestClient(url string) *Client {
	c := NewClient("test-key", "gpt-4o-mini")
	c.BaseURL = url
	return c
}

func TestExtractEmptyTranscriptShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty transcript")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res, err := c.Extract(context.Background(), "   \n ")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Summary != "" || len(res.Readings) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestExtractParsesReadings(t *testing.T) {
	content := `Here is the result:
{"summary": "Patient reported vitals.", "readings": [
  {"BP": {"systolic": 120, "diastolic": 80, "units": "mmHg"}},
  {"type": "pulse", "value": 72, "units": "bpm", "recorded_at": "2026-08-25T14:30:00Z"},
  {"type": "weight", "value": 81.5, "units": "kg"}
], "questionnaire": [{"question": "Pain level?", "response": "mild", "rating": 2}]}`

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse(content)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res, err := c.Extract(context.Background(), "[user] my bp was 120 over 80")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if res.Summary != "Patient reported vitals." {
		t.Fatalf("summary = %q", res.Summary)
	}
	if len(res.Readings) != 3 {
		t.Fatalf("readings = %d, want 3", len(res.Readings))
	}
	if res.Readings[0].Type != "BP" {
		t.Fatalf("BP shape normalized to %q", res.Readings[0].Type)
	}
	if res.Readings[0].Units != "mmHg" {
		t.Fatalf("BP units = %q", res.Readings[0].Units)
	}
	if res.Readings[1].Type != "pulse" || res.Readings[1].Units != "bpm" {
		t.Fatalf("pulse item = %+v", res.Readings[1])
	}
	if res.Readings[1].RecordedAt == nil {
		t.Fatal("recorded_at not parsed")
	}
	if got := res.Readings[1].RecordedAt.UTC(); !got.Equal(time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("recorded_at = %v", got)
	}
	if res.Usage.PromptTokens != 321 || res.Usage.CompletionTokens != 57 {
		t.Fatalf("usage = %+v", res.Usage)
	}
	if len(res.Questionnaire) != 1 {
		t.Fatalf("questionnaire = %d", len(res.Questionnaire))
	}

	if gotBody["temperature"].(float64) != 0.0 {
		t.Fatalf("temperature = %v", gotBody["temperature"])
	}
	if gotBody["max_tokens"].(float64) != 800 {
		t.Fatalf("max_tokens = %v", gotBody["max_tokens"])
	}
	msgs := gotBody["messages"].([]any)
	prompt := msgs[0].(map[string]any)["content"].(string)
	if !strings.Contains(prompt, "[user] my bp was 120 over 80") {
		t.Fatal("transcript not substituted into prompt")
	}
	if strings.Contains(prompt, "{transcript}") {
		t.Fatal("placeholder left in prompt")
	}
}

func TestExtractRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Extract(context.Background(), "[user] hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonExtractRateLimit) {
		t.Fatalf("reason = %v", errorsx.Reason(err))
	}
}

func TestExtractBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.Breaker = resilience.NewCircuitBreaker(2, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := c.Extract(context.Background(), "[user] hi"); err == nil {
			t.Fatal("expected rate limit error")
		}
	}
	_, err := c.Extract(context.Background(), "[user] hi")
	if !errorsx.HasReason(err, errorsx.ReasonExtractCircuit) {
		t.Fatalf("reason = %v, want circuit open", errorsx.Reason(err))
	}
}

func TestExtractMalformedJSONTail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatResponse("no json here at all")))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Extract(context.Background(), "[user] hi")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonExtract) {
		t.Fatalf("reason = %v", errorsx.Reason(err))
	}
}

func TestParseExtractionDefaults(t *testing.T) {
	res, err := parseExtraction(`{"summary": "ok"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Summary != "ok" || res.Readings != nil || res.Questionnaire != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestNormalizeReadingUnknownShape(t *testing.T) {
	item, ok := normalizeReading(json.RawMessage(`{"mystery": 5}`))
	if !ok {
		t.Fatal("object entry should be kept")
	}
	if item.Type != "unknown" {
		t.Fatalf("type = %q", item.Type)
	}

	if _, ok := normalizeReading(json.RawMessage(`"not an object"`)); ok {
		t.Fatal("non-object entry should be dropped")
	}
}
