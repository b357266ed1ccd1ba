package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/carelinehq/careline/pkg/metrics"
	"github.com/carelinehq/careline/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	ev := metrics.MetricsEvent{
		Name: "audio_frame_out",
		Time: time.Now(),
		Tags: map[string]string{
			"call_id":    "42",
			"stream_sid": "MZd5b1d3ab",
		},
		Fields: map[string]any{"bytes": 800},
	}
	obs.RecordEvent(ev)
	_ = obs.Close()

	path := filepath.Join(dir, "call-42.jsonl")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "audio_frame_out") {
		t.Fatalf("expected audio_frame_out event in file")
	}
	if !strings.Contains(string(b), "MZd5b1d3ab") {
		t.Fatalf("expected stream sid in file")
	}
}

func TestTimelineObserverRedactsTranscriptFields(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{
		Name: "transcript_fragment",
		Time: time.Now(),
		Tags: map[string]string{"call_id": "7", "role": "user"},
		Fields: map[string]any{
			"text": "reach me at nurse@example.com",
		},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "call-7.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(b), "nurse@example.com") {
		t.Fatal("email leaked into timeline artifact")
	}
	if !strings.Contains(string(b), "[REDACTED_EMAIL]") {
		t.Fatal("expected redaction marker")
	}
}

func TestTimelineObserverIgnoresUntaggedEvents(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: "bridge_end", Time: time.Now()})
	_ = obs.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no artifacts, found %d", len(entries))
	}
}
