package observers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/carelinehq/careline/pkg/metrics"
)

func TestLatencyObserverLogsOnBridgeEnd(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := NewLatencyObserver(log)

	base := time.Now()
	tags := map[string]string{"call_id": "42", "stream_sid": "MZabc"}

	obs.RecordEvent(metrics.MetricsEvent{Name: "bridge_accepted", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "agent_connected", Time: base.Add(300 * time.Millisecond), Tags: map[string]string{"call_id": "42"}})
	obs.RecordEvent(metrics.MetricsEvent{Name: "first_audio_out", Time: base.Add(900 * time.Millisecond), Tags: map[string]string{"call_id": "42"}})

	if buf.Len() != 0 {
		t.Fatal("summary logged before bridge_end")
	}

	obs.RecordEvent(metrics.MetricsEvent{
		Name: "bridge_end",
		Time: base.Add(30 * time.Second),
		Tags: map[string]string{"call_id": "42", "reason": "caller_hangup"},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["msg"] != "call_latency" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["setup_ms"].(float64) != 300 {
		t.Fatalf("setup_ms = %v", entry["setup_ms"])
	}
	if entry["first_audio_ms"].(float64) != 900 {
		t.Fatalf("first_audio_ms = %v", entry["first_audio_ms"])
	}
	if entry["end_reason"] != "caller_hangup" {
		t.Fatalf("end_reason = %v", entry["end_reason"])
	}
}

func TestLatencyObserverMissingMilestones(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := NewLatencyObserver(log)

	base := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: "bridge_accepted", Time: base, Tags: map[string]string{"call_id": "9"}})
	obs.RecordEvent(metrics.MetricsEvent{Name: "bridge_end", Time: base.Add(time.Second), Tags: map[string]string{"call_id": "9", "reason": "agent_error"}})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["first_audio_ms"].(float64) != -1 {
		t.Fatalf("first_audio_ms = %v, want -1 sentinel", entry["first_audio_ms"])
	}
}
