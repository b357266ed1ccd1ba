package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/carelinehq/careline/pkg/metrics"
)

// LatencyObserver tracks per-call bridge milestones and logs a summary
// when the call ends. Calls that never reach bridge_end keep their
// entry until the observer is discarded, which is acceptable for a
// process-lifetime map keyed by call id.
type LatencyObserver struct {
	mu    sync.Mutex
	calls map[string]*callTrace
	log   *slog.Logger
}

type callTrace struct {
	accepted      time.Time
	agentUp       time.Time
	firstAudioOut time.Time
	ended         time.Time
	streamSID     string
	endReason     string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		calls: make(map[string]*callTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	t := o.calls[callID]
	if t == nil {
		t = &callTrace{}
		o.calls[callID] = t
	}
	if t.streamSID == "" && ev.Tags != nil {
		t.streamSID = ev.Tags["stream_sid"]
	}
	switch ev.Name {
	case "bridge_accepted":
		if t.accepted.IsZero() {
			t.accepted = ev.Time
		}
	case "agent_connected":
		if t.agentUp.IsZero() {
			t.agentUp = ev.Time
		}
	case "first_audio_out":
		if t.firstAudioOut.IsZero() {
			t.firstAudioOut = ev.Time
		}
	case "bridge_end":
		t.ended = ev.Time
		if ev.Tags != nil {
			t.endReason = ev.Tags["reason"]
		}
	}
	if !t.ended.IsZero() {
		o.logSummaryLocked(callID, t)
		delete(o.calls, callID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logSummaryLocked(callID string, t *callTrace) {
	setup := durationMs(t.accepted, t.agentUp)
	ttfa := durationMs(t.accepted, t.firstAudioOut)
	total := durationMs(t.accepted, t.ended)
	o.log.Info("call_latency",
		"call_id", callID,
		"stream_sid", t.streamSID,
		"setup_ms", setup,
		"first_audio_ms", ttfa,
		"duration_ms", total,
		"end_reason", t.endReason,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
