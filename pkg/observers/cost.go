package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/carelinehq/careline/pkg/metrics"
)

// CostSummary accumulates billable usage for one call: audio seconds
// in each direction and extraction token counts.
type CostSummary struct {
	CallID           string  `json:"call_id,omitempty"`
	StreamSID        string  `json:"stream_sid,omitempty"`
	InboundAudioSec  float64 `json:"inbound_audio_seconds"`
	OutboundAudioSec float64 `json:"outbound_audio_seconds"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	RecordedAtUTC    string  `json:"recorded_at_utc"`
}

type CostObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*CostSummary
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	callID := ""
	streamSID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
		streamSID = ev.Tags["stream_sid"]
	}
	if callID == "" {
		return
	}

	switch ev.Name {
	case "bridge_end":
		// Audio totals come off the end event, not the per-frame
		// stream: frame events may be sampled before they get here.
		in := byteSeconds(intField(ev.Fields, "inbound_bytes"))
		out := byteSeconds(intField(ev.Fields, "outbound_bytes"))
		if in <= 0 && out <= 0 {
			return
		}
		o.mu.Lock()
		stat := o.statLocked(callID, streamSID)
		stat.InboundAudioSec += in
		stat.OutboundAudioSec += out
		o.mu.Unlock()
	case "extract_done":
		if ev.Fields == nil {
			return
		}
		o.mu.Lock()
		stat := o.statLocked(callID, streamSID)
		stat.PromptTokens += intField(ev.Fields, "prompt_tokens")
		stat.CompletionTokens += intField(ev.Fields, "completion_tokens")
		o.mu.Unlock()
	}
}

func (o *CostObserver) statLocked(callID, streamSID string) *CostSummary {
	stat := o.stats[callID]
	if stat == nil {
		stat = &CostSummary{CallID: callID, StreamSID: streamSID}
		o.stats[callID] = stat
	}
	if stat.StreamSID == "" {
		stat.StreamSID = streamSID
	}
	return stat
}

func (o *CostObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, "call-"+sanitizeID(id)+".cost.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

// byteSeconds converts a mu-law byte count to seconds. Media streams
// carry 8 kHz mono mu-law, one byte per sample.
func byteSeconds(n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) / 8000
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

var _ metrics.Observer = (*CostObserver)(nil)
