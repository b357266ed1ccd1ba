package careline

import (
	"strings"
	"testing"
	"time"

	"github.com/carelinehq/careline/pkg/metrics"
)

func testEngineConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Database.DSN = ":memory:"
	cfg.LogLevel = "error"
	cfg.Vendors.Agent.Settings = map[string]any{"api_key": "dg-test"}
	cfg.Vendors.Extraction.Settings = map[string]any{"api_key": "sk-test"}
	return cfg
}

func TestNewEngineWiresEverything(t *testing.T) {
	eng, err := NewEngine(testEngineConfig(t))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := eng.Health(); err != nil {
		t.Fatalf("health: %v", err)
	}
	if eng.Store() == nil || eng.Server() == nil || eng.Registry() == nil {
		t.Fatal("engine parts missing")
	}
	if eng.Config().Database.DSN != ":memory:" {
		t.Fatalf("config dsn = %q", eng.Config().Database.DSN)
	}
	if eng.Context() == nil {
		t.Fatal("context missing")
	}
}

func TestNewEngineRejectsUnknownAgentProvider(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Vendors.Agent.Provider = "whisper"
	_, err := NewEngine(cfg)
	if err == nil || !strings.Contains(err.Error(), "agent provider not registered") {
		t.Fatalf("error = %v", err)
	}
}

func TestNewEngineRequiresAgentKey(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Vendors.Agent.Settings = map[string]any{}
	_, err := NewEngine(cfg)
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("error = %v", err)
	}
}

func TestFrameSampledObserverRoutesByName(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	obs := newFrameSampledObserver(mem, 0.5)

	now := time.Now()
	for i := 0; i < 10; i++ {
		obs.RecordEvent(metrics.MetricsEvent{Name: "audio_frame_in", Time: now})
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: "bridge_end", Time: now})
	obs.RecordEvent(metrics.MetricsEvent{Name: "transcript_fragment", Time: now})

	frames, rest := 0, 0
	for _, ev := range mem.Snapshot() {
		if ev.Name == "audio_frame_in" {
			frames++
		} else {
			rest++
		}
	}
	if frames != 5 {
		t.Fatalf("sampled frames = %d", frames)
	}
	if rest != 2 {
		t.Fatalf("lifecycle events = %d", rest)
	}
}

func TestFrameSampledObserverDropsFramesAtZero(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	obs := newFrameSampledObserver(mem, 0)

	obs.RecordEvent(metrics.MetricsEvent{Name: "audio_frame_out", Time: time.Now()})
	obs.RecordEvent(metrics.MetricsEvent{Name: "bridge_accepted", Time: time.Now()})

	events := mem.Snapshot()
	if len(events) != 1 || events[0].Name != "bridge_accepted" {
		t.Fatalf("events = %+v", events)
	}
}

func TestFrameSampledObserverPassthroughAtFullRate(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	obs := newFrameSampledObserver(mem, 1)
	if obs != metrics.Observer(mem) {
		t.Fatal("full rate should return the inner observer")
	}
}
