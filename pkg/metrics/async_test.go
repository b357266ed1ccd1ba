package metrics

import (
	"testing"
	"time"
)

func TestAsyncObserverDeliversAndDrains(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 16)

	for i := 0; i < 5; i++ {
		async.RecordEvent(Count("audio_frame_out", 1, map[string]string{"call_id": "42"}))
	}
	async.Close()

	if got := mem.CountByName("audio_frame_out"); got != 5 {
		t.Fatalf("delivered = %d, want 5", got)
	}
}

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := observerFunc(func(MetricsEvent) { <-block })
	async := NewAsyncObserver(slow, 1)

	// First event occupies the worker, second fills the buffer, the
	// rest must drop without blocking.
	for i := 0; i < 10; i++ {
		async.RecordEvent(Count("audio_frame_in", 1, nil))
	}

	deadline := time.Now().Add(time.Second)
	for async.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if async.Dropped() == 0 {
		t.Fatal("expected dropped events")
	}
	close(block)
	async.Close()
}

func TestAsyncObserverRecordAfterClose(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 4)
	async.Close()
	async.RecordEvent(Count("late", 1, nil))
	if got := mem.CountByName("late"); got != 0 {
		t.Fatalf("event recorded after close: %d", got)
	}
}

func TestSamplingObserverRate(t *testing.T) {
	mem := NewMemoryObserver()
	sampled := NewSamplingObserver(mem, 0.1)
	for i := 0; i < 100; i++ {
		sampled.RecordEvent(Count("audio_frame_in", 1, nil))
	}
	if got := mem.CountByName("audio_frame_in"); got != 10 {
		t.Fatalf("sampled = %d, want 10", got)
	}
}

func TestTimingValueInMilliseconds(t *testing.T) {
	ev := Timing("setup_ms", 1500*time.Millisecond, nil)
	if ev.Value != 1500 {
		t.Fatalf("Value = %v, want 1500", ev.Value)
	}
}

type observerFunc func(MetricsEvent)

func (f observerFunc) RecordEvent(ev MetricsEvent) { f(ev) }
