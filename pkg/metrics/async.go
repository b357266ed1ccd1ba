package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// AsyncObserver decouples event producers from sink latency. Bridge
// sessions record per-frame events on hot paths, so RecordEvent never
// blocks: when the buffer is full the event is dropped and counted.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	chMu    sync.RWMutex
	dropped int64
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

// RecordEvent holds the read lock for the whole push so Close cannot close
// the channel out from under a concurrent producer.
func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.chMu.RLock()
	defer a.chMu.RUnlock()
	if a.closed.Load() {
		return
	}
	select {
	case a.ch <- ev:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// Close stops intake and waits up to two seconds for buffered events to
// reach the inner observer.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closed.Store(true)
		a.chMu.Lock()
		close(a.ch)
		a.chMu.Unlock()
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
		}
	})
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
