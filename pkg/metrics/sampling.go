package metrics

import (
	"math"
	"sync"
)

// SamplingObserver forwards one event in every 1/rate per event name.
// Counters are kept per name: the inbound and outbound audio frame
// streams interleave, and a shared modulus would land on only one of
// them.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64

	mu       sync.Mutex
	counters map[string]uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	if rate == 0 {
		every = 0
	} else if rate == 1 {
		every = 1
	} else {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{
		inner:       inner,
		rate:        rate,
		sampleEvery: every,
		counters:    make(map[string]uint64),
	}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	s.mu.Lock()
	s.counters[ev.Name]++
	n := s.counters[ev.Name]
	s.mu.Unlock()
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
