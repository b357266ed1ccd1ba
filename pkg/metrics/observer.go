package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Count builds a counter-style event stamped with the current time.
func Count(name string, n float64, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: n, Tags: tags}
}

// Timing builds a duration event with the value in milliseconds.
func Timing(name string, d time.Duration, tags map[string]string) MetricsEvent {
	return MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: float64(d) / float64(time.Millisecond),
		Tags:  tags,
	}
}
