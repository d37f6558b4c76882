package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/socialwatch/sentinel/internal/notify"
)

// PrometheusSink counts delivered events by kind and type, and alerts by severity.
type PrometheusSink struct {
	events *prometheus.CounterVec
	alerts *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_published_total",
			Help: "Events fanned out, partitioned by kind and type.",
		}, []string{"kind", "type"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alert_events_total",
			Help: "Alert events fanned out, partitioned by severity.",
		}, []string{"severity"}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.alerts} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register notify collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind), evt.Type).Inc()
		if evt.Kind == notify.KindAlert {
			s.alerts.WithLabelValues(string(evt.Severity)).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
