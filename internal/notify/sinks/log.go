package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/notify"
)

// LogSink emits structured logs for every event. It is useful during
// development or audits where no transport is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event_id", evt.ID),
			zap.String("kind", string(evt.Kind)),
			zap.String("type", evt.Type),
			zap.Strings("rooms", evt.Rooms()),
		}
		if evt.CampaignID != "" {
			fields = append(fields, zap.String("campaign_id", evt.CampaignID))
		}
		if evt.Alert != nil {
			fields = append(fields,
				zap.String("alert_id", evt.Alert.ID),
				zap.String("severity", string(evt.Alert.Severity)),
				zap.String("rule_id", evt.Alert.RuleID),
			)
		}
		if len(evt.Payload) > 0 {
			fields = append(fields, zap.Any("payload", evt.Payload))
		}
		s.logger.Info("event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
