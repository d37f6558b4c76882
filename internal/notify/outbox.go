package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// OutboxConfig tunes alert redelivery.
type OutboxConfig struct {
	Grace     time.Duration `mapstructure:"grace"`
	BatchSize int           `mapstructure:"batch_size"`
}

// Outbox gives alerts at-least-once delivery: the hub acks what every sink
// accepted, and Sweep republishes anything still unacknowledged after Grace.
type Outbox struct {
	store  monitor.AlertStore
	pub    monitor.Publisher
	clock  monitor.Clock
	cfg    OutboxConfig
	logger *zap.Logger
}

// NewOutbox wires the alert store to a publisher.
func NewOutbox(store monitor.AlertStore, pub monitor.Publisher, clk monitor.Clock, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Outbox{store: store, pub: pub, clock: clk, cfg: cfg, logger: logger.Named("outbox")}
}

// Ack marks alerts delivered; it satisfies AckFunc.
func (o *Outbox) Ack(ctx context.Context, alertIDs []string) {
	if len(alertIDs) == 0 {
		return
	}
	if err := o.store.MarkDelivered(ctx, alertIDs, o.clock.Now()); err != nil {
		o.logger.Warn("mark alerts delivered failed", zap.Int("alerts", len(alertIDs)), zap.Error(err))
	}
}

// Sweep republishes undelivered alerts older than the grace period and
// returns how many were queued.
func (o *Outbox) Sweep(ctx context.Context) (int, error) {
	cutoff := o.clock.Now().Add(-o.cfg.Grace)
	alerts, err := o.store.ListUndelivered(ctx, cutoff, o.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list undelivered alerts: %w", err)
	}
	for _, a := range alerts {
		o.pub.PublishAlert(a)
	}
	if len(alerts) > 0 {
		o.logger.Info("redelivering alerts", zap.Int("alerts", len(alerts)))
	}
	return len(alerts), nil
}
