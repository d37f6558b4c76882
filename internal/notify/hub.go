package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/id/uuid"
	"github.com/socialwatch/sentinel/internal/metrics"
	"github.com/socialwatch/sentinel/internal/monitor"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 100).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - OnDelivered: optional ack for alerts every sink accepted.
type Config struct {
	BufferSize     int             `mapstructure:"buffer_size"`
	MaxBatchEvents int             `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration   `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration   `mapstructure:"sink_timeout"`
	BaseContext    context.Context `mapstructure:"-"`
	OnDelivered    AckFunc         `mapstructure:"-"`
	Logger         *zap.Logger     `mapstructure:"-"`
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans events out to registered sinks. It is safe for concurrent use and
// never blocks callers; it implements monitor.Publisher.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	ids         monitor.IDGenerator
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

var _ monitor.Publisher = (*Hub)(nil)

// NewHub initializes a Hub and starts the background batching goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger.Named("notify"),
		ids:         uuid.New(),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// PublishAlert enqueues an alert for the campaign and severity rooms.
func (h *Hub) PublishAlert(alert monitor.Alert) {
	a := alert
	h.Emit(Event{
		Kind:       KindAlert,
		Type:       "alert_" + string(a.Status),
		CampaignID: a.CampaignID,
		Severity:   a.Severity,
		Alert:      &a,
	})
}

// PublishCampaignEvent enqueues a lifecycle event for one campaign room.
func (h *Hub) PublishCampaignEvent(campaignID string, eventType string, payload map[string]any) {
	h.Emit(Event{Kind: KindCampaign, Type: eventType, CampaignID: campaignID, Payload: payload})
}

// PublishSystemEvent enqueues a process-wide event.
func (h *Hub) PublishSystemEvent(eventType string, payload map[string]any) {
	h.Emit(Event{Kind: KindSystem, Type: eventType, Payload: payload})
}

// Emit enqueues an Event for batching. It never blocks; if the buffer is full
// the event is dropped and a rate-limited warning is logged. Missing IDs and
// timestamps are filled in.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if evt.ID == "" && h.ids != nil {
		if id, err := h.ids.NewID(); err == nil {
			evt.ID = id
		}
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		metrics.IncEventsDropped()
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("events dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = h.enqueueEvent(batch, evt, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueueEvent(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if !*timerActive {
		timer.Reset(h.cfg.MaxBatchWait)
		*timerActive = true
	}
	return batch
}

func (h *Hub) handleStop(batch []Event, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	baseCtx := h.cfg.BaseContext
	delivered := true
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		if err := h.consume(ctx, sink, copyBatch); err != nil {
			delivered = false
			h.logger.Warn("sink consume failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
		cancel()
	}
	if !delivered || h.cfg.OnDelivered == nil {
		return
	}
	var alertIDs []string
	for _, evt := range copyBatch {
		if evt.Kind == KindAlert {
			alertIDs = append(alertIDs, evt.Alert.ID)
		}
	}
	if len(alertIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
	defer cancel()
	h.cfg.OnDelivered(ctx, alertIDs)
}

// consume shields the hub goroutine from a panicking sink.
func (h *Hub) consume(ctx context.Context, sink Sink, batch []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Consume(ctx, batch)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
