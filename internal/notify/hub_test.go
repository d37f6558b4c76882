package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.PublishSystemEvent(monitor.EventSessionReady, nil)
	hub.PublishCampaignEvent("c1", monitor.EventCrawlCompleted, map[string]any{"new_items": 3})
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)

	evt := sink.Batches()[0][1]
	require.NotEmpty(t, evt.ID)
	require.False(t, evt.TS.IsZero())
	require.Equal(t, []string{"campaign:c1"}, evt.Rooms())
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.PublishSystemEvent(monitor.EventSessionReady, nil)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.PublishAlert(monitor.Alert{ID: "a1", Severity: monitor.SeverityHigh, Status: monitor.AlertOpen})
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.dropped.Load())
}

// TestHubDiscardsInvalidEvents drops events that fail validation.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.PublishCampaignEvent("", monitor.EventCrawlCompleted, nil)
	hub.PublishAlert(monitor.Alert{})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubAcksDeliveredAlerts checks alerts are acked only when every sink succeeds.
func TestHubAcksDeliveredAlerts(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var acked []string
	ack := func(_ context.Context, ids []string) {
		mu.Lock()
		defer mu.Unlock()
		acked = append(acked, ids...)
	}

	good := newStubSink()
	flaky := &failingSink{fail: true}
	hub := NewHub(Config{MaxBatchEvents: 1, OnDelivered: ack}, flaky, good)

	hub.PublishAlert(monitor.Alert{ID: "a1", Severity: monitor.SeverityHigh, Status: monitor.AlertOpen})
	require.Eventually(t, func() bool { return len(good.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	flaky.setFail(false)
	hub.PublishAlert(monitor.Alert{ID: "a2", Severity: monitor.SeverityLow, Status: monitor.AlertOpen})
	require.NoError(t, hub.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a2"}, acked)
}

// TestHubSurvivesPanickingSink ensures one sink cannot stop delivery to others.
func TestHubSurvivesPanickingSink(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, panicSink{}, good)
	hub.PublishSystemEvent("ping", nil)
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, good.Batches(), 1)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.PublishSystemEvent("ping", nil)
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)

	// Events after close are ignored.
	hub.PublishSystemEvent("late", nil)
	require.Len(t, sink.Batches(), 1)
}

func TestEventRooms(t *testing.T) {
	t.Parallel()

	alert := Event{Kind: KindAlert, CampaignID: "c9", Severity: monitor.SeverityCritical}
	require.Equal(t, []string{"campaign:c9", "severity:critical"}, alert.Rooms())
	require.Equal(t, []string{"severity:low"}, Event{Kind: KindAlert, Severity: monitor.SeverityLow}.Rooms())
	require.Equal(t, []string{RoomSystem}, Event{Kind: KindSystem}.Rooms())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

type failingSink struct {
	mu   sync.Mutex
	fail bool
}

func (s *failingSink) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *failingSink) Consume(context.Context, []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("transport down")
	}
	return nil
}

func (*failingSink) Close(context.Context) error { return nil }

type panicSink struct{}

func (panicSink) Consume(context.Context, []Event) error { panic("boom") }
func (panicSink) Close(context.Context) error            { return nil }
