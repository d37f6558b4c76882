package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/socialwatch/sentinel/internal/monitor"
	"github.com/socialwatch/sentinel/internal/store/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type alertRecorder struct {
	mu     sync.Mutex
	alerts []monitor.Alert
}

func (r *alertRecorder) PublishAlert(a monitor.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) PublishCampaignEvent(string, string, map[string]any) {}

func (r *alertRecorder) PublishSystemEvent(string, map[string]any) {}

// TestOutboxSweepRepublishesUnacked replays alerts older than the grace period until acked.
func TestOutboxSweepRepublishesUnacked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	require.NoError(t, store.CreateAlert(ctx, monitor.Alert{ID: "stale", DedupeKey: "k1", CreatedAt: now.Add(-5 * time.Minute)}))
	require.NoError(t, store.CreateAlert(ctx, monitor.Alert{ID: "fresh", DedupeKey: "k2", CreatedAt: now.Add(-30 * time.Second)}))

	pub := &alertRecorder{}
	box := NewOutbox(store, pub, fixedClock{t: now}, OutboxConfig{Grace: 2 * time.Minute}, nil)

	n, err := box.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "stale", pub.alerts[0].ID)

	box.Ack(ctx, []string{"stale"})
	n, err = box.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := store.GetAlert(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, got.DeliveredAt)
	require.True(t, got.DeliveredAt.Equal(now))
}
