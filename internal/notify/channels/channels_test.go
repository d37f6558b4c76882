package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
	"github.com/socialwatch/sentinel/internal/notify"
)

type recordingNotifier struct {
	kind string
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingNotifier) Type() string { return r.kind }

func (r *recordingNotifier) Notify(_ context.Context, target string, alert monitor.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, target+"/"+alert.ID)
	return nil
}

func alertWith(channels ...monitor.ChannelTarget) notify.Event {
	return notify.Event{
		Kind: notify.KindAlert,
		Type: "alert_open",
		Alert: &monitor.Alert{
			ID:       "a1",
			Title:    "Coordinated spam",
			Severity: monitor.SeverityHigh,
			Channels: channels,
		},
		TS: time.Now(),
	}
}

// TestDispatcherRoutesByType checks targets, defaults and unknown types.
func TestDispatcherRoutesByType(t *testing.T) {
	t.Parallel()

	sl := &recordingNotifier{kind: "slack"}
	tg := &recordingNotifier{kind: "telegram"}
	d := NewDispatcher(zap.NewNop(), map[string]string{"telegram": "-100"}, sl, tg)

	evt := alertWith(
		monitor.ChannelTarget{Type: "Slack", Target: "C123"},
		monitor.ChannelTarget{Type: "telegram"},
		monitor.ChannelTarget{Type: "email", Target: "ops@example.com"},
	)
	system := notify.Event{Kind: notify.KindSystem, Type: "ping", TS: time.Now()}
	require.NoError(t, d.Consume(context.Background(), []notify.Event{evt, system}))

	require.Equal(t, []string{"C123/a1"}, sl.sent)
	require.Equal(t, []string{"-100/a1"}, tg.sent)
}

// TestDispatcherJoinsErrors ensures one failing channel does not hide others.
func TestDispatcherJoinsErrors(t *testing.T) {
	t.Parallel()

	sl := &recordingNotifier{kind: "slack", err: errors.New("channel_not_found")}
	tg := &recordingNotifier{kind: "telegram"}
	d := NewDispatcher(nil, nil, sl, tg)

	err := d.Consume(context.Background(), []notify.Event{alertWith(
		monitor.ChannelTarget{Type: "slack", Target: "C1"},
		monitor.ChannelTarget{Type: "telegram", Target: "42"},
	)})
	require.ErrorContains(t, err, "channel_not_found")
	require.Equal(t, []string{"42/a1"}, tg.sent)
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	text := FormatAlert(monitor.Alert{
		Title:      "Threat spike",
		Severity:   monitor.SeverityCritical,
		CampaignID: "c1",
		RuleName:   "critical threats",
		ItemIDs:    []string{"i1", "i2"},
	})
	require.True(t, strings.HasPrefix(text, "[CRITICAL] Threat spike"))
	require.Contains(t, text, "Items: i1, i2")
}

// TestFormatAlertStatusChange keeps triage updates to one line.
func TestFormatAlertStatusChange(t *testing.T) {
	t.Parallel()

	text := FormatAlert(monitor.Alert{
		Title:       "Threat spike",
		Severity:    monitor.SeverityCritical,
		Description: "long body that was already posted",
		ItemIDs:     []string{"i1"},
		Status:      monitor.AlertResolved,
		ResolvedBy:  "ana",
	})
	require.Equal(t, "[CRITICAL] Threat spike is now resolved (by ana)", text)
	require.NotContains(t, text, "long body")
}

// TestSlackPostsMessage drives the real client against a fake Slack API.
func TestSlackPostsMessage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var channel atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/api/") == "chat.postMessage" {
			calls.Add(1)
			if err := r.ParseForm(); err == nil {
				channel.Store(r.Form.Get("channel"))
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C42", "ts": "1.0"})
	}))
	t.Cleanup(server.Close)

	s := NewSlack("xoxb-test", server.URL+"/api/")
	require.NoError(t, s.Notify(context.Background(), "C42", monitor.Alert{ID: "a1", Title: "x", Severity: monitor.SeverityLow}))
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, "C42", channel.Load())
}

// TestTelegramSendsMessage drives the real bot client against a fake Bot API.
func TestTelegramSendsMessage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			calls.Add(1)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"message_id": 1,
				"date":       0,
				"chat":       map[string]any{"id": 42, "type": "private"},
			},
		})
	}))
	t.Cleanup(server.Close)

	tg, err := NewTelegram("123:test-token", server.URL)
	require.NoError(t, err)
	require.NoError(t, tg.Notify(context.Background(), "42", monitor.Alert{ID: "a1", Title: "x", Severity: monitor.SeverityLow}))
	require.EqualValues(t, 1, calls.Load())
}
