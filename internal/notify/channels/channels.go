// Package channels delivers alerts to the chat channels named in a rule's
// notify actions (Slack channels, Telegram chats).
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/socialwatch/sentinel/internal/monitor"
	"github.com/socialwatch/sentinel/internal/notify"
)

// Notifier sends one alert to one target of its channel type.
type Notifier interface {
	Type() string
	Notify(ctx context.Context, target string, alert monitor.Alert) error
}

// Dispatcher is a notify.Sink routing alert events to Notifiers by the
// alert's channel targets. Other event kinds are ignored.
type Dispatcher struct {
	notifiers map[string]Notifier
	defaults  map[string]string
	logger    *zap.Logger
}

// NewDispatcher registers notifiers by type. defaults maps a channel type to
// the target used when a ChannelTarget leaves Target empty.
func NewDispatcher(logger *zap.Logger, defaults map[string]string, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		notifiers: make(map[string]Notifier, len(notifiers)),
		defaults:  defaults,
		logger:    logger.Named("channels"),
	}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers[strings.ToLower(n.Type())] = n
		}
	}
	return d
}

// Consume sends every alert in the batch to each of its channels. Alerts
// without channels are skipped; unknown channel types are logged once per alert.
func (d *Dispatcher) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Kind != notify.KindAlert || evt.Alert == nil {
			continue
		}
		for _, ch := range evt.Alert.Channels {
			n, ok := d.notifiers[strings.ToLower(ch.Type)]
			if !ok {
				d.logger.Debug("no notifier for channel type", zap.String("type", ch.Type), zap.String("alert_id", evt.Alert.ID))
				continue
			}
			target := ch.Target
			if target == "" {
				target = d.defaults[strings.ToLower(ch.Type)]
			}
			if target == "" {
				d.logger.Warn("channel target missing", zap.String("type", ch.Type), zap.String("alert_id", evt.Alert.ID))
				continue
			}
			if err := n.Notify(ctx, target, *evt.Alert); err != nil {
				errs = append(errs, fmt.Errorf("notify %s %s: %w", ch.Type, target, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close implements notify.Sink.
func (d *Dispatcher) Close(context.Context) error {
	return nil
}

// FormatAlert renders a compact plain-text summary of an alert. Alerts that
// left the open state render as a one-line status change.
func FormatAlert(a monitor.Alert) string {
	var b strings.Builder
	if a.Status != "" && a.Status != monitor.AlertOpen {
		fmt.Fprintf(&b, "[%s] %s is now %s", strings.ToUpper(string(a.Severity)), a.Title, a.Status)
		if a.ResolvedBy != "" {
			fmt.Fprintf(&b, " (by %s)", a.ResolvedBy)
		}
		return b.String()
	}
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
	if a.Description != "" {
		fmt.Fprintf(&b, "\n%s", a.Description)
	}
	if a.CampaignID != "" {
		fmt.Fprintf(&b, "\nCampaign: %s", a.CampaignID)
	}
	if a.RuleName != "" {
		fmt.Fprintf(&b, "\nRule: %s", a.RuleName)
	}
	if len(a.ItemIDs) > 0 {
		fmt.Fprintf(&b, "\nItems: %s", strings.Join(a.ItemIDs, ", "))
	}
	if a.AssignedTo != "" {
		fmt.Fprintf(&b, "\nAssigned: %s", a.AssignedTo)
	}
	return b.String()
}
