package channels

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/socialwatch/sentinel/internal/monitor"
)

// SlackPoster is the subset of *slack.Client used by Slack.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts alerts into Slack channels.
type Slack struct {
	api SlackPoster
}

// NewSlack builds a notifier from a bot token. apiURL overrides the API base
// (used by tests); leave empty for slack.com.
func NewSlack(token, apiURL string) *Slack {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &Slack{api: slack.New(token, opts...)}
}

// Type implements Notifier.
func (*Slack) Type() string { return "slack" }

// Notify posts the alert summary to channelID.
func (s *Slack) Notify(ctx context.Context, channelID string, alert monitor.Alert) error {
	_, _, err := s.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(FormatAlert(alert), false))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}
