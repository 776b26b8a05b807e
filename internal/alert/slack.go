package alert

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackSink posts alerts to a Slack channel.
type SlackSink struct {
	client  slackClient
	channel string
}

// NewSlackSink creates a SlackSink for the given bot token and channel.
func NewSlackSink(token, channel string) *SlackSink {
	return &SlackSink{
		client:  slackapi.New(token),
		channel: channel,
	}
}

// Alert implements Sink.
func (s *SlackSink) Alert(ctx context.Context, title, body string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slackapi.MsgOptionText(fmt.Sprintf("*%s*\n%s", title, body), false))
	if err != nil {
		return fmt.Errorf("alert: slack post to %s: %w", s.channel, err)
	}
	return nil
}
