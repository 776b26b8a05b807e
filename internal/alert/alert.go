// Package alert pushes operator alerts (stale workers, exhausted
// retries) to chat platforms. Delivery is best-effort: failures are
// logged, never retried.
package alert

import (
	"context"
	"log"

	"github.com/zulandar/switchboard/internal/config"
)

// Sink delivers one alert to a destination.
type Sink interface {
	Alert(ctx context.Context, title, body string) error
}

// Multi fans an alert out to every configured sink.
type Multi struct {
	sinks []Sink
}

// NewMulti builds the sink set from configuration. Returns an empty Multi
// (alerts become no-ops) when no sink is configured.
func NewMulti(cfg config.AlertsConfig) (*Multi, error) {
	var sinks []Sink
	if cfg.Slack.Token != "" {
		sinks = append(sinks, NewSlackSink(cfg.Slack.Token, cfg.Slack.Channel))
	}
	if cfg.Discord.Token != "" {
		s, err := NewDiscordSink(cfg.Discord.Token, cfg.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return &Multi{sinks: sinks}, nil
}

// Alert implements Sink. Each underlying sink is attempted; failures are
// logged and do not stop the fan-out.
func (m *Multi) Alert(ctx context.Context, title, body string) error {
	for _, s := range m.sinks {
		if err := s.Alert(ctx, title, body); err != nil {
			log.Printf("alert: %v", err)
		}
	}
	return nil
}
