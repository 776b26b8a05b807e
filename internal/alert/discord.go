package alert

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordSession abstracts the discordgo methods we use, enabling test mocks.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSink posts alerts to a Discord channel.
type DiscordSink struct {
	session   discordSession
	channelID string
}

// NewDiscordSink creates a DiscordSink for the given bot token and channel.
func NewDiscordSink(token, channelID string) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("alert: discord session: %w", err)
	}
	return &DiscordSink{session: session, channelID: channelID}, nil
}

// Alert implements Sink.
func (d *DiscordSink) Alert(ctx context.Context, title, body string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, fmt.Sprintf("**%s**\n%s", title, body))
	if err != nil {
		return fmt.Errorf("alert: discord post to %s: %w", d.channelID, err)
	}
	return nil
}
