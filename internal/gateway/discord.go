package gateway

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

const discordMessageLimit = 2000

type DiscordNotifier struct {
	Session   *discordgo.Session
	ChannelID string
}

// NewDiscordNotifier uses the REST API only; no gateway websocket is opened.
func NewDiscordNotifier(token, channelID string) (*DiscordNotifier, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &DiscordNotifier{Session: s, ChannelID: channelID}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Notify(ctx context.Context, text string) error {
	_, err := d.Session.ChannelMessageSend(d.ChannelID, truncateMessage(text, discordMessageLimit), discordgo.WithContext(ctx))
	return err
}
