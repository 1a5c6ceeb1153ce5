package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wasender/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// discordSender is the part of *discordgo.Session the notifier needs.
type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts run notices to a Discord channel over the REST API.
// The gateway connection is never opened.
type Discord struct {
	session   discordSender
	channelID string
	logger    *slog.Logger
}

var _ domain.Notifier = (*Discord)(nil)

// DiscordConfig configures the Discord notifier.
type DiscordConfig struct {
	Token     string
	ChannelID string
	Logger    *slog.Logger
}

// NewDiscord creates a Discord notifier.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return newDiscord(session, cfg.ChannelID, cfg.Logger), nil
}

func newDiscord(session discordSender, channelID string, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{session: session, channelID: channelID, logger: logger}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, text string) error {
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(d.channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			d.logger.Error("discord send failed", "channel", d.channelID, "err", err)
			return fmt.Errorf("discord send to %s: %w", d.channelID, err)
		}
	}
	return nil
}

// splitMessage splits a message into chunks of at most maxLen bytes,
// preferring a newline in the second half of the window.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
