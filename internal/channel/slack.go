package channel

import (
	"context"
	"fmt"
	"log/slog"

	"wasender/internal/domain"

	"github.com/slack-go/slack"
)

const slackMaxMsgLen = 4000

// slackPoster is the part of *slack.Client the notifier needs.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts run notices to a Slack channel with a bot token.
type Slack struct {
	client  slackPoster
	channel string
	logger  *slog.Logger
}

var _ domain.Notifier = (*Slack)(nil)

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	BotToken string
	Channel  string
	Logger   *slog.Logger
}

// NewSlack creates a Slack notifier. No request is made until the first
// notice.
func NewSlack(cfg SlackConfig) *Slack {
	return newSlack(slack.New(cfg.BotToken), cfg.Channel, cfg.Logger)
}

func newSlack(client slackPoster, channel string, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{client: client, channel: channel, logger: logger}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, text string) error {
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		_, _, err := s.client.PostMessageContext(ctx, s.channel,
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionAsUser(true),
		)
		if err != nil {
			s.logger.Error("slack send failed", "channel", s.channel, "err", err)
			return fmt.Errorf("slack send to %s: %w", s.channel, err)
		}
	}
	return nil
}
