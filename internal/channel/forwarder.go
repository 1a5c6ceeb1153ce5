// Package channel pushes run notices to chat services (Telegram, Slack,
// Discord) so an operator can follow a long dispatch away from the machine.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wasender/internal/config"
	"wasender/internal/domain"
)

const defaultNotifyTimeout = 15 * time.Second

// Forwarder relays run-level status events to every notifier. Per-recipient
// and session events stay local.
type Forwarder struct {
	notifiers []domain.Notifier
	timeout   time.Duration
	logger    *slog.Logger
}

// NewForwarder creates a forwarder. A zero timeout uses 15 seconds per
// notifier.
func NewForwarder(notifiers []domain.Notifier, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{notifiers: notifiers, timeout: timeout, logger: logger}
}

// Len reports how many notifiers are attached.
func (f *Forwarder) Len() int { return len(f.notifiers) }

// Handle is a bus subscriber. Notifier failures are logged, never returned.
func (f *Forwarder) Handle(ev domain.StatusEvent) {
	text, ok := FormatEvent(ev)
	if !ok {
		return
	}
	for _, n := range f.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := n.Notify(ctx, text)
		cancel()
		if err != nil {
			f.logger.Warn("notifier failed", "notifier", n.Name(), "kind", ev.Kind, "err", err)
		}
	}
}

// FormatEvent renders ev as a notice. It reports false for event kinds
// that are not forwarded.
func FormatEvent(ev domain.StatusEvent) (string, bool) {
	var head string
	switch ev.Kind {
	case domain.EventRunStarted:
		head = "run started"
	case domain.EventConfigError:
		head = "run rejected"
	case domain.EventRunCompleted:
		head = "run finished"
	default:
		return "", false
	}
	if ev.RunID != "" {
		head += " " + ev.RunID
	}
	if ev.Message == "" {
		return "[wasender] " + head, true
	}
	return fmt.Sprintf("[wasender] %s: %s", head, ev.Message), true
}

// FromConfig builds the enabled notifiers. A notifier that fails to
// initialize aborts the whole set so a typo'd token is caught before a run.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) ([]domain.Notifier, error) {
	var (
		out  []domain.Notifier
		errs []error
	)
	if cfg.Telegram.Enabled {
		tg, err := NewTelegram(TelegramConfig{
			Token:   cfg.Telegram.Token,
			ChatIDs: cfg.Telegram.ChatIDs,
			Logger:  logger,
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, tg)
		}
	}
	if cfg.Slack.Enabled {
		out = append(out, NewSlack(SlackConfig{
			BotToken: cfg.Slack.BotToken,
			Channel:  cfg.Slack.Channel,
			Logger:   logger,
		}))
	}
	if cfg.Discord.Enabled {
		dc, err := NewDiscord(DiscordConfig{
			Token:     cfg.Discord.Token,
			ChannelID: cfg.Discord.ChannelID,
			Logger:    logger,
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, dc)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
