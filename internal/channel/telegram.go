package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"wasender/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 2
)

// telegramSender is the part of *tgbotapi.BotAPI the notifier needs.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts run notices to one or more Telegram chats.
type Telegram struct {
	bot     telegramSender
	chatIDs []int64
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ domain.Notifier = (*Telegram)(nil)

// TelegramConfig configures the Telegram notifier.
type TelegramConfig struct {
	Token   string
	ChatIDs []string
	Logger  *slog.Logger
}

// NewTelegram authenticates the bot and parses the target chat IDs.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	ids, err := parseChatIDs(cfg.ChatIDs)
	if err != nil {
		return nil, err
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return newTelegram(bot, ids, cfg.Logger), nil
}

func newTelegram(bot telegramSender, chatIDs []int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{bot: bot, chatIDs: chatIDs, logger: logger, sleep: sleepCtx}
}

func parseChatIDs(raw []string) ([]int64, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("telegram: no chat ids configured")
	}
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid chat id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Notify sends text to every configured chat, chunked to the message limit.
// It keeps going after a failed chat and returns the first error.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	var firstErr error
	for _, chatID := range t.chatIDs {
		for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
			if err := t.sendChunk(ctx, chatID, chunk); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				break
			}
		}
	}
	return firstErr
}

// sendChunk retries transient failures, backing off longer on rate limits.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err = t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return nil
		}
		if attempt == telegramMaxSendRetries {
			break
		}

		backoff := time.Duration(attempt+1) * time.Second
		if errStr := err.Error(); strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}
		if serr := t.sleep(ctx, backoff); serr != nil {
			return serr
		}
	}
	t.logger.Error("telegram send failed after retries", "chat_id", chatID, "err", err, "attempts", telegramMaxSendRetries+1)
	return fmt.Errorf("telegram send to %d: %w", chatID, err)
}
