package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/cordell/internal/cron"
)

// telegramLimit is the maximum message length Telegram accepts, in runes.
const telegramLimit = 4096

// TelegramSink sends notifications to a fixed set of chats.
type TelegramSink struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	logger  *slog.Logger
}

// TelegramOptions overrides the Bot API endpoint and HTTP client.
type TelegramOptions struct {
	Endpoint string // defaults to tgbotapi.APIEndpoint
	Client   tgbotapi.HTTPClient
	Logger   *slog.Logger
}

// NewTelegramSink authenticates the bot token and returns a sink.
func NewTelegramSink(token string, chatIDs []int64, opts TelegramOptions) (*TelegramSink, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(chatIDs) == 0 {
		return nil, errors.New("telegram chat_ids is empty")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if opts.Client != nil {
		bot, err = tgbotapi.NewBotAPIWithClient(token, endpoint, opts.Client)
	} else {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram sink ready", "user", bot.Self.UserName, "chats", len(chatIDs))
	return &TelegramSink{bot: bot, chatIDs: chatIDs, logger: logger}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

// Deliver sends the notification to every chat. It stops at the first
// failure.
func (t *TelegramSink) Deliver(ctx context.Context, n cron.Notification) error {
	for _, chatID := range t.chatIDs {
		for _, chunk := range chunkText(FormatNotification(n), telegramLimit) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
				return fmt.Errorf("telegram send to %d: %w", chatID, err)
			}
		}
	}
	return nil
}

// FormatNotification renders a notification as plain text.
func FormatNotification(n cron.Notification) string {
	header := fmt.Sprintf("[%s] %s", n.Job, n.Timestamp.Local().Format("2006-01-02 15:04"))
	if n.Session != "" && n.Session != n.Job {
		header += " · " + n.Session
	}
	if n.Failed() {
		return fmt.Sprintf("%s\n\n%s: %s", header, n.Status, n.Error)
	}
	body := strings.TrimSpace(n.Response)
	if body == "" {
		body = "(empty reply)"
	}
	return header + "\n\n" + body
}

// chunkText splits s into pieces of at most limit runes, preferring to break
// after a newline.
func chunkText(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
