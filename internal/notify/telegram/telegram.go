// Package telegram delivers notifications through a Telegram bot.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/notify"
)

const maxMessageLen = 4096

// Notifier sends messages to a fixed chat unless Message.Recipient names another.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger log.Logger
}

// Option configures a Notifier.
type Option func(*options)

type options struct {
	endpoint string
	client   *http.Client
}

// WithEndpoint overrides the Bot API endpoint format ("…/bot%s/%s").
func WithEndpoint(format string) Option { return func(o *options) { o.endpoint = format } }

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// New authenticates the bot token (getMe) and returns a Notifier.
func New(token string, chatID int64, logger log.Logger, opts ...Option) (*Notifier, error) {
	o := options{
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, fn := range opts {
		fn(&o)
	}
	if logger == nil {
		logger = log.Nop()
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, o.endpoint, o.client)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID, logger: logger}, nil
}

// Deliver implements notify.Deliverer. Long messages are split; the id of
// the first part is returned.
func (n *Notifier) Deliver(ctx context.Context, msg notify.Message) (string, bool) {
	chatID := n.chatID
	if msg.Recipient != "" {
		if id, err := strconv.ParseInt(msg.Recipient, 10, 64); err == nil {
			chatID = id
		}
	}

	var first string
	for i, part := range splitMessage(render(msg)) {
		if ctx.Err() != nil {
			return first, false
		}
		sent, err := n.bot.Send(tgbotapi.NewMessage(chatID, part))
		if err != nil {
			n.logger.Error(ctx, err, "telegram delivery failed", "subject", msg.Subject, "part", i)
			return first, false
		}
		if i == 0 {
			first = "telegram:" + strconv.Itoa(sent.MessageID)
		}
	}
	return first, true
}

func render(m notify.Message) string {
	if m.Subject == "" {
		return m.Body
	}
	if m.Body == "" {
		return m.Subject
	}
	return m.Subject + "\n\n" + m.Body
}

func splitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxMessageLen, len(text))
		// prefer a line break so entries are not cut mid-line
		if end < len(text) {
			if nl := strings.LastIndexByte(text[:end], '\n'); nl > maxMessageLen/2 {
				end = nl + 1
			}
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
