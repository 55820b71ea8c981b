// Package notify delivers density alerts to humans.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/multierr"

	"github.com/dj-oyu/coop-density/mapping-server/internal/density"
	"github.com/dj-oyu/coop-density/mapping-server/internal/logger"
)

// Notifier sends one message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Log writes alerts to the log instead of sending them anywhere.
type Log struct{}

// Notify implements Notifier.
func (Log) Notify(_ context.Context, message string) error {
	logger.Warn("Notify", "%s", message)
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, message string) error {
	var err error
	for _, n := range m {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Notify(ctx, message))
	}
	return err
}

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	BaseURL string
	Token   string
	ChatID  string
	Timeout time.Duration
}

// Telegram posts messages through the Bot API sendMessage method.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram returns nil when the token or chat id is missing.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Telegram{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// connect creates the bot on first use. The constructor calls getMe, so a
// failure is retried on the next alert.
func (t *Telegram) connect() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.BaseURL+"/bot%s/%s", t.client)
	if err != nil {
		return nil, err
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) message(text string) tgbotapi.MessageConfig {
	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(t.cfg.ChatID, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(t.cfg.ChatID, text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	return msg
}

// Notify implements Notifier. The message is sent with HTML parse mode.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.connect()
	if err != nil {
		return telegramError(err)
	}
	if _, err := bot.Send(t.message(message)); err != nil {
		return telegramError(err)
	}
	return nil
}

// telegramError strips the request URL, which carries the bot token.
func telegramError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("telegram: %w", uerr.Err)
	}
	return fmt.Errorf("telegram: %w", err)
}

// FormatAlert builds the HTML alert text for one cycle.
func FormatAlert(ts time.Time, alerts []density.Alert, maxDensity float64, plotURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>⚠️ Density alert</b> %s\n", ts.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "%d cell(s) above %.2f birds/m²:\n", len(alerts), maxDensity)
	for _, a := range alerts {
		fmt.Fprintf(&b, "• cell (%d,%d): %d birds, %.2f/m²\n", a.Cell.Col, a.Cell.Row, a.Count, a.Density)
	}
	if isAbsoluteURL(plotURL) {
		fmt.Fprintf(&b, "<a href=\"%s\">Density plot</a>", html.EscapeString(plotURL))
	}
	return strings.TrimRight(b.String(), "\n")
}

// isAbsoluteURL reports whether s can be opened from outside this host.
// Telegram rejects messages whose links are relative.
func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
