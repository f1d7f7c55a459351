package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"perp-grid-engine/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier delivers one alert to a human.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// LogNotifier writes alerts to the structured log. Always wired, so alerts survive a Telegram outage.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert models.Alert) error {
	fields := []zap.Field{zap.String("category", string(alert.Category))}
	for k, v := range alert.Fields {
		fields = append(fields, zap.String(k, v))
	}
	switch alert.Level {
	case models.AlertCritical:
		n.logger.Error(alert.Message, fields...)
	case models.AlertWarning:
		n.logger.Warn(alert.Message, fields...)
	default:
		n.logger.Info(alert.Message, fields...)
	}
	return nil
}

// TelegramNotifier sends alerts to one chat through the Bot API.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier connects to the Bot API. An empty endpoint uses the public one.
func NewTelegramNotifier(token string, chatID int64, endpoint string) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram bot token and chat id are required")
	}
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if endpoint == "" {
		bot, err = tgbotapi.NewBotAPI(token)
	} else {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Notify(_ context.Context, alert models.Alert) error {
	msg := tgbotapi.NewMessage(n.chatID, Format(alert))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Format renders an alert as a short multi-line message.
func Format(alert models.Alert) string {
	icon := "ℹ️"
	switch alert.Level {
	case models.AlertWarning:
		icon = "⚠️"
	case models.AlertCritical:
		icon = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s | %s\n%s", icon, alert.Level, alert.Category, alert.Message)
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n├ %s: %s", k, alert.Fields[k])
	}
	if !alert.Time.IsZero() {
		fmt.Fprintf(&b, "\n└ %s", alert.Time.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return b.String()
}
