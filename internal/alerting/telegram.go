package alerting

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/telebot.v3"
)

const defaultTelegramAPI = "https://api.telegram.org"

var (
	btnPortfolio = telebot.Btn{Text: "📊 View Portfolio", Data: "portfolio"}
	btnSettings  = telebot.Btn{Text: "⚙️ Settings", Data: "settings"}
)

// TelegramSink 通过 Telegram Bot API 推送告警。
type TelegramSink struct {
	bot    *telebot.Bot
	logger zerolog.Logger
}

// NewTelegramSink 构造 Telegram 告警器。The bot runs offline: it only sends, it never polls.
func NewTelegramSink(botToken, apiBase string, timeout time.Duration, logger zerolog.Logger) (*TelegramSink, error) {
	if botToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}

	bot, err := telebot.NewBot(telebot.Settings{
		URL:     strings.TrimRight(apiBase, "/"),
		Token:   botToken,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramSink{
		bot:    bot,
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}, nil
}

// SendAlert 调用 sendMessage 推送文本，withActions 时附带内联按钮。
func (s *TelegramSink) SendAlert(ctx context.Context, recipient int64, message string, withActions bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []any{&telebot.SendOptions{DisableWebPagePreview: true}}
	if withActions {
		menu := &telebot.ReplyMarkup{}
		menu.Inline(menu.Row(btnPortfolio, btnSettings))
		opts = append(opts, menu)
	}

	if _, err := s.bot.Send(telebot.ChatID(recipient), message, opts...); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	s.logger.Info().Int64("recipient", recipient).Bool("actions", withActions).Msg("告警已发送 (Telegram)")
	return nil
}

var _ Sink = (*TelegramSink)(nil)
