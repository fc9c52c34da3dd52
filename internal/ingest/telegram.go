package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"signalbridge/internal/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UpdatesSource is the slice of *tgbotapi.BotAPI the listener uses.
type UpdatesSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type TelegramConfig struct {
	BotToken string
	// Channels 允许的频道：用户名（可带 @）、标题或数字 chat id；为空表示全部接收。
	Channels []string
	Timeout  int
}

// TelegramSource long-polls the Bot API and publishes channel posts to a Feed.
type TelegramSource struct {
	updates UpdatesSource
	feed    *Feed
	timeout int
	allow   map[string]struct{}
}

// NewTelegramSource connects to the Bot API with the configured token.
func NewTelegramSource(cfg TelegramConfig, feed *Feed) (*TelegramSource, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("telegram ingest: bot_token 不能为空")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram ingest: %w", err)
	}
	logger.Infof("[ingest] telegram bot authorised as @%s", bot.Self.UserName)
	return NewTelegramSourceWith(bot, cfg, feed), nil
}

func NewTelegramSourceWith(updates UpdatesSource, cfg TelegramConfig, feed *Feed) *TelegramSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60
	}
	allow := make(map[string]struct{}, len(cfg.Channels))
	for _, c := range cfg.Channels {
		key := normalizeChannel(c)
		if key != "" {
			allow[key] = struct{}{}
		}
	}
	return &TelegramSource{updates: updates, feed: feed, timeout: timeout, allow: allow}
}

// Run consumes updates until ctx is done.
func (s *TelegramSource) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = s.timeout
	u.AllowedUpdates = []string{"channel_post", "message"}
	ch := s.updates.GetUpdatesChan(u)
	defer s.updates.StopReceivingUpdates()
	logger.Infof("[ingest] telegram listener started channels=%d", len(s.allow))
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-ch:
			if !ok {
				return nil
			}
			msg, ok := s.convert(upd)
			if !ok {
				continue
			}
			if err := s.feed.Publish(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warnf("[ingest] drop telegram message %d chat=%d: %v", msg.MessageID, msg.ChatID, err)
			}
		}
	}
}

func (s *TelegramSource) convert(upd tgbotapi.Update) (Message, bool) {
	m := upd.ChannelPost
	if m == nil {
		m = upd.Message
	}
	if m == nil || m.Chat == nil {
		return Message{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, false
	}
	channel := m.Chat.Title
	if channel == "" {
		channel = m.Chat.UserName
	}
	if !s.allowed(m.Chat) {
		logger.Debugf("[ingest] ignore chat %d (%s)", m.Chat.ID, channel)
		return Message{}, false
	}
	return Message{
		Text:      text,
		MessageID: int64(m.MessageID),
		ChatID:    m.Chat.ID,
		Channel:   channel,
		Timestamp: m.Time().UTC(),
	}, true
}

func (s *TelegramSource) allowed(chat *tgbotapi.Chat) bool {
	if len(s.allow) == 0 {
		return true
	}
	for _, key := range []string{
		strconv.FormatInt(chat.ID, 10),
		normalizeChannel(chat.UserName),
		normalizeChannel(chat.Title),
	} {
		if key == "" {
			continue
		}
		if _, ok := s.allow[key]; ok {
			return true
		}
	}
	return false
}

func normalizeChannel(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}
