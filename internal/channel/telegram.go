package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

const sourceTelegram = "telegram"

// telegramSender is the part of *tgbotapi.BotAPI the adapter replies through.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram polls a bot for messages and publishes each one as an inbound
// event. Replies go out through the CRM's sendMessage tool, not the bot.
type Telegram struct {
	token     string
	teamID    string
	allowFrom []int64 // empty = allow all

	bot    telegramSender
	pub    Publisher
	events *bus.EventBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	TeamID    string
	AllowFrom []string // user IDs as strings
	Publisher Publisher
	Events    *bus.EventBus
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		} else {
			cfg.Logger.Warn("ignoring invalid telegram allowFrom entry", "value", s)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		teamID:    cfg.TeamID,
		allowFrom: allowed,
		pub:       cfg.Publisher,
		events:    cfg.Events,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return sourceTelegram }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", msg.From.UserName)
		t.reply(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" && msg.Caption == "" {
		return
	}
	if msg.IsCommand() {
		t.handleCommand(chatID, msg)
		return
	}

	ev := domain.InboundEvent{
		Payload: telegramPayload(msg),
		TeamID:  t.teamID,
		Source:  sourceTelegram,
	}
	if err := publish(t.pub, t.events, t.logger, ev); err != nil {
		t.reply(chatID, "We are busy right now, please try again shortly.")
		return
	}
	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))
}

// telegramPayload maps a bot message onto the payload keys the normalizer
// reads. The chat is the conversation.
func telegramPayload(msg *tgbotapi.Message) domain.RawPayload {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		content = strings.TrimSpace(msg.Caption)
	}
	p := domain.RawPayload{
		"channel":         sourceTelegram,
		"conversation_id": strconv.FormatInt(msg.Chat.ID, 10),
		"from":            strconv.FormatInt(msg.From.ID, 10),
		"content":         content,
		"timestamp":       int64(msg.Date),
		"message_id":      msg.MessageID,
	}
	if msg.From.UserName != "" {
		p["username"] = msg.From.UserName
	}
	var media []any
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		media = append(media, map[string]any{"type": "photo", "file_id": largest.FileID})
	}
	if msg.Document != nil {
		media = append(media, map[string]any{"type": "document", "file_id": msg.Document.FileID, "name": msg.Document.FileName})
	}
	if msg.Voice != nil {
		media = append(media, map[string]any{"type": "voice", "file_id": msg.Voice.FileID})
	}
	if len(media) > 0 {
		p["attachments"] = media
	}
	return p
}

func (t *Telegram) handleCommand(chatID int64, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.reply(chatID, "Hello! Send a message and our team will get back to you.")
	case "id":
		t.reply(chatID, fmt.Sprintf("Your ID: %d\nChat ID: %d", msg.From.ID, chatID))
	default:
		t.reply(chatID, "Unknown command. Type /help for available commands.")
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) reply(chatID int64, text string) {
	if t.bot == nil {
		return
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Warn("telegram reply failed", "chat_id", chatID, "err", err)
	}
}
