package channel

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.InboundEvent
	err    error
}

func (f *fakePublisher) Publish(ev domain.InboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

type fakeBot struct {
	sent []string
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m.Text)
	}
	return tgbotapi.Message{}, nil
}

func countDrops(events *bus.EventBus) *int {
	n := 0
	events.On(bus.EventInboundDropped, func(bus.Event) { n++ })
	return &n
}

// --- Telegram ---

func newTestTelegram(pub Publisher, events *bus.EventBus, allow ...string) (*Telegram, *fakeBot) {
	tg := NewTelegram(TelegramConfig{TeamID: "t1", AllowFrom: allow, Publisher: pub, Events: events, Logger: testLogger()})
	bot := &fakeBot{}
	tg.bot = bot
	return tg, bot
}

func textUpdate(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: userID, UserName: "ana"},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Date:      1700000000,
		Text:      text,
	}}
}

func TestTelegram_PublishesMessage(t *testing.T) {
	pub := &fakePublisher{}
	tg, bot := newTestTelegram(pub, nil)

	tg.handleUpdate(textUpdate(42, 1001, "  Quero um orçamento "))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "telegram", ev.Source)
	assert.Equal(t, "t1", ev.TeamID)
	assert.Equal(t, "telegram", ev.Payload["channel"])
	assert.Equal(t, "1001", ev.Payload["conversation_id"])
	assert.Equal(t, "42", ev.Payload["from"])
	assert.Equal(t, "Quero um orçamento", ev.Payload["content"])
	assert.Equal(t, int64(1700000000), ev.Payload["timestamp"])
	assert.Equal(t, "ana", ev.Payload["username"])
	assert.NotContains(t, ev.Payload, "attachments")
	assert.Empty(t, bot.sent)
}

func TestTelegram_PhotoWithCaption(t *testing.T) {
	pub := &fakePublisher{}
	tg, _ := newTestTelegram(pub, nil)

	up := textUpdate(42, 1001, "")
	up.Message.Caption = "olha isso"
	up.Message.Photo = []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}}
	tg.handleUpdate(up)

	require.Len(t, pub.events, 1)
	p := pub.events[0].Payload
	assert.Equal(t, "olha isso", p["content"])
	assert.Equal(t, []any{map[string]any{"type": "photo", "file_id": "large"}}, p["attachments"])
}

func TestTelegram_AllowList(t *testing.T) {
	pub := &fakePublisher{}
	tg, bot := newTestTelegram(pub, nil, "42", "not-a-number")

	tg.handleUpdate(textUpdate(99, 1001, "hi"))
	assert.Empty(t, pub.events)
	require.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent[0], "Unauthorized")

	tg.handleUpdate(textUpdate(42, 1001, "hi"))
	assert.Len(t, pub.events, 1)
}

func TestTelegram_IgnoresEmptyAndIncomplete(t *testing.T) {
	pub := &fakePublisher{}
	tg, _ := newTestTelegram(pub, nil)

	tg.handleUpdate(tgbotapi.Update{})
	tg.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Text: "no sender"}})
	tg.handleUpdate(textUpdate(42, 1001, "   "))
	assert.Empty(t, pub.events)
}

func TestTelegram_CommandsAreNotPublished(t *testing.T) {
	pub := &fakePublisher{}
	tg, bot := newTestTelegram(pub, nil)

	up := textUpdate(42, 1001, "/id")
	up.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 3}}
	tg.handleUpdate(up)

	assert.Empty(t, pub.events)
	require.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent[0], "Your ID: 42")
}

func TestTelegram_DropEmitsEvent(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	drops := countDrops(events)
	tg, bot := newTestTelegram(&fakePublisher{err: bus.ErrFull}, events)

	tg.handleUpdate(textUpdate(42, 1001, "hi"))

	assert.Equal(t, 1, *drops)
	require.Len(t, bot.sent, 1)
	assert.Contains(t, bot.sent[0], "busy")
	dropped := events.Replay(bus.EventInboundDropped, time.Time{})
	require.Len(t, dropped, 1)
	assert.Equal(t, "telegram", dropped[0].Payload["source"])
}

// --- NATS ---

func newTestNATS(pub Publisher, events *bus.EventBus) *NATS {
	return NewNATS(NATSConfig{
		Subject:   "alfred.inbound",
		Queue:     "alfred-agents",
		TeamID:    "default-team",
		Publisher: pub,
		Events:    events,
		Logger:    testLogger(),
	})
}

func TestNATS_BarePayload(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNATS(pub, nil)

	n.handleMsg(&nats.Msg{Subject: "alfred.inbound", Data: []byte(`{"conversationId":"C1","message":"Oi"}`)})

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "nats", ev.Source)
	assert.Equal(t, "default-team", ev.TeamID)
	assert.Equal(t, "C1", ev.Payload["conversationId"])
	assert.Empty(t, ev.SessionID)
}

func TestNATS_EnvelopeAndHeaders(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNATS(pub, nil)

	msg := &nats.Msg{
		Subject: "alfred.inbound",
		Data:    []byte(`{"event":{"trigger":"leads-cold","leadId":"L1"},"sessionId":"S1","teamId":"t-body","authToken":"Bearer a"}`),
		Header:  nats.Header{},
	}
	msg.Header.Set(HeaderTeamID, "t-header")
	n.handleMsg(msg)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, domain.RawPayload{"trigger": "leads-cold", "leadId": "L1"}, ev.Payload)
	assert.Equal(t, "S1", ev.SessionID)
	assert.Equal(t, "t-header", ev.TeamID, "header wins over body")
	assert.Equal(t, "Bearer a", ev.AuthToken)
}

func TestNATS_EmptyBodyIsEmptyPayload(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNATS(pub, nil)

	n.handleMsg(&nats.Msg{Subject: "alfred.inbound"})

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.RawPayload{}, pub.events[0].Payload)
}

func TestNATS_InvalidJSONIsSkipped(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNATS(pub, nil)

	n.handleMsg(&nats.Msg{Subject: "alfred.inbound", Data: []byte(`[1,2]`)})
	n.handleMsg(&nats.Msg{Subject: "alfred.inbound", Data: []byte(`{oops`)})
	assert.Empty(t, pub.events)
}

func TestNATS_DropEmitsEvent(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	drops := countDrops(events)
	n := newTestNATS(&fakePublisher{err: errors.New("bus closed")}, events)

	n.handleMsg(&nats.Msg{Subject: "alfred.inbound", Data: []byte(`{}`)})
	assert.Equal(t, 1, *drops)
}

func TestPublish_ThroughInMemoryBus(t *testing.T) {
	b := bus.New(1, testLogger())
	n := newTestNATS(b, nil)

	n.handleMsg(&nats.Msg{Subject: "alfred.inbound", Data: []byte(`{"content":"hi"}`)})
	ev := <-b.Subscribe()
	assert.Equal(t, "hi", ev.Payload["content"])
}
