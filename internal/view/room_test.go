package view

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wschat/internal/bus"
	"github.com/matheus3301/wschat/internal/channel"
	"github.com/matheus3301/wschat/internal/registry"
	"github.com/matheus3301/wschat/internal/retry"
	"github.com/matheus3301/wschat/internal/session"
	"github.com/matheus3301/wschat/internal/transport/transporttest"
)

type harness struct {
	t       *testing.T
	bus     *bus.Bus
	dialer  *transporttest.Dialer
	session *session.Session
	client  *channel.Client
}

func newHarness(t *testing.T, dialer *transporttest.Dialer) *harness {
	t.Helper()
	h := newIdleHarness(t, dialer)
	h.connect()
	return h
}

// newIdleHarness builds the stack without connecting, as the daemon does.
func newIdleHarness(t *testing.T, dialer *transporttest.Dialer) *harness {
	t.Helper()
	b := bus.New()
	s := session.New(session.Config{
		ReconnectMaxAttempts: 1,
		ReconnectDelay:       time.Millisecond,
		HeartbeatInterval:    time.Hour,
		HeartbeatMonitor:     time.Hour,
		DrainInterval:        5 * time.Millisecond,
		TypingStart:          retry.TypingStart(1, 0),
		Subscribe:            registry.Config{RetryDelay: 5 * time.Millisecond},
	}, dialer, nil, b, nil)
	t.Cleanup(s.Close)
	return &harness{t: t, bus: b, dialer: dialer, session: s, client: channel.New(s, s, nil)}
}

// connect starts the session and waits for the first connect or failure.
func (h *harness) connect() {
	h.t.Helper()
	settled := make(chan struct{})
	var once sync.Once
	done := func() { once.Do(func() { close(settled) }) }
	_ = h.session.Connect(context.Background(), session.Credentials{Token: "t", UserID: self}, done, func(error) { done() })
	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for connect")
	}
}

func deliverJSON(t *testing.T, tr *transporttest.Transport, topic string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if n := tr.Deliver(topic, body); n == 0 {
		t.Fatalf("no listener on %s", topic)
	}
}

type confirmations struct {
	mu  sync.Mutex
	got []Message
}

func (c *confirmations) add(m Message) {
	c.mu.Lock()
	c.got = append(c.got, m)
	c.mu.Unlock()
}

func (c *confirmations) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestRoomOwnEchoConfirmsPending(t *testing.T) {
	h := newHarness(t, &transporttest.Dialer{})
	var conf confirmations
	room := NewRoom(3, h.client, h.bus, nil, Options{OnConfirmed: conf.add})
	room.Open()
	defer room.Close()
	tr := h.dialer.Last()

	m, err := room.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !m.Pending || m.ID >= 0 {
		t.Fatalf("optimistic entry = %+v", m)
	}
	pub := tr.PublishedTo("/app/chat/room/3")
	if len(pub) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pub))
	}
	var out channel.ChatMessage
	if err := json.Unmarshal(pub[0].Body, &out); err != nil {
		t.Fatal(err)
	}

	// The server echo drops the correlation id.
	echo := out
	echo.ID = 500
	echo.ClientID = ""
	echo.SenderName = "me"
	deliverJSON(t, tr, channel.RoomTopic(3), echo)

	msgs := room.Messages()
	if len(msgs) != 1 || msgs[0].ID != 500 || msgs[0].Pending {
		t.Fatalf("messages = %+v, want one confirmed entry", msgs)
	}
	if conf.len() != 1 {
		t.Fatalf("confirmations = %d, want 1", conf.len())
	}
}

func TestRoomSendFailureRollsBackAndAlerts(t *testing.T) {
	h := newHarness(t, &transporttest.Dialer{Fail: func(int) error { return errors.New("refused") }})
	alerts, unsub := h.bus.Subscribe(bus.KindAlert, 4)
	defer unsub()

	room := NewRoom(3, h.client, h.bus, nil, Options{})
	if _, err := room.Send(context.Background(), "lost"); !errors.Is(err, session.ErrConnectionFailed) {
		t.Fatalf("Send() error = %v, want ErrConnectionFailed", err)
	}
	if n := len(room.Messages()); n != 0 {
		t.Fatalf("messages = %d, want 0 after rollback", n)
	}
	select {
	case evt := <-alerts:
		a, ok := evt.Payload.(bus.Alert)
		if !ok || a.Code != AlertSendFailed {
			t.Fatalf("alert = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
}

func TestRoomRecallByOther(t *testing.T) {
	h := newHarness(t, &transporttest.Dialer{})
	recalls, unsub := h.bus.Subscribe(bus.KindRecalled, 4)
	defer unsub()

	room := NewRoom(3, h.client, h.bus, nil, Options{})
	room.Open()
	defer room.Close()
	tr := h.dialer.Last()

	deliverJSON(t, tr, channel.RoomTopic(3), channel.ChatMessage{ID: 9, SenderID: 2, Content: "hm", MessageType: channel.TypeText})
	deliverJSON(t, tr, "/topic/recall/room/3", channel.RecallEvent{RoomID: 3, MessageID: 9, UserID: 2, Username: "ana"})

	msgs := room.Messages()
	if len(msgs) != 1 || !msgs[0].Recalled || msgs[0].RecalledBy != "ana" {
		t.Fatalf("messages = %+v", msgs)
	}
	select {
	case evt := <-recalls:
		n := evt.Payload.(RecallNotice)
		if !n.ByOther || n.Message.ID != 9 {
			t.Fatalf("notice = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no recall notice")
	}
}

func TestRoomRecallWindow(t *testing.T) {
	h := newHarness(t, &transporttest.Dialer{})
	room := NewRoom(3, h.client, h.bus, nil, Options{})
	room.Open()
	defer room.Close()
	tr := h.dialer.Last()

	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deliverJSON(t, tr, channel.RoomTopic(3), channel.ChatMessage{ID: 11, SenderID: self, Content: "x", Timestamp: channel.Timestamp{Time: sent}})

	room.now = func() time.Time { return sent.Add(121 * time.Second) }
	if err := room.Recall(context.Background(), 11); !errors.Is(err, ErrNotRecallable) {
		t.Fatalf("Recall() at 121s error = %v, want ErrNotRecallable", err)
	}
	room.now = func() time.Time { return sent.Add(60 * time.Second) }
	if err := room.Recall(context.Background(), 11); err != nil {
		t.Fatalf("Recall() at 60s error = %v", err)
	}
	if n := len(tr.PublishedTo("/app/recall/room/3")); n != 1 {
		t.Fatalf("recall publishes = %d, want 1", n)
	}
}

func TestRoomTypingIgnoresSelf(t *testing.T) {
	h := newHarness(t, &transporttest.Dialer{})
	room := NewRoom(3, h.client, h.bus, nil, Options{})
	room.Open()
	defer room.Close()
	tr := h.dialer.Last()

	now := time.Now()
	deliverJSON(t, tr, "/topic/typing/room/3", channel.TypingEvent{RoomID: 3, UserID: self, IsTyping: true, Timestamp: channel.Timestamp{Time: now}})
	deliverJSON(t, tr, "/topic/typing/room/3", channel.TypingEvent{RoomID: 3, UserID: 2, IsTyping: true, Timestamp: channel.Timestamp{Time: now}})

	got := room.TypingUsers()
	if len(got) != 1 || got[0].UserID != 2 {
		t.Fatalf("TypingUsers() = %+v, want user 2", got)
	}
}

func TestRoomMemberAndPresenceEvents(t *testing.T) {
	h := newHarness(t, &transporttest.Dialer{})
	room := NewRoom(3, h.client, h.bus, nil, Options{})
	room.Open()
	defer room.Close()
	tr := h.dialer.Last()

	deliverJSON(t, tr, "/topic/room/3/user-status", channel.PresenceEvent{UserID: 2, IsOnline: true})
	if !room.Online(2) {
		t.Fatal("user 2 not online")
	}
	deliverJSON(t, tr, "/topic/room/3/members", channel.MemberEvent{Reason: channel.MemberLeft, UserID: 2, Username: "ana"})
	if room.Online(2) {
		t.Error("user 2 still online after leaving")
	}
	if got := room.Members(); len(got) != 1 || got[0].Reason != channel.MemberLeft {
		t.Errorf("Members() = %+v", got)
	}
	deliverJSON(t, tr, "/topic/room/3/read-status", channel.ReadReceipt{UserID: 2, ReceiptType: "READ", MarkedCount: 4})
	if got := room.Receipts(); len(got) != 1 || got[0].MarkedCount != 4 {
		t.Errorf("Receipts() = %+v", got)
	}
}

func TestPrivateViewsShareQueueAndFilterByPeer(t *testing.T) {
	h := newHarness(t, &transporttest.Dialer{})
	withAna := NewPrivate(2, h.client, h.bus, nil, Options{})
	withBo := NewPrivate(3, h.client, h.bus, nil, Options{})
	withAna.Open()
	withBo.Open()
	defer withAna.Close()
	defer withBo.Close()
	tr := h.dialer.Last()

	if n := tr.Listeners(channel.QueuePrivate); n != 1 {
		t.Fatalf("listeners on private queue = %d, want 1", n)
	}

	deliverJSON(t, tr, channel.QueuePrivate, channel.ChatMessage{ID: 1, SenderID: 2, RecipientID: self, Content: "hey", MessageType: channel.TypePrivate})
	if len(withAna.Messages()) != 1 || len(withBo.Messages()) != 0 {
		t.Fatalf("messages ana=%d bo=%d, want 1 and 0", len(withAna.Messages()), len(withBo.Messages()))
	}

	deliverJSON(t, tr, channel.QueuePrivateRecall, channel.RecallEvent{MessageID: 1, UserID: 2})
	if !withAna.Messages()[0].Recalled {
		t.Error("recall not applied to ana's view")
	}
	if len(withBo.Messages()) != 0 {
		t.Error("recall leaked a placeholder into bo's view")
	}

	withBo.Close()
	if n := tr.Listeners(channel.QueuePrivate); n != 1 {
		t.Fatalf("listeners after one view closed = %d, want 1", n)
	}
}

func TestPrivateSend(t *testing.T) {
	h := newHarness(t, &transporttest.Dialer{})
	p := NewPrivate(2, h.client, h.bus, nil, Options{})
	p.Open()
	defer p.Close()
	tr := h.dialer.Last()

	if _, err := p.Send(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	pub := tr.PublishedTo("/app/private/2")
	if len(pub) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pub))
	}
	var out channel.ChatMessage
	_ = json.Unmarshal(pub[0].Body, &out)

	echo := out
	echo.ID = 70
	deliverJSON(t, tr, channel.QueuePrivate, echo)
	msgs := p.Messages()
	if len(msgs) != 1 || msgs[0].ID != 70 || msgs[0].Pending {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestViewsBuiltBeforeConnect(t *testing.T) {
	h := newIdleHarness(t, &transporttest.Dialer{})
	recalls, unsub := h.bus.Subscribe(bus.KindRecalled, 4)
	defer unsub()

	room := NewRoom(3, h.client, h.bus, nil, Options{})
	early := NewPrivate(2, h.client, h.bus, nil, Options{})
	room.Open()
	early.Open()
	defer room.Close()
	defer early.Close()

	h.connect()
	late := NewPrivate(4, h.client, h.bus, nil, Options{})
	late.Open()
	defer late.Close()
	tr := h.dialer.Last()

	subs := h.session.Subscriptions()
	if n := tr.Listeners(channel.QueuePrivate); n != 1 {
		t.Errorf("listeners on private queue = %d, want 1", n)
	}
	if n := subs.Observers(channel.PrivateKey); n != 2 {
		t.Errorf("private observers = %d, want 2", n)
	}

	deliverJSON(t, tr, channel.RoomTopic(3), channel.ChatMessage{ID: 9, RoomID: 3, SenderID: self, Content: "oops", MessageType: channel.TypeText})
	deliverJSON(t, tr, "/topic/recall/room/3", channel.RecallEvent{RoomID: 3, MessageID: 9, UserID: self})

	msgs := room.Messages()
	if len(msgs) != 1 || !msgs[0].Recalled || msgs[0].RecalledBy != "" || msgs[0].Content != RecalledContent {
		t.Fatalf("messages = %+v, want one quietly recalled entry", msgs)
	}
	select {
	case evt := <-recalls:
		if n := evt.Payload.(RecallNotice); n.ByOther {
			t.Errorf("self-recall reported as by other: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no recall notice")
	}
}
