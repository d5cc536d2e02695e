package view

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/wschat/internal/bus"
	"github.com/matheus3301/wschat/internal/channel"
	"github.com/matheus3301/wschat/internal/outbox"
	"go.uber.org/zap"
)

// ErrNotRecallable is returned when a recall is refused client-side.
var ErrNotRecallable = errors.New("message can no longer be recalled")

// Alert codes published on the bus.
const (
	AlertSendFailed   = "send_failed"
	AlertRecallFailed = "recall_failed"
)

// RecallNotice is the payload of view.recalled events.
type RecallNotice struct {
	Message Message
	// ByOther is set when someone other than the local user recalled it.
	ByOther bool
}

// Options configures a conversation controller.
type Options struct {
	RecallWindow time.Duration
	// TypingTTL bounds how long a start signal is shown without a refresh.
	TypingTTL time.Duration
	// OnConfirmed observes every server-confirmed message.
	OnConfirmed func(Message)
}

func (o *Options) normalize() {
	if o.RecallWindow <= 0 {
		o.RecallWindow = 2 * time.Minute
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 10 * time.Second
	}
}

// thread is the state and behaviour shared by room and private views.
type thread struct {
	client *channel.Client
	store  *Store
	typing *Typing
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time
	// transmit sends one pending entry on the right channel.
	transmit func(ctx context.Context, m Message) error

	mu     sync.Mutex
	unsubs []func()
}

func (t *thread) init(client *channel.Client, store *Store, b *bus.Bus, logger *zap.Logger, opts Options) {
	opts.normalize()
	t.client = client
	t.store = store
	t.typing = NewTyping()
	t.bus = b
	t.logger = logger
	t.opts = opts
	t.now = time.Now
}

// Messages returns the conversation in display order.
func (t *thread) Messages() []Message { return t.store.Messages() }

// TypingUsers returns who is typing, after dropping stale signals.
func (t *thread) TypingUsers() []TypingState {
	t.typing.Prune(t.now(), t.opts.TypingTTL)
	return t.typing.Active()
}

// Close drops every subscription this view holds.
func (t *thread) Close() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (t *thread) hold(unsubs ...func()) {
	t.mu.Lock()
	t.unsubs = append(t.unsubs, unsubs...)
	t.mu.Unlock()
}

// send adds the optimistic entry and transmits it unless it is held
// behind an earlier one.
func (t *thread) send(ctx context.Context, m Message) (Message, error) {
	m.SenderID = t.client.SelfID()
	m.ClientID = channel.NewClientID()
	m.Timestamp = t.now()
	m, held := t.store.AddPending(m)
	if held {
		t.logger.Debug("send held behind pending message", zap.Int64("temp_id", m.ID))
		return m, nil
	}
	return m, t.deliver(ctx, m)
}

// deliver transmits m and, on a hard failure, rolls it back and alerts.
// Any send it unblocks is delivered in turn.
func (t *thread) deliver(ctx context.Context, m Message) error {
	err := t.transmit(ctx, m)
	if err == nil {
		return nil
	}
	res := t.store.Discard(m.ID)
	t.logger.Warn("send failed, rolled back", zap.Int64("temp_id", m.ID), zap.Error(err))
	t.alert(AlertSendFailed, "message could not be sent", err)
	if res.Release != nil {
		t.releaseAsync(*res.Release)
	}
	return err
}

func (t *thread) releaseAsync(m Message) {
	go func() {
		_ = t.deliver(context.Background(), m)
	}()
}

func (t *thread) onMessage(in Message) {
	res := t.store.Apply(in)
	switch res.Action {
	case Confirmed, Appended, Updated:
		t.confirmed(res.Message)
	}
	if res.Release != nil {
		t.releaseAsync(*res.Release)
	}
}

func (t *thread) confirmed(m Message) {
	if m.ID <= 0 {
		return
	}
	t.bus.Emit(bus.KindConfirmed, m)
	if t.opts.OnConfirmed != nil {
		t.opts.OnConfirmed(m)
	}
}

func (t *thread) onRecall(ev channel.RecallEvent) {
	res := t.store.ApplyRecall(Recall{
		MessageID:    ev.MessageID,
		RecallerID:   ev.UserID,
		RecallerName: ev.Username,
		SenderID:     ev.SenderID,
	})
	if res.Action == Ignored {
		return
	}
	t.bus.Emit(bus.KindRecalled, RecallNotice{Message: res.Message, ByOther: res.Alert})
	t.confirmed(res.Message)
}

func (t *thread) onTyping(ev channel.TypingEvent) {
	if ev.UserID == t.client.SelfID() {
		return
	}
	at := ev.Timestamp.Time
	if at.IsZero() {
		at = t.now()
	}
	t.typing.Apply(ev.UserID, ev.Username, ev.IsTyping, at)
}

// checkRecall enforces the recall window before asking the server.
func (t *thread) checkRecall(messageID int64) error {
	m, ok := t.store.Get(messageID)
	if !ok || !CanRecall(m, t.client.SelfID(), t.now(), t.opts.RecallWindow) {
		return ErrNotRecallable
	}
	return nil
}

func (t *thread) recallFailed(err error) error {
	t.alert(AlertRecallFailed, "message could not be recalled", err)
	return err
}

func (t *thread) alert(code, msg string, err error) {
	t.bus.Emit(bus.KindAlert, bus.Alert{Code: code, Message: msg, Err: err})
}

// hardFailure reports whether a send outcome needs a rollback.
func hardFailure(out outbox.Outcome, err error) error {
	if err != nil {
		return err
	}
	if out == outbox.Dropped {
		return errors.New("message dropped")
	}
	return nil
}
