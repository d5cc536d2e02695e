package view

import (
	"context"
	"sync"

	"github.com/matheus3301/wschat/internal/bus"
	"github.com/matheus3301/wschat/internal/channel"
	"github.com/matheus3301/wschat/internal/logging"
	"go.uber.org/zap"
)

// Room is the controller of one room conversation.
type Room struct {
	thread
	id int64

	stateMu  sync.Mutex
	online   map[int64]bool
	members  []channel.MemberEvent
	receipts []channel.ReadReceipt
}

// NewRoom creates a room view. Call Open to start receiving.
func NewRoom(roomID int64, client *channel.Client, b *bus.Bus, logger *zap.Logger, opts Options) *Room {
	r := &Room{id: roomID, online: make(map[int64]bool)}
	logger = logging.OrNop(logger).With(zap.Int64("room_id", roomID))
	r.init(client, NewStore(client.SelfID, logger).ForRoom(roomID), b, logger, opts)
	r.transmit = func(ctx context.Context, m Message) error {
		_, out, err := r.client.SendRoomMessage(ctx, m.chat())
		return hardFailure(out, err)
	}
	return r
}

// ID returns the room id.
func (r *Room) ID() int64 { return r.id }

// Open subscribes to every room channel.
func (r *Room) Open() {
	c := r.client
	r.hold(
		c.SubscribeRoom(r.id, func(cm channel.ChatMessage) { r.onMessage(FromChat(cm)) }),
		c.SubscribeRoomTyping(r.id, r.onTyping),
		c.SubscribeRoomRecall(r.id, r.onRecall),
		c.SubscribePresence(r.id, r.onPresence),
		c.SubscribeReadStatus(r.id, r.onReceipt),
		c.SubscribeMemberEvents(r.id, r.onMember),
	)
}

// Send posts content to the room optimistically.
func (r *Room) Send(ctx context.Context, content string) (Message, error) {
	return r.send(ctx, Message{RoomID: r.id, Content: content})
}

// Recall asks the server to recall one of the local user's messages.
func (r *Room) Recall(ctx context.Context, messageID int64) error {
	if err := r.checkRecall(messageID); err != nil {
		return err
	}
	if err := hardFailure(r.client.RecallRoomMessage(ctx, r.id, messageID)); err != nil {
		return r.recallFailed(err)
	}
	return nil
}

// SetTyping signals the local user's typing state.
func (r *Room) SetTyping(ctx context.Context, typing bool) {
	if _, err := r.client.SendRoomTyping(ctx, r.id, typing); err != nil {
		r.logger.Debug("typing signal failed", zap.Bool("typing", typing), zap.Error(err))
	}
}

// Online returns whether userID was last seen online in this room.
func (r *Room) Online(userID int64) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.online[userID]
}

// Members returns member departures seen since Open.
func (r *Room) Members() []channel.MemberEvent {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return append([]channel.MemberEvent(nil), r.members...)
}

// Receipts returns read receipts seen since Open.
func (r *Room) Receipts() []channel.ReadReceipt {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return append([]channel.ReadReceipt(nil), r.receipts...)
}

func (r *Room) onPresence(ev channel.PresenceEvent) {
	r.stateMu.Lock()
	r.online[ev.UserID] = ev.IsOnline
	r.stateMu.Unlock()
}

func (r *Room) onReceipt(rc channel.ReadReceipt) {
	r.stateMu.Lock()
	r.receipts = append(r.receipts, rc)
	r.stateMu.Unlock()
}

func (r *Room) onMember(ev channel.MemberEvent) {
	r.stateMu.Lock()
	r.members = append(r.members, ev)
	delete(r.online, ev.UserID)
	r.stateMu.Unlock()
	r.typing.Apply(ev.UserID, ev.Username, false, r.now())
	if ev.UserID == r.client.SelfID() && ev.Reason == channel.MemberKicked {
		r.alert("kicked", "you were removed from the room", nil)
	}
}
