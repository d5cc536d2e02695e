// Package channel maps each logical chat channel onto transport
// destinations, topics and JSON payloads, and picks the delivery policy for
// every outbound message class.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wschat/internal/outbox"
	"github.com/matheus3301/wschat/internal/retry"
	"github.com/matheus3301/wschat/internal/transport"
	"go.uber.org/zap"
)

// Conn is the session surface channels need.
type Conn interface {
	Send(ctx context.Context, env outbox.Envelope, policy retry.Policy) (outbox.Outcome, error)
	Subscribe(key, topic string, h transport.Handler) func()
	TypingStartPolicy() retry.Policy
}

// CurrentUser identifies the local user.
type CurrentUser interface {
	UserID() int64
}

// Client sends and subscribes on behalf of the local user.
type Client struct {
	conn   Conn
	user   CurrentUser
	logger *zap.Logger
	now    func() time.Time
}

// New creates a channel client.
func New(conn Conn, user CurrentUser, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, user: user, logger: logger, now: time.Now}
}

// SelfID returns the local user id.
func (c *Client) SelfID() int64 { return c.user.UserID() }

// NewClientID returns a fresh correlation id for an outbound chat message.
func NewClientID() string { return uuid.NewString() }

// SendRoomMessage publishes a chat message to msg.RoomID. Sender, type,
// timestamp and client id are filled in when empty; the completed payload is
// returned so the caller can track it.
func (c *Client) SendRoomMessage(ctx context.Context, msg ChatMessage) (ChatMessage, outbox.Outcome, error) {
	msg.MessageType = TypeText
	c.stamp(&msg)
	out, err := c.send(ctx, roomDest(msg.RoomID), msg, retry.Persistent())
	return msg, out, err
}

// SendPrivateMessage publishes a point-to-point message to msg.RecipientID.
func (c *Client) SendPrivateMessage(ctx context.Context, msg ChatMessage) (ChatMessage, outbox.Outcome, error) {
	msg.MessageType = TypePrivate
	c.stamp(&msg)
	out, err := c.send(ctx, privateDest(msg.RecipientID), msg, retry.Persistent())
	return msg, out, err
}

func (c *Client) stamp(msg *ChatMessage) {
	if msg.SenderID == 0 {
		msg.SenderID = c.user.UserID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = Timestamp{c.now()}
	}
	if msg.ClientID == "" {
		msg.ClientID = NewClientID()
	}
}

// SendRoomTyping signals typing state in a room. Start signals are retried
// and then queued; stop signals are dropped when they cannot go out at once.
func (c *Client) SendRoomTyping(ctx context.Context, roomID int64, typing bool) (outbox.Outcome, error) {
	ev := TypingEvent{RoomID: roomID, UserID: c.user.UserID(), IsTyping: typing, Timestamp: Timestamp{c.now()}}
	return c.send(ctx, roomTypingDest(roomID), ev, c.typingPolicy(typing))
}

// SendPrivateTyping signals typing state to one user.
func (c *Client) SendPrivateTyping(ctx context.Context, recipientID int64, typing bool) (outbox.Outcome, error) {
	ev := TypingEvent{UserID: c.user.UserID(), IsTyping: typing, Timestamp: Timestamp{c.now()}}
	return c.send(ctx, privateTypingDest(recipientID), ev, c.typingPolicy(typing))
}

func (c *Client) typingPolicy(typing bool) retry.Policy {
	if typing {
		return c.conn.TypingStartPolicy()
	}
	return retry.Ephemeral()
}

// RecallRoomMessage asks the server to recall messageID in roomID. The
// server decides and broadcasts the outcome.
func (c *Client) RecallRoomMessage(ctx context.Context, roomID, messageID int64) (outbox.Outcome, error) {
	ev := RecallEvent{RoomID: roomID, MessageID: messageID, UserID: c.user.UserID(), Timestamp: Timestamp{c.now()}}
	return c.send(ctx, roomRecallDest(roomID), ev, retry.Persistent())
}

// RecallPrivateMessage asks the server to recall a private message.
func (c *Client) RecallPrivateMessage(ctx context.Context, messageID int64) (outbox.Outcome, error) {
	ev := RecallEvent{MessageID: messageID, UserID: c.user.UserID(), Timestamp: Timestamp{c.now()}}
	return c.send(ctx, destPrivateRecall, ev, retry.Persistent())
}

// BroadcastStatus announces the local user's presence.
func (c *Client) BroadcastStatus(ctx context.Context, online bool) (outbox.Outcome, error) {
	ev := PresenceEvent{UserID: c.user.UserID(), IsOnline: online, Timestamp: Timestamp{c.now()}}
	return c.send(ctx, destStatus, ev, retry.Persistent())
}

// OfflineNotice builds the presence notice sent just before disconnecting.
func OfflineNotice(userID int64) (string, []byte) {
	body, _ := json.Marshal(PresenceEvent{UserID: userID, IsOnline: false, Timestamp: Timestamp{time.Now()}})
	return destStatus, body
}

func (c *Client) send(ctx context.Context, dest string, payload any, policy retry.Policy) (outbox.Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return outbox.Dropped, fmt.Errorf("encode %s: %w", dest, err)
	}
	out, err := c.conn.Send(ctx, outbox.Envelope{Destination: dest, Payload: body, Class: policy.Class}, policy)
	if err != nil {
		return out, fmt.Errorf("send %s: %w", dest, err)
	}
	return out, nil
}

// Inbound. Every Subscribe* returns the caller's unsubscribe handle.

// SubscribeRoom delivers room chat and message updates.
func (c *Client) SubscribeRoom(roomID int64, fn func(ChatMessage)) func() {
	return subscribe(c, RoomKey(roomID), RoomTopic(roomID), fn)
}

// SubscribePrivate delivers private messages to and from the local user.
func (c *Client) SubscribePrivate(fn func(ChatMessage)) func() {
	return subscribe(c, PrivateKey, QueuePrivate, fn)
}

func (c *Client) SubscribeRoomTyping(roomID int64, fn func(TypingEvent)) func() {
	return subscribe(c, TypingKey(roomID), roomTypingTopic(roomID), fn)
}

func (c *Client) SubscribePrivateTyping(fn func(TypingEvent)) func() {
	return subscribe(c, PrivateTypingKey, QueuePrivateTyping, fn)
}

func (c *Client) SubscribeRoomRecall(roomID int64, fn func(RecallEvent)) func() {
	return subscribe(c, RecallKey(roomID), roomRecallTopic(roomID), fn)
}

func (c *Client) SubscribePrivateRecall(fn func(RecallEvent)) func() {
	return subscribe(c, PrivateRecallKey, QueuePrivateRecall, fn)
}

// SubscribePresence delivers presence for one room, or globally when
// roomID is 0. Callers sharing a scope share one listener.
func (c *Client) SubscribePresence(roomID int64, fn func(PresenceEvent)) func() {
	topic := TopicGlobalStatus
	if roomID != 0 {
		topic = roomStatusTopic(roomID)
	}
	return subscribe(c, StatusKey(roomID), topic, fn)
}

func (c *Client) SubscribeReadStatus(roomID int64, fn func(ReadReceipt)) func() {
	return subscribe(c, ReadStatusKey(roomID), readStatusTopic(roomID), fn)
}

func (c *Client) SubscribeMemberEvents(roomID int64, fn func(MemberEvent)) func() {
	return subscribe(c, MemberEventsKey(roomID), membersTopic(roomID), fn)
}

// SubscribeRooms delivers global room lifecycle events.
func (c *Client) SubscribeRooms(fn func(RoomEvent)) func() {
	return subscribe(c, RoomsKey, TopicRooms, fn)
}

func (c *Client) SubscribeNotifications(fn func(Notification)) func() {
	return subscribe(c, NotificationsKey, QueueNotifications, fn)
}

// subscribe decodes every frame as T. Undecodable frames are logged and
// skipped so one bad message never stops the stream.
func subscribe[T any](c *Client, key, topic string, fn func(T)) func() {
	return c.conn.Subscribe(key, topic, func(m transport.Message) {
		var v T
		if err := json.Unmarshal(m.Body, &v); err != nil {
			c.logger.Warn("skipping undecodable frame", zap.String("topic", m.Topic), zap.String("key", key), zap.Error(err))
			return
		}
		fn(v)
	})
}
