package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message types carried in ChatMessage.MessageType.
const (
	TypeText    = "TEXT"
	TypePrivate = "PRIVATE"
)

// Room lifecycle event types.
const (
	RoomCreated = "ROOM_CREATED"
	RoomDeleted = "ROOM_DELETED"
	RoomUpdated = "ROOM_UPDATED"
)

// Member event reasons.
const (
	MemberLeft   = "left"
	MemberKicked = "kicked"
)

// Timestamp decodes the forms the server has been seen to emit: RFC 3339,
// a zone-less ISO local date-time (taken as UTC), or epoch milliseconds.
// It encodes as RFC 3339 in UTC.
type Timestamp struct {
	time.Time
}

// localLayouts are tried after RFC 3339.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", b, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range localLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: unrecognized format", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ChatMessage is a room or private chat message, outbound or echoed.
type ChatMessage struct {
	ID          int64     `json:"id,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	RoomID      int64     `json:"roomId,omitempty"`
	SenderID    int64     `json:"senderId"`
	SenderName  string    `json:"senderName,omitempty"`
	RecipientID int64     `json:"recipientId,omitempty"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	Timestamp   Timestamp `json:"timestamp"`
	Recalled    bool      `json:"recalled,omitempty"`
}

// TypingEvent is a typing indicator for a room (RoomID set) or a private chat.
type TypingEvent struct {
	RoomID    int64     `json:"roomId,omitempty"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username,omitempty"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp Timestamp `json:"timestamp"`
}

// RecallEvent asks for, or announces, the recall of a message. UserID is the
// recaller; SenderID, when the server supplies it, is the original sender.
type RecallEvent struct {
	RoomID    int64     `json:"roomId,omitempty"`
	MessageID int64     `json:"messageId"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username,omitempty"`
	SenderID  int64     `json:"senderId,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

// PresenceEvent is an online/offline broadcast.
type PresenceEvent struct {
	UserID    int64     `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp Timestamp `json:"timestamp"`
}

// ReadReceipt reports messages marked read by a room member.
type ReadReceipt struct {
	UserID      int64  `json:"userId"`
	ReceiptType string `json:"receiptType"`
	MarkedCount int    `json:"markedCount"`
}

// MemberEvent reports a member leaving or being removed from a room.
type MemberEvent struct {
	Reason   string `json:"reason"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// Room is the summary carried by room lifecycle events.
type Room struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RoomEvent is a global room lifecycle event. Deletions may carry only RoomID.
type RoomEvent struct {
	Type   string `json:"type"`
	Room   *Room  `json:"room,omitempty"`
	RoomID int64  `json:"roomId,omitempty"`
}

// TargetID returns the affected room id from whichever field carries it.
func (e RoomEvent) TargetID() int64 {
	if e.Room != nil && e.Room.ID != 0 {
		return e.Room.ID
	}
	return e.RoomID
}

// Notification is a per-user server notification. Fields beyond the common
// ones are kept raw.
type Notification struct {
	Type     string          `json:"type"`
	FromUser string          `json:"fromUser"`
	Content  string          `json:"content"`
	RoomID   int64           `json:"roomId,omitempty"`
	Extra    json.RawMessage `json:"-"`
}

func (n *Notification) UnmarshalJSON(b []byte) error {
	type plain Notification
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*n = Notification(p)
	n.Extra = append(json.RawMessage(nil), b...)
	return nil
}
