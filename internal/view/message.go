// Package view holds per-conversation state: optimistic messages merged
// with server confirmations, recall state and typing indicators.
package view

import (
	"time"

	"github.com/matheus3301/wschat/internal/channel"
)

// Message is one entry of a conversation as the user sees it. Pending
// entries carry a negative temporary ID until the server echo arrives.
type Message struct {
	ID          int64
	ClientID    string
	RoomID      int64
	RecipientID int64
	SenderID    int64
	SenderName  string
	Content     string
	Timestamp   time.Time
	Recalled    bool
	// RecalledBy names who recalled the message when it was someone else.
	RecalledBy string
	Pending    bool

	// held marks a local send waiting behind another unresolved pending
	// entry from the same sender; it has not been transmitted yet.
	held bool
}

// Held reports whether the message is waiting to be transmitted.
func (m Message) Held() bool { return m.held }

// FromChat converts an inbound chat payload.
func FromChat(cm channel.ChatMessage) Message {
	return Message{
		ID:          cm.ID,
		ClientID:    cm.ClientID,
		RoomID:      cm.RoomID,
		RecipientID: cm.RecipientID,
		SenderID:    cm.SenderID,
		SenderName:  cm.SenderName,
		Content:     cm.Content,
		Timestamp:   cm.Timestamp.Time,
		Recalled:    cm.Recalled,
	}
}

// chat converts back to a payload for transmission.
func (m Message) chat() channel.ChatMessage {
	return channel.ChatMessage{
		ClientID:    m.ClientID,
		RoomID:      m.RoomID,
		RecipientID: m.RecipientID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		Timestamp:   channel.Timestamp{Time: m.Timestamp},
	}
}

// CanRecall reports whether self may recall m at now. Only the sender may,
// and only within window of the message timestamp. The server remains the
// authority and may still reject.
func CanRecall(m Message, self int64, now time.Time, window time.Duration) bool {
	if m.Pending || m.Recalled || m.ID <= 0 || m.SenderID != self {
		return false
	}
	return now.Sub(m.Timestamp) <= window
}
