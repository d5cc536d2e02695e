package store

import "fmt"

// Message is one archived, server-confirmed message. Timestamp is epoch
// milliseconds.
type Message struct {
	Conversation string
	ID           int64
	ClientID     string
	RoomID       int64
	SenderID     int64
	RecipientID  int64
	SenderName   string
	Content      string
	Timestamp    int64
	Recalled     bool
	RecalledBy   string
}

// Room is a known room as last announced by the server.
type Room struct {
	ID          int64
	Name        string
	Description string
	UpdatedAt   int64
}

// RoomConversation names the archive conversation of a room.
func RoomConversation(roomID int64) string { return fmt.Sprintf("room:%d", roomID) }

// PrivateConversation names the archive conversation with peer.
func PrivateConversation(peerID int64) string { return fmt.Sprintf("private:%d", peerID) }
