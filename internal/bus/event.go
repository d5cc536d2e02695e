package bus

import "time"

// Event kinds published by the session and view layers.
const (
	KindStateChanged = "conn.state_changed"
	KindConnected    = "conn.connected"
	KindConnFailed   = "conn.failed"
	KindSendQueued   = "send.queued"
	KindSendDropped  = "send.dropped"
	KindAlert        = "view.alert"
	KindConfirmed    = "view.confirmed"
	KindRecalled     = "view.recalled"
	KindNotification = "channel.notification"
	KindRoomEvent    = "channel.room"
	KindArchived     = "archive.message"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Alert is the payload for user-facing view.alert events.
type Alert struct {
	Code    string
	Message string
	Err     error
}
