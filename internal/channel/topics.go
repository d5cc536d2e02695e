package channel

import "fmt"

// Outbound destinations.
const (
	destPrivateRecall = "/app/private/recall"
	destStatus        = "/app/status/change"
)

// Inbound topics that do not carry an id. Per-user queues are resolved by
// the server from the authenticated principal.
const (
	TopicGlobalStatus  = "/topic/user-status"
	TopicRooms         = "/topic/rooms"
	QueuePrivate       = "/user/queue/private"
	QueuePrivateTyping = "/user/queue/private-typing"
	QueuePrivateRecall = "/user/queue/private-recall"
	QueueNotifications = "/user/queue/notifications"
)

func roomDest(roomID int64) string { return fmt.Sprintf("/app/chat/room/%d", roomID) }
func privateDest(recipientID int64) string { return fmt.Sprintf("/app/private/%d", recipientID) }
func roomTypingDest(roomID int64) string { return fmt.Sprintf("/app/typing/room/%d", roomID) }
func privateTypingDest(userID int64) string { return fmt.Sprintf("/app/private-typing/%d", userID) }
func roomRecallDest(roomID int64) string { return fmt.Sprintf("/app/recall/room/%d", roomID) }

// RoomTopic is where room chat is broadcast.
func RoomTopic(roomID int64) string { return fmt.Sprintf("/topic/room/%d", roomID) }

func roomTypingTopic(roomID int64) string { return fmt.Sprintf("/topic/typing/room/%d", roomID) }
func roomRecallTopic(roomID int64) string { return fmt.Sprintf("/topic/recall/room/%d", roomID) }
func readStatusTopic(roomID int64) string { return fmt.Sprintf("/topic/room/%d/read-status", roomID) }
func membersTopic(roomID int64) string { return fmt.Sprintf("/topic/room/%d/members", roomID) }
func roomStatusTopic(roomID int64) string { return fmt.Sprintf("/topic/room/%d/user-status", roomID) }

// Registry keys, namespaced by kind and id.

// RoomKey names the room chat subscription.
func RoomKey(roomID int64) string { return fmt.Sprintf("room:%d", roomID) }
func TypingKey(roomID int64) string { return fmt.Sprintf("typing:%d", roomID) }
func RecallKey(roomID int64) string { return fmt.Sprintf("recall:%d", roomID) }
func ReadStatusKey(roomID int64) string { return fmt.Sprintf("read-status:%d", roomID) }
func MemberEventsKey(roomID int64) string { return fmt.Sprintf("member-events:%d", roomID) }

// StatusKey scopes presence to a room, or to everyone when roomID is 0.
func StatusKey(roomID int64) string {
	if roomID == 0 {
		return "status:global"
	}
	return fmt.Sprintf("status:%d", roomID)
}

const RoomsKey = "rooms"

// Per-user queues are resolved by the server from the authenticated
// principal, so their keys do not carry the user id.
const (
	PrivateKey       = "private:self"
	PrivateTypingKey = "private-typing:self"
	PrivateRecallKey = "private-recall:self"
	NotificationsKey = "notifications:self"
)
