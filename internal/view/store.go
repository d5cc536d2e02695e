package view

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Action says how an inbound event changed the store.
type Action int

const (
	Ignored Action = iota
	// Appended is a new message from another party (or another device).
	Appended
	// Confirmed is the server echo of a pending entry.
	Confirmed
	// Updated is an in-place overwrite of an entry with the same id.
	Updated
	// Recalled flips an existing entry to recalled.
	Recalled
	// Placeholder is a recall with no matching entry, kept as its own row.
	Placeholder
	// Discarded is a pending entry rolled back after a failed send.
	Discarded
)

func (a Action) String() string {
	switch a {
	case Appended:
		return "appended"
	case Confirmed:
		return "confirmed"
	case Updated:
		return "updated"
	case Recalled:
		return "recalled"
	case Placeholder:
		return "placeholder"
	case Discarded:
		return "discarded"
	default:
		return "ignored"
	}
}

// Result describes the outcome of Apply, Discard or ApplyRecall.
type Result struct {
	Action  Action
	Message Message
	// Release is a held local send that may now be transmitted.
	Release *Message
	// Alert is set when another user recalled the message.
	Alert bool
}

// RecalledContent replaces the text of a recalled message.
const RecalledContent = "This message was recalled"

// Store is the message list of one conversation.
type Store struct {
	// self is read on every recall; the identity may only be known after
	// the store was built.
	self   func() int64
	logger *zap.Logger
	// room and peer locate the conversation; placeholders are stamped with
	// them so they file where the original would.
	room int64
	peer int64

	mu       sync.Mutex
	messages []Message
	nextTemp int64
	// recalled remembers ids recalled before their message was seen.
	recalled map[int64]bool
}

// NewStore creates an empty store. self reports the local user id.
func NewStore(self func() int64, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{self: self, logger: logger, nextTemp: -1, recalled: make(map[int64]bool)}
}

// ForRoom binds the store to a room conversation.
func (s *Store) ForRoom(roomID int64) *Store {
	s.room = roomID
	return s
}

// ForPeer binds the store to the private conversation with peerID.
func (s *Store) ForPeer(peerID int64) *Store {
	s.peer = peerID
	return s
}

// Messages returns a copy of the list in display order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Get returns the entry with id.
func (s *Store) Get(id int64) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexByID(id); i >= 0 {
		return s.messages[i], true
	}
	return Message{}, false
}

// AddPending records an optimistic local send under a fresh temporary id.
// At most one entry per sender is in flight; if one already is, the new
// entry is held and held=true is returned. Held entries are released in
// order through Result.Release as the one in flight resolves.
func (s *Store) AddPending(m Message) (msg Message, held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.nextTemp
	s.nextTemp--
	m.Pending = true
	m.Recalled = false
	m.held = s.inFlight(m.SenderID) >= 0
	s.messages = append(s.messages, m)
	return m, m.held
}

// Apply merges an inbound message.
func (s *Store) Apply(in Message) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	in.Pending = false
	in.held = false
	if s.recalled[in.ID] {
		in.Recalled = true
	}

	// Correlation id echoed by the server identifies the pending entry exactly.
	if in.ClientID != "" {
		if i := s.indexByClientID(in.ClientID); i >= 0 {
			return s.confirmLocked(i, in)
		}
	}

	if in.ID > 0 {
		if i := s.indexByID(in.ID); i >= 0 {
			cur := s.messages[i]
			if in.SenderName == "" {
				in.SenderName = cur.SenderName
			}
			if in.SenderID == 0 {
				in.SenderID = cur.SenderID
			}
			if in.ClientID == "" {
				in.ClientID = cur.ClientID
			}
			in.Recalled = in.Recalled || cur.Recalled
			if in.RecalledBy == "" {
				in.RecalledBy = cur.RecalledBy
			}
			scrub(&in)
			s.messages[i] = in
			return Result{Action: Updated, Message: in}
		}
	}

	// Without a correlation id the echo is matched by sender identity.
	if in.ClientID == "" {
		if i := s.inFlight(in.SenderID); i >= 0 {
			return s.confirmLocked(i, in)
		}
	}

	scrub(&in)
	s.messages = append(s.messages, in)
	return Result{Action: Appended, Message: in}
}

func (s *Store) confirmLocked(i int, in Message) Result {
	cur := s.messages[i]
	if in.SenderName == "" {
		in.SenderName = cur.SenderName
	}
	if in.ClientID == "" {
		in.ClientID = cur.ClientID
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = cur.Timestamp
	}
	in.Recalled = in.Recalled || cur.Recalled
	if in.RecalledBy == "" {
		in.RecalledBy = cur.RecalledBy
	}
	scrub(&in)
	s.messages[i] = in
	return Result{Action: Confirmed, Message: in, Release: s.releaseLocked(in.SenderID)}
}

// Discard rolls back the pending entry tempID after a failed send.
func (s *Store) Discard(tempID int64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByID(tempID)
	if i < 0 || !s.messages[i].Pending {
		return Result{Action: Ignored}
	}
	m := s.messages[i]
	s.messages = slices.Delete(s.messages, i, i+1)
	if m.held {
		return Result{Action: Discarded, Message: m}
	}
	return Result{Action: Discarded, Message: m, Release: s.releaseLocked(m.SenderID)}
}

// Recall describes an inbound recall. SenderID may be zero when the server
// omits it; the recaller is then assumed to be the sender.
type Recall struct {
	MessageID    int64
	RecallerID   int64
	RecallerName string
	SenderID     int64
}

// ApplyRecall marks the target of r as recalled. Self-recalls flip the flag
// quietly; recalls by others are annotated and flagged for an alert. A
// target still pending is matched by sender. With no match a recalled
// placeholder is appended rather than losing the event.
func (s *Store) ApplyRecall(r Recall) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	self := s.self()
	other := r.RecallerID != self
	by := ""
	if other {
		by = r.RecallerName
		if by == "" {
			by = fmt.Sprintf("user %d", r.RecallerID)
		}
	}
	sender := r.SenderID
	if sender == 0 {
		sender = r.RecallerID
	}

	i := s.indexByID(r.MessageID)
	if i < 0 {
		i = s.inFlight(sender)
		if i >= 0 {
			// The echo will carry this id; keep it recalled when it lands.
			s.recalled[r.MessageID] = true
		}
	}
	if i >= 0 {
		m := &s.messages[i]
		if m.Recalled {
			return Result{Action: Ignored, Message: *m}
		}
		m.Recalled = true
		m.RecalledBy = by
		m.Content = RecalledContent
		return Result{Action: Recalled, Message: *m, Alert: other}
	}

	s.logger.Warn("recall for unknown message, keeping placeholder",
		zap.Int64("message_id", r.MessageID), zap.Int64("recaller_id", r.RecallerID))
	s.recalled[r.MessageID] = true
	m := Message{ID: r.MessageID, SenderID: sender, Content: RecalledContent, Recalled: true, RecalledBy: by}
	switch {
	case s.room != 0:
		m.RoomID = s.room
	case s.peer != 0 && sender == self:
		m.RecipientID = s.peer
	case s.peer != 0:
		m.RecipientID = self
	}
	s.messages = append(s.messages, m)
	return Result{Action: Placeholder, Message: m, Alert: other}
}

// scrub drops the text of a recalled message.
func scrub(m *Message) {
	if m.Recalled {
		m.Content = RecalledContent
	}
}

// inFlight returns the index of the transmitted, unresolved pending entry
// of sender, or -1.
func (s *Store) inFlight(sender int64) int {
	for i, m := range s.messages {
		if m.Pending && !m.held && m.SenderID == sender {
			return i
		}
	}
	return -1
}

func (s *Store) releaseLocked(sender int64) *Message {
	for i := range s.messages {
		m := &s.messages[i]
		if m.Pending && m.held && m.SenderID == sender {
			m.held = false
			out := *m
			return &out
		}
	}
	return nil
}

func (s *Store) indexByID(id int64) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexByClientID(id string) int {
	for i, m := range s.messages {
		if m.Pending && m.ClientID == id {
			return i
		}
	}
	return -1
}
