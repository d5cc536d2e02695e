// Package archive copies confirmed conversation state from the event bus
// into the local transcript store.
package archive

import (
	"context"
	"fmt"

	"github.com/matheus3301/wschat/internal/bus"
	"github.com/matheus3301/wschat/internal/channel"
	"github.com/matheus3301/wschat/internal/store"
	"github.com/matheus3301/wschat/internal/view"
	"go.uber.org/zap"
)

// Engine handles idempotent ingestion of confirmed messages, recalls and
// room lifecycle events into the store.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	self   int64
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates an archive engine for the local user self.
func NewEngine(db *store.DB, b *bus.Bus, self int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		self:   self,
		logger: logger,
	}
}

// Start subscribes to view and channel events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	views, unsubViews := e.bus.Subscribe("view.", 256)
	rooms, unsubRooms := e.bus.Subscribe(bus.KindRoomEvent, 64)

	go func() {
		defer unsubViews()
		defer unsubRooms()
		for {
			select {
			case evt := <-views:
				e.handleEvent(evt)
			case evt := <-rooms:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindConfirmed:
		m, ok := evt.Payload.(view.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(m); err != nil {
			e.logger.Error("failed to archive message", zap.Error(err), zap.Int64("msg_id", m.ID))
		}
	case bus.KindRecalled:
		n, ok := evt.Payload.(view.RecallNotice)
		if !ok {
			return
		}
		if err := e.IngestMessage(n.Message); err != nil {
			e.logger.Error("failed to archive recall", zap.Error(err), zap.Int64("msg_id", n.Message.ID))
		}
	case bus.KindRoomEvent:
		ev, ok := evt.Payload.(channel.RoomEvent)
		if !ok {
			return
		}
		if err := e.IngestRoomEvent(ev); err != nil {
			e.logger.Error("failed to archive room event", zap.Error(err), zap.String("type", ev.Type))
		}
	}
}

// IngestMessage upserts a confirmed message (idempotent). Pending entries
// are never archived.
func (e *Engine) IngestMessage(m view.Message) error {
	if m.Pending || m.ID <= 0 {
		return nil
	}
	rec := &store.Message{
		Conversation: e.conversation(m),
		ID:           m.ID,
		ClientID:     m.ClientID,
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		RecipientID:  m.RecipientID,
		SenderName:   m.SenderName,
		Content:      m.Content,
		Recalled:     m.Recalled,
		RecalledBy:   m.RecalledBy,
	}
	if !m.Timestamp.IsZero() {
		rec.Timestamp = m.Timestamp.UnixMilli()
	}
	if err := e.db.UpsertMessage(rec); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Emit(bus.KindArchived, map[string]any{
		"conversation": rec.Conversation,
		"msg_id":       rec.ID,
	})
	return nil
}

// IngestRoomEvent applies a room lifecycle event to the known room list.
func (e *Engine) IngestRoomEvent(ev channel.RoomEvent) error {
	id := ev.TargetID()
	if id == 0 {
		return fmt.Errorf("room event %s without room id", ev.Type)
	}
	switch ev.Type {
	case channel.RoomDeleted:
		return e.db.DeleteRoom(id)
	case channel.RoomCreated, channel.RoomUpdated:
		r := &store.Room{ID: id}
		if ev.Room != nil {
			r.Name = ev.Room.Name
			r.Description = ev.Room.Description
		}
		return e.db.UpsertRoom(r)
	default:
		e.logger.Debug("ignoring room event", zap.String("type", ev.Type))
		return nil
	}
}

func (e *Engine) conversation(m view.Message) string {
	if m.RoomID != 0 {
		return store.RoomConversation(m.RoomID)
	}
	peer := m.SenderID
	if peer == e.self {
		peer = m.RecipientID
	}
	return store.PrivateConversation(peer)
}
