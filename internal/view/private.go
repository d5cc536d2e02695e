package view

import (
	"context"

	"github.com/matheus3301/wschat/internal/bus"
	"github.com/matheus3301/wschat/internal/channel"
	"github.com/matheus3301/wschat/internal/logging"
	"go.uber.org/zap"
)

// Private is the controller of a one-to-one conversation with peer. Every
// private view shares the per-user queues and filters by peer.
type Private struct {
	thread
	peer int64
}

// NewPrivate creates a private view. Call Open to start receiving.
func NewPrivate(peerID int64, client *channel.Client, b *bus.Bus, logger *zap.Logger, opts Options) *Private {
	p := &Private{peer: peerID}
	logger = logging.OrNop(logger).With(zap.Int64("peer_id", peerID))
	p.init(client, NewStore(client.SelfID, logger).ForPeer(peerID), b, logger, opts)
	p.transmit = func(ctx context.Context, m Message) error {
		_, out, err := p.client.SendPrivateMessage(ctx, m.chat())
		return hardFailure(out, err)
	}
	return p
}

// Peer returns the other user's id.
func (p *Private) Peer() int64 { return p.peer }

// Open subscribes to the private channels.
func (p *Private) Open() {
	c := p.client
	p.hold(
		c.SubscribePrivate(func(cm channel.ChatMessage) {
			if p.involves(cm.SenderID, cm.RecipientID) {
				p.onMessage(FromChat(cm))
			}
		}),
		c.SubscribePrivateTyping(func(ev channel.TypingEvent) {
			if ev.UserID == p.peer {
				p.onTyping(ev)
			}
		}),
		c.SubscribePrivateRecall(func(ev channel.RecallEvent) {
			// The recall queue is shared by every private view; placeholders
			// belong only to the conversation with the recaller.
			if _, ok := p.store.Get(ev.MessageID); ok || ev.UserID == p.peer || ev.SenderID == p.peer {
				p.onRecall(ev)
			}
		}),
	)
}

func (p *Private) involves(sender, recipient int64) bool {
	self := p.client.SelfID()
	return (sender == p.peer && recipient == self) || (sender == self && recipient == p.peer)
}

// Send posts content to the peer optimistically.
func (p *Private) Send(ctx context.Context, content string) (Message, error) {
	return p.send(ctx, Message{RecipientID: p.peer, Content: content})
}

// Recall asks the server to recall one of the local user's messages.
func (p *Private) Recall(ctx context.Context, messageID int64) error {
	if err := p.checkRecall(messageID); err != nil {
		return err
	}
	if err := hardFailure(p.client.RecallPrivateMessage(ctx, messageID)); err != nil {
		return p.recallFailed(err)
	}
	return nil
}

// SetTyping signals the local user's typing state to the peer.
func (p *Private) SetTyping(ctx context.Context, typing bool) {
	if _, err := p.client.SendPrivateTyping(ctx, p.peer, typing); err != nil {
		p.logger.Debug("typing signal failed", zap.Bool("typing", typing), zap.Error(err))
	}
}
