// Package transport owns the single physical connection: a framed-text
// publish/subscribe sub-protocol carried over one WebSocket.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a transport that has gone away.
var ErrClosed = errors.New("transport closed")

// Message is one inbound frame together with the topic it arrived on.
type Message struct {
	Topic string
	Body  []byte
}

// Handler receives inbound frames for a subscribed topic.
type Handler func(Message)

// Listener is the handle of one underlying topic subscription.
type Listener interface {
	Unsubscribe() error
}

// Transport is a connected, authenticated session with the chat server.
type Transport interface {
	// Publish sends body to a server destination such as /app/chat/room/1.
	Publish(ctx context.Context, destination string, body []byte) error
	// Subscribe starts delivering frames for topic to h.
	Subscribe(topic string, h Handler) (Listener, error)
	// Done is closed when the transport stops, for any reason.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a clean Close.
	Err() error
	Close() error
}

// Dialer opens a Transport to endpoint authenticated with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint, token string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint, token string) (Transport, error) {
	return f(ctx, endpoint, token)
}
