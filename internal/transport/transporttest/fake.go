// Package transporttest provides an in-memory Transport and Dialer for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/wschat/internal/transport"
)

// Published records one outbound frame.
type Published struct {
	Destination string
	Body        []byte
}

// Transport is an in-memory transport. Deliver simulates inbound frames and
// Drop simulates a mid-session failure.
type Transport struct {
	mu         sync.Mutex
	subs       map[string]map[int]transport.Handler
	nextSub    int
	subscribes int
	published  []Published
	publishErr func(destination string) error
	done       chan struct{}
	closed     bool
	err        error
}

// NewTransport returns a live fake transport.
func NewTransport() *Transport {
	return &Transport{
		subs: make(map[string]map[int]transport.Handler),
		done: make(chan struct{}),
	}
}

// FailPublish makes Publish consult fn; a non-nil result fails that publish.
func (t *Transport) FailPublish(fn func(destination string) error) {
	t.mu.Lock()
	t.publishErr = fn
	t.mu.Unlock()
}

func (t *Transport) Publish(ctx context.Context, destination string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if t.publishErr != nil {
		if err := t.publishErr(destination); err != nil {
			return err
		}
	}
	t.published = append(t.published, Published{Destination: destination, Body: append([]byte(nil), body...)})
	return nil
}

func (t *Transport) Subscribe(topic string, h transport.Handler) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[int]transport.Handler)
	}
	id := t.nextSub
	t.nextSub++
	t.subscribes++
	t.subs[topic][id] = h
	return &listener{t: t, topic: topic, id: id}, nil
}

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) Close() error {
	t.shutdown(nil)
	return nil
}

// Drop simulates the peer going away with err.
func (t *Transport) Drop(err error) {
	if err == nil {
		err = errors.New("connection reset")
	}
	t.shutdown(err)
}

func (t *Transport) shutdown(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.err = err
	t.subs = make(map[string]map[int]transport.Handler)
	close(t.done)
}

// Closed reports whether Close or Drop was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Deliver hands body to every handler subscribed to topic and returns how
// many received it.
func (t *Transport) Deliver(topic string, body []byte) int {
	t.mu.Lock()
	handlers := make([]transport.Handler, 0, len(t.subs[topic]))
	for _, h := range t.subs[topic] {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()
	for _, h := range handlers {
		h(transport.Message{Topic: topic, Body: body})
	}
	return len(handlers)
}

// Published returns a copy of every successful publish so far.
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

// PublishedTo returns publishes for one destination.
func (t *Transport) PublishedTo(destination string) []Published {
	var out []Published
	for _, p := range t.Published() {
		if p.Destination == destination {
			out = append(out, p)
		}
	}
	return out
}

// Listeners returns the number of live listeners on topic.
func (t *Transport) Listeners(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[topic])
}

// SubscribeCalls counts every Subscribe that succeeded, including ones since
// unsubscribed.
func (t *Transport) SubscribeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribes
}

type listener struct {
	t     *Transport
	topic string
	id    int
}

func (l *listener) Unsubscribe() error {
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	delete(l.t.subs[l.topic], l.id)
	return nil
}

// Dialer hands out fake transports. Fail, when set, is consulted on every
// dial with the 1-based attempt number.
type Dialer struct {
	mu         sync.Mutex
	Fail       func(attempt int) error
	dials      int
	tokens     []string
	transports []*Transport
}

func (d *Dialer) Dial(ctx context.Context, endpoint, token string) (transport.Transport, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.tokens = append(d.tokens, token)
	fail := d.Fail
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}
	tr := NewTransport()
	d.mu.Lock()
	d.transports = append(d.transports, tr)
	d.mu.Unlock()
	return tr, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Tokens returns every token presented to Dial.
func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Last returns the most recently created transport, or nil.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}
