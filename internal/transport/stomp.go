package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"go.uber.org/zap"
)

const contentTypeJSON = "application/json"

// StompDialer dials STOMP 1.2 over a raw WebSocket.
type StompDialer struct {
	HandshakeTimeout time.Duration
	HeartBeat        time.Duration
	ReadLimit        int64
	Logger           *zap.Logger
}

// NewStompDialer returns a dialer with sensible defaults.
func NewStompDialer(logger *zap.Logger) *StompDialer {
	return &StompDialer{
		HandshakeTimeout: 10 * time.Second,
		HeartBeat:        10 * time.Second,
		ReadLimit:        1 << 20,
		Logger:           logger,
	}
}

// Dial opens the WebSocket with the bearer credential in the upgrade request,
// then performs the STOMP CONNECT handshake carrying the same credential.
func (d *StompDialer) Dial(ctx context.Context, endpoint, token string) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if endpoint == "" {
		return nil, errors.New("empty endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	dialCtx := ctx
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{"v12.stomp", "v11.stomp"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	wc := newWatchedConn(websocket.NetConn(runCtx, ws, websocket.MessageText))

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(d.HeartBeat, d.HeartBeat),
	}
	if token != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}

	type result struct {
		conn *stomp.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		sc, err := stomp.Connect(wc, opts...)
		resCh <- result{sc, err}
	}()

	var sc *stomp.Conn
	select {
	case res := <-resCh:
		if res.err != nil {
			cancel()
			_ = ws.Close(websocket.StatusPolicyViolation, "handshake failed")
			return nil, fmt.Errorf("stomp connect: %w", res.err)
		}
		sc = res.conn
	case <-dialCtx.Done():
		cancel()
		_ = ws.Close(websocket.StatusGoingAway, "handshake timeout")
		return nil, fmt.Errorf("stomp connect: %w", dialCtx.Err())
	}

	logger.Info("transport connected", zap.String("endpoint", u.Host))
	return &stompTransport{
		ws:     ws,
		conn:   sc,
		wc:     wc,
		cancel: cancel,
		logger: logger,
	}, nil
}

type stompTransport struct {
	ws     *websocket.Conn
	conn   *stomp.Conn
	wc     *watchedConn
	cancel context.CancelFunc
	logger *zap.Logger

	closeOnce sync.Once
}

func (t *stompTransport) Publish(ctx context.Context, destination string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.wc.done:
		return ErrClosed
	default:
	}
	if err := t.conn.Send(destination, contentTypeJSON, body); err != nil {
		return fmt.Errorf("send %s: %w", destination, err)
	}
	return nil
}

func (t *stompTransport) Subscribe(topic string, h Handler) (Listener, error) {
	select {
	case <-t.wc.done:
		return nil, ErrClosed
	default:
	}
	sub, err := t.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				t.logger.Debug("subscription ended", zap.String("topic", topic), zap.Error(msg.Err))
				return
			}
			h(Message{Topic: topic, Body: msg.Body})
		}
	}()
	return stompListener{sub: sub}, nil
}

func (t *stompTransport) Done() <-chan struct{} { return t.wc.done }

func (t *stompTransport) Err() error { return t.wc.Err() }

// Close sends DISCONNECT and closes the socket. A dead peer cannot stall it.
func (t *stompTransport) Close() error {
	t.closeOnce.Do(func() {
		t.wc.markClosed()
		done := make(chan struct{})
		go func() {
			_ = t.conn.Disconnect()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.logger.Warn("stomp disconnect timed out")
		}
		t.cancel()
		_ = t.ws.Close(websocket.StatusNormalClosure, "client close")
	})
	return nil
}

type stompListener struct {
	sub *stomp.Subscription
}

func (l stompListener) Unsubscribe() error {
	if !l.sub.Active() {
		return nil
	}
	return l.sub.Unsubscribe()
}

// watchedConn closes done on the first read failure so transport loss is
// observable independently of any subscription.
type watchedConn struct {
	net.Conn
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func newWatchedConn(c net.Conn) *watchedConn {
	return &watchedConn{Conn: c, done: make(chan struct{})}
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *watchedConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if !isExpectedDisconnect(err) {
			c.err = err
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *watchedConn) markClosed() {
	c.once.Do(func() { close(c.done) })
}

func (c *watchedConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func isExpectedDisconnect(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return true
	default:
		return false
	}
}

var _ io.ReadWriteCloser = (*watchedConn)(nil)
