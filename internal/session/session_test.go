package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/wschat/internal/outbox"
	"github.com/matheus3301/wschat/internal/registry"
	"github.com/matheus3301/wschat/internal/retry"
	"github.com/matheus3301/wschat/internal/status"
	"github.com/matheus3301/wschat/internal/transport"
	"github.com/matheus3301/wschat/internal/transport/transporttest"
)

func testConfig() Config {
	return Config{
		Endpoint:             "ws://test/ws",
		ReconnectMaxAttempts: 5,
		ReconnectDelay:       time.Millisecond,
		HeartbeatInterval:    time.Hour,
		HeartbeatMonitor:     time.Hour,
		HeartbeatBuffer:      5 * time.Second,
		DrainInterval:        5 * time.Millisecond,
		TypingStart:          retry.TypingStart(3, 0),
		Subscribe:            registry.Config{RetryDelay: 5 * time.Millisecond, MaxAttempts: 20},
	}
}

var creds = Credentials{Token: "tok", UserID: 42}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connect starts s and waits until the first onConnect has run.
func connect(t *testing.T, s *Session, onConnect func(), onError func(error)) {
	t.Helper()
	ready := make(chan struct{})
	var once sync.Once
	cb := func() {
		if onConnect != nil {
			onConnect()
		}
		once.Do(func() { close(ready) })
	}
	if err := s.Connect(context.Background(), creds, cb, onError); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
}

type errLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errLog) add(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *errLog) all() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func TestConnectRegistersSession(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()

	var connects atomic.Int32
	connect(t, s, func() { connects.Add(1) }, nil)
	if s.State() != status.Connected {
		t.Fatalf("state = %s, want CONNECTED", s.State())
	}
	if !s.Ready() {
		t.Fatal("Ready() = false after connect")
	}

	reg := d.Last().PublishedTo(destRegister)
	if len(reg) != 1 || string(reg[0].Body) != "42" {
		t.Fatalf("register-session publishes = %v, want one with body 42", reg)
	}
	if tokens := d.Tokens(); len(tokens) != 1 || tokens[0] != "tok" {
		t.Fatalf("tokens = %v, want [tok]", tokens)
	}

	// Idempotent while connected: callback runs, no second dial.
	if err := s.Connect(context.Background(), creds, func() { connects.Add(1) }, nil); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if got := connects.Load(); got != 2 {
		t.Fatalf("onConnect calls = %d, want 2", got)
	}
	if got := d.Dials(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestConnectDoesNotWaitForDial(t *testing.T) {
	release := make(chan struct{})
	d := &transporttest.Dialer{Fail: func(int) error {
		<-release
		return nil
	}}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()

	returned := make(chan error, 1)
	go func() { returned <- s.Connect(context.Background(), creds, nil, nil) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect() blocked on the dial")
	}
	if s.State() != status.Connecting {
		t.Fatalf("state = %s, want CONNECTING", s.State())
	}

	close(release)
	waitFor(t, "ready", s.Ready)
}

func TestReconnectBound(t *testing.T) {
	d := &transporttest.Dialer{Fail: func(int) error { return errors.New("refused") }}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()

	var log errLog
	_ = s.Connect(context.Background(), creds, nil, log.add)

	waitFor(t, "FAILED state", func() bool { return s.State() == status.Failed })
	time.Sleep(20 * time.Millisecond)

	if got := d.Dials(); got != 5 {
		t.Fatalf("dials = %d, want 5", got)
	}
	errs := log.all()
	if len(errs) != 5 {
		t.Fatalf("onError calls = %d, want 5", len(errs))
	}
	for _, err := range errs[:4] {
		if errors.Is(err, ErrConnectionFailed) {
			t.Fatalf("non-terminal error %v wraps ErrConnectionFailed", err)
		}
	}
	if !errors.Is(errs[4], ErrConnectionFailed) {
		t.Fatalf("terminal error = %v, want ErrConnectionFailed", errs[4])
	}
}

func TestConnectFromFailedStartsFreshBudget(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	d := &transporttest.Dialer{Fail: func(int) error {
		if failing.Load() {
			return errors.New("refused")
		}
		return nil
	}}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()

	_ = s.Connect(context.Background(), creds, nil, nil)
	waitFor(t, "FAILED state", func() bool { return s.State() == status.Failed })

	failing.Store(false)
	connected := make(chan struct{}, 1)
	_ = s.Connect(context.Background(), creds, func() { connected <- struct{}{} }, nil)
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("explicit reconnect from FAILED did not connect")
	}
	if got := d.Dials(); got != 6 {
		t.Fatalf("dials = %d, want 6", got)
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()

	var log errLog
	var connects atomic.Int32
	connect(t, s, func() { connects.Add(1) }, log.add)

	var got atomic.Int32
	s.Subscribe("room:1", "/topic/room/1", func(transport.Message) { got.Add(1) })
	first := d.Last()
	if first.Listeners("/topic/room/1") != 1 {
		t.Fatal("no listener on first transport")
	}

	first.Drop(errors.New("reset by peer"))
	waitFor(t, "reconnect", func() bool { return connects.Load() == 2 && s.Ready() })

	second := d.Last()
	if second == first {
		t.Fatal("transport was not recreated")
	}
	waitFor(t, "listener on new transport", func() bool { return second.Listeners("/topic/room/1") == 1 })
	second.Deliver("/topic/room/1", []byte(`{}`))
	if got.Load() != 1 {
		t.Fatalf("deliveries = %d, want 1", got.Load())
	}
	if errs := log.all(); len(errs) != 1 {
		t.Fatalf("onError calls = %d, want 1", len(errs))
	}
}

func TestQueuedSendsDrainInOrderAfterConnect(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()

	for i := range 3 {
		out, err := s.Send(context.Background(), outbox.Envelope{
			Destination: "/app/chat/room/1",
			Payload:     []byte(fmt.Sprint(i)),
		}, retry.Persistent())
		if err != nil || out != outbox.Queued {
			t.Fatalf("Send(%d) = %s, %v; want queued", i, out, err)
		}
	}
	if s.QueueLen() != 3 {
		t.Fatalf("QueueLen() = %d, want 3", s.QueueLen())
	}

	connect(t, s, nil, nil)
	tr := d.Last()
	waitFor(t, "drain", func() bool { return len(tr.PublishedTo("/app/chat/room/1")) == 3 })

	for i, p := range tr.PublishedTo("/app/chat/room/1") {
		if string(p.Body) != fmt.Sprint(i) {
			t.Fatalf("publish %d body = %s, want %d", i, p.Body, i)
		}
	}
	if s.QueueLen() != 0 {
		t.Fatalf("QueueLen() = %d, want 0", s.QueueLen())
	}
}

func TestPersistentSendJoinsBacklog(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()
	connect(t, s, nil, nil)
	tr := d.Last()

	var blocked atomic.Bool
	blocked.Store(true)
	tr.FailPublish(func(dest string) error {
		if blocked.Load() && dest == "/app/chat/room/1" {
			return errors.New("busy")
		}
		return nil
	})

	out, _ := s.Send(context.Background(), outbox.Envelope{Destination: "/app/chat/room/1", Payload: []byte("a")}, retry.Persistent())
	if out != outbox.Queued {
		t.Fatalf("first Send = %s, want queued", out)
	}
	blocked.Store(false)
	out, _ = s.Send(context.Background(), outbox.Envelope{Destination: "/app/chat/room/1", Payload: []byte("b")}, retry.Persistent())
	if out != outbox.Queued && len(tr.PublishedTo("/app/chat/room/1")) == 0 {
		t.Fatalf("second Send = %s overtook the backlog", out)
	}

	waitFor(t, "drain", func() bool { return len(tr.PublishedTo("/app/chat/room/1")) == 2 })
	got := tr.PublishedTo("/app/chat/room/1")
	if string(got[0].Body) != "a" || string(got[1].Body) != "b" {
		t.Fatalf("order = %s,%s; want a,b", got[0].Body, got[1].Body)
	}
}

func TestTypingStopDroppedWhenNotReady(t *testing.T) {
	s := New(testConfig(), &transporttest.Dialer{}, nil, nil, nil)
	defer s.Close()

	before := s.QueueLen()
	out, err := s.Send(context.Background(), outbox.Envelope{Destination: "/app/typing/room/1", Payload: []byte(`{}`)}, retry.Ephemeral())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if out != outbox.Dropped {
		t.Fatalf("outcome = %s, want dropped", out)
	}
	if s.QueueLen() != before {
		t.Fatalf("QueueLen() = %d, want %d", s.QueueLen(), before)
	}
}

func TestTypingStartQueuesAfterRetries(t *testing.T) {
	s := New(testConfig(), &transporttest.Dialer{}, nil, nil, nil)
	defer s.Close()

	before := s.QueueLen()
	out, err := s.Send(context.Background(), outbox.Envelope{Destination: "/app/typing/room/1", Payload: []byte(`{}`)}, s.TypingStartPolicy())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if out != outbox.Queued {
		t.Fatalf("outcome = %s, want queued", out)
	}
	if s.QueueLen() != before+1 {
		t.Fatalf("QueueLen() = %d, want %d", s.QueueLen(), before+1)
	}
}

func TestTypingStartRetriesSynchronously(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()
	connect(t, s, nil, nil)
	tr := d.Last()

	var calls atomic.Int32
	tr.FailPublish(func(dest string) error {
		if dest == "/app/typing/room/1" && calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	out, err := s.Send(context.Background(), outbox.Envelope{Destination: "/app/typing/room/1", Payload: []byte(`{}`)}, s.TypingStartPolicy())
	if err != nil || out != outbox.Sent {
		t.Fatalf("Send() = %s, %v; want sent", out, err)
	}
	if got := len(tr.PublishedTo("/app/typing/room/1")); got != 1 {
		t.Fatalf("typing publishes = %d, want 1", got)
	}
	if s.QueueLen() != 0 {
		t.Fatalf("QueueLen() = %d, want 0", s.QueueLen())
	}
}

func TestSendAfterFailureIsRejected(t *testing.T) {
	d := &transporttest.Dialer{Fail: func(int) error { return errors.New("refused") }}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()
	_ = s.Connect(context.Background(), creds, nil, nil)
	waitFor(t, "FAILED state", func() bool { return s.State() == status.Failed })

	_, err := s.Send(context.Background(), outbox.Envelope{Destination: "/app/chat/room/1"}, retry.Persistent())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Send() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCheckHeartbeatForcesBeatWhenOverdue(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()
	connect(t, s, nil, nil)
	tr := d.Last()
	now := time.Now()

	if s.checkHeartbeat(context.Background(), now) {
		t.Fatal("forced a beat right after connect")
	}
	late := now.Add(s.cfg.HeartbeatInterval + s.cfg.HeartbeatBuffer + time.Second)
	if !s.checkHeartbeat(context.Background(), late) {
		t.Fatal("no forced beat after interval+buffer")
	}
	beats := tr.PublishedTo(destHeartbeat)
	if len(beats) != 1 || string(beats[0].Body) != "42" {
		t.Fatalf("heartbeats = %v, want one with body 42", beats)
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMonitorForcesBeatWhenTickerStalls(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatMonitor = 5 * time.Millisecond
	d := &transporttest.Dialer{}
	s := New(cfg, d, nil, nil, nil)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s.now = clock.Now
	defer s.Close()

	connect(t, s, nil, nil)
	tr := d.Last()
	time.Sleep(20 * time.Millisecond)
	if n := len(tr.PublishedTo(destHeartbeat)); n != 0 {
		t.Fatalf("heartbeats before stall = %d, want 0", n)
	}

	// The hourly ticker never fires; simulate two hours of throttling.
	clock.Advance(2 * time.Hour)
	waitFor(t, "forced heartbeat", func() bool { return len(tr.PublishedTo(destHeartbeat)) >= 1 })

	time.Sleep(20 * time.Millisecond)
	if n := len(tr.PublishedTo(destHeartbeat)); n != 1 {
		t.Fatalf("heartbeats = %d, want exactly 1 once caught up", n)
	}
}

func TestSetVisibleForcesBeat(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()
	connect(t, s, nil, nil)
	tr := d.Last()

	s.SetVisible(true)
	if n := len(tr.PublishedTo(destHeartbeat)); n != 0 {
		t.Fatalf("heartbeats when never hidden = %d, want 0", n)
	}
	s.SetVisible(false)
	s.SetVisible(true)
	if n := len(tr.PublishedTo(destHeartbeat)); n != 1 {
		t.Fatalf("heartbeats after hidden->visible = %d, want 1", n)
	}
}

func TestDisconnectKeepsSubscriptions(t *testing.T) {
	cfg := testConfig()
	cfg.Farewell = func(userID int64) (string, []byte) {
		return "/app/status/change", []byte(fmt.Sprintf(`{"userId":%d,"isOnline":false}`, userID))
	}
	d := &transporttest.Dialer{}
	s := New(cfg, d, nil, nil, nil)
	defer s.Close()

	connect(t, s, nil, nil)
	s.Subscribe("rooms", "/topic/rooms", func(transport.Message) {})
	first := d.Last()

	s.Disconnect()
	if s.State() != status.Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State())
	}
	if !first.Closed() {
		t.Fatal("transport not closed")
	}
	if n := len(first.PublishedTo("/app/status/change")); n != 1 {
		t.Fatalf("farewell publishes = %d, want 1", n)
	}
	if s.Subscriptions().Len() != 1 {
		t.Fatalf("subscriptions = %d, want 1", s.Subscriptions().Len())
	}

	connect(t, s, nil, nil)
	second := d.Last()
	if second == first || second.Listeners("/topic/rooms") != 1 {
		t.Fatal("subscription not re-established after reconnect")
	}
}

func TestFarewellFailureIsTolerated(t *testing.T) {
	cfg := testConfig()
	cfg.Farewell = func(int64) (string, []byte) { return "/app/status/change", nil }
	d := &transporttest.Dialer{}
	s := New(cfg, d, nil, nil, nil)
	defer s.Close()

	connect(t, s, nil, nil)
	d.Last().FailPublish(func(string) error { return errors.New("gone") })
	s.Disconnect()
	if s.State() != status.Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", s.State())
	}
}

func TestSubscribeSharesListenerThroughSession(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()
	connect(t, s, nil, nil)

	var a, b atomic.Int32
	s.Subscribe("typing:7", "/topic/room/7/typing", func(transport.Message) { a.Add(1) })
	unsubB := s.Subscribe("typing:7", "/topic/room/7/typing", func(transport.Message) { b.Add(1) })

	tr := d.Last()
	if n := tr.Listeners("/topic/room/7/typing"); n != 1 {
		t.Fatalf("listeners = %d, want 1", n)
	}
	tr.Deliver("/topic/room/7/typing", nil)
	unsubB()
	tr.Deliver("/topic/room/7/typing", nil)

	if a.Load() != 2 || b.Load() != 1 {
		t.Fatalf("deliveries a=%d b=%d, want a=2 b=1", a.Load(), b.Load())
	}
}

func TestWaitReady(t *testing.T) {
	d := &transporttest.Dialer{}
	s := New(testConfig(), d, nil, nil, nil)
	defer s.Close()

	if s.WaitReady(context.Background(), 20*time.Millisecond) {
		t.Fatal("WaitReady() = true before connect")
	}
	_ = s.Connect(context.Background(), creds, nil, nil)
	if !s.WaitReady(context.Background(), time.Second) {
		t.Fatal("WaitReady() = false after connect")
	}
}

func TestClosedSessionRefusesWork(t *testing.T) {
	s := New(testConfig(), &transporttest.Dialer{}, nil, nil, nil)
	s.Close()

	if err := s.Connect(context.Background(), creds, nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect() error = %v, want ErrClosed", err)
	}
	if _, err := s.Send(context.Background(), outbox.Envelope{}, retry.Persistent()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() error = %v, want ErrClosed", err)
	}
}
