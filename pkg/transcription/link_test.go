package transcription

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/callturn/pkg/adapters/stt"
	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/frames"
)

type stubConn struct {
	startErr error
	failSeq  uint64

	mu      sync.Mutex
	sent    []uint64
	results chan frames.TranscriptFragment
	err     error
	once    sync.Once
}

func newStubConn(startErr error) *stubConn {
	return &stubConn{startErr: startErr, results: make(chan frames.TranscriptFragment, 8)}
}

func (c *stubConn) Name() string                              { return "stub" }
func (c *stubConn) Start(context.Context) error               { return c.startErr }
func (c *stubConn) Results() <-chan frames.TranscriptFragment { return c.results }

func (c *stubConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *stubConn) SendAudio(f frames.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSeq != 0 && f.Seq == c.failSeq {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, f.Seq)
	return nil
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.results) })
	return nil
}

// drop simulates the vendor closing the socket.
func (c *stubConn) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.results) })
}

func (c *stubConn) sentSeqs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.sent...)
}

type stubFactory struct {
	mu       sync.Mutex
	attempts int
	failures int
	conns    []*stubConn
}

func (f *stubFactory) build() stt.StreamingSTT {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	var conn *stubConn
	if f.attempts <= f.failures {
		conn = newStubConn(errors.New("dial refused"))
	} else {
		conn = newStubConn(nil)
	}
	f.conns = append(f.conns, conn)
	return conn
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *stubFactory) last() *stubConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

type recordedEvents struct {
	opened  chan bool
	failed  chan error
	dropped chan error
}

func newRecordedEvents() *recordedEvents {
	return &recordedEvents{
		opened:  make(chan bool, 4),
		failed:  make(chan error, 4),
		dropped: make(chan error, 4),
	}
}

func (r *recordedEvents) LinkOpened(reconnect bool) { r.opened <- reconnect }
func (r *recordedEvents) LinkFailed(err error)      { r.failed <- err }
func (r *recordedEvents) LinkDropped(err error)     { r.dropped <- err }

func testConfig() Config {
	return Config{MaxAttempts: 3, RetryDelay: time.Millisecond, ConnectTimeout: time.Second}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for link event")
	}
	var zero T
	return zero
}

func TestLinkReplaysBufferedAudioOnOpen(t *testing.T) {
	factory := &stubFactory{failures: 1}
	events := newRecordedEvents()
	link := NewLink(context.Background(), testConfig(), factory.build, events, nil)
	defer link.Close()

	for i := uint64(1); i <= 3; i++ {
		if err := link.Send(frame(i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if reconnect := waitFor(t, events.opened); reconnect {
		t.Fatalf("first open must not be a reconnect")
	}
	if err := link.Send(frame(4)); err != nil {
		t.Fatalf("send after open: %v", err)
	}

	got := factory.last().sentSeqs()
	if len(got) != 4 {
		t.Fatalf("expected 4 frames, got %v", got)
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("frames out of order: %v", got)
		}
	}
	if factory.count() != 2 {
		t.Fatalf("expected 2 attempts, got %d", factory.count())
	}
	if link.State() != StateOpen {
		t.Fatalf("state = %s", link.State())
	}
}

func TestLinkExhaustsAttemptsThenFails(t *testing.T) {
	factory := &stubFactory{failures: 100}
	events := newRecordedEvents()
	link := NewLink(context.Background(), testConfig(), factory.build, events, nil)

	_ = link.Send(frame(1))
	_ = link.Send(frame(2))

	err := waitFor(t, events.failed)
	if !errors.Is(err, errorsx.ErrConnectionFailed) {
		t.Fatalf("expected connection failed kind, got %v", err)
	}
	if !errorsx.Fatal(err) {
		t.Fatalf("connection failure must be fatal")
	}
	if factory.count() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", factory.count())
	}
	if link.State() != StateFailed {
		t.Fatalf("state = %s", link.State())
	}

	_ = link.Close()
	if link.Buffered() != 0 {
		t.Fatalf("buffer must be discarded on close, %d left", link.Buffered())
	}
	for _, conn := range factory.conns {
		if len(conn.sentSeqs()) != 0 {
			t.Fatalf("no frame may reach a failed connection")
		}
	}
}

func TestLinkConcurrentSendsStartOneConnect(t *testing.T) {
	var started atomic.Int32
	release := make(chan struct{})
	factory := func() stt.StreamingSTT {
		started.Add(1)
		return &blockingConn{stubConn: newStubConn(nil), release: release}
	}
	events := newRecordedEvents()
	link := NewLink(context.Background(), testConfig(), factory, events, nil)
	defer link.Close()

	var wg sync.WaitGroup
	for i := uint64(1); i <= 20; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_ = link.Send(frame(seq))
		}(i)
	}
	wg.Wait()
	close(release)
	waitFor(t, events.opened)

	if started.Load() != 1 {
		t.Fatalf("expected a single connection attempt, got %d", started.Load())
	}
	if link.Connect() {
		t.Fatalf("connect on an open link must be a no-op")
	}
}

type blockingConn struct {
	*stubConn
	release chan struct{}
}

func (c *blockingConn) Start(ctx context.Context) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestLinkDropThenReconnect(t *testing.T) {
	factory := &stubFactory{}
	events := newRecordedEvents()
	link := NewLink(context.Background(), testConfig(), factory.build, events, nil)
	defer link.Close()

	var fragments atomic.Int32
	link.OnResult(func(frames.TranscriptFragment) { fragments.Add(1) })

	_ = link.Send(frame(1))
	waitFor(t, events.opened)
	first := factory.last()
	first.results <- frames.NewFragment("hello", true, nil, time.Now())
	first.drop(errors.New("socket reset"))

	err := waitFor(t, events.dropped)
	if !errorsx.HasReason(err, errorsx.ReasonLinkDropped) {
		t.Fatalf("expected dropped reason, got %v", err)
	}
	if fragments.Load() != 1 {
		t.Fatalf("fragment before drop must be delivered")
	}
	if link.State() != StateDropped {
		t.Fatalf("state = %s", link.State())
	}

	_ = link.Send(frame(2))
	if !link.Reconnect() {
		t.Fatalf("reconnect must start from dropped")
	}
	if reconnect := waitFor(t, events.opened); !reconnect {
		t.Fatalf("expected reconnect flag")
	}
	if got := factory.last().sentSeqs(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected frame 2 replayed, got %v", got)
	}
}

func TestLinkReconnectMakesSingleAttempt(t *testing.T) {
	factory := &stubFactory{}
	events := newRecordedEvents()
	link := NewLink(context.Background(), testConfig(), factory.build, events, nil)
	defer link.Close()

	_ = link.Send(frame(1))
	waitFor(t, events.opened)
	factory.mu.Lock()
	factory.failures = 100
	factory.mu.Unlock()
	factory.last().drop(nil)
	waitFor(t, events.dropped)

	link.Reconnect()
	err := waitFor(t, events.failed)
	if !errors.Is(err, errorsx.ErrConnectionFailed) {
		t.Fatalf("unexpected error %v", err)
	}
	if factory.count() != 2 {
		t.Fatalf("expected one reconnect attempt, got %d total", factory.count())
	}
}

func TestLinkCloseDiscardsAndRejects(t *testing.T) {
	release := make(chan struct{})
	factory := func() stt.StreamingSTT {
		return &blockingConn{stubConn: newStubConn(nil), release: release}
	}
	events := newRecordedEvents()
	link := NewLink(context.Background(), testConfig(), factory, events, nil)

	_ = link.Send(frame(1))
	_ = link.Send(frame(2))
	if err := link.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(release)

	if link.Buffered() != 0 {
		t.Fatalf("expected empty buffer")
	}
	if err := link.Send(frame(3)); err == nil {
		t.Fatalf("send after close must fail")
	}
	if link.State() != StateClosed {
		t.Fatalf("state = %s", link.State())
	}
	select {
	case <-events.failed:
		t.Fatalf("closing must not report a failure")
	case <-events.opened:
		t.Fatalf("closed link must not open")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLinkSendFailureDropsAndKeepsOrder(t *testing.T) {
	factory := &stubFactory{}
	events := newRecordedEvents()
	link := NewLink(context.Background(), testConfig(), factory.build, events, nil)
	defer link.Close()

	_ = link.Send(frame(1))
	waitFor(t, events.opened)
	first := factory.last()
	first.mu.Lock()
	first.failSeq = 2
	first.mu.Unlock()

	err := link.Send(frame(2))
	if !errorsx.HasReason(err, errorsx.ReasonLinkSend) {
		t.Fatalf("expected send reason, got %v", err)
	}
	if link.State() != StateDropped {
		t.Fatalf("state = %s", link.State())
	}
	if dropped := waitFor(t, events.dropped); !errorsx.HasReason(dropped, errorsx.ReasonLinkSend) {
		t.Fatalf("unexpected drop cause %v", dropped)
	}
	if err := link.Send(frame(3)); err != nil {
		t.Fatalf("send while dropped: %v", err)
	}
	if got := first.sentSeqs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("failed connection must only hold frame 1, got %v", got)
	}

	if !link.Reconnect() {
		t.Fatalf("reconnect must start from dropped")
	}
	waitFor(t, events.opened)
	got := factory.last().sentSeqs()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected [2 3] replayed in order, got %v", got)
	}
	select {
	case err := <-events.dropped:
		t.Fatalf("drop must be reported once, got extra %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// hangingConn never returns from Start.
type hangingConn struct {
	*stubConn
	release chan struct{}
}

func (c *hangingConn) Start(context.Context) error {
	<-c.release
	return nil
}

func TestLinkConnectTimeoutRetries(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var attempts atomic.Int32
	var second *stubConn
	factory := func() stt.StreamingSTT {
		if attempts.Add(1) == 1 {
			return &hangingConn{stubConn: newStubConn(nil), release: release}
		}
		second = newStubConn(nil)
		return second
	}
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	events := newRecordedEvents()
	cfg := Config{MaxAttempts: 3, RetryDelay: time.Millisecond, ConnectTimeout: 30 * time.Millisecond}
	link := NewLink(context.Background(), cfg, factory, events, logger)
	defer link.Close()

	_ = link.Send(frame(1))
	if reconnect := waitFor(t, events.opened); reconnect {
		t.Fatalf("first open must not be a reconnect")
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected open on attempt 2, got %d attempts", attempts.Load())
	}
	out := logs.String()
	if !strings.Contains(out, `"msg":"link_connect_attempt_failed"`) || !strings.Contains(out, `"reason_code":"link_connect_timeout"`) {
		t.Fatalf("expected a timed out attempt in logs, got %s", out)
	}
	if got := second.sentSeqs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected frame 1 replayed on attempt 2, got %v", got)
	}
}
