package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callturn/pkg/adapters/stt"
	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/logging"
	"github.com/harunnryd/callturn/pkg/resilience"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDropped
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateDropped:
		return "DROPPED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	errLinkClosed      = errors.New("transcription link closed")
	errUnexpectedClose = errors.New("transcription connection closed unexpectedly")
)

// Events receives lifecycle notifications. Calls happen on link goroutines,
// never while the link holds its lock.
type Events interface {
	LinkOpened(reconnect bool)
	LinkFailed(err error)
	LinkDropped(err error)
}

type Config struct {
	MaxAttempts       int
	RetryDelay        time.Duration
	ConnectTimeout    time.Duration
	MaxBufferedFrames int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 1500 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// Link owns the transcription connection of one call. Audio sent while the
// connection is not open is buffered and replayed, in order, once it opens.
type Link struct {
	cfg     Config
	factory stt.Factory
	events  Events
	buffer  *IngressBuffer
	policy  resilience.Policy
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	state      State
	connecting bool
	conn       stt.StreamingSTT
	onResult   func(frames.TranscriptFragment)
}

func NewLink(ctx context.Context, cfg Config, factory stt.Factory, events Events, logger *slog.Logger) *Link {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	lctx, cancel := context.WithCancel(ctx)
	return &Link{
		cfg:     cfg,
		factory: factory,
		events:  events,
		buffer:  NewIngressBuffer(cfg.MaxBufferedFrames),
		policy:  resilience.NewPolicy(cfg.MaxAttempts, cfg.RetryDelay),
		logger:  logging.NewComponentLogger(logger, "transcription_link"),
		ctx:     lctx,
		cancel:  cancel,
	}
}

// OnResult registers the handler for every partial and final fragment.
func (l *Link) OnResult(h func(frames.TranscriptFragment)) {
	l.mu.Lock()
	l.onResult = h
	l.mu.Unlock()
}

// Connect starts a connection attempt in the background. It reports false
// when an attempt is already running or the link is open or finished.
func (l *Link) Connect() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return false
	}
	return l.startConnectLocked(l.cfg.MaxAttempts, false)
}

// Reconnect makes a single attempt after an unexpected close.
func (l *Link) Reconnect() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateDropped {
		return false
	}
	return l.startConnectLocked(1, true)
}

// Send forwards a frame when open and buffers it otherwise. The first frame
// sent to an idle link starts the connection.
func (l *Link) Send(frame frames.AudioFrame) error {
	l.mu.Lock()
	switch l.state {
	case StateClosed:
		l.mu.Unlock()
		return errLinkClosed
	case StateOpen:
		conn := l.conn
		err := conn.SendAudio(frame)
		if err == nil {
			l.mu.Unlock()
			return nil
		}
		// A failed send drops the connection so the frame and everything
		// after it is replayed in order on reconnect.
		l.buffer.Append(frame)
		l.conn = nil
		l.state = StateDropped
		l.mu.Unlock()

		_ = conn.Close()
		err = errorsx.Wrap(err, errorsx.ReasonLinkSend)
		l.logger.Warn("link_dropped",
			slog.String("reason_code", string(errorsx.ReasonLinkSend)),
			slog.String("error", err.Error()))
		go l.events.LinkDropped(err)
		return err
	case StateIdle:
		l.buffer.Append(frame)
		l.startConnectLocked(l.cfg.MaxAttempts, false)
		l.mu.Unlock()
		return nil
	default:
		l.buffer.Append(frame)
		l.mu.Unlock()
		return nil
	}
}

// Close tears the link down and discards anything still buffered. It does
// not wait for background goroutines; they observe the canceled context.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	conn := l.conn
	l.conn = nil
	discarded := l.buffer.Discard()
	l.mu.Unlock()

	l.cancel()
	l.logger.Info("link_closed", slog.Int("discarded_frames", discarded))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Buffered returns the number of frames waiting for an open connection.
func (l *Link) Buffered() int { return l.buffer.Len() }

// DroppedFrames counts frames evicted by the buffer limit.
func (l *Link) DroppedFrames() int { return l.buffer.Dropped() }

func (l *Link) startConnectLocked(attempts int, reconnect bool) bool {
	if l.connecting {
		return false
	}
	l.connecting = true
	l.state = StateConnecting
	go l.runConnect(attempts, reconnect)
	return true
}

func (l *Link) runConnect(attempts int, reconnect bool) {
	policy := l.policy
	policy.MaxAttempts = attempts

	var opened stt.StreamingSTT
	err := policy.Do(l.ctx, func(ctx context.Context, attempt int) error {
		conn := l.factory()
		if err := l.startWithTimeout(ctx, conn); err != nil {
			_ = conn.Close()
			l.logger.Warn("link_connect_attempt_failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", attempts),
				slog.String("provider", conn.Name()),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			return err
		}
		if err := l.promote(conn); err != nil {
			return err
		}
		opened = conn
		return nil
	})

	if err != nil {
		l.mu.Lock()
		l.connecting = false
		closed := l.state == StateClosed
		if !closed {
			l.state = StateFailed
		}
		l.mu.Unlock()
		if closed || l.ctx.Err() != nil {
			return
		}
		l.logger.Error("link_connect_failed",
			slog.Int("attempts", attempts),
			slog.Bool("reconnect", reconnect),
			slog.String("reason_code", string(errorsx.ReasonLinkExhausted)),
			slog.String("error", err.Error()))
		l.events.LinkFailed(errorsx.Mark(errorsx.Wrap(err, errorsx.ReasonLinkExhausted), errorsx.ErrConnectionFailed))
		return
	}

	l.events.LinkOpened(reconnect)
	go l.readLoop(opened)
}

func (l *Link) startWithTimeout(ctx context.Context, conn stt.StreamingSTT) error {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Start(cctx) }()
	select {
	case err := <-errCh:
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return l.timeoutError()
		}
		return errorsx.Wrap(err, errorsx.ReasonLinkConnect)
	case <-cctx.Done():
		if ctx.Err() != nil {
			return resilience.Permanent(ctx.Err())
		}
		return l.timeoutError()
	}
}

func (l *Link) timeoutError() error {
	return errorsx.Wrap(fmt.Errorf("connect timed out after %s", l.cfg.ConnectTimeout), errorsx.ReasonLinkTimeout)
}

// promote replays the buffer into conn and marks the link open. Holding the
// lock across the replay keeps concurrent Sends behind the buffered frames.
func (l *Link) promote(conn stt.StreamingSTT) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		_ = conn.Close()
		return resilience.Permanent(errLinkClosed)
	}
	replayed, err := l.buffer.DrainTo(conn.SendAudio)
	if err != nil {
		l.mu.Unlock()
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonLinkSend)
	}
	l.conn = conn
	l.state = StateOpen
	l.connecting = false
	l.mu.Unlock()

	l.logger.Info("link_open",
		slog.String("provider", conn.Name()),
		slog.Int("replayed_frames", replayed))
	return nil
}

func (l *Link) readLoop(conn stt.StreamingSTT) {
	for frag := range conn.Results() {
		if err := frag.Validate(); err != nil {
			l.logger.Debug("link_fragment_rejected", slog.String("error", err.Error()))
			continue
		}
		l.mu.Lock()
		h := l.onResult
		l.mu.Unlock()
		if h != nil {
			h(frag)
		}
	}

	l.mu.Lock()
	if l.conn != conn || l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = StateDropped
	l.mu.Unlock()

	cause := conn.Err()
	if cause == nil {
		cause = errUnexpectedClose
	}
	l.logger.Warn("link_dropped",
		slog.String("reason_code", string(errorsx.ReasonLinkDropped)),
		slog.String("error", cause.Error()))
	l.events.LinkDropped(errorsx.Wrap(cause, errorsx.ReasonLinkDropped))
}
