// Package session owns the lifecycle of one phone call: it forwards caller
// audio to transcription, segments the results into utterances, runs one
// reply at a time and tears everything down when the call ends.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/callturn/pkg/adapters/stt"
	"github.com/harunnryd/callturn/pkg/adapters/tts"
	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/llm"
	"github.com/harunnryd/callturn/pkg/logging"
	"github.com/harunnryd/callturn/pkg/metrics"
	"github.com/harunnryd/callturn/pkg/redact"
	"github.com/harunnryd/callturn/pkg/reply"
	"github.com/harunnryd/callturn/pkg/segmenter"
	"github.com/harunnryd/callturn/pkg/store"
	"github.com/harunnryd/callturn/pkg/transcription"
	"github.com/harunnryd/callturn/pkg/transports"
)

type Config struct {
	Link                transcription.Config
	Segmenter           segmenter.Config
	Reply               reply.Config
	SystemPrompt        string
	MaxHistory          int
	FallbackLines       []string
	FrameBytes          int
	KeepaliveInterval   time.Duration
	PingTimeout         time.Duration
	TeardownTimeout     time.Duration
	Greeting            string
	MaxQueuedUtterances int
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 3 * time.Second
	}
	if c.MaxQueuedUtterances <= 0 {
		c.MaxQueuedUtterances = 4
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = 160
	}
	return c
}

// Deps are the collaborators shared by every call in the process.
type Deps struct {
	NewSTT      func(callID, traceID string) stt.StreamingSTT
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Limiter     reply.Admitter
	Store       store.Store
	Control     transports.CallControl
	Registry    *Registry
	Observer    metrics.Observer
	Logger      *slog.Logger
}

type TranscriptEntry struct {
	Role     llm.Role  `json:"role"`
	Text     string    `json:"text"`
	Fallback bool      `json:"fallback,omitempty"`
	At       time.Time `json:"at"`
}

// Snapshot is a point-in-time view used by reporting endpoints.
type Snapshot struct {
	CallID         string            `json:"call_id"`
	TraceID        string            `json:"trace_id"`
	State          string            `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Turns          int               `json:"turns"`
	FallbackTurns  int               `json:"fallback_turns"`
	SpeakingMs     int64             `json:"speaking_ms"`
	SilenceMs      int64             `json:"silence_ms"`
	AvgResponseMs  int64             `json:"avg_response_ms"`
	CloseReason    string            `json:"close_reason,omitempty"`
	Transcript     []TranscriptEntry `json:"transcript"`
}

type eventKind int

const (
	evAudio eventKind = iota
	evFragment
	evLinkOpened
	evLinkFailed
	evLinkDropped
	evReplyDone
	evTransportClosed
	evShutdown
)

type event struct {
	kind      eventKind
	frame     frames.AudioFrame
	fragment  frames.TranscriptFragment
	err       error
	reconnect bool
	outcome   outcome
}

type job struct {
	text     string
	greeting bool
	at       time.Time
}

type outcome struct {
	job    job
	result reply.Result
}

type inflightReply struct {
	cancel   context.CancelFunc
	finished chan struct{}
}

// CallSession is driven by a single goroutine. External callbacks only post
// events to it; the segmenter, the reply queue and all state changes belong
// to that goroutine.
type CallSession struct {
	callID    string
	traceID   string
	cfg       Config
	deps      Deps
	transport transports.Call
	link      *transcription.Link
	seg       *segmenter.Segmenter
	pipeline  *reply.Pipeline
	obs       metrics.Observer
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	queue         []job
	inflight      *inflightReply
	greeted       bool
	reportedDrops int

	mu          sync.RWMutex
	state       State
	metrics     Metrics
	transcript  []TranscriptEntry
	closeReason string

	flushOnce sync.Once
}

// Start creates the session for callID, registers it and begins connecting
// transcription. It fails with ErrDuplicateSession when callID is taken.
func Start(ctx context.Context, callID string, transport transports.Call, cfg Config, deps Deps) (*CallSession, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, errors.New("session: call id is required")
	}
	if transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if deps.NewSTT == nil || deps.Generator == nil || deps.Synthesizer == nil {
		return nil, errors.New("session: stt, llm and tts providers are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s := newCallSession(ctx, callID, transport, cfg, deps)
	if deps.Registry != nil {
		if err := deps.Registry.Create(callID, s); err != nil {
			s.cancel()
			return nil, err
		}
	}
	s.logger.Info("session_started", slog.String("state", s.State().String()))
	s.link.Connect()
	go s.run()
	return s, nil
}

func newCallSession(ctx context.Context, callID string, transport transports.Call, cfg Config, deps Deps) *CallSession {
	cfg = cfg.withDefaults()
	traceID := uuid.NewString()
	base := logging.ForCall(deps.Logger, callID, traceID)
	sctx, cancel := context.WithCancel(ctx)
	now := time.Now()

	s := &CallSession{
		callID:    callID,
		traceID:   traceID,
		cfg:       cfg,
		deps:      deps,
		transport: transport,
		seg:       segmenter.New(cfg.Segmenter),
		obs:       metrics.OrNoop(deps.Observer),
		logger:    logging.NewComponentLogger(base, "call_session"),
		now:       time.Now,
		ctx:       sctx,
		cancel:    cancel,
		events:    make(chan event, 256),
		done:      make(chan struct{}),
		state:     StateInitializing,
		metrics:   newMetrics(now),
	}

	factory := func() stt.StreamingSTT { return deps.NewSTT(callID, traceID) }
	s.link = transcription.NewLink(sctx, cfg.Link, factory, linkEvents{s: s}, base)
	s.link.OnResult(func(f frames.TranscriptFragment) {
		s.post(event{kind: evFragment, fragment: f})
	})

	replyCfg := cfg.Reply
	replyCfg.CallID = callID
	s.pipeline = reply.New(replyCfg, reply.Deps{
		Limiter:     deps.Limiter,
		Generator:   deps.Generator,
		Synthesizer: deps.Synthesizer,
		Store:       deps.Store,
		Fallbacks:   reply.NewFallbackPool(cfg.FallbackLines),
		History:     reply.NewHistory(cfg.SystemPrompt, cfg.MaxHistory),
		Sender:      reply.NewSender(transport, cfg.FrameBytes, base),
		Observer:    deps.Observer,
		Logger:      base,
	})
	return s
}

func (s *CallSession) CallID() string  { return s.callID }
func (s *CallSession) TraceID() string { return s.traceID }

// TransportOpen reports whether the caller leg is still usable.
func (s *CallSession) TransportOpen() bool { return s.transport.IsOpen() }

// Done is closed once the session reached Closed.
func (s *CallSession) Done() <-chan struct{} { return s.done }

func (s *CallSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnAudio hands one inbound caller frame to the session.
func (s *CallSession) OnAudio(frame frames.AudioFrame) {
	s.post(event{kind: evAudio, frame: frame})
}

// OnTransportClosed reports that the caller leg ended.
func (s *CallSession) OnTransportClosed() {
	s.post(event{kind: evTransportClosed})
}

// Shutdown forces the session into Closing without waiting for teardown.
func (s *CallSession) Shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case s.events <- event{kind: evShutdown}:
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *CallSession) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		CallID:         s.callID,
		TraceID:        s.traceID,
		State:          s.state.String(),
		CreatedAt:      s.metrics.CreatedAt,
		LastActivityAt: s.metrics.LastActivityAt,
		Turns:          s.metrics.Turns,
		FallbackTurns:  s.metrics.FallbackTurns,
		SpeakingMs:     s.metrics.SpeakingTime.Milliseconds(),
		SilenceMs:      s.metrics.SilenceTime.Milliseconds(),
		AvgResponseMs:  s.metrics.avgResponse().Milliseconds(),
		CloseReason:    s.closeReason,
		Transcript:     append([]TranscriptEntry(nil), s.transcript...),
	}
}

func (s *CallSession) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *CallSession) run() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for s.State() != StateClosed {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-ticker.C:
			s.keepalive()
		case <-s.ctx.Done():
			s.close(InputShutdown, "context_canceled", nil)
		}
	}
}

func (s *CallSession) handle(ev event) {
	if st := s.State(); st == StateClosing || st == StateClosed {
		return
	}
	switch ev.kind {
	case evAudio:
		s.onAudio(ev.frame)
	case evFragment:
		s.onFragment(ev.fragment)
	case evLinkOpened:
		s.onLinkOpened(ev.reconnect)
	case evLinkFailed:
		s.close(InputLinkFailed, "link_failed", ev.err)
	case evLinkDropped:
		s.onLinkDropped(ev.err)
	case evReplyDone:
		s.onReplyDone(ev.outcome)
	case evTransportClosed:
		s.close(InputTransportClosed, "transport_closed", nil)
	case evShutdown:
		s.close(InputShutdown, "shutdown", nil)
	}
}

func (s *CallSession) onAudio(frame frames.AudioFrame) {
	s.mu.Lock()
	s.metrics.touch(s.now())
	s.mu.Unlock()
	if err := s.link.Send(frame); err != nil {
		s.logger.Debug("session_audio_forward_failed", slog.String("error", err.Error()))
	}
	if dropped := s.link.DroppedFrames(); dropped > s.reportedDrops {
		s.record(metrics.EventIngressDropped, float64(dropped-s.reportedDrops), nil)
		s.reportedDrops = dropped
	}
}

func (s *CallSession) onFragment(f frames.TranscriptFragment) {
	now := s.now()
	accepted := s.seg.Accepts(f)
	s.mu.Lock()
	s.metrics.touch(now)
	if accepted {
		s.metrics.fragment(now)
	}
	s.mu.Unlock()

	u, ok := s.seg.Push(f)
	if !ok {
		return
	}
	s.mu.Lock()
	s.metrics.utterance(now)
	s.mu.Unlock()
	s.logger.Info("session_utterance",
		slog.String("text", redact.Text(u.Text)),
		slog.String("end_reason", string(u.Reason)),
		slog.Int("fragments", u.Fragments))
	s.enqueue(job{text: u.Text, at: now})
	s.startNext()
}

func (s *CallSession) enqueue(j job) {
	if len(s.queue) >= s.cfg.MaxQueuedUtterances {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.logger.Warn("session_utterance_dropped",
			slog.String("text", redact.Text(dropped.text)),
			slog.Int("queue_limit", s.cfg.MaxQueuedUtterances))
	}
	s.queue = append(s.queue, j)
}

func (s *CallSession) onLinkOpened(reconnect bool) {
	from := s.State()
	if err := s.transition(InputLinkOpened); err != nil {
		s.logger.Warn("session_transition_rejected", slog.String("error", err.Error()))
		return
	}
	if reconnect {
		s.logger.Info("session_link_reconnected")
		s.record(metrics.EventLinkReconnect, 1, nil)
	}
	if from != StateInitializing {
		return
	}
	s.mu.Lock()
	s.metrics.listening(s.now())
	s.mu.Unlock()
	if g := strings.TrimSpace(s.cfg.Greeting); g != "" && !s.greeted {
		s.greeted = true
		s.queue = append([]job{{text: g, greeting: true}}, s.queue...)
	}
	s.startNext()
}

// onLinkDropped allows one reconnect per unexpected close; a failed attempt
// arrives as evLinkFailed and closes the session.
func (s *CallSession) onLinkDropped(err error) {
	st := s.State()
	if st != StateListening && st != StateResponding {
		return
	}
	s.logger.Warn("session_link_dropped",
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", errString(err)))
	if !s.link.Reconnect() {
		s.close(InputLinkFailed, "link_failed", errorsx.Mark(err, errorsx.ErrConnectionFailed))
	}
}

func (s *CallSession) startNext() {
	if s.inflight != nil || len(s.queue) == 0 || s.State() != StateListening {
		return
	}
	j := s.queue[0]
	s.queue = s.queue[1:]
	if err := s.transition(InputReplyStarted); err != nil {
		s.logger.Warn("session_transition_rejected", slog.String("error", err.Error()))
		return
	}
	if j.greeting {
		s.pipeline.History().AppendAssistant(j.text)
	}

	rctx, cancel := context.WithCancel(s.ctx)
	r := &inflightReply{cancel: cancel, finished: make(chan struct{})}
	s.inflight = r
	go func() {
		var res reply.Result
		if j.greeting {
			res = reply.Result{
				Reply:    frames.GenerationResult{Text: j.text},
				Admitted: true,
				Speech:   s.pipeline.Speak(rctx, j.text),
			}
		} else {
			res = s.pipeline.Run(rctx, j.text)
		}
		close(r.finished)
		s.post(event{kind: evReplyDone, outcome: outcome{job: j, result: res}})
	}()
}

func (s *CallSession) onReplyDone(o outcome) {
	if s.inflight != nil {
		s.inflight.cancel()
		s.inflight = nil
	}
	now := s.now()
	res := o.result
	fallback := res.Reply.Fallback || res.Speech.Fallback
	var response time.Duration
	if !o.job.at.IsZero() && !res.Speech.Stats.FirstAudioAt.IsZero() {
		response = res.Speech.Stats.FirstAudioAt.Sub(o.job.at)
	}

	s.mu.Lock()
	if !o.job.greeting {
		s.transcript = append(s.transcript, TranscriptEntry{Role: llm.RoleUser, Text: o.job.text, At: o.job.at})
		s.metrics.turn(fallback, response)
	}
	s.transcript = append(s.transcript, TranscriptEntry{Role: llm.RoleAssistant, Text: res.Speech.Text, Fallback: fallback, At: now})
	s.metrics.listening(now)
	s.mu.Unlock()

	if !o.job.greeting {
		s.record(metrics.EventTurnCompleted, float64(response.Milliseconds()), map[string]string{
			"fallback": boolTag(fallback),
		})
	}
	if errors.Is(res.Speech.Err, errorsx.ErrTransportClosed) {
		s.close(InputTransportClosed, "transport_closed", nil)
		return
	}
	if err := s.transition(InputReplyDone); err != nil {
		s.logger.Warn("session_transition_rejected", slog.String("error", err.Error()))
		return
	}
	s.startNext()
}

func (s *CallSession) keepalive() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.PingTimeout)
	err := s.transport.Ping(ctx)
	cancel()
	if err == nil && s.transport.IsOpen() {
		return
	}
	if err == nil {
		err = errorsx.ErrTransportClosed
	}
	err = errorsx.Wrap(err, errorsx.ReasonKeepaliveFailed)
	s.logger.Warn("session_keepalive_failed",
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	s.close(InputKeepaliveFailed, "keepalive_failed", err)
}

// close runs teardown on the session goroutine. Every wait is bounded by
// the teardown timeout.
func (s *CallSession) close(in Input, reason string, cause error) {
	if err := s.transition(in); err != nil {
		return
	}
	s.mu.Lock()
	s.closeReason = reason
	s.mu.Unlock()
	if cause != nil {
		s.logger.Error("session_closing",
			slog.String("reason", reason),
			slog.String("reason_code", string(errorsx.Reason(cause))),
			slog.String("error", cause.Error()))
	} else {
		s.logger.Info("session_closing", slog.String("reason", reason))
	}

	if s.inflight != nil {
		s.inflight.cancel()
	}
	if err := s.link.Close(); err != nil {
		s.logger.Debug("session_link_close_failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.TeardownTimeout)
	defer cancel()
	if s.inflight != nil {
		select {
		case <-s.inflight.finished:
		case <-ctx.Done():
			s.logger.Warn("session_teardown_timeout", slog.String("waiting_for", "reply"))
		}
		s.inflight = nil
	}
	s.queue = nil
	s.seg.Reset()
	s.pipeline.Wait(ctx)
	s.flush(ctx, reason)

	if cause != nil && errorsx.Fatal(cause) && s.deps.Control != nil {
		if err := s.deps.Control.Hangup(ctx, s.callID); err != nil {
			s.logger.Warn("session_hangup_failed", slog.String("error", err.Error()))
		}
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Debug("session_transport_close_failed", slog.String("error", err.Error()))
	}
	if s.deps.Registry != nil {
		s.deps.Registry.release(s.callID, s)
	}
	s.cancel()
	_ = s.transition(InputTeardownDone)
	close(s.done)
	s.logger.Info("session_closed", slog.String("reason", reason))
}

// flush writes the call summary. It runs at most once per session.
func (s *CallSession) flush(ctx context.Context, reason string) {
	s.flushOnce.Do(func() {
		now := s.now()
		s.mu.RLock()
		summary := s.metrics.summary(s.callID, s.traceID, reason, now)
		s.mu.RUnlock()

		if err := store.OrNoop(s.deps.Store).SaveSummary(ctx, summary); err != nil {
			err = errorsx.Mark(errorsx.Wrap(err, errorsx.ReasonStoreWrite), errorsx.ErrPersistenceFailed)
			s.logger.Warn("session_summary_persist_failed",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventSessionClosed,
			Time:  now,
			Value: float64(now.Sub(summary.StartedAt).Milliseconds()),
			Tags:  map[string]string{"call_id": s.callID, "reason": reason},
			Fields: map[string]any{
				"turns":          summary.Turns,
				"fallback_turns": summary.FallbackTurns,
				"speaking_ms":    summary.SpeakingMs,
				"silence_ms":     summary.SilenceMs,
			},
		})
	})
}

func (s *CallSession) transition(in Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, err := Transition(s.state, in)
	if err != nil {
		return err
	}
	from := s.state
	s.state = to
	s.logger.Debug("session_state_changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("input", in.String()))
	return nil
}

func (s *CallSession) record(name string, value float64, tags map[string]string) {
	if tags == nil {
		tags = map[string]string{}
	}
	tags["call_id"] = s.callID
	s.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: s.now(), Value: value, Tags: tags})
}

type linkEvents struct{ s *CallSession }

func (l linkEvents) LinkOpened(reconnect bool) {
	l.s.post(event{kind: evLinkOpened, reconnect: reconnect})
}

func (l linkEvents) LinkFailed(err error) { l.s.post(event{kind: evLinkFailed, err: err}) }

func (l linkEvents) LinkDropped(err error) { l.s.post(event{kind: evLinkDropped, err: err}) }

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
