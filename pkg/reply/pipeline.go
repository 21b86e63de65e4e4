// Package reply turns a finished caller utterance into spoken audio: admission,
// generation with fallback, then synthesis with bounded retry.
package reply

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callturn/pkg/adapters/tts"
	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/llm"
	"github.com/harunnryd/callturn/pkg/logging"
	"github.com/harunnryd/callturn/pkg/metrics"
	"github.com/harunnryd/callturn/pkg/redact"
	"github.com/harunnryd/callturn/pkg/resilience"
	"github.com/harunnryd/callturn/pkg/store"
)

// Admitter is the process-wide admission limiter.
type Admitter interface {
	Allow() bool
}

type Config struct {
	CallID                string
	GenerationTimeout     time.Duration
	SynthesisAttempts     int
	SynthesisBackoff      time.Duration
	RateLimitedLine       string
	SynthesisFallbackLine string
	PersistTimeout        time.Duration
	// FirstSeq is the last turn number already persisted for the call.
	FirstSeq int
}

func (c Config) withDefaults() Config {
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 15 * time.Second
	}
	if c.SynthesisAttempts <= 0 {
		c.SynthesisAttempts = 3
	}
	if c.SynthesisBackoff <= 0 {
		c.SynthesisBackoff = time.Second
	}
	if strings.TrimSpace(c.RateLimitedLine) == "" {
		c.RateLimitedLine = defaultRateLimitedLine
	}
	if strings.TrimSpace(c.SynthesisFallbackLine) == "" {
		c.SynthesisFallbackLine = defaultSynthesisLine
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 2 * time.Second
	}
	return c
}

type Deps struct {
	Limiter     Admitter
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Store       store.Store
	Fallbacks   *FallbackPool
	History     *History
	Sender      *Sender
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Result describes one completed turn.
type Result struct {
	Utterance string
	Reply     frames.GenerationResult
	// Admitted is false when the limiter rejected the turn.
	Admitted bool
	Speech   Speech
}

// Speech describes what was actually played.
type Speech struct {
	Text     string
	Fallback bool
	Stats    PlayStats
	Err      error
}

// Pipeline runs replies for one call. Runs must not overlap.
type Pipeline struct {
	cfg       Config
	limiter   Admitter
	gen       llm.Generator
	synth     tts.Synthesizer
	store     store.Store
	fallbacks *FallbackPool
	history   *History
	sender    *Sender
	policy    resilience.Policy
	obs       metrics.Observer
	logger    *slog.Logger
	now       func() time.Time

	seq     int
	persist sync.WaitGroup
}

func New(cfg Config, deps Deps) *Pipeline {
	cfg = cfg.withDefaults()
	if deps.Fallbacks == nil {
		deps.Fallbacks = NewFallbackPool(nil)
	}
	if deps.History == nil {
		deps.History = NewHistory("", 0)
	}
	return &Pipeline{
		cfg:       cfg,
		limiter:   deps.Limiter,
		gen:       deps.Generator,
		synth:     deps.Synthesizer,
		store:     store.OrNoop(deps.Store),
		fallbacks: deps.Fallbacks,
		history:   deps.History,
		sender:    deps.Sender,
		policy:    resilience.NewPolicy(cfg.SynthesisAttempts, cfg.SynthesisBackoff),
		obs:       metrics.OrNoop(deps.Observer),
		logger:    logging.NewComponentLogger(deps.Logger, "reply_pipeline"),
		now:       time.Now,
		seq:       cfg.FirstSeq,
	}
}

// Run handles one utterance end to end. Generation failures are absorbed
// with a fallback line; the returned Speech carries any playback failure.
func (p *Pipeline) Run(ctx context.Context, utterance string) Result {
	res := Result{Utterance: utterance}

	if p.limiter != nil && !p.limiter.Allow() {
		p.logger.Warn("reply_admission_rejected",
			slog.String("reason_code", string(errorsx.ReasonAdmission)))
		p.record(metrics.EventAdmissionDeny, 1, nil)
		res.Reply = frames.GenerationResult{Text: p.cfg.RateLimitedLine, Fallback: true, Reason: string(errorsx.ReasonAdmission)}
		res.Speech = p.Speak(ctx, res.Reply.Text)
		return res
	}
	res.Admitted = true

	p.history.AppendUser(utterance)
	res.Reply = p.generate(ctx)
	p.history.AppendAssistant(res.Reply.Text)
	p.persistTurn(ctx, utterance, res.Reply)

	res.Speech = p.Speak(ctx, res.Reply.Text)
	return res
}

func (p *Pipeline) generate(ctx context.Context) frames.GenerationResult {
	start := p.now()
	gctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()

	resp, err := p.gen.Generate(gctx, p.history.Messages())
	latency := p.now().Sub(start)
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = errorsx.New(errorsx.ReasonLLMGenerate, "empty reply")
	}
	if err == nil {
		return frames.GenerationResult{Text: strings.TrimSpace(resp.Text), Latency: latency}
	}

	err = errorsx.Mark(classifyGeneration(gctx, err), errorsx.ErrGenerationFailed)
	line := p.fallbacks.Pick()
	p.logger.Warn("reply_generation_fallback",
		slog.String("provider", p.gen.Name()),
		slog.Int64("latency_ms", latency.Milliseconds()),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	return frames.GenerationResult{Text: line, Fallback: true, Reason: string(errorsx.Reason(err)), Latency: latency}
}

func classifyGeneration(ctx context.Context, err error) error {
	switch {
	case errorsx.Reason(err) != errorsx.ReasonUnknown:
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errorsx.Wrap(err, errorsx.ReasonLLMTimeout)
	case resilience.IsRateLimit(err):
		return errorsx.Wrap(err, errorsx.ReasonLLMRateLimit)
	case resilience.IsAuth(err):
		return errorsx.Wrap(err, errorsx.ReasonLLMAuth)
	default:
		return errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
}

// persistTurn writes in the background so storage latency never delays
// speech. Wait blocks until every write finished.
func (p *Pipeline) persistTurn(ctx context.Context, utterance string, reply frames.GenerationResult) {
	p.seq++
	turn := store.Turn{
		CallID:    p.cfg.CallID,
		Seq:       p.seq,
		User:      utterance,
		Assistant: reply.Text,
		Fallback:  reply.Fallback,
		Reason:    reply.Reason,
		LatencyMs: reply.Latency.Milliseconds(),
		At:        p.now(),
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	p.persist.Add(1)
	go func() {
		defer p.persist.Done()
		defer cancel()
		if err := p.store.SaveTurn(wctx, turn); err != nil {
			err = errorsx.Mark(errorsx.Wrap(err, errorsx.ReasonStoreWrite), errorsx.ErrPersistenceFailed)
			p.logger.Warn("reply_persist_failed",
				slog.Int("seq", turn.Seq),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until background turn writes are done or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.persist.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Speak synthesizes and plays text with bounded retry. On exhaustion one
// fallback line is attempted once; its failure is reported, not retried.
func (p *Pipeline) Speak(ctx context.Context, text string) Speech {
	speech := Speech{Text: text}
	attempt := func(ctx context.Context, n int) error {
		stats, err := p.play(ctx, text)
		speech.Stats = stats
		if err == nil {
			return nil
		}
		p.logger.Warn("reply_synthesis_attempt_failed",
			slog.Int("attempt", n),
			slog.Int("max_attempts", p.policy.MaxAttempts),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		if errors.Is(err, errorsx.ErrTransportClosed) {
			return resilience.Permanent(err)
		}
		return err
	}
	fallback := func(ctx context.Context, cause error) error {
		p.record(metrics.EventSynthFallback, 1, map[string]string{"reason_code": string(errorsx.Reason(cause))})
		speech.Text = p.cfg.SynthesisFallbackLine
		stats, err := p.play(ctx, p.cfg.SynthesisFallbackLine)
		speech.Stats = stats
		return err
	}

	used, err := p.policy.DoWithFallback(ctx, attempt, fallback)
	speech.Fallback = used
	if err != nil && ctx.Err() != nil {
		speech.Err = ctx.Err()
		p.logger.Info("reply_speech_canceled", slog.Int("bytes", speech.Stats.Bytes))
		return speech
	}
	if err != nil {
		if !errors.Is(err, errorsx.ErrTransportClosed) {
			err = errorsx.Mark(errorsx.Wrap(err, errorsx.ReasonTTSExhausted), errorsx.ErrSynthesisFailed)
		}
		speech.Err = err
		p.logger.Error("reply_synthesis_failed",
			slog.Bool("fallback_used", used),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
	p.logger.Debug("reply_spoken",
		slog.String("text", redact.Text(text)),
		slog.Int("bytes", speech.Stats.Bytes),
		slog.Bool("fallback", used))
	return speech
}

func (p *Pipeline) play(ctx context.Context, text string) (PlayStats, error) {
	stream, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		if resilience.IsRateLimit(err) {
			return PlayStats{}, errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
		}
		return PlayStats{}, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	return p.sender.Play(ctx, stream)
}

// History exposes the bounded conversation.
func (p *Pipeline) History() *History { return p.history }

func (p *Pipeline) record(name string, value float64, tags map[string]string) {
	if tags == nil {
		tags = map[string]string{}
	}
	tags["call_id"] = p.cfg.CallID
	p.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: p.now(), Value: value, Tags: tags})
}
