package reply

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callturn/pkg/adapters/tts"
	"github.com/harunnryd/callturn/pkg/errorsx"
	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/llm"
	"github.com/harunnryd/callturn/pkg/metrics"
	"github.com/harunnryd/callturn/pkg/resilience"
	"github.com/harunnryd/callturn/pkg/store"
)

type fakeOutbound struct {
	mu      sync.Mutex
	sent    [][]byte
	clears  int
	closed  bool
	sendErr error
}

func (o *fakeOutbound) Send(_ context.Context, audio []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errorsx.ErrTransportClosed
	}
	if o.sendErr != nil {
		return o.sendErr
	}
	o.sent = append(o.sent, append([]byte(nil), audio...))
	return nil
}

func (o *fakeOutbound) Clear(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clears++
	o.sent = nil
	return nil
}

func (o *fakeOutbound) IsOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed
}

func (o *fakeOutbound) audio() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return bytes.Join(o.sent, nil)
}

type stubGenerator struct {
	calls int
	text  string
	err   error
}

func (g *stubGenerator) Name() string { return "stub_llm" }

func (g *stubGenerator) Generate(context.Context, []llm.Message) (llm.Response, error) {
	g.calls++
	if g.err != nil {
		return llm.Response{}, g.err
	}
	return llm.Response{Text: g.text}, nil
}

// scriptedSynth answers each Synthesize call from a script; calls past the
// end succeed with the text as audio.
type scriptedSynth struct {
	mu     sync.Mutex
	script []func(text string) (tts.Stream, error)
	texts  []string
}

func (s *scriptedSynth) Name() string { return "stub_tts" }

func (s *scriptedSynth) Synthesize(_ context.Context, text string) (tts.Stream, error) {
	s.mu.Lock()
	n := len(s.texts)
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if n < len(s.script) && s.script[n] != nil {
		return s.script[n](text)
	}
	return tts.WholeStream([]byte(text)), nil
}

func (s *scriptedSynth) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func failSynth(string) (tts.Stream, error) { return nil, errors.New("synth unavailable") }

// brokenStream yields one chunk and then fails.
type brokenStream struct{ sent bool }

func (b *brokenStream) Next(context.Context) (frames.SynthesisChunk, error) {
	if b.sent {
		return frames.SynthesisChunk{}, errors.New("stream reset")
	}
	b.sent = true
	return frames.SynthesisChunk{Audio: []byte("partial-audio")}, nil
}

func (b *brokenStream) Close() error { return nil }

type denyAll struct{}

func (denyAll) Allow() bool { return false }

func newTestPipeline(gen llm.Generator, synth tts.Synthesizer, out *fakeOutbound, deps Deps) *Pipeline {
	deps.Generator = gen
	deps.Synthesizer = synth
	deps.Sender = NewSender(out, 4, nil)
	if deps.History == nil {
		deps.History = NewHistory("You are a helpful receptionist.", 9)
	}
	return New(Config{CallID: "CA123", SynthesisBackoff: time.Millisecond}, deps)
}

func TestRunHappyPath(t *testing.T) {
	gen := &stubGenerator{text: "Sure, booked for noon."}
	synth := &scriptedSynth{}
	out := &fakeOutbound{}
	mem := store.NewMemory()
	p := newTestPipeline(gen, synth, out, Deps{Limiter: resilience.NewSlidingWindow(5, time.Minute), Store: mem})

	res := p.Run(context.Background(), "book me for noon")
	if !res.Admitted || res.Reply.Fallback {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Speech.Err != nil {
		t.Fatalf("speech error: %v", res.Speech.Err)
	}
	if string(out.audio()) != "Sure, booked for noon." {
		t.Fatalf("audio = %q", out.audio())
	}
	msgs := p.History().Messages()
	if len(msgs) != 3 || msgs[1].Role != llm.RoleUser || msgs[2].Content != "Sure, booked for noon." {
		t.Fatalf("history = %+v", msgs)
	}
	p.Wait(context.Background())
	if turns := mem.Turns("CA123"); len(turns) != 1 || turns[0].Seq != 1 {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestRateLimitedSkipsGeneration(t *testing.T) {
	gen := &stubGenerator{text: "never"}
	synth := &scriptedSynth{}
	out := &fakeOutbound{}
	mem := metrics.NewMemoryObserver()
	p := newTestPipeline(gen, synth, out, Deps{Limiter: denyAll{}, Observer: mem})

	res := p.Run(context.Background(), "hello")
	if res.Admitted || gen.calls != 0 {
		t.Fatalf("generator must not run when rejected, calls=%d", gen.calls)
	}
	if res.Reply.Text != defaultRateLimitedLine || !res.Reply.Fallback {
		t.Fatalf("reply = %+v", res.Reply)
	}
	if string(out.audio()) != defaultRateLimitedLine {
		t.Fatalf("rate limited line must still be spoken")
	}
	if p.History().Len() != 0 {
		t.Fatalf("rejected turn must not enter history")
	}
	if len(mem.Named(metrics.EventAdmissionDeny)) != 1 {
		t.Fatalf("expected admission event")
	}
}

func TestSharedLimiterAdmitsOnlyBudget(t *testing.T) {
	limiter := resilience.NewSlidingWindow(2, time.Minute)
	gen := &stubGenerator{text: "ok"}
	p := newTestPipeline(gen, &scriptedSynth{}, &fakeOutbound{}, Deps{Limiter: limiter})
	for i := 0; i < 4; i++ {
		p.Run(context.Background(), "hi")
	}
	if gen.calls != 2 {
		t.Fatalf("expected 2 generations, got %d", gen.calls)
	}
}

func TestQuotaErrorUsesFallbackPool(t *testing.T) {
	gen := &stubGenerator{err: resilience.RateLimitError{Provider: "openai", Message: "insufficient_quota"}}
	synth := &scriptedSynth{}
	out := &fakeOutbound{}
	pool := NewFallbackPool([]string{"Could you repeat that?", "One moment please."})
	p := newTestPipeline(gen, synth, out, Deps{Fallbacks: pool})

	res := p.Run(context.Background(), "what are your hours")
	if !res.Reply.Fallback || res.Reply.Reason != string(errorsx.ReasonLLMRateLimit) {
		t.Fatalf("reply = %+v", res.Reply)
	}
	found := false
	for _, l := range pool.Lines() {
		if l == res.Reply.Text {
			found = true
		}
	}
	if !found {
		t.Fatalf("fallback %q not from pool", res.Reply.Text)
	}
	if got := synth.calls(); len(got) != 1 || got[0] != res.Reply.Text {
		t.Fatalf("fallback must be synthesized normally, got %v", got)
	}
	msgs := p.History().Messages()
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleAssistant || last.Content != res.Reply.Text {
		t.Fatalf("history must record the fallback reply, got %+v", last)
	}
}

func TestAuthAndTimeoutClassified(t *testing.T) {
	gen := &stubGenerator{err: resilience.AuthError{Provider: "openai", Status: 401}}
	p := newTestPipeline(gen, &scriptedSynth{}, &fakeOutbound{}, Deps{})
	if res := p.Run(context.Background(), "hi"); res.Reply.Reason != string(errorsx.ReasonLLMAuth) {
		t.Fatalf("reason = %s", res.Reply.Reason)
	}
	gen.err = context.DeadlineExceeded
	if res := p.Run(context.Background(), "hi"); res.Reply.Reason != string(errorsx.ReasonLLMTimeout) {
		t.Fatalf("reason = %s", res.Reply.Reason)
	}
}

func TestSynthesisRetrySendsOneStream(t *testing.T) {
	synth := &scriptedSynth{script: []func(string) (tts.Stream, error){
		failSynth,
		func(string) (tts.Stream, error) { return &brokenStream{}, nil },
	}}
	out := &fakeOutbound{}
	p := newTestPipeline(&stubGenerator{text: "Your table is ready."}, synth, out, Deps{})

	res := p.Run(context.Background(), "is my table ready")
	if res.Speech.Err != nil || res.Speech.Fallback {
		t.Fatalf("speech = %+v", res.Speech)
	}
	if len(synth.calls()) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(synth.calls()))
	}
	if string(out.audio()) != "Your table is ready." {
		t.Fatalf("caller heard %q", out.audio())
	}
	if out.clears != 1 {
		t.Fatalf("partial playback must be cleared once, got %d", out.clears)
	}
}

func TestSynthesisExhaustionSpeaksFallbackOnce(t *testing.T) {
	synth := &scriptedSynth{script: []func(string) (tts.Stream, error){failSynth, failSynth, failSynth, failSynth, failSynth}}
	out := &fakeOutbound{}
	mem := metrics.NewMemoryObserver()
	p := newTestPipeline(&stubGenerator{text: "hello"}, synth, out, Deps{Observer: mem})

	res := p.Run(context.Background(), "hi")
	calls := synth.calls()
	if len(calls) != 4 {
		t.Fatalf("expected 3 attempts plus one fallback, got %v", calls)
	}
	if calls[3] != defaultSynthesisLine {
		t.Fatalf("fallback line not used: %v", calls)
	}
	if !res.Speech.Fallback || !errors.Is(res.Speech.Err, errorsx.ErrSynthesisFailed) {
		t.Fatalf("speech = %+v", res.Speech)
	}
	if errorsx.Fatal(res.Speech.Err) {
		t.Fatalf("synthesis failure must not be fatal")
	}
	if len(mem.Named(metrics.EventSynthFallback)) != 1 {
		t.Fatalf("expected one fallback event")
	}
}

func TestTransportClosedStopsRetries(t *testing.T) {
	synth := &scriptedSynth{}
	out := &fakeOutbound{closed: true}
	p := newTestPipeline(&stubGenerator{text: "hello"}, synth, out, Deps{})

	res := p.Run(context.Background(), "hi")
	if !errors.Is(res.Speech.Err, errorsx.ErrTransportClosed) {
		t.Fatalf("expected transport closed, got %v", res.Speech.Err)
	}
	if len(synth.calls()) != 1 || res.Speech.Fallback {
		t.Fatalf("closed transport must not be retried, calls=%v", synth.calls())
	}
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	mem := store.NewMemory()
	mem.Err = errors.New("throttled")
	out := &fakeOutbound{}
	p := newTestPipeline(&stubGenerator{text: "fine"}, &scriptedSynth{}, out, Deps{Store: mem})

	res := p.Run(context.Background(), "hi")
	p.Wait(context.Background())
	if res.Speech.Err != nil || string(out.audio()) != "fine" {
		t.Fatalf("call flow must continue, got %+v", res.Speech)
	}
}

func TestHistoryKeepsSystemAndRecentEntries(t *testing.T) {
	h := NewHistory("system", 9)
	for i := 0; i < 12; i++ {
		h.AppendUser(string(rune('a' + i)))
	}
	msgs := h.Messages()
	if len(msgs) != 10 || msgs[0].Role != llm.RoleSystem {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[1].Content != "d" || msgs[9].Content != "l" {
		t.Fatalf("expected the 9 most recent entries, got %+v", msgs)
	}
}

func TestSenderChecksOpenAtFrameBoundary(t *testing.T) {
	out := &closingOutbound{fakeOutbound: &fakeOutbound{}, closeAfter: 2}
	s := NewSender(out, 2, nil)
	stats, err := s.Play(context.Background(), tts.WholeStream([]byte("abcdefgh")))
	if !errors.Is(err, errorsx.ErrTransportClosed) {
		t.Fatalf("expected transport closed, got %v", err)
	}
	if stats.Frames != 2 {
		t.Fatalf("expected 2 frames before close, got %d", stats.Frames)
	}
}

func TestSenderHandlesIncrementalStream(t *testing.T) {
	stream := tts.NewChanStream(4, nil)
	go func() {
		_ = stream.Push(context.Background(), frames.SynthesisChunk{Audio: []byte("abc")})
		_ = stream.Push(context.Background(), frames.SynthesisChunk{Audio: []byte("def")})
		stream.Finish(nil)
	}()
	out := &fakeOutbound{}
	stats, err := NewSender(out, 2, nil).Play(context.Background(), stream)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if string(out.audio()) != "abcdef" || stats.Frames != 4 {
		t.Fatalf("audio=%q frames=%d", out.audio(), stats.Frames)
	}
}

type closingOutbound struct {
	*fakeOutbound
	closeAfter int
	sends      int
}

func (c *closingOutbound) Send(ctx context.Context, audio []byte) error {
	if err := c.fakeOutbound.Send(ctx, audio); err != nil {
		return err
	}
	c.sends++
	if c.sends == c.closeAfter {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}
	return nil
}

func TestFirstSeqContinuesTurnNumbers(t *testing.T) {
	mem := store.NewMemory()
	p := New(Config{CallID: "CA123", SynthesisBackoff: time.Millisecond, FirstSeq: 4}, Deps{
		Generator:   &stubGenerator{text: "Noon works."},
		Synthesizer: &scriptedSynth{},
		Sender:      NewSender(&fakeOutbound{}, 4, nil),
		Store:       mem,
	})
	p.Run(context.Background(), "what about noon")
	p.Wait(context.Background())
	if turns := mem.Turns("CA123"); len(turns) != 1 || turns[0].Seq != 5 {
		t.Fatalf("expected turn 5, got %+v", turns)
	}
}
