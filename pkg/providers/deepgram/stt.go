// Package deepgram adapts the Deepgram live transcription websocket to
// stt.StreamingSTT.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/callturn/pkg/adapters/stt"
	"github.com/harunnryd/callturn/pkg/configutil"
	"github.com/harunnryd/callturn/pkg/frames"
	"github.com/harunnryd/callturn/pkg/logging"
)

var (
	errNotStarted   = errors.New("deepgram: not started")
	errRemoteClosed = errors.New("deepgram: connection closed by server")
)

// Settings is the vendors.stt.settings block.
type Settings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Channels       int    `mapstructure:"channels"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

var SettingsSchema = configutil.Schema{
	Required: []string{"api_key", "model"},
	Optional: []string{"language", "sample_rate", "encoding", "channels", "interim", "utterance_end_ms"},
}

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Channels       int
	Interim        bool
	UtteranceEndMS int
	CallID         string
	TraceID        string
	Logger         *slog.Logger
}

// ConfigFromSettings decodes and validates a settings block. Audio fields
// left unset take the call's audio format.
func ConfigFromSettings(raw map[string]any, audio stt.Config) (Config, error) {
	var s Settings
	if err := configutil.DecodeSettings(raw, SettingsSchema, &s); err != nil {
		return Config{}, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.stt.settings.api_key"); err != nil {
		return Config{}, err
	}
	if s.SampleRate == 0 {
		s.SampleRate = audio.SampleRate
	}
	if s.Encoding == "" {
		s.Encoding = audio.Encoding
	}
	if s.Channels == 0 {
		s.Channels = audio.Channels
	}
	if s.Language == "" {
		s.Language = audio.Language
	}
	switch s.Encoding {
	case "mulaw", "linear16", "":
	default:
		return Config{}, fmt.Errorf("vendors.stt.settings.encoding must be one of [linear16, mulaw], got %s", s.Encoding)
	}
	if s.UtteranceEndMS < 0 || s.UtteranceEndMS > 5000 {
		return Config{}, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", s.UtteranceEndMS)
	}
	return Config{
		APIKey:         s.APIKey,
		Model:          s.Model,
		Language:       s.Language,
		SampleRate:     s.SampleRate,
		Encoding:       s.Encoding,
		Channels:       s.Channels,
		Interim:        configutil.BoolValue(s.Interim, false),
		UtteranceEndMS: s.UtteranceEndMS,
	}, nil
}

// StreamingSTT is one live connection. Audio is written into a pipe that the
// SDK streams to the server; results arrive through the SDK callback.
type StreamingSTT struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	cancel     context.CancelFunc

	out        chan frames.TranscriptFragment
	emitWait   time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	dropped    atomic.Int64
	mu         sync.Mutex
	finished   bool
	closing    bool
	err        error
	metaLogged bool
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	logger := logging.NewComponentLogger(cfg.Logger, "deepgram_stt")
	if cfg.CallID != "" {
		logger = logging.ForCall(logger, cfg.CallID, cfg.TraceID)
	}
	return &StreamingSTT{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		out:      make(chan frames.TranscriptFragment, 256),
		emitWait: 2 * time.Second,
		stop:     make(chan struct{}),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// The connection outlives the connect attempt's context.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       s.cfg.Channels,
		InterimResults: s.cfg.Interim,
		Punctuate:      true,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(s.cfg.UtteranceEndMS)
	}

	dgClient, err := client.NewWSUsingCallback(sctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		cancel()
		return fmt.Errorf("deepgram: create client: %w", err)
	}
	s.dgClient = dgClient

	connected := make(chan bool, 1)
	go func() { connected <- dgClient.Connect() }()
	select {
	case ok := <-connected:
		if !ok {
			cancel()
			return errors.New("deepgram: connection failed")
		}
	case <-ctx.Done():
		cancel()
		dgClient.Stop()
		return ctx.Err()
	}

	s.logger.Info("deepgram_connected",
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate),
		slog.String("encoding", s.cfg.Encoding))

	go func() {
		if err := dgClient.Stream(s.pipeReader); err != nil && sctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.finish(fmt.Errorf("deepgram: stream: %w", err))
		}
	}()
	return nil
}

// Close stops the connection. Results closes with a nil Err.
func (s *StreamingSTT) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	s.finish(nil)
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return errNotStarted
	}
	if _, err := s.pipeWriter.Write(frame.Data); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.TranscriptFragment { return s.out }

func (s *StreamingSTT) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *StreamingSTT) emit(f frames.TranscriptFragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.out <- f:
		return
	default:
	}
	// The reader is behind. Wait a bounded time so a slow consumer does not
	// lose speech, then count the fragment as dropped.
	timer := time.NewTimer(s.emitWait)
	defer timer.Stop()
	select {
	case s.out <- f:
	case <-s.stop:
	case <-timer.C:
		n := s.dropped.Add(1)
		s.logger.Error("deepgram_fragment_dropped",
			slog.Bool("is_final", f.IsFinal),
			slog.Int64("dropped_total", n))
	}
}

// Dropped counts fragments lost because Results was not drained in time.
func (s *StreamingSTT) Dropped() int64 { return s.dropped.Load() }

// finish closes Results once; only the first cause is kept, and none after
// a local Close.
func (s *StreamingSTT) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if !s.closing {
		s.err = err
	}
	close(s.out)
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	confidence := alt.Confidence
	f := frames.NewFragment(alt.Transcript, isFinal, &confidence, c.parent.now())
	if len(alt.Words) > 0 {
		f.Speaker = speakerLabel(alt.Words[0].Speaker)
	}
	c.parent.emit(f)
	return nil
}

// speakerLabel accepts the SDK's speaker field whether it is a plain or an
// optional integer.
func speakerLabel(v any) string {
	switch s := v.(type) {
	case int:
		return strconv.Itoa(s)
	case *int:
		if s != nil {
			return strconv.Itoa(*s)
		}
	}
	return ""
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.finish(errRemoteClosed)
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.finish(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
