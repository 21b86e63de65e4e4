// Package frames holds the typed values that cross the boundary between the
// call orchestrator and its external services. Provider adapters parse wire
// payloads into these types; nothing past the adapter sees raw vendor JSON.
package frames

import (
	"errors"
	"strings"
	"time"
)

type Kind string

const (
	KindAudio      Kind = "audio"
	KindTranscript Kind = "transcript"
	KindGeneration Kind = "generation"
	KindSynthesis  Kind = "synthesis"
)

// Frame is implemented by every boundary value.
type Frame interface {
	Kind() Kind
}

// AudioFrame is one inbound chunk of caller audio.
type AudioFrame struct {
	Seq        uint64
	Data       []byte
	ReceivedAt time.Time
}

func NewAudioFrame(seq uint64, data []byte, at time.Time) AudioFrame {
	return AudioFrame{Seq: seq, Data: append([]byte(nil), data...), ReceivedAt: at}
}

func (AudioFrame) Kind() Kind { return KindAudio }

// TranscriptFragment is one partial or final result from the transcription
// service. Confidence is only meaningful when HasConfidence is set.
type TranscriptFragment struct {
	Text          string
	IsFinal       bool
	Confidence    float64
	HasConfidence bool
	Speaker       string
	At            time.Time
}

func (TranscriptFragment) Kind() Kind { return KindTranscript }

var (
	errEmptyFragment       = errors.New("frames: empty transcript")
	errConfidenceRange     = errors.New("frames: confidence out of range")
	errMissingFragmentTime = errors.New("frames: fragment time missing")
)

// Validate rejects fragments an adapter should never emit.
func (f TranscriptFragment) Validate() error {
	if strings.TrimSpace(f.Text) == "" {
		return errEmptyFragment
	}
	if f.HasConfidence && (f.Confidence < 0 || f.Confidence > 1) {
		return errConfidenceRange
	}
	if f.At.IsZero() {
		return errMissingFragmentTime
	}
	return nil
}

// NewFragment builds a fragment; a nil confidence means the service did not
// report one.
func NewFragment(text string, isFinal bool, confidence *float64, at time.Time) TranscriptFragment {
	f := TranscriptFragment{Text: text, IsFinal: isFinal, At: at}
	if confidence != nil {
		f.Confidence = *confidence
		f.HasConfidence = true
	}
	return f
}

// GenerationResult is the reply chosen for one utterance, either generated or
// taken from a fallback pool.
type GenerationResult struct {
	Text     string
	Fallback bool
	// Reason is the reason code string of the failure that caused a fallback.
	Reason  string
	Latency time.Duration
}

func (GenerationResult) Kind() Kind { return KindGeneration }

// SynthesisChunk is a piece of synthesized audio. A whole-buffer synthesis is
// a single chunk with Final set.
type SynthesisChunk struct {
	Audio []byte
	Final bool
}

func (SynthesisChunk) Kind() Kind { return KindSynthesis }
