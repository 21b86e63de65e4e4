// Package segmenter decides where a caller's turn ends from a stream of
// transcript fragments.
package segmenter

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/callturn/pkg/frames"
)

type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndPunctuation EndReason = "punctuation"
	EndPhrase      EndReason = "closing_phrase"
)

type Config struct {
	SilenceThreshold time.Duration
	// MinConfidence applies only to fragments that carry a confidence.
	MinConfidence  float64
	MinChars       int
	MinWords       int
	FillerWords    []string
	ClosingPhrases []string
	Expansions     map[string]string
}

func (c Config) withDefaults() Config {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 1500 * time.Millisecond
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.7
	}
	if c.MinChars <= 0 {
		c.MinChars = 2
	}
	if c.MinWords < 0 {
		c.MinWords = 0
	}
	if len(c.ClosingPhrases) == 0 {
		c.ClosingPhrases = defaultClosingPhrases
	}
	return c
}

// Utterance is a finished caller turn.
type Utterance struct {
	Text      string
	At        time.Time
	Reason    EndReason
	Fragments int
}

// Segmenter accumulates fragments for the in-progress turn. It has a single
// owner and is not safe for concurrent use.
type Segmenter struct {
	cfg            Config
	norm           *Normalizer
	pending        []string
	fragments      int
	lastFragmentAt time.Time
}

func New(cfg Config) *Segmenter {
	cfg = cfg.withDefaults()
	return &Segmenter{cfg: cfg, norm: NewNormalizer(cfg.Expansions, cfg.FillerWords)}
}

// Push consumes one fragment and returns an utterance when the turn ended
// and the text passed the quality gate.
func (s *Segmenter) Push(frag frames.TranscriptFragment) (Utterance, bool) {
	if !s.Accepts(frag) {
		return Utterance{}, false
	}

	prev := s.lastFragmentAt
	s.lastFragmentAt = frag.At
	if cleaned := s.norm.Clean(frag.Text); cleaned != "" {
		s.pending = append(s.pending, cleaned)
		s.fragments++
	}

	if !frag.IsFinal {
		return Utterance{}, false
	}
	reason, ended := s.endOfTurn(frag, prev)
	if !ended {
		return Utterance{}, false
	}

	text := s.Pending()
	count := s.fragments
	s.Reset()
	if !s.passesGate(text) {
		return Utterance{}, false
	}
	return Utterance{Text: text, At: frag.At, Reason: reason, Fragments: count}, true
}

// Accepts reports whether frag survives the filler and confidence filters.
// It does not change segmenter state.
func (s *Segmenter) Accepts(frag frames.TranscriptFragment) bool {
	if s.norm.FillerOnly(frag.Text) {
		return false
	}
	return !frag.HasConfidence || frag.Confidence >= s.cfg.MinConfidence
}

func (s *Segmenter) endOfTurn(frag frames.TranscriptFragment, prev time.Time) (EndReason, bool) {
	if !prev.IsZero() && frag.At.Sub(prev) > s.cfg.SilenceThreshold {
		return EndSilence, true
	}
	if endsWithTerminal(frag.Text) {
		return EndPunctuation, true
	}
	if endsWithPhrase(frag.Text, s.cfg.ClosingPhrases) {
		return EndPhrase, true
	}
	return "", false
}

func (s *Segmenter) passesGate(text string) bool {
	t := strings.TrimSpace(text)
	if utf8.RuneCountInString(t) < s.cfg.MinChars {
		return false
	}
	return len(strings.Fields(t)) >= s.cfg.MinWords
}

// Pending returns the accumulated text of the in-progress turn.
func (s *Segmenter) Pending() string {
	return strings.Join(s.pending, " ")
}

// Reset clears the in-progress turn.
func (s *Segmenter) Reset() {
	s.pending = nil
	s.fragments = 0
	s.lastFragmentAt = time.Time{}
}
