package reply

import (
	"math/rand"
	"strings"
)

var defaultFallbackLines = []string{
	"Sorry, I didn't quite catch that. Could you say it again?",
	"I'm having a little trouble on my end. Could you repeat that?",
	"Give me just a moment. Could you say that one more time?",
}

const (
	defaultRateLimitedLine = "We're handling a lot of calls right now. Please hold on a moment and try again."
	defaultSynthesisLine   = "Sorry, I'm having trouble speaking right now."
)

// FallbackPool picks a pre-written line when generation fails.
type FallbackPool struct {
	lines []string
	intn  func(n int) int
}

func NewFallbackPool(lines []string) *FallbackPool {
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, defaultFallbackLines...)
	}
	return &FallbackPool{lines: kept, intn: rand.Intn}
}

// Pick returns a uniformly random line.
func (p *FallbackPool) Pick() string {
	return p.lines[p.intn(len(p.lines))]
}

func (p *FallbackPool) Lines() []string {
	return append([]string(nil), p.lines...)
}
