package segmenter

import (
	"regexp"
	"sort"
	"strings"
)

var defaultExpansions = map[string]string{
	"gonna": "going to",
	"wanna": "want to",
	"gotta": "got to",
	"kinda": "kind of",
	"sorta": "sort of",
	"lemme": "let me",
	"gimme": "give me",
	"dunno": "don't know",
	"y'all": "you all",
}

var defaultFillers = []string{"um", "umm", "uh", "uhm", "uhh", "hmm", "hm", "mm", "mhm", "er", "erm", "ah"}

var defaultClosingPhrases = []string{"okay", "ok", "thank you", "thanks", "that's all", "that's it", "goodbye", "bye"}

// Normalizer cleans fragment text before it is accumulated.
type Normalizer struct {
	expansions map[string]string
	pattern    *regexp.Regexp
	fillers    map[string]struct{}
}

// NewNormalizer merges extra expansions over the built-in table. Keys are
// matched case-insensitively on word boundaries.
func NewNormalizer(extra map[string]string, fillers []string) *Normalizer {
	expansions := make(map[string]string, len(defaultExpansions)+len(extra))
	for k, v := range defaultExpansions {
		expansions[k] = v
	}
	for k, v := range extra {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		expansions[k] = v
	}
	keys := make([]string, 0, len(expansions))
	for k := range expansions {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	// Longest first so overlapping keys prefer the longer match.
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	if len(fillers) == 0 {
		fillers = defaultFillers
	}
	set := make(map[string]struct{}, len(fillers))
	for _, f := range fillers {
		set[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	return &Normalizer{
		expansions: expansions,
		pattern:    regexp.MustCompile(`(?i)\b(` + strings.Join(keys, "|") + `)\b`),
		fillers:    set,
	}
}

// FillerOnly reports whether every word of text is a disfluency.
func (n *Normalizer) FillerOnly(text string) bool {
	words := strings.Fields(text)
	if len(words) == 0 {
		return true
	}
	for _, w := range words {
		if !n.isFiller(w) {
			return false
		}
	}
	return true
}

// Clean drops filler words, expands colloquialisms and collapses whitespace.
func (n *Normalizer) Clean(text string) string {
	words := strings.Fields(text)
	kept := words[:0]
	for _, w := range words {
		if n.isFiller(w) {
			continue
		}
		kept = append(kept, w)
	}
	out := strings.Join(kept, " ")
	out = n.pattern.ReplaceAllStringFunc(out, func(m string) string {
		if v, ok := n.expansions[strings.ToLower(m)]; ok {
			return v
		}
		return m
	})
	return strings.Join(strings.Fields(out), " ")
}

func (n *Normalizer) isFiller(word string) bool {
	w := strings.ToLower(strings.Trim(word, ".,!?;:-…"))
	if w == "" {
		return true
	}
	_, ok := n.fillers[w]
	return ok
}

func endsWithTerminal(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	last := t[len(t)-1]
	return last == '.' || last == '!' || last == '?'
}

func endsWithPhrase(text string, phrases []string) bool {
	t := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".,!?;: "))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || !strings.HasSuffix(t, p) {
			continue
		}
		if len(t) == len(p) || t[len(t)-len(p)-1] == ' ' {
			return true
		}
	}
	return false
}
