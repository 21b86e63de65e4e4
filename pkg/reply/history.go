package reply

import (
	"sync"

	"github.com/harunnryd/callturn/pkg/llm"
)

// History is the bounded conversation sent to the generator: the system
// message plus the most recent entries.
type History struct {
	mu      sync.Mutex
	system  llm.Message
	entries []llm.Message
	max     int
}

func NewHistory(systemPrompt string, maxEntries int) *History {
	if maxEntries <= 0 {
		maxEntries = 9
	}
	return &History{
		system: llm.Message{Role: llm.RoleSystem, Content: systemPrompt},
		max:    maxEntries,
	}
}

func (h *History) AppendUser(text string) { h.append(llm.RoleUser, text) }

func (h *History) AppendAssistant(text string) { h.append(llm.RoleAssistant, text) }

func (h *History) append(role llm.Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, llm.Message{Role: role, Content: text})
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append(h.entries[:0], h.entries[over:]...)
	}
}

// Messages returns a copy ready for a generation request. An empty system
// prompt is omitted.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, 0, len(h.entries)+1)
	if h.system.Content != "" {
		out = append(out, h.system)
	}
	return append(out, h.entries...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
