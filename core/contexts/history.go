// Package contexts keeps everything the main model sees: the conversation
// history, the system directive stack and retrieved memories.
package contexts

import (
	"strings"
	"sync"
	"time"

	"github.com/lumina-ai/lumina-core/core/llms"
)

// Entry is one item of conversation history. The set of implementations is
// closed: UserTurn, MultiTurn, CompressedTurn and AssistantReply.
type Entry interface {
	entry()
}

// UserTurn is a single finalised user utterance.
type UserTurn struct {
	ID                string
	Text              string
	Timestamp         time.Time
	ImageDescriptions []string
	Memories          []Memory
}

func (UserTurn) entry() {}

// MultiTurn collapses several user utterances that were queued before the
// assistant got to answer.
type MultiTurn struct {
	Turns []UserTurn
}

func (MultiTurn) entry() {}

// CompressedTurn replaces an older round with its summary.
type CompressedTurn struct {
	Summary string
}

func (CompressedTurn) entry() {}

// AssistantReply is one assistant turn: the short pre-reply that bought
// time, followed by the spoken sentences.
type AssistantReply struct {
	ID          string
	PreReply    string
	Emotion     string
	Sentences   []string
	Interrupted bool
	Completed   bool
}

func (AssistantReply) entry() {}

// Text joins the pre-reply and the spoken sentences into the reply as the
// user heard it.
func (r AssistantReply) Text() string {
	parts := make([]string, 0, len(r.Sentences)+1)
	if r.PreReply != "" {
		parts = append(parts, r.PreReply)
	}
	parts = append(parts, r.Sentences...)
	return strings.Join(parts, "")
}

// History is the append-only conversation record.
type History struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewHistory() *History {
	return &History{}
}

func (h *History) Append(entry Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

// Entries returns a snapshot of the history.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// AssistantReplies counts completed assistant turns.
func (h *History) AssistantReplies() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, entry := range h.entries {
		if _, ok := entry.(AssistantReply); ok {
			count++
		}
	}
	return count
}

// DropLast removes the most recent entry, undoing the optimistic append of
// a user entry when its reply pipeline failed before speaking.
func (h *History) DropLast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) > 0 {
		h.entries = h.entries[:len(h.entries)-1]
	}
}

// Reset drops all entries.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

// FormatForLLM renders the system prompt, directives and history into chat
// messages. Memories attached to user turns are rendered as a
// "[related memories: ...]" suffix on the last user message only.
func FormatForLLM(systemPrompt string, directives *SystemContext, entries []Entry) []llms.Message {
	system := systemPrompt
	if directives != nil {
		if rendered := directives.Format(); rendered != "" {
			system += "\n\n" + rendered
		}
	}

	messages := []llms.Message{llms.SystemMessage(system)}

	lastUserIndex := -1
	var lastUserMemories []Memory

	for _, entry := range entries {
		switch e := entry.(type) {
		case CompressedTurn:
			messages = append(messages, llms.UserMessage("summary of round: "+e.Summary))

		case UserTurn:
			messages = append(messages, llms.UserMessage(renderUserTurn(e)))
			lastUserIndex = len(messages) - 1
			lastUserMemories = e.Memories

		case MultiTurn:
			parts := make([]string, 0, len(e.Turns))
			var memories []Memory
			for _, turn := range e.Turns {
				parts = append(parts, renderUserTurn(turn))
				memories = append(memories, turn.Memories...)
			}
			messages = append(messages, llms.UserMessage(strings.Join(parts, "\n")))
			lastUserIndex = len(messages) - 1
			lastUserMemories = dedupeMemories(memories)

		case AssistantReply:
			if text := e.Text(); text != "" {
				messages = append(messages, llms.AssistantMessage(text))
			}
		}
	}

	if lastUserIndex >= 0 && len(lastUserMemories) > 0 {
		contents := make([]string, 0, len(lastUserMemories))
		for _, memory := range lastUserMemories {
			contents = append(contents, memory.Content)
		}
		messages[lastUserIndex].Content += "\n[related memories: " + strings.Join(contents, "; ") + "]"
	}

	return messages
}

func renderUserTurn(turn UserTurn) string {
	text := turn.Text
	for _, description := range turn.ImageDescriptions {
		text += "\n[image: " + description + "]"
	}
	return text
}
