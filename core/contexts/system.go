package contexts

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// maxDirectiveDepth bounds each directive stack; the oldest value falls off.
const maxDirectiveDepth = 5

// DirectiveVoice selects the synthesis voice. Voice changes replace the
// current value instead of stacking.
const DirectiveVoice = "tts_voice"

type directive struct {
	value     string
	timestamp time.Time
}

// SystemContext is a stack of directives per key, rendered into the system
// prompt on every generation.
type SystemContext struct {
	mu         sync.RWMutex
	directives map[string][]directive
}

func NewSystemContext() *SystemContext {
	return &SystemContext{directives: map[string][]directive{}}
}

// Push stacks a new value for key. The voice directive replaces rather
// than stacks.
func (c *SystemContext) Push(key, value string) {
	if key == DirectiveVoice {
		c.Set(key, value)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stack := append(c.directives[key], directive{value: value, timestamp: time.Now()})
	if len(stack) > maxDirectiveDepth {
		stack = stack[len(stack)-maxDirectiveDepth:]
	}
	c.directives[key] = stack
}

// Set replaces the whole stack for key with a single value.
func (c *SystemContext) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directives[key] = []directive{{value: value, timestamp: time.Now()}}
}

// Pop removes the top value for key; an emptied stack removes the key.
func (c *SystemContext) Pop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stack := c.directives[key]
	if len(stack) == 0 {
		return
	}
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(c.directives, key)
		return
	}
	c.directives[key] = stack
}

// Value reports the current (topmost) value for key.
func (c *SystemContext) Value(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stack := c.directives[key]
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1].value, true
}

// Reset drops every directive.
func (c *SystemContext) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directives = map[string][]directive{}
}

// Format renders current directive values, one per line, in stable key
// order.
func (c *SystemContext) Format() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.directives))
	for key := range c.directives {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var lines []string
	for _, key := range keys {
		stack := c.directives[key]
		lines = append(lines, key+": "+stack[len(stack)-1].value)
	}
	return strings.Join(lines, "\n")
}
