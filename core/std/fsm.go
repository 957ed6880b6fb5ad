// Package std decides when the assistant may take the floor: a dialogue
// timeout classifier predicts how long to wait after each finalised
// transcript, and a stateful agent drives the conversational mode machine.
package std

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// State is the conversational mode.
type State int

const (
	StateDialogue State = iota
	StateSilence
	StateAnswerOnce
	StateProactive
)

func (s State) String() string {
	switch s {
	case StateDialogue:
		return "Dialogue"
	case StateSilence:
		return "Silence"
	case StateAnswerOnce:
		return "AnswerOnce"
	case StateProactive:
		return "Proactive"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is what the classifier extracted from the latest transcript, plus
// the internal completion signal.
type Event int

const (
	EventNone Event = iota
	EventTriggerDialogue
	EventTriggerSilence
	EventTriggerAnswerOnce
	EventTriggerProactive
	EventResponseComplete
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NO_EVENT"
	case EventTriggerDialogue:
		return "TRIGGER_DIALOGUE"
	case EventTriggerSilence:
		return "TRIGGER_SILENCE"
	case EventTriggerAnswerOnce:
		return "TRIGGER_ANSWER_ONCE"
	case EventTriggerProactive:
		return "TRIGGER_PROACTIVE"
	case EventResponseComplete:
		return "RESPONSE_COMPLETE"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// ParseEvent maps a model-produced token onto an Event, tolerating case and
// surrounding whitespace.
func ParseEvent(s string) (Event, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NO_EVENT", "":
		return EventNone, true
	case "TRIGGER_DIALOGUE":
		return EventTriggerDialogue, true
	case "TRIGGER_SILENCE":
		return EventTriggerSilence, true
	case "TRIGGER_ANSWER_ONCE":
		return EventTriggerAnswerOnce, true
	case "TRIGGER_PROACTIVE":
		return EventTriggerProactive, true
	case "RESPONSE_COMPLETE":
		return EventResponseComplete, true
	}
	return EventNone, false
}

// transitions holds the only legal state moves. Anything absent is invalid
// and is recorded as feedback instead of applied.
var transitions = map[State]map[Event]State{
	StateDialogue: {
		EventTriggerDialogue:  StateDialogue,
		EventTriggerSilence:   StateSilence,
		EventTriggerProactive: StateProactive,
	},
	StateSilence: {
		EventTriggerDialogue:   StateDialogue,
		EventTriggerSilence:    StateSilence,
		EventTriggerAnswerOnce: StateAnswerOnce,
		EventTriggerProactive:  StateProactive,
	},
	StateAnswerOnce: {
		EventResponseComplete: StateSilence,
	},
	StateProactive: {
		EventTriggerDialogue:  StateDialogue,
		EventTriggerSilence:   StateSilence,
		EventTriggerProactive: StateProactive,
	},
}

// maxTransitionFeedback bounds how many rejected transitions are replayed
// into the next classification prompt.
const maxTransitionFeedback = 3

// Machine is the conversational mode state machine. Rejected transitions
// keep the current state and leave a feedback note for the classifier to
// self-correct on.
type Machine struct {
	mu       sync.Mutex
	state    State
	feedback []string
	log      *slog.Logger
}

func NewMachine(log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{state: StateDialogue, log: log}
}

// State reports the current mode.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply attempts a transition. It reports the resulting state and whether
// the event was applied. EventNone is a no-op that always succeeds.
func (m *Machine) Apply(event Event) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event == EventNone {
		return m.state, true
	}

	next, ok := transitions[m.state][event]
	if !ok {
		note := fmt.Sprintf("event %s is not valid in state %s; state unchanged", event, m.state)
		m.feedback = append(m.feedback, note)
		if len(m.feedback) > maxTransitionFeedback {
			m.feedback = m.feedback[len(m.feedback)-maxTransitionFeedback:]
		}
		m.log.Warn("rejected state transition", "state", m.state.String(), "event", event.String())
		return m.state, false
	}

	if next != m.state {
		m.log.Info("state transition", "from", m.state.String(), "to", next.String(), "event", event.String())
	}
	m.state = next
	return m.state, true
}

// Reset forces the machine into the given state and drops pending feedback.
func (m *Machine) Reset(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state != m.state {
		m.log.Info("state reset", "from", m.state.String(), "to", state.String())
	}
	m.state = state
	m.feedback = nil
}

// Feedback returns the retained rejection notes, oldest first.
func (m *Machine) Feedback() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.feedback))
	copy(out, m.feedback)
	return out
}

// AddFeedback injects an external anomaly note, such as a classifier parse
// failure, into the feedback buffer.
func (m *Machine) AddFeedback(note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, note)
	if len(m.feedback) > maxTransitionFeedback {
		m.feedback = m.feedback[len(m.feedback)-maxTransitionFeedback:]
	}
}
