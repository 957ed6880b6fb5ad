package std

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lumina-ai/lumina-core/core/llms"
)

const agentSystemPrompt = `You classify what a user utterance asks of a voice assistant's conversational mode.
Modes: Dialogue (normal back and forth), Silence (the assistant must stay quiet), AnswerOnce (answer this one question, then stay quiet), Proactive (the assistant may interject on its own).
Respond with a JSON object {"event": "..."} where the event is one of TRIGGER_DIALOGUE, TRIGGER_SILENCE, TRIGGER_ANSWER_ONCE, TRIGGER_PROACTIVE or NO_EVENT.`

// agentHistoryLimit bounds how many past turns are replayed into the
// classification prompt.
const agentHistoryLimit = 8

type eventEnvelope struct {
	Event string `json:"event"`
}

type agentRecord struct {
	transcript string
	state      State
	event      Event
}

// Agent classifies finalised transcripts into mode events and drives the
// state machine with them.
type Agent struct {
	llm     llms.StructuredClient
	model   string
	machine *Machine
	log     *slog.Logger

	mu      sync.Mutex
	records []agentRecord
}

func NewAgent(llm llms.StructuredClient, model string, machine *Machine, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{llm: llm, model: model, machine: machine, log: log}
}

// Classify extracts an event from the transcript. Classification failures
// degrade to EventNone and leave a feedback note for the next prompt.
func (a *Agent) Classify(ctx context.Context, transcript string) Event {
	ctx, span := tracer.Start(ctx, "classify mode event")
	defer span.End()

	var envelope eventEnvelope
	err := a.llm.PromptJSON(ctx, a.model, []llms.Message{
		llms.SystemMessage(agentSystemPrompt),
		llms.UserMessage(a.buildPrompt(transcript)),
	}, &envelope)
	if err != nil {
		span.RecordError(err)
		a.log.Warn("mode classification failed", "error", err)
		a.machine.AddFeedback("the previous classification request failed; no event was applied")
		return EventNone
	}

	event, ok := ParseEvent(envelope.Event)
	if !ok {
		a.log.Warn("mode classification produced unknown event", "event", envelope.Event)
		a.machine.AddFeedback(fmt.Sprintf("classifier produced unknown event %q; no event was applied", envelope.Event))
		return EventNone
	}
	return event
}

func (a *Agent) buildPrompt(transcript string) string {
	a.mu.Lock()
	records := make([]agentRecord, len(a.records))
	copy(records, a.records)
	a.mu.Unlock()

	var b strings.Builder
	for _, record := range records {
		b.WriteString(record.transcript + "\n")
		fmt.Fprintf(&b, "【System state】: %s\n", record.state)
		fmt.Fprintf(&b, "【Triggered event】: %s\n", record.event)
	}

	if feedback := a.machine.Feedback(); len(feedback) > 0 {
		b.WriteString("Corrections from previous classifications:\n")
		for _, note := range feedback {
			b.WriteString("- " + note + "\n")
		}
	}

	fmt.Fprintf(&b, "Current state: %s\n", a.machine.State())
	fmt.Fprintf(&b, "New utterance: %s", transcript)
	return b.String()
}

// RecordOutcome remembers the (transcript, state, event) triple for the
// next prompt.
func (a *Agent) RecordOutcome(transcript string, state State, event Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, agentRecord{transcript: transcript, state: state, event: event})
	if len(a.records) > agentHistoryLimit {
		a.records = a.records[len(a.records)-agentHistoryLimit:]
	}
}

// Reset drops the replayed turn records.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = nil
}
