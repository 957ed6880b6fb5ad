package std

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lumina-ai/lumina-core/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

// Decision is what the detector hands back for one finalised transcript.
type Decision struct {
	State   State
	Event   Event
	Applied bool

	// TimeoutMS is the wait before speaking. It is meaningless when
	// Suppress is set.
	TimeoutMS int

	// Suppress means the assistant must not speak at all for this turn.
	Suppress bool
}

// Detector runs the dialogue timeout classifier and the mode agent
// concurrently and merges their answers.
type Detector struct {
	dialogue *DialogueSTD
	agent    *Agent
	machine  *Machine
	tunables config.Tunables
	log      *slog.Logger
}

func NewDetector(dialogue *DialogueSTD, agent *Agent, machine *Machine, tunables config.Tunables, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{dialogue: dialogue, agent: agent, machine: machine, tunables: tunables, log: log}
}

// Machine exposes the underlying mode machine.
func (d *Detector) Machine() *Machine {
	return d.machine
}

// Distribute classifies one finalised transcript. A lingering AnswerOnce
// state is first settled back to Silence so the one-shot mode cannot leak
// into the next turn.
func (d *Detector) Distribute(ctx context.Context, transcript string) Decision {
	ctx, span := tracer.Start(ctx, "distribute turn decision")
	defer span.End()

	if d.machine.State() == StateAnswerOnce {
		d.machine.Reset(StateSilence)
	}

	var (
		wg      sync.WaitGroup
		event   Event
		timeout int
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		event = d.agent.Classify(ctx, transcript)
	}()
	go func() {
		defer wg.Done()
		timeout = d.dialogue.PredictTimeout(ctx, transcript)
	}()
	wg.Wait()

	state, applied := d.machine.Apply(event)
	d.agent.RecordOutcome(transcript, state, event)

	decision := Decision{State: state, Event: event, Applied: applied}
	switch state {
	case StateSilence:
		decision.Suppress = true
	case StateAnswerOnce:
		decision.TimeoutMS = 0
	default:
		decision.TimeoutMS = timeout
	}

	span.SetAttributes(
		attribute.String("decision.state", state.String()),
		attribute.String("decision.event", event.String()),
		attribute.Int("decision.timeout_ms", decision.TimeoutMS),
		attribute.Bool("decision.suppress", decision.Suppress),
	)
	return decision
}

// ObserveGap forwards a measured speaking gap to the judge history.
func (d *Detector) ObserveGap(gapMS int) {
	d.dialogue.judges.ObserveGap(gapMS)
}

// CompleteResponse signals that the assistant finished speaking, which
// settles AnswerOnce back into Silence.
func (d *Detector) CompleteResponse() {
	if d.machine.State() == StateAnswerOnce {
		d.machine.Apply(EventResponseComplete)
	}
}

// Reset returns the detector to its initial configuration.
func (d *Detector) Reset() {
	d.machine.Reset(StateDialogue)
	d.agent.Reset()
	d.dialogue.judges.Reset()
}
