package orchestration

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
	"github.com/lumina-ai/lumina-core/core/contexts"
	"github.com/lumina-ai/lumina-core/core/std"
)

// SavedContext is the deep snapshot a Timer carries so a cancelled turn
// can be inspected or rolled back.
type SavedContext struct {
	Turns   []Turn
	History []contexts.Entry
}

// Timer is the single authority on "may the assistant speak". It binds the
// silence epoch at creation; any later partial invalidates it for good.
type Timer struct {
	start      time.Time
	timeout    time.Duration
	state      std.State
	boundEpoch string
	buffer     *TurnBuffer
	saved      SavedContext
	poll       time.Duration
	passed     atomic.Bool
}

// NewTimer snapshots the buffer and history and binds the current epoch.
func NewTimer(buffer *TurnBuffer, history *contexts.History, state std.State, timeoutMS int, poll time.Duration) *Timer {
	t := &Timer{
		start:      time.Now(),
		timeout:    time.Duration(timeoutMS) * time.Millisecond,
		state:      state,
		boundEpoch: buffer.Epoch(),
		buffer:     buffer,
		poll:       poll,
	}

	turns := buffer.Turns()
	if err := copier.CopyWithOption(&t.saved.Turns, &turns, copier.Option{DeepCopy: true}); err != nil {
		// A shallow snapshot is still better than none.
		t.saved.Turns = turns
	}
	if history != nil {
		entries := history.Entries()
		if err := copier.CopyWithOption(&t.saved.History, &entries, copier.Option{DeepCopy: true}); err != nil {
			t.saved.History = entries
		}
	}
	return t
}

// WaitForTimeout polls until the timeout elapses with the epoch intact,
// returning true, or until the epoch changes, returning false. The Silence
// state never grants the floor. Once granted, later calls only re-check
// the epoch.
func (t *Timer) WaitForTimeout(ctx context.Context) bool {
	if t.state == std.StateSilence {
		return false
	}
	if t.passed.Load() {
		return t.AssureNoInterruption()
	}

	// The iteration cap keeps a stuck clock from spinning forever.
	maxChecks := int(t.timeout/t.poll) + 150
	for range maxChecks {
		if !t.AssureNoInterruption() {
			return false
		}
		if time.Since(t.start) >= t.timeout {
			t.passed.Store(true)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(t.poll):
		}
	}
	return false
}

// SetTimeout assigns the decided state and timeout to an armed timer. The
// clock runs from creation, so time spent deciding counts against the
// timeout. Call it before handing the timer to the reply pipeline.
func (t *Timer) SetTimeout(state std.State, timeoutMS int) {
	t.state = state
	t.timeout = time.Duration(timeoutMS) * time.Millisecond
}

// AssureNoInterruption is the synchronous epoch check used at every
// emission boundary.
func (t *Timer) AssureNoInterruption() bool {
	return t.boundEpoch == t.buffer.Epoch()
}

// State reports the conversational mode the timer was created under.
func (t *Timer) State() std.State {
	return t.state
}

// BoundEpoch reports the epoch this timer is bound to.
func (t *Timer) BoundEpoch() string {
	return t.boundEpoch
}

// Saved exposes the context snapshot taken at creation.
func (t *Timer) Saved() SavedContext {
	return t.saved
}
