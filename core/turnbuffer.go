// Package orchestration is the turn orchestrator: it buffers user turns,
// tracks silence epochs, decides when the assistant may speak and drives
// the reply pipeline into synthesis.
package orchestration

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lumina-ai/lumina-core/core/contexts"
)

// Turn is one finalised user utterance awaiting an assistant reply.
type Turn struct {
	ID                string
	Text              string
	Timestamp         time.Time
	ImageDescriptions []string
	Memories          []contexts.Memory
}

// TurnBuffer accumulates finalised turns and measures the silence since
// the user last spoke. Each silence window carries an opaque epoch token;
// new user audio mints a fresh epoch, which is the sole cancellation
// signal for everything in flight.
type TurnBuffer struct {
	mu      sync.Mutex
	turns   []Turn
	epoch   string
	growing bool

	silenceMS atomic.Int64
	autoGrow  atomic.Bool

	lastPartial time.Time
	tick        time.Duration
	log         *slog.Logger
}

func NewTurnBuffer(tick time.Duration, log *slog.Logger) *TurnBuffer {
	if log == nil {
		log = slog.Default()
	}
	return &TurnBuffer{
		epoch: uuid.NewString(),
		tick:  tick,
		log:   log,
	}
}

// Epoch returns the current silence epoch token.
func (b *TurnBuffer) Epoch() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// AddPartial registers resumed user speech: the silence counter stops and
// resets, and a fresh epoch invalidates every timer bound to the old one.
// It returns the silence that had accumulated, in milliseconds, or -1 when
// no silence window was being measured. Repeated partials within one tick
// do not mint additional epochs.
func (b *TurnBuffer) AddPartial() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !b.lastPartial.IsZero() && now.Sub(b.lastPartial) < b.tick {
		return -1
	}
	b.lastPartial = now

	gap := int64(-1)
	if b.autoGrow.Load() {
		gap = b.silenceMS.Load()
	}
	b.autoGrow.Store(false)
	b.silenceMS.Store(0)

	old := b.epoch
	b.epoch = uuid.NewString()
	b.log.Debug("epoch invalidated by partial", "old", old, "new", b.epoch, "gap_ms", gap)
	return gap
}

// AddFinal appends a finalised turn. The epoch is untouched; only partials
// invalidate it.
func (b *TurnBuffer) AddFinal(turn Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, turn)
}

// AttachMemories adds retrieved memories to a buffered turn. The turn may
// already have been drained, in which case the memories are dropped.
func (b *TurnBuffer) AttachMemories(turnID string, memories []contexts.Memory) {
	if len(memories) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.turns {
		if b.turns[i].ID == turnID {
			b.turns[i].Memories = append(b.turns[i].Memories, memories...)
			return
		}
	}
}

// BeginSilence starts (or keeps) the auto-growing silence counter. A
// positive seed primes the counter with silence the peer already measured
// before telling us. Idempotent.
func (b *TurnBuffer) BeginSilence(seedMS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seedMS > 0 {
		b.silenceMS.Store(seedMS)
	}
	b.autoGrow.Store(true)
	if b.growing {
		return
	}
	b.growing = true
	go b.grow()
}

func (b *TurnBuffer) grow() {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	last := time.Now()
	for range ticker.C {
		if !b.autoGrow.Load() {
			b.mu.Lock()
			b.growing = false
			// BeginSilence may have re-armed between the load and the
			// lock; restart rather than strand the counter.
			rearm := b.autoGrow.Load()
			if rearm {
				b.growing = true
			}
			b.mu.Unlock()
			if !rearm {
				return
			}
			last = time.Now()
			continue
		}
		now := time.Now()
		b.silenceMS.Add(now.Sub(last).Milliseconds())
		last = now
	}
}

// StopAutoGrow halts the silence counter without resetting it.
func (b *TurnBuffer) StopAutoGrow() {
	b.autoGrow.Store(false)
}

// SilenceMS reports the accumulated silence.
func (b *TurnBuffer) SilenceMS() int64 {
	return b.silenceMS.Load()
}

// Turns returns a snapshot of the queued turns.
func (b *TurnBuffer) Turns() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

func (b *TurnBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

// Take atomically drains the queued turns for processing.
func (b *TurnBuffer) Take() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	turns := b.turns
	b.turns = nil
	return turns
}

// Restore puts taken turns back at the head of the queue, used when the
// reply pipeline fails before anything was spoken.
func (b *TurnBuffer) Restore(turns []Turn) {
	if len(turns) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(append([]Turn{}, turns...), b.turns...)
}

// Clear drops the queued turns. The epoch is untouched.
func (b *TurnBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = nil
}

// Interrupt is the hard cancel: queued turns are dropped and a fresh
// epoch invalidates everything in flight.
func (b *TurnBuffer) Interrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = nil
	b.autoGrow.Store(false)
	b.silenceMS.Store(0)
	old := b.epoch
	b.epoch = uuid.NewString()
	b.log.Info("epoch invalidated by interrupt", "old", old, "new", b.epoch)
}
