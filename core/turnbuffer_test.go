package orchestration

import (
	"testing"
	"time"

	"github.com/lumina-ai/lumina-core/core/contexts"
)

func newTestBuffer() *TurnBuffer {
	return NewTurnBuffer(3*time.Millisecond, nil)
}

func TestEpochChangesOnlyOnPartial(t *testing.T) {
	buffer := newTestBuffer()
	epoch := buffer.Epoch()

	buffer.AddFinal(Turn{ID: "t1", Text: "你好"})
	if buffer.Epoch() != epoch {
		t.Fatal("a final must not mint a new epoch")
	}
	buffer.Clear()
	if buffer.Epoch() != epoch {
		t.Fatal("clear must not mint a new epoch")
	}

	buffer.AddPartial()
	next := buffer.Epoch()
	if next == epoch {
		t.Fatal("a partial must mint a new epoch")
	}

	time.Sleep(5 * time.Millisecond)
	buffer.AddPartial()
	if buffer.Epoch() == next {
		t.Fatal("each spaced partial mints a fresh epoch")
	}
}

func TestRapidPartialsMintOneEpoch(t *testing.T) {
	buffer := NewTurnBuffer(50*time.Millisecond, nil)
	buffer.AddPartial()
	epoch := buffer.Epoch()
	buffer.AddPartial()
	if buffer.Epoch() != epoch {
		t.Fatal("two partials within one tick must share the epoch")
	}
}

func TestAutoGrowAccumulatesSilence(t *testing.T) {
	buffer := newTestBuffer()
	buffer.BeginSilence(0)
	time.Sleep(40 * time.Millisecond)
	if got := buffer.SilenceMS(); got < 20 {
		t.Fatalf("expected silence to grow, got %d ms", got)
	}
}

func TestBeginSilenceSeedsCounter(t *testing.T) {
	buffer := newTestBuffer()
	buffer.BeginSilence(500)
	if got := buffer.SilenceMS(); got < 500 {
		t.Fatalf("expected seeded counter of at least 500, got %d", got)
	}
}

func TestBeginSilenceIdempotent(t *testing.T) {
	buffer := newTestBuffer()
	buffer.BeginSilence(0)
	buffer.BeginSilence(0)
	buffer.BeginSilence(0)
	time.Sleep(30 * time.Millisecond)
	// Three starts must not triple the growth rate.
	if got := buffer.SilenceMS(); got > 90 {
		t.Fatalf("silence grew implausibly fast: %d ms", got)
	}
}

func TestPartialReportsGapAndResets(t *testing.T) {
	buffer := newTestBuffer()
	buffer.BeginSilence(100)
	time.Sleep(20 * time.Millisecond)

	gap := buffer.AddPartial()
	if gap < 100 {
		t.Fatalf("expected observed gap of at least the seed, got %d", gap)
	}
	if got := buffer.SilenceMS(); got != 0 {
		t.Fatalf("expected counter reset, got %d", got)
	}

	// Without an active window the next partial has no gap to report.
	time.Sleep(5 * time.Millisecond)
	if gap := buffer.AddPartial(); gap != -1 {
		t.Fatalf("expected no gap without auto-grow, got %d", gap)
	}
}

func TestTakeAndRestore(t *testing.T) {
	buffer := newTestBuffer()
	buffer.AddFinal(Turn{ID: "a"})
	buffer.AddFinal(Turn{ID: "b"})

	turns := buffer.Take()
	if len(turns) != 2 || buffer.Len() != 0 {
		t.Fatalf("expected take to drain, got %d taken %d left", len(turns), buffer.Len())
	}

	buffer.AddFinal(Turn{ID: "c"})
	buffer.Restore(turns)
	restored := buffer.Turns()
	if len(restored) != 3 || restored[0].ID != "a" || restored[2].ID != "c" {
		t.Fatalf("expected restore at head, got %+v", restored)
	}
}

func TestAttachMemoriesUpdatesBufferedTurn(t *testing.T) {
	buffer := newTestBuffer()
	buffer.AddFinal(Turn{ID: "a", Text: "你好"})

	buffer.AttachMemories("a", []contexts.Memory{{ID: "m1", Content: "喜欢喝茶"}})
	turns := buffer.Turns()
	if len(turns[0].Memories) != 1 || turns[0].Memories[0].ID != "m1" {
		t.Fatalf("expected the memory attached, got %+v", turns[0].Memories)
	}

	// A drained or unknown turn silently drops the memories.
	buffer.AttachMemories("gone", []contexts.Memory{{ID: "m2"}})
	if got := buffer.Turns()[0].Memories; len(got) != 1 {
		t.Fatalf("expected the unknown turn ignored, got %+v", got)
	}
}

func TestInterruptClearsTurnsAndEpoch(t *testing.T) {
	buffer := newTestBuffer()
	buffer.AddFinal(Turn{ID: "a"})
	epoch := buffer.Epoch()

	buffer.Interrupt()
	if buffer.Len() != 0 {
		t.Fatal("expected interrupt to drop queued turns")
	}
	if buffer.Epoch() == epoch {
		t.Fatal("expected interrupt to mint a new epoch")
	}
}
