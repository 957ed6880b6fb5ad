// Package speechtotext defines the streaming transcription surface the
// orchestration core consumes. Vendor adapters live in subpackages.
package speechtotext

import "context"

// Result is one transcription hypothesis. Partial results are revised
// until a final result closes the sentence.
type Result struct {
	Text    string
	IsFinal bool
}

// Callbacks receive transcription results from the adapter's read loop.
// Nil members are replaced with no-ops.
type Callbacks struct {
	OnPartial func(Result)
	OnFinal   func(Result)
}

// WithDefaults fills nil callbacks with no-ops.
func (c Callbacks) WithDefaults() Callbacks {
	if c.OnPartial == nil {
		c.OnPartial = func(Result) {}
	}
	if c.OnFinal == nil {
		c.OnFinal = func(Result) {}
	}
	return c
}

// Client is a live transcription session.
type Client interface {
	// SendAudio forwards raw PCM to the vendor. It may block; callers run
	// it off the orchestration loop.
	SendAudio(pcm []byte) error
	// Healthy reports whether the session can still deliver results. An
	// unhealthy session never heals; the caller may open a replacement.
	Healthy() bool
	Close() error
}

// Factory opens a transcription session delivering into the given
// callbacks.
type Factory func(ctx context.Context, callbacks Callbacks) (Client, error)
