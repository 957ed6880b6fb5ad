// Package texttospeech defines the synthesis surface the orchestration
// core consumes. Vendor adapters live in subpackages.
package texttospeech

import (
	"context"
	"io"
)

// Client synthesizes one utterance at a time.
type Client interface {
	// Synthesize returns a stream of raw PCM for the text spoken with the
	// given emotion. The caller owns closing the stream.
	Synthesize(ctx context.Context, emotion, text string) (io.ReadCloser, error)

	// SetVoice switches the synthesis voice for subsequent utterances.
	SetVoice(voice string)
}
