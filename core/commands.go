package orchestration

import "context"

// CommandResult is what the external intent classifier extracted from a
// transcript.
type CommandResult struct {
	// VoiceRequested is set when the user asked for a voice change. An
	// empty Voice alongside it means extraction failed; the configured
	// default voice is applied instead.
	VoiceRequested bool
	Voice          string

	// Directives are additional system directives to push.
	Directives map[string]string
}

// CommandDetector classifies transcripts for actionable commands. The
// implementation is an external collaborator.
type CommandDetector interface {
	Detect(ctx context.Context, transcript string) (*CommandResult, error)
}
