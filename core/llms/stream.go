package llms

import "context"

// StreamChunk is a piece of a streamed model response.
type StreamChunk interface {
	Content() string
}

// Stream produces chunks of a model response as they arrive. Chunks follows
// the range-over-func convention; the iterator stops early when the yield
// function returns false.
type Stream interface {
	Chunks(ctx context.Context) func(func(StreamChunk, error) bool)
}

// Client is the prompting surface the orchestration core depends on.
type Client interface {
	// Prompt returns the complete response text for the given messages.
	Prompt(ctx context.Context, model string, messages []Message) (string, error)
	// PromptWithStream returns a stream of response chunks.
	PromptWithStream(ctx context.Context, model string, messages []Message) (Stream, error)
}

// StructuredClient produces responses constrained to the JSON schema of the
// output value.
type StructuredClient interface {
	// PromptJSON unmarshals the schema-constrained response into out, which
	// must be a non-nil pointer to a struct.
	PromptJSON(ctx context.Context, model string, messages []Message, out any) error
}
