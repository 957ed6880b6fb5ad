package qwen

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lumina-ai/lumina-core/core/llms"
)

const (
	chunkPrefix = "data:"
	doneMarker  = "[DONE]"
)

// PromptWithStream prepares a streamed completion. The request is not sent
// until the returned stream's Chunks iterator is consumed.
func (c *Client) PromptWithStream(ctx context.Context, model string, messages []llms.Message) (llms.Stream, error) {
	return &Stream{
		client:   c,
		model:    model,
		messages: messages,
	}, nil
}

type Stream struct {
	client   *Client
	model    string
	messages []llms.Message
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm streamed")
		defer span.End()

		requestBodyBytes, err := json.Marshal(requestBody{
			Model:    s.model,
			Messages: s.messages,
			Stream:   true,
		})
		if err != nil {
			yield(nil, fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", s.client.baseURL+"/chat/completions", bytes.NewReader(requestBodyBytes))
		if err != nil {
			yield(nil, fmt.Errorf("error creating HTTP request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.client.apiKey)

		resp, err := s.client.client.Do(req)
		if err != nil {
			err = fmt.Errorf("error sending request: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, chunkPrefix) {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, chunkPrefix))
			if payload == "" {
				continue
			}
			if payload == doneMarker {
				return
			}

			var chunk streamingResponseBody
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				if !yield(nil, fmt.Errorf("error unmarshalling JSON: %w", err)) {
					return
				}
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(StreamContentChunk{content: delta}, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			err = fmt.Errorf("error reading streamed response: %w", err)
			span.RecordError(err)
			yield(nil, err)
		}
	}
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type StreamContentChunk struct {
	content string
}

func (s StreamContentChunk) Content() string {
	return s.content
}
