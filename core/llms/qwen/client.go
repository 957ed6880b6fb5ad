// Package qwen drives an OpenAI-compatible chat completions endpoint, the
// DashScope compatible mode by default. One client serves the plain,
// streaming and schema-constrained prompting paths.
package qwen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumina-ai/lumina-core/core/llms"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/lumina-ai/lumina-core/core/llms/qwen")

const defaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

const (
	maxAttempts  = 3
	retryBackoff = 300 * time.Millisecond
)

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prompt sends the messages and returns the complete response text,
// retrying transient HTTP failures with backoff.
func (c *Client) Prompt(ctx context.Context, model string, messages []llms.Message) (string, error) {
	ctx, span := tracer.Start(ctx, "prompt llm")
	defer span.End()
	span.SetAttributes(attribute.String("request.model", model))

	body, err := c.do(ctx, requestBody{Model: model, Messages: messages})
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	var response responseBody
	if err := json.Unmarshal(body, &response); err != nil {
		err = fmt.Errorf("error unmarshalling response: %w", err)
		span.RecordError(err)
		return "", err
	}
	if len(response.Choices) == 0 {
		err := fmt.Errorf("response contained no choices")
		span.RecordError(err)
		return "", err
	}
	return response.Choices[0].Message.Content, nil
}

// do posts the request body, retrying on statuses that indicate a transient
// vendor condition. The caller gets the raw response body.
func (c *Client) do(ctx context.Context, reqBody any) ([]byte, error) {
	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshalling JSON: %w", err)
	}

	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(requestBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("error creating HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("error sending request: %w", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			if readErr != nil {
				return nil, fmt.Errorf("error reading response body: %w", readErr)
			}
			return body, nil
		}

		lastErr = fmt.Errorf("non-OK HTTP status: %s", resp.Status)
		if !retryableStatus(resp.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

type requestBody struct {
	Model          string              `json:"model"`
	Messages       []llms.Message      `json:"messages"`
	Stream         bool                `json:"stream,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type responseBody struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}
