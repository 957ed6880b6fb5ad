// Package cosyvoice synthesizes speech through the DashScope CosyVoice
// websocket API, one connection per utterance.
package cosyvoice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/lumina-ai/lumina-core/core/texttospeech/cosyvoice")

const (
	dialAttempts = 2
	dialBackoff  = 300 * time.Millisecond
)

type Config struct {
	URL   string
	Token string
	Model string
	// Voice is the initial synthesis voice; SetVoice replaces it.
	Voice string
	// SampleRate of the produced PCM.
	SampleRate int
}

type Client struct {
	config Config
	log    *slog.Logger

	mu    sync.RWMutex
	voice string
}

func New(config Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if config.Model == "" {
		config.Model = "cosyvoice-v2"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 32000
	}
	return &Client{config: config, log: log, voice: config.Voice}
}

// SetVoice switches the voice for subsequent utterances.
func (c *Client) SetVoice(voice string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voice = voice
}

// Voice reports the current voice.
func (c *Client) Voice() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.voice
}

// Synthesize speaks the text with the given emotion and returns a stream
// of raw PCM. The stream ends when the vendor reports the task finished;
// closing it early tears the connection down.
func (c *Client) Synthesize(ctx context.Context, emotion, text string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()

	conn, err := c.dial(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	taskID := uuid.NewString()
	run := map[string]any{
		"header": map[string]any{
			"action":    "run-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"task_group": "audio",
			"task":       "tts",
			"function":   "SpeechSynthesizer",
			"model":      c.config.Model,
			"parameters": map[string]any{
				"voice":       c.Voice(),
				"emotion":     emotion,
				"format":      "pcm",
				"sample_rate": c.config.SampleRate,
			},
			"input": map[string]any{},
		},
	}
	if err := conn.WriteJSON(run); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error starting synthesis task: %w", err)
	}

	continueTask := map[string]any{
		"header": map[string]any{
			"action":    "continue-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"input": map[string]any{"text": text},
		},
	}
	if err := conn.WriteJSON(continueTask); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error sending synthesis text: %w", err)
	}

	finish := map[string]any{
		"header": map[string]any{
			"action":    "finish-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"input": map[string]any{},
		},
	}
	if err := conn.WriteJSON(finish); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error finishing synthesis task: %w", err)
	}

	reader, writer := io.Pipe()
	go c.pump(conn, writer)
	return &stream{reader: reader, conn: conn}, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.Token)

	var lastErr error
	for attempt := range dialAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(dialBackoff):
			}
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, header)
		if err == nil {
			return conn, nil
		}
		lastErr = fmt.Errorf("error dialing synthesis gateway: %w", err)
	}
	return nil, lastErr
}

// pump copies vendor frames into the pipe until the task finishes or
// fails.
func (c *Client) pump(conn *websocket.Conn, writer *io.PipeWriter) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			writer.CloseWithError(err)
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			if _, err := writer.Write(data); err != nil {
				return
			}
		case websocket.TextMessage:
			var event struct {
				Header struct {
					Event        string `json:"event"`
					ErrorMessage string `json:"error_message"`
				} `json:"header"`
			}
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}
			switch event.Header.Event {
			case "task-finished":
				writer.Close()
				return
			case "task-failed":
				c.log.Warn("synthesis task failed", "message", event.Header.ErrorMessage)
				writer.CloseWithError(fmt.Errorf("synthesis task failed: %s", event.Header.ErrorMessage))
				return
			}
		}
	}
}

type stream struct {
	reader    *io.PipeReader
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.reader.Close()
		s.conn.Close()
	})
	return nil
}
