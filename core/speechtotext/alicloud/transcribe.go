// Package alicloud streams audio to the AliCloud NLS real-time
// transcription gateway over a websocket.
package alicloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lumina-ai/lumina-core/core/speechtotext"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/lumina-ai/lumina-core/core/speechtotext/alicloud")

const (
	maxReconnectAttempts = 5
	reconnectBackoff     = 500 * time.Millisecond
)

type Config struct {
	URL    string
	AppKey string
	Token  string

	// IdleReconnect proactively reopens the vendor session when no audio
	// has been sent for this long, dodging server-side idle disconnects.
	IdleReconnect time.Duration
}

type Client struct {
	config    Config
	callbacks speechtotext.Callbacks
	log       *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	taskID string

	lastAudio atomic.Int64
	unhealthy atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New dials the transcription gateway and starts its read and idle loops.
func New(ctx context.Context, config Config, callbacks speechtotext.Callbacks, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		config:    config,
		callbacks: callbacks.WithDefaults(),
		log:       log,
		done:      make(chan struct{}),
	}
	c.lastAudio.Store(time.Now().UnixMilli())

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	if config.IdleReconnect > 0 {
		go c.idleLoop()
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "connect transcription session")
	defer span.End()

	header := http.Header{}
	header.Set("X-NLS-Token", c.config.Token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		err = fmt.Errorf("error dialing transcription gateway: %w", err)
		span.RecordError(err)
		return err
	}

	taskID := uuid.NewString()
	start := command{
		Header: commandHeader{
			MessageID: uuid.NewString(),
			TaskID:    taskID,
			Namespace: "SpeechTranscriber",
			Name:      "StartTranscription",
			AppKey:    c.config.AppKey,
		},
		Payload: map[string]any{
			"format":                         "pcm",
			"sample_rate":                    16000,
			"enable_intermediate_result":     true,
			"enable_punctuation_prediction":  true,
			"enable_inverse_text_normalization": true,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		err = fmt.Errorf("error starting transcription: %w", err)
		span.RecordError(err)
		return err
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.taskID = taskID
	c.connMu.Unlock()

	go c.readLoop(conn)
	return nil
}

// SendAudio forwards one PCM frame. Transport errors trigger a reconnect
// with backoff; the frame itself is not replayed.
func (c *Client) SendAudio(pcm []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("transcription session is closed")
	}
	c.lastAudio.Store(time.Now().UnixMilli())

	c.connMu.Lock()
	conn := c.conn
	var err error
	if conn != nil {
		err = conn.WriteMessage(websocket.BinaryMessage, pcm)
	}
	c.connMu.Unlock()

	if conn == nil {
		return fmt.Errorf("no transcription connection")
	}
	if err != nil {
		c.log.Warn("audio send failed, reconnecting", "error", err)
		go c.reconnect()
		return err
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.connMu.Lock()
			stale := c.conn != conn
			c.connMu.Unlock()
			if stale {
				return
			}
			c.log.Warn("transcription read failed, reconnecting", "error", err)
			go c.reconnect()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var event serverEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.Debug("undecodable transcription event", "error", err)
			continue
		}

		switch event.Header.Name {
		case "TranscriptionResultChanged":
			if event.Payload.Result != "" {
				c.callbacks.OnPartial(speechtotext.Result{Text: event.Payload.Result})
			}
		case "SentenceEnd":
			if event.Payload.Result != "" {
				c.callbacks.OnFinal(speechtotext.Result{Text: event.Payload.Result, IsFinal: true})
			}
		case "TaskFailed":
			c.log.Error("transcription task failed", "status", event.Header.Status, "message", event.Header.StatusText)
			if event.Header.Status >= 40000000 && event.Header.Status < 50000000 {
				// Client-side vendor rejections (auth, quota) do not heal
				// by reconnecting.
				c.unhealthy.Store(true)
				return
			}
			go c.reconnect()
			return
		}
	}
}

// reconnect reopens the session with exponential backoff. After exhausting
// the attempts the client is marked unhealthy; audio is accepted and
// dropped so the conversation core keeps running.
func (c *Client) reconnect() {
	if c.closed.Load() || c.unhealthy.Load() {
		return
	}
	for attempt := range maxReconnectAttempts {
		select {
		case <-c.done:
			return
		case <-time.After(reconnectBackoff << attempt):
		}
		if err := c.connect(context.Background()); err == nil {
			c.log.Info("transcription session reconnected", "attempts", attempt+1)
			return
		}
	}
	c.log.Error("transcription reconnect attempts exhausted, marking unhealthy")
	c.unhealthy.Store(true)
}

func (c *Client) idleLoop() {
	ticker := time.NewTicker(c.config.IdleReconnect / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		idle := time.Since(time.UnixMilli(c.lastAudio.Load()))
		if idle < c.config.IdleReconnect {
			continue
		}
		c.lastAudio.Store(time.Now().UnixMilli())
		c.log.Debug("transcription session idle, reconnecting", "idle", idle)
		c.reconnect()
	}
}

// Healthy reports whether the session can still deliver results.
func (c *Client) Healthy() bool {
	return !c.unhealthy.Load() && !c.closed.Load()
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		c.connMu.Lock()
		defer c.connMu.Unlock()
		if c.conn != nil {
			stop := command{
				Header: commandHeader{
					MessageID: uuid.NewString(),
					TaskID:    c.taskID,
					Namespace: "SpeechTranscriber",
					Name:      "StopTranscription",
					AppKey:    c.config.AppKey,
				},
			}
			_ = c.conn.WriteJSON(stop)
			c.conn.Close()
			c.conn = nil
		}
	})
	return nil
}

type commandHeader struct {
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	AppKey    string `json:"appkey"`
}

type command struct {
	Header  commandHeader  `json:"header"`
	Payload map[string]any `json:"payload,omitempty"`
}

type serverEvent struct {
	Header struct {
		Name       string `json:"name"`
		Status     int    `json:"status"`
		StatusText string `json:"status_text"`
	} `json:"header"`
	Payload struct {
		Result string `json:"result"`
		Index  int    `json:"index"`
	} `json:"payload"`
}
