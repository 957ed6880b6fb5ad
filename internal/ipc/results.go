package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// TranscriptionResult is one line on the result socket.
type TranscriptionResult struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// ResultServer streams transcription results as newline-delimited JSON.
// Consecutive identical results are suppressed.
type ResultServer struct {
	*singleClientServer

	mu   sync.Mutex
	last *TranscriptionResult
}

func ListenResults(network, addr string, log *slog.Logger) (*ResultServer, error) {
	srv, err := newSingleClientServer(network, addr, log)
	if err != nil {
		return nil, fmt.Errorf("binding result socket: %w", err)
	}
	return &ResultServer{singleClientServer: srv}, nil
}

func (s *ResultServer) Serve(ctx context.Context) error {
	return s.serve(ctx, nil)
}

// Write emits a result line. A duplicate of the previous result is dropped
// without touching the wire; a missing peer is not an error.
func (s *ResultServer) Write(result TranscriptionResult) error {
	s.mu.Lock()
	if s.last != nil && *s.last == result {
		s.mu.Unlock()
		return nil
	}
	s.last = &result
	s.mu.Unlock()

	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding transcription result: %w", err)
	}
	line = append(line, '\n')

	if err := s.write(line); err != nil {
		if err == ErrNoPeer {
			return nil
		}
		return fmt.Errorf("writing transcription result: %w", err)
	}
	return nil
}
