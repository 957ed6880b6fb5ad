package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// SynthesisServer streams synthesized speech clips, each framed as a 4-byte
// little-endian byte length followed by a complete WAV blob.
type SynthesisServer struct {
	*singleClientServer
}

func ListenSynthesis(network, addr string, log *slog.Logger) (*SynthesisServer, error) {
	srv, err := newSingleClientServer(network, addr, log)
	if err != nil {
		return nil, fmt.Errorf("binding synthesis socket: %w", err)
	}
	return &SynthesisServer{singleClientServer: srv}, nil
}

func (s *SynthesisServer) Serve(ctx context.Context) error {
	return s.serve(ctx, nil)
}

// WriteClip frames and sends one clip. A missing peer drops the clip; the
// conversation must not stall because nobody is listening.
func (s *SynthesisServer) WriteClip(wav []byte) error {
	frame := make([]byte, 4+len(wav))
	binary.LittleEndian.PutUint32(frame, uint32(len(wav)))
	copy(frame[4:], wav)

	if err := s.write(frame); err != nil {
		if err == ErrNoPeer {
			return nil
		}
		return fmt.Errorf("writing synthesis clip: %w", err)
	}
	return nil
}
