package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// controlMarker in the length slot switches the frame from audio to a
// control message.
const controlMarker = 0xFFFFFFFF

// maxFrameSamples bounds a single audio frame. Ten seconds of 16 kHz audio
// is far beyond what any sane peer sends at once.
const maxFrameSamples = 160000

// ControlType identifies an in-band control message on the audio socket.
type ControlType byte

const (
	ControlSilenceEvent   ControlType = 0x01
	ControlEndSession     ControlType = 0x02
	ControlResetToInitial ControlType = 0x03
	ControlStartSession   ControlType = 0x04
	ControlInterrupt      ControlType = 0x05
)

func (t ControlType) String() string {
	switch t {
	case ControlSilenceEvent:
		return "SILENCE_EVENT"
	case ControlEndSession:
		return "END_SESSION"
	case ControlResetToInitial:
		return "RESET_TO_INITIAL"
	case ControlStartSession:
		return "START_SESSION"
	case ControlInterrupt:
		return "INTERRUPT"
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
}

// AudioCallbacks receive decoded ingress traffic. Nil members are replaced
// with no-ops.
type AudioCallbacks struct {
	// OnAudio receives raw 16-bit little-endian PCM payloads.
	OnAudio func(pcm []byte)
	// OnSilenceEvent receives the peer-measured silence in milliseconds.
	OnSilenceEvent func(ms uint64)
	OnEndSession   func()
	OnReset        func()
	OnStartSession func()
	OnInterrupt    func()
}

func (c AudioCallbacks) withDefaults() AudioCallbacks {
	if c.OnAudio == nil {
		c.OnAudio = func([]byte) {}
	}
	if c.OnSilenceEvent == nil {
		c.OnSilenceEvent = func(uint64) {}
	}
	if c.OnEndSession == nil {
		c.OnEndSession = func() {}
	}
	if c.OnReset == nil {
		c.OnReset = func() {}
	}
	if c.OnStartSession == nil {
		c.OnStartSession = func() {}
	}
	if c.OnInterrupt == nil {
		c.OnInterrupt = func() {}
	}
	return c
}

// AudioServer is the audio ingress socket. Each frame carries a 4-byte
// little-endian length: the value 0xFFFFFFFF introduces a control message,
// any other value is a sample count followed by count*2 bytes of PCM.
type AudioServer struct {
	*singleClientServer
	callbacks AudioCallbacks
}

func ListenAudio(network, addr string, callbacks AudioCallbacks, log *slog.Logger) (*AudioServer, error) {
	srv, err := newSingleClientServer(network, addr, log)
	if err != nil {
		return nil, fmt.Errorf("binding audio socket: %w", err)
	}
	return &AudioServer{singleClientServer: srv, callbacks: callbacks.withDefaults()}, nil
}

// Serve blocks accepting peers and decoding their frames until ctx is
// cancelled.
func (s *AudioServer) Serve(ctx context.Context) error {
	return s.serve(ctx, func(conn net.Conn) {
		if err := s.readFrames(conn); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("audio peer read failed", "error", err)
			}
		}
		s.dropConn(conn)
	})
}

func (s *AudioServer) readFrames(conn net.Conn) error {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		length := binary.LittleEndian.Uint32(header)

		if length == controlMarker {
			if err := s.readControl(conn); err != nil {
				return err
			}
			continue
		}

		if length > maxFrameSamples {
			return fmt.Errorf("audio frame of %d samples exceeds limit", length)
		}

		// The length is a sample count; samples are 16-bit.
		payload := make([]byte, int(length)*2)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}
		s.callbacks.OnAudio(payload)
	}
}

func (s *AudioServer) readControl(conn net.Conn) error {
	var kind [1]byte
	if _, err := io.ReadFull(conn, kind[:]); err != nil {
		return err
	}

	switch ControlType(kind[0]) {
	case ControlSilenceEvent:
		var ms [8]byte
		if _, err := io.ReadFull(conn, ms[:]); err != nil {
			return err
		}
		s.callbacks.OnSilenceEvent(binary.LittleEndian.Uint64(ms[:]))
	case ControlEndSession:
		s.callbacks.OnEndSession()
	case ControlResetToInitial:
		s.callbacks.OnReset()
	case ControlStartSession:
		s.callbacks.OnStartSession()
	case ControlInterrupt:
		s.callbacks.OnInterrupt()
	default:
		// An unknown control byte means the stream is out of sync;
		// resynchronising is not possible without a frame boundary.
		return fmt.Errorf("unknown control message 0x%02X", kind[0])
	}
	return nil
}
