// Package ipc implements the local sockets the core speaks over: a framed
// audio ingress with an in-band control channel, a newline-delimited JSON
// egress for transcription results, and a length-prefixed egress for
// synthesized speech clips.
//
// Every server accepts a single peer. A new connection replaces the old
// one; the stale connection is closed. Frame lengths are 4-byte
// little-endian u32 prefixes.
package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
)

// ErrNoPeer is returned by write paths when no client is connected.
var ErrNoPeer = errors.New("ipc: no peer connected")

type singleClientServer struct {
	ln  net.Listener
	log *slog.Logger

	mu   sync.Mutex
	conn net.Conn

	closeOnce sync.Once
}

func newSingleClientServer(network, addr string, log *slog.Logger) (*singleClientServer, error) {
	if network == "unix" {
		// A stale socket file from a previous run blocks the bind.
		_ = os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &singleClientServer{ln: ln, log: log}, nil
}

// Addr reports the bound listener address.
func (s *singleClientServer) Addr() net.Addr {
	return s.ln.Addr()
}

// serve accepts peers until ctx is cancelled or the listener fails. handle,
// when non-nil, is started as a goroutine per accepted connection.
func (s *singleClientServer) serve(ctx context.Context, handle func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		s.mu.Lock()
		if s.conn != nil {
			s.log.Debug("replacing connected peer", "remote", conn.RemoteAddr())
			s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		if handle != nil {
			go handle(conn)
		}
	}
}

// write sends raw bytes to the connected peer. A failed write drops the
// peer; the next connection starts clean.
func (s *singleClientServer) write(b []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNoPeer
	}
	if _, err := conn.Write(b); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		return err
	}
	return nil
}

func (s *singleClientServer) dropConn(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *singleClientServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	})
	return err
}
