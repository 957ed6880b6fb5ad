package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func dialAudio(t *testing.T, callbacks AudioCallbacks) (*AudioServer, net.Conn, context.CancelFunc) {
	t.Helper()

	srv, err := ListenAudio("tcp", "127.0.0.1:0", callbacks, nil)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		cancel()
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		srv.Close()
	})
	return srv, conn, cancel
}

func TestAudioServerDecodesPCMFrames(t *testing.T) {
	frames := make(chan []byte, 1)
	_, conn, _ := dialAudio(t, AudioCallbacks{
		OnAudio: func(pcm []byte) { frames <- pcm },
	})

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 2) // sample count, not byte count
	conn.Write(header)
	conn.Write(pcm)

	select {
	case got := <-frames:
		if len(got) != 4 || got[0] != 0x01 || got[3] != 0x04 {
			t.Fatalf("unexpected payload %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio frame")
	}
}

func TestAudioServerDecodesControlMessages(t *testing.T) {
	silences := make(chan uint64, 1)
	interrupts := make(chan struct{}, 1)
	_, conn, _ := dialAudio(t, AudioCallbacks{
		OnSilenceEvent: func(ms uint64) { silences <- ms },
		OnInterrupt:    func() { interrupts <- struct{}{} },
	})

	msg := make([]byte, 4+1+8)
	binary.LittleEndian.PutUint32(msg, controlMarker)
	msg[4] = byte(ControlSilenceEvent)
	binary.LittleEndian.PutUint64(msg[5:], 1234)
	conn.Write(msg)

	select {
	case ms := <-silences:
		if ms != 1234 {
			t.Fatalf("expected 1234 ms, got %d", ms)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for silence event")
	}

	intr := make([]byte, 5)
	binary.LittleEndian.PutUint32(intr, controlMarker)
	intr[4] = byte(ControlInterrupt)
	conn.Write(intr)

	select {
	case <-interrupts:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interrupt")
	}
}

func TestResultServerSuppressesDuplicates(t *testing.T) {
	srv, err := ListenResults("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	// Give the accept loop a beat to register the peer.
	time.Sleep(50 * time.Millisecond)

	srv.Write(TranscriptionResult{Text: "你好", IsFinal: false})
	srv.Write(TranscriptionResult{Text: "你好", IsFinal: false})
	srv.Write(TranscriptionResult{Text: "你好", IsFinal: true})

	scanner := bufio.NewScanner(conn)
	var results []TranscriptionResult
	conn.SetReadDeadline(time.Now().Add(time.Second))
	for len(results) < 2 && scanner.Scan() {
		var r TranscriptionResult
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("decoding line %q: %v", scanner.Text(), err)
		}
		results = append(results, r)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 distinct results, got %d", len(results))
	}
	if results[0].IsFinal || !results[1].IsFinal {
		t.Fatalf("unexpected finality sequence: %+v", results)
	}
}

func TestSynthesisServerFramesClips(t *testing.T) {
	srv, err := ListenSynthesis("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	clip := []byte("RIFFfakewav")
	if err := srv.WriteClip(clip); err != nil {
		t.Fatalf("writing clip: %v", err)
	}

	header := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	if got := binary.LittleEndian.Uint32(header); got != uint32(len(clip)) {
		t.Fatalf("expected length %d, got %d", len(clip), got)
	}
	payload := make([]byte, len(clip))
	if _, err := readFull(conn, payload); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(payload) != string(clip) {
		t.Fatalf("expected %q, got %q", clip, payload)
	}
}

func TestWriteClipWithoutPeer(t *testing.T) {
	srv, err := ListenSynthesis("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer srv.Close()

	if err := srv.WriteClip([]byte("clip")); err != nil {
		t.Fatalf("expected missing peer to be tolerated, got %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
