// Package audio describes the PCM encodings used at the process boundaries
// and wraps raw PCM into WAV containers for the synthesis egress.
package audio

import (
	"bytes"
	"encoding/binary"
)

// Encoding describes raw PCM audio.
type Encoding struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// IngressEncoding is what the audio socket delivers: 16 kHz mono 16-bit
// little-endian PCM.
var IngressEncoding = Encoding{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// EgressEncoding is what the synthesis vendor produces and what leaves on
// the synthesis socket: 32 kHz mono 16-bit little-endian PCM.
var EgressEncoding = Encoding{SampleRate: 32000, Channels: 1, BitsPerSample: 16}

// BytesPerSample returns the size of a single sample frame.
func (e Encoding) BytesPerSample() int {
	return e.Channels * e.BitsPerSample / 8
}

// WrapWAV wraps raw PCM bytes in a complete RIFF/WAVE container.
func WrapWAV(pcm []byte, enc Encoding) []byte {
	var buf bytes.Buffer

	blockAlign := enc.BytesPerSample()
	byteRate := enc.SampleRate * blockAlign

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(enc.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(enc.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(enc.BitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
