package app

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kyutai-labs/moshi-serve/pkg/frame"
)

// wavChannels/wavBitsPerSample describe the only PCM shape this encoder
// ever writes; the sample rate is pkg/frame's canonical one (spec §3).
const (
	wavChannels      = 1
	wavBitsPerSample = 16
)

// encodeWAV writes samples (f32, [-1, 1]) as a canonical 16-bit PCM WAV
// file. No WAV-writing library exists anywhere in the reference corpus
// (grep across every example repo's go.mod/go.sum turns up none), and the
// format itself is a fixed 44-byte header plus raw PCM — not worth a
// dependency even if one existed.
func encodeWAV(samples []float32) ([]byte, error) {
	dataSize := len(samples) * 2
	byteRate := frame.SampleRate * wavChannels * wavBitsPerSample / 8
	blockAlign := wavChannels * wavBitsPerSample / 8

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	if err := binary.Write(buf, binary.LittleEndian, uint32(36+dataSize)); err != nil {
		return nil, fmt.Errorf("app: write wav riff size: %w", err)
	}
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16)) // fmt chunk size (PCM)
	binary.Write(buf, binary.LittleEndian, uint16(1))  // audio format: PCM
	binary.Write(buf, binary.LittleEndian, uint16(wavChannels))
	binary.Write(buf, binary.LittleEndian, uint32(frame.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(wavBitsPerSample))

	buf.WriteString("data")
	if err := binary.Write(buf, binary.LittleEndian, uint32(dataSize)); err != nil {
		return nil, fmt.Errorf("app: write wav data size: %w", err)
	}
	for _, s := range samples {
		if err := binary.Write(buf, binary.LittleEndian, floatToPCM16(s)); err != nil {
			return nil, fmt.Errorf("app: write wav sample: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// floatToPCM16 clamps s to [-1, 1] and converts to a signed 16-bit sample.
func floatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}
