// Package codec implements the Codec Bridge (spec §4.2): it converts ingress
// audio — either raw f32 PCM or Opus frames encapsulated in Ogg pages — into
// the canonical fixed-length [frame.Frame] sequence the Engine consumes.
package codec

import (
	"fmt"

	"github.com/kyutai-labs/moshi-serve/pkg/frame"
	"layeh.com/gopus"
)

// opusFrameSamples is the number of samples per channel gopus expects per
// Decode call. Ogg Opus streams at 24kHz mono pack 20ms per packet, matching
// the bitstream's own framing; the result is re-chunked into 1920-sample
// (80ms) Frames by the embedded Buffer regardless of this value.
const opusFrameSamples = frame.SampleRate * 20 / 1000 // 480

// Bridge decodes an inbound audio stream (raw f32 or Ogg/Opus) into canonical
// [frame.Frame] values. One Bridge is created per session; it is not safe for
// concurrent use from multiple goroutines.
type Bridge struct {
	dec *gopus.Decoder
	buf frame.Buffer
}

// New creates a Bridge with a fresh Opus decoder state for one session.
func New() (*Bridge, error) {
	dec, err := gopus.NewDecoder(frame.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Bridge{dec: dec}, nil
}

// PushRawF32 accepts InMsg::Audio samples (already 24kHz mono f32) and
// returns every complete Frame the push produces. Zero-length input is
// accepted and is a no-op (spec §8 boundary behavior).
func (b *Bridge) PushRawF32(samples []float32) []frame.Frame {
	if len(samples) == 0 {
		return nil
	}
	return b.buf.Push(samples)
}

// PushOggOpus decodes an Ogg-encapsulated Opus blob (InMsg::OggOpus) and
// returns every complete Frame the decoded audio produces. An Ogg/Opus blob
// with zero audio packets yields zero frames without error (spec §8).
func (b *Bridge) PushOggOpus(data []byte) ([]frame.Frame, error) {
	if len(data) == 0 {
		return nil, nil
	}
	pages, err := decodeOggPackets(data)
	if err != nil {
		return nil, fmt.Errorf("codec: decode ogg packets: %w", err)
	}

	var out []frame.Frame
	for _, pkt := range opusAudioPackets(pages) {
		pcm, err := b.dec.Decode(pkt, opusFrameSamples, false)
		if err != nil {
			return nil, fmt.Errorf("codec: opus decode: %w", err)
		}
		samples := int16ToFloat32(pcm)
		out = append(out, b.buf.Push(samples)...)
	}
	return out, nil
}

// Flush zero-pads any buffered tail into a final Frame. The Session Layer
// calls it once, when the client disconnects; a Marker does not flush it,
// and it is never called implicitly mid-stream.
func (b *Bridge) Flush() []frame.Frame {
	return b.buf.Flush()
}

// int16ToFloat32 converts signed 16-bit PCM samples (gopus's decode output)
// to float32 samples normalised to [-1.0, 1.0].
func int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}
