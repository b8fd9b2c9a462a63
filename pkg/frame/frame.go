// Package frame defines the canonical audio unit shared by the Codec Bridge,
// the Batched Inference Engine, and the Session Layer.
package frame

import "fmt"

// SampleCount is the number of samples in a canonical Frame: 80ms at 24kHz.
const SampleCount = 1920

// SampleRate is the canonical sample rate, in Hz, all Frames are expressed in.
const SampleRate = 24000

// Frame is an immutable container of exactly [SampleCount] f32 samples,
// mono, at [SampleRate]. It is produced by the Codec Bridge (real decode or
// zero-padding at stream end) and consumed exactly once by an Engine step.
type Frame struct {
	Samples [SampleCount]float32
}

// New builds a Frame from samples. len(samples) must equal [SampleCount].
func New(samples []float32) (Frame, error) {
	var f Frame
	if len(samples) != SampleCount {
		return f, fmt.Errorf("frame: got %d samples, want %d", len(samples), SampleCount)
	}
	copy(f.Samples[:], samples)
	return f, nil
}

// Silence returns a Frame of SampleCount zero samples.
func Silence() Frame {
	return Frame{}
}

// PadWithSilence right-pads samples to exactly SampleCount with zeros and
// returns the resulting Frame. len(samples) must not exceed SampleCount.
func PadWithSilence(samples []float32) (Frame, error) {
	if len(samples) > SampleCount {
		return Frame{}, fmt.Errorf("frame: %d samples exceeds capacity %d", len(samples), SampleCount)
	}
	var f Frame
	copy(f.Samples[:], samples)
	return f, nil
}

// Buffer accumulates arbitrary-length float32 sample runs and yields
// complete, fixed-length Frames as they become available. It is the core of
// the Codec Bridge's "buffer to fixed 1920-sample frames" rule (spec §4.2):
// inputs not aligned to SampleCount are buffered, and partial tails are only
// padded with zeros on an explicit Flush.
type Buffer struct {
	pending []float32
}

// Push appends samples and returns every complete Frame that can be formed.
// Leftover samples remain buffered for the next Push or Flush.
func (b *Buffer) Push(samples []float32) []Frame {
	b.pending = append(b.pending, samples...)
	var out []Frame
	for len(b.pending) >= SampleCount {
		f, _ := New(b.pending[:SampleCount])
		out = append(out, f)
		b.pending = b.pending[SampleCount:]
	}
	return out
}

// Flush zero-pads any buffered tail into one final Frame (or returns nil if
// nothing is buffered) and resets the buffer. Called on an explicit stream-end
// marker, never implicitly.
func (b *Buffer) Flush() []Frame {
	if len(b.pending) == 0 {
		return nil
	}
	f, _ := PadWithSilence(b.pending)
	b.pending = nil
	return []Frame{f}
}

// Pending reports how many samples are currently buffered, awaiting either
// more input or a Flush.
func (b *Buffer) Pending() int {
	return len(b.pending)
}
