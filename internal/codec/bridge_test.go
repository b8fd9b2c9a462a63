package codec

import (
	"testing"

	"github.com/kyutai-labs/moshi-serve/pkg/frame"
)

func TestBridgeRawF32ZeroLengthIsNoOp(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frames := b.PushRawF32(nil)
	if len(frames) != 0 {
		t.Fatalf("expected no frames from zero-length push, got %d", len(frames))
	}
}

func TestBridgeRawF32BuffersAndFlushes(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Push fewer than SampleCount samples: no complete frame yet.
	short := make([]float32, frame.SampleCount/2)
	if got := b.PushRawF32(short); len(got) != 0 {
		t.Fatalf("expected 0 frames for partial push, got %d", len(got))
	}

	// Push the remainder plus one extra full frame: two frames total.
	rest := make([]float32, frame.SampleCount/2+frame.SampleCount)
	for i := range rest {
		rest[i] = 0.5
	}
	got := b.PushRawF32(rest)
	if len(got) != 2 {
		t.Fatalf("expected 2 complete frames, got %d", len(got))
	}

	// Nothing buffered now; Flush is a no-op.
	if flushed := b.Flush(); flushed != nil {
		t.Fatalf("expected nil flush with empty buffer, got %d frames", len(flushed))
	}
}

func TestBridgeFlushPadsPartialTail(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tail := make([]float32, 100)
	for i := range tail {
		tail[i] = 1.0
	}
	b.PushRawF32(tail)

	flushed := b.Flush()
	if len(flushed) != 1 {
		t.Fatalf("expected exactly 1 padded frame, got %d", len(flushed))
	}
	f := flushed[0]
	for i := 100; i < frame.SampleCount; i++ {
		if f.Samples[i] != 0 {
			t.Fatalf("expected zero padding at index %d, got %v", i, f.Samples[i])
		}
	}
}

func TestBridgeOggOpusZeroFramesNoError(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frames, err := b.PushOggOpus(nil)
	if err != nil {
		t.Fatalf("PushOggOpus(nil): %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected 0 frames, got %d", len(frames))
	}
}

func TestInt16ToFloat32Range(t *testing.T) {
	out := int16ToFloat32([]int16{0, 32767, -32768})
	if out[0] != 0 {
		t.Fatalf("expected 0, got %v", out[0])
	}
	if out[1] <= 0.99 || out[1] > 1.0 {
		t.Fatalf("expected ~1.0, got %v", out[1])
	}
	if out[2] != -1.0 {
		t.Fatalf("expected -1.0, got %v", out[2])
	}
}
