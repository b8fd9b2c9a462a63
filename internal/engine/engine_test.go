package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kyutai-labs/moshi-serve/internal/engine"
	"github.com/kyutai-labs/moshi-serve/internal/engine/modelsynth"
	"github.com/kyutai-labs/moshi-serve/pkg/frame"
)

func newTestEngine(t *testing.T, numSlots int) *engine.Engine {
	t.Helper()
	e, err := engine.New(context.Background(), modelsynth.New(), engine.KindAsr, numSlots,
		engine.WithStepPeriod(5*time.Millisecond),
		engine.WithModelDelaySteps(1),
		engine.WithDrainTimeout(200*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// invariant: slot exclusivity — admission never hands the same slot to two
// sessions concurrently.
func TestAdmitSlotExclusivity(t *testing.T) {
	e := newTestEngine(t, 2)
	eg1 := make(chan engine.Event, 8)
	eg2 := make(chan engine.Event, 8)
	eg3 := make(chan engine.Event, 8)

	s1, err := e.Admit("a", eg1)
	if err != nil {
		t.Fatalf("Admit a: %v", err)
	}
	s2, err := e.Admit("b", eg2)
	if err != nil {
		t.Fatalf("Admit b: %v", err)
	}
	if s1 == s2 {
		t.Fatalf("two sessions admitted to the same slot %d", s1)
	}

	// invariant: admission is deterministic all-or-nothing — pool is full.
	if _, err := e.Admit("c", eg3); err != engine.ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

func TestAdmitAtCapacityThenReleaseFreesSlot(t *testing.T) {
	e := newTestEngine(t, 1)
	eg1 := make(chan engine.Event, 8)
	slot, err := e.Admit("a", eg1)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	eg2 := make(chan engine.Event, 8)
	if _, err := e.Admit("b", eg2); err != engine.ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	if err := e.Release(slot); err != nil {
		t.Fatalf("Release: %v", err)
	}

	waitForSlotsInUse(t, e, 0)

	if _, err := e.Admit("b", eg2); err != nil {
		t.Fatalf("Admit after release: %v", err)
	}
}

func TestSubmitFrameInvalidSlot(t *testing.T) {
	e := newTestEngine(t, 1)
	if err := e.SubmitFrame(5, frame.Silence()); err != engine.ErrInvalidSlot {
		t.Fatalf("expected ErrInvalidSlot, got %v", err)
	}
	if err := e.SubmitFrame(0, frame.Silence()); err != engine.ErrClosedSlot {
		t.Fatalf("expected ErrClosedSlot, got %v", err)
	}
}

func TestWarmingSlotEmitsReadyThenSteps(t *testing.T) {
	e := newTestEngine(t, 1)
	eg := make(chan engine.Event, 32)
	slot, err := e.Admit("a", eg)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	ready := waitForEvent(t, eg, engine.EventReady)
	if ready.Kind != engine.EventReady {
		t.Fatalf("expected EventReady first, got %v", ready.Kind)
	}

	if err := e.SubmitFrame(slot, frame.Silence()); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	step := waitForEvent(t, eg, engine.EventStep)
	if step.BufferedPCM != frame.SampleCount {
		t.Errorf("expected BufferedPCM=%d, got %d", frame.SampleCount, step.BufferedPCM)
	}
}

// invariant: per-session ordering — frames submitted in order are reflected
// in monotonically increasing step indices for that slot.
func TestPerSessionStepOrdering(t *testing.T) {
	e := newTestEngine(t, 1)
	eg := make(chan engine.Event, 64)
	slot, err := e.Admit("a", eg)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitForEvent(t, eg, engine.EventReady)

	for i := 0; i < 5; i++ {
		if err := e.SubmitFrame(slot, frame.Silence()); err != nil {
			t.Fatalf("SubmitFrame %d: %v", i, err)
		}
	}

	var last uint64
	seen := 0
	deadline := time.After(2 * time.Second)
	for seen < 5 {
		select {
		case ev := <-eg:
			if ev.Kind != engine.EventStep {
				continue
			}
			if ev.StepIdx <= last {
				t.Fatalf("step index did not increase: last=%d got=%d", last, ev.StepIdx)
			}
			last = ev.StepIdx
			seen++
		case <-deadline:
			t.Fatalf("timed out waiting for steps, saw %d/5", seen)
		}
	}
}

// invariant: idempotent drain — calling Drain twice, or Drain on a slot
// that already freed itself, never errors or double-frees.
func TestDrainIsIdempotent(t *testing.T) {
	e := newTestEngine(t, 1)
	eg := make(chan engine.Event, 8)
	slot, err := e.Admit("a", eg)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitForEvent(t, eg, engine.EventReady)

	if err := e.Drain(slot); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := e.Drain(slot); err != nil {
		t.Fatalf("second Drain: %v", err)
	}

	waitForSlotsInUse(t, e, 0)

	if err := e.Drain(slot); err != nil {
		t.Fatalf("Drain after auto-free: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t, 1)
	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := e.Admit("a", make(chan engine.Event, 1)); err != engine.ErrEngineClosed {
		t.Fatalf("expected ErrEngineClosed after Close, got %v", err)
	}
}

// failingModel always errors on Step, simulating a device-fatal condition
// (spec §4.3.6).
type failingModel struct{}

func (failingModel) PreProcess(_ context.Context, inputs []engine.SlotInput) (any, error) {
	return inputs, nil
}
func (failingModel) Step(context.Context, any) ([]engine.SlotOutput, error) {
	return nil, errDeviceDied
}
func (failingModel) Warmup(context.Context, int) error { return nil }
func (failingModel) Close() error                      { return nil }

var errDeviceDied = fmt.Errorf("device died: %w", engine.ErrDeviceFatal)

func TestDeviceFatalStepErrorClosesSlotWithError(t *testing.T) {
	e, err := engine.New(context.Background(), failingModel{}, engine.KindAsr, 1,
		engine.WithStepPeriod(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	eg := make(chan engine.Event, 8)
	slot, err := e.Admit("a", eg)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := e.SubmitFrame(slot, frame.Silence()); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}

	errEv := waitForEvent(t, eg, engine.EventError)
	if errEv.Message == "" {
		t.Errorf("expected a non-empty error message")
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := e.Admit("b", make(chan engine.Event, 1)); err == engine.ErrDeviceFatal {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for Admit to observe device-fatal state")
		}
	}
}

// recoverableFaultModel fails Step exactly once with a plain (non-fatal)
// error, simulating bad audio for one utterance rather than a device
// failure (spec §4.3.6).
type recoverableFaultModel struct {
	failed atomic.Bool
}

func (m *recoverableFaultModel) PreProcess(_ context.Context, inputs []engine.SlotInput) (any, error) {
	return inputs, nil
}
func (m *recoverableFaultModel) Step(context.Context, any) ([]engine.SlotOutput, error) {
	if m.failed.CompareAndSwap(false, true) {
		return nil, errors.New("bad audio for this utterance")
	}
	return nil, nil
}
func (m *recoverableFaultModel) Warmup(context.Context, int) error { return nil }
func (m *recoverableFaultModel) Close() error                      { return nil }

// invariant: a recoverable per-step model fault (spec §4.3.6) releases only
// the slots that contributed to the failing step and never flips the engine
// device-fatal — unlike TestDeviceFatalStepErrorClosesSlotWithError's
// ErrDeviceFatal-wrapped error.
func TestRecoverableStepFaultReleasesOnlyAffectedSlot(t *testing.T) {
	e, err := engine.New(context.Background(), &recoverableFaultModel{}, engine.KindAsr, 1,
		engine.WithStepPeriod(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	eg := make(chan engine.Event, 8)
	slot, err := e.Admit("a", eg)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := e.SubmitFrame(slot, frame.Silence()); err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}

	errEv := waitForEvent(t, eg, engine.EventError)
	if errEv.Message == "" {
		t.Errorf("expected a non-empty error message")
	}

	waitForSlotsInUse(t, e, 0)

	if _, err := e.Admit("b", make(chan engine.Event, 1)); err != nil {
		t.Fatalf("expected Admit to succeed after a recoverable fault, got %v", err)
	}
}

// invariant: a non-audio event (spec §4.4.3) is never silently dropped on a
// full egress queue — the queue gets an EventOverloaded instead so the
// session can disconnect with close code 4005.
func TestEgressOverloadSignalsRatherThanDroppingNonAudio(t *testing.T) {
	e := newTestEngine(t, 1)
	eg := make(chan engine.Event, 2)
	slot, err := e.Admit("a", eg)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := e.SubmitFrame(slot, frame.Silence()); err != nil {
			t.Fatalf("SubmitFrame %d: %v", i, err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	var sawOverloaded bool
	for drain := true; drain; {
		select {
		case ev := <-eg:
			if ev.Kind == engine.EventOverloaded {
				sawOverloaded = true
			}
		default:
			drain = false
		}
	}
	if !sawOverloaded {
		t.Fatalf("expected an EventOverloaded once the egress queue stayed full")
	}
}

func waitForEvent(t *testing.T, ch <-chan engine.Event, kind engine.EventKind) engine.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func waitForSlotsInUse(t *testing.T, e *engine.Engine, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if e.SlotsInUse() == want {
			return
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for SlotsInUse()==%d, got %d", want, e.SlotsInUse())
		}
	}
}
