// Package engine implements the Batched Inference Engine (spec §4.3): the
// component that owns a fixed pool of model slots, batches every non-Free
// slot on each step deadline (a slot with no queued input contributes a
// padded, input-less entry), and fans per-slot results back out.
//
// Concurrency shape is grounded on the reference engine's per-step-owning
// goroutine plus atomic readiness counters and per-slot mpsc channels
// (no shared-state locking on the hot path, per spec §5): slot lifecycle
// (Admit/Drain/Release) is serialized through a control channel processed by
// Stage A, while frame/text/marker submission goes directly to a per-slot
// channel Stage A drains each step. golang.org/x/sync/errgroup drives the
// two-stage pipeline described in pipeline.go.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kyutai-labs/moshi-serve/pkg/frame"
)

const (
	defaultStepPeriod      = 80 * time.Millisecond
	defaultModelDelaySteps = 2
	defaultDrainTimeout    = 5 * time.Second
)

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithStepPeriod(d time.Duration) Option {
	return func(e *Engine) { e.stepPeriod = d }
}

func WithModelDelaySteps(n int) Option {
	return func(e *Engine) { e.modelDelaySteps = n }
}

func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) { e.drainTimeout = d }
}

func WithTelemetry(cb func(TelemetryEvent)) Option {
	return func(e *Engine) { e.telemetryCB = cb }
}

// slotRec is owned exclusively by Stage A; nothing else may read or write
// its fields once the Engine is running.
type slotRec struct {
	state          SlotState
	sessionID      string
	egress         chan Event
	inbox          chan slotMsg
	pendingMarkers []pendingMarker
	drainStarted   time.Time
}

type pendingMarker struct {
	id            int64
	stepsToFire   int
}

type slotMsg struct {
	frame  *frame.Frame
	tokens []string
	marker *int64
}

type admitReq struct {
	sessionID string
	egress    chan Event
	reply     chan admitReply
}

type admitReply struct {
	slot int
	err  error
}

type lifecycleKind int

const (
	lifecycleDrain lifecycleKind = iota
	lifecycleRelease
)

type lifecycleReq struct {
	slot  int
	kind  lifecycleKind
	reply chan error
}

// Engine is a fixed-capacity pool of model slots batched together on a
// shared step cadence (spec §4.3.1).
type Engine struct {
	model    Model
	kind     ModuleKind
	numSlots int

	stepPeriod      time.Duration
	modelDelaySteps int
	drainTimeout    time.Duration
	telemetryCB     func(TelemetryEvent)
	telemetry       *telemetrySink

	slots  []*slotRec
	states []atomic.Int32 // advisory mirror of slotRec.state, for lock-free Submit validation

	admitCh     chan admitReq
	lifecycleCh chan lifecycleReq
	stepNow     chan struct{}

	// stepFaultCh carries the slot indices of a recoverable per-step model
	// error (spec §4.3.6) from Stage B back to Stage A, the exclusive owner
	// of slot state, for release. Buffered generously enough that a normal
	// fault never blocks Stage B: at most numSlots distinct slots can ever
	// be in-flight release requests at once.
	stepFaultCh chan []int
	// fatalCh carries a device-fatal error message from whichever stage
	// first observes it to Stage A, which alone can iterate every currently
	// non-Free slot (spec §4.3.6: "all sessions receive close code 1011",
	// not just the slots in the step that triggered the fault).
	fatalCh chan string

	activeCount atomic.Int32
	readyCount  atomic.Int32
	stepCounter atomic.Uint64

	deviceFatal atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	closeOnce sync.Once
	closed    atomic.Bool
}

// New constructs an Engine with numSlots slots, driving model on the
// configured step cadence. The returned Engine is already running its
// pipeline goroutines; call Close to stop it.
func New(parent context.Context, model Model, kind ModuleKind, numSlots int, opts ...Option) (*Engine, error) {
	if numSlots < 1 {
		return nil, fmt.Errorf("engine: numSlots must be >= 1, got %d", numSlots)
	}
	e := &Engine{
		model:           model,
		kind:            kind,
		numSlots:        numSlots,
		stepPeriod:      defaultStepPeriod,
		modelDelaySteps: defaultModelDelaySteps,
		drainTimeout:    defaultDrainTimeout,
		admitCh:         make(chan admitReq),
		lifecycleCh:     make(chan lifecycleReq),
		stepNow:         make(chan struct{}, 1),
		stepFaultCh:     make(chan []int, numSlots),
		fatalCh:         make(chan string, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.telemetry = newTelemetrySink(e.telemetryCB)

	e.slots = make([]*slotRec, numSlots)
	e.states = make([]atomic.Int32, numSlots)
	for i := range e.slots {
		e.slots[i] = &slotRec{state: SlotFree, inbox: make(chan slotMsg, 64)}
	}

	ctx, cancel := context.WithCancel(parent)
	e.ctx = ctx
	e.cancel = cancel
	eg, egctx := errgroup.WithContext(ctx)
	e.eg = eg

	stageCh := make(chan preparedBatch, 1)
	eg.Go(func() error { return e.runStageA(egctx, stageCh) })
	eg.Go(func() error { return e.runStageB(egctx, stageCh) })

	return e, nil
}

// Kind reports the module kind this Engine was constructed for.
func (e *Engine) Kind() ModuleKind { return e.kind }

// NumSlots reports the fixed slot count.
func (e *Engine) NumSlots() int { return e.numSlots }

// SlotsInUse reports the current count of non-Free slots, for
// /api/status reporting (spec §6.1).
func (e *Engine) SlotsInUse() int { return int(e.activeCount.Load()) }

// Admit reserves a free slot for sessionID and returns its index. Admission
// is all-or-nothing: a full pool returns ErrAtCapacity, never a partial
// reservation (spec §8 invariant 2).
func (e *Engine) Admit(sessionID string, egress chan Event) (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	reply := make(chan admitReply, 1)
	select {
	case e.admitCh <- admitReq{sessionID: sessionID, egress: egress, reply: reply}:
	case <-e.ctx.Done():
		return 0, ErrEngineClosed
	}
	select {
	case r := <-reply:
		return r.slot, r.err
	case <-e.ctx.Done():
		return 0, ErrEngineClosed
	}
}

// SubmitFrame enqueues one decoded audio Frame for slot. Frames for a given
// slot are delivered to the model in submission order (spec §8 invariant 3).
func (e *Engine) SubmitFrame(slot int, f frame.Frame) error {
	if err := e.checkSlot(slot); err != nil {
		return err
	}
	return e.send(slot, slotMsg{frame: &f})
}

// SubmitText enqueues text tokens for slot (TTS modules).
func (e *Engine) SubmitText(slot int, tokens []string) error {
	if err := e.checkSlot(slot); err != nil {
		return err
	}
	return e.send(slot, slotMsg{tokens: tokens})
}

// SubmitMarker enqueues a flush marker for slot. The corresponding
// EventMarker fires after the model's fixed processing delay has elapsed on
// all audio submitted before it (spec §3, §4.3.3).
func (e *Engine) SubmitMarker(slot int, id int64) error {
	if err := e.checkSlot(slot); err != nil {
		return err
	}
	return e.send(slot, slotMsg{marker: &id})
}

func (e *Engine) checkSlot(slot int) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if slot < 0 || slot >= e.numSlots {
		return ErrInvalidSlot
	}
	if st := SlotState(e.states[slot].Load()); st == SlotFree || st == SlotDraining {
		return ErrClosedSlot
	}
	return nil
}

func (e *Engine) send(slot int, msg slotMsg) error {
	select {
	case e.slots[slot].inbox <- msg:
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
	if e.readyCount.Add(1) >= e.activeCount.Load() {
		select {
		case e.stepNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// Drain requests that slot stop accepting new input and free itself once
// outstanding causality (in-flight markers) has resolved, or drainTimeout
// elapses — whichever comes first. Drain is idempotent: calling it on an
// already-draining or already-free slot is a no-op (spec §8 invariant 8).
func (e *Engine) Drain(slot int) error {
	return e.lifecycle(slot, lifecycleDrain)
}

// Release immediately forces slot back to Free, discarding any buffered
// input. Used on session abort or error paths.
func (e *Engine) Release(slot int) error {
	return e.lifecycle(slot, lifecycleRelease)
}

func (e *Engine) lifecycle(slot int, kind lifecycleKind) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if slot < 0 || slot >= e.numSlots {
		return ErrInvalidSlot
	}
	reply := make(chan error, 1)
	select {
	case e.lifecycleCh <- lifecycleReq{slot: slot, kind: kind, reply: reply}:
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
}

// Close stops the pipeline and releases the model. Idempotent.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		_ = e.eg.Wait()
		e.telemetry.close()
		err = e.model.Close()
	})
	return err
}
