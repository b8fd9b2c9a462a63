package engine

import (
	"context"
	"errors"
	"time"
)

// preparedBatch is what Stage A hands to Stage B: everything Stage B needs
// to dispatch per-slot events without touching e.slots (which Stage A owns
// exclusively) — spec §4.3.2's two-stage split.
type preparedBatch struct {
	stepIdx    uint64
	slotIdx    []int
	egress     []chan Event
	warming    []bool
	markersDue [][]int64
	pre        any
}

// runStageA gathers one batch per step deadline and hands it to Stage B over
// stageCh. A step also fires early once the number of inputs queued across
// all slots reaches the number of non-Free slots (the readyCount check in
// send); that count is not kept per slot, so an early step does not imply
// that every active slot has contributed input. It also owns slot lifecycle: admission and drain/release
// requests are processed here, serialized with step gathering, so a slot
// never changes state mid-step.
func (e *Engine) runStageA(ctx context.Context, stageCh chan<- preparedBatch) error {
	ticker := time.NewTicker(e.stepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.admitCh:
			e.processAdmit(req)
			continue
		case req := <-e.lifecycleCh:
			e.processLifecycle(req)
			continue
		case slots := <-e.stepFaultCh:
			e.releaseFaultedSlots(slots)
			continue
		case msg := <-e.fatalCh:
			e.broadcastFatal(msg)
			continue
		case <-e.stepNow:
			ticker.Reset(e.stepPeriod)
		case <-ticker.C:
		}

		if e.deviceFatal.Load() {
			continue
		}

		inputs, egress, warming, markersDue := e.gatherStep()
		if len(inputs) == 0 {
			continue
		}

		slotIdx := make([]int, len(inputs))
		for i, in := range inputs {
			slotIdx[i] = in.SlotIndex
		}

		stepIdx := e.stepCounter.Add(1)
		pre, err := e.model.PreProcess(ctx, inputs)
		if err != nil {
			e.handleModelError(err, slotIdx, egress)
			continue
		}

		batch := preparedBatch{
			stepIdx:    stepIdx,
			slotIdx:    slotIdx,
			egress:     egress,
			warming:    warming,
			markersDue: markersDue,
			pre:        pre,
		}
		select {
		case stageCh <- batch:
		case <-ctx.Done():
			return nil
		}
	}
}

// runStageB runs inference on each prepared batch and fans the resulting
// events out to per-slot egress queues. Audio is lossy: a full queue drops
// the frame and records telemetry rather than stalling the step loop. Every
// other event kind must never be silently dropped (spec §4.4.3): a full
// queue instead evicts the oldest buffered item — safe, since this goroutine
// is the channel's sole writer — and substitutes EventOverloaded, so the
// session disconnects with close code 4005 instead of losing ASR text or
// marker causality.
func (e *Engine) runStageB(ctx context.Context, stageCh <-chan preparedBatch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-stageCh:
			start := time.Now()
			outputs, err := e.model.Step(ctx, batch.pre)
			if err != nil {
				e.handleModelError(err, batch.slotIdx, batch.egress)
				continue
			}
			e.telemetry.emit(TelemetryEvent{Kind: TelemetryStep, StepIdx: batch.stepIdx, Duration: time.Since(start)})

			bySlot := make(map[int][]Event, len(outputs))
			for _, o := range outputs {
				bySlot[o.SlotIndex] = o.Events
			}

			for i, slotIdx := range batch.slotIdx {
				egress := batch.egress[i]
				if egress == nil {
					continue
				}
				var evs []Event
				if batch.warming[i] {
					evs = append(evs, Event{Kind: EventReady})
				}
				evs = append(evs, bySlot[slotIdx]...)
				for _, id := range batch.markersDue[i] {
					evs = append(evs, Event{Kind: EventMarker, MarkerID: id})
				}

				for _, ev := range evs {
					if ev.Kind == EventAudio {
						select {
						case egress <- ev:
						default:
							e.telemetry.emit(TelemetryEvent{Kind: TelemetryEgressDropped, SlotIndex: slotIdx, StepIdx: batch.stepIdx})
						}
						continue
					}

					select {
					case egress <- ev:
						continue
					default:
					}

					select {
					case <-egress:
					default:
					}
					select {
					case egress <- Event{Kind: EventOverloaded}:
					default:
					}
					break
				}
			}
		}
	}
}

// handleModelError classifies a model error (spec §4.3.6). A wrapped
// ErrDeviceFatal (OOM, driver loss) terminates the engine: every non-Free
// slot, not just this step's batch, receives EventError and is released, and
// no further admission succeeds. Any other error is a recoverable per-step
// execution fault: only the slots that contributed to this step are
// notified and released, and every other session keeps stepping.
func (e *Engine) handleModelError(err error, slotIdx []int, egress []chan Event) {
	msg := err.Error()

	if errors.Is(err, ErrDeviceFatal) {
		if !e.deviceFatal.CompareAndSwap(false, true) {
			return
		}
		e.telemetry.emit(TelemetryEvent{Kind: TelemetryDeviceFatal})
		for _, eg := range egress {
			if eg == nil {
				continue
			}
			select {
			case eg <- Event{Kind: EventError, Message: msg}:
			default:
			}
		}
		select {
		case e.fatalCh <- msg:
		default:
		}
		return
	}

	for _, eg := range egress {
		if eg == nil {
			continue
		}
		select {
		case eg <- Event{Kind: EventError, Message: msg}:
		default:
		}
	}
	e.telemetry.emit(TelemetryEvent{Kind: TelemetryStepFault})
	select {
	case e.stepFaultCh <- append([]int(nil), slotIdx...):
	default:
		e.telemetry.emit(TelemetryEvent{Kind: TelemetryStepFaultReleaseDropped})
	}
}
