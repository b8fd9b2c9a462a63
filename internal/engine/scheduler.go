package engine

import "time"

// The functions in this file are called only from Stage A (runStageA in
// pipeline.go) and assume exclusive ownership of e.slots — no locking, per
// spec §5's "owning goroutine" concurrency model.

func (e *Engine) processAdmit(req admitReq) {
	if e.deviceFatal.Load() {
		req.reply <- admitReply{err: ErrDeviceFatal}
		return
	}
	for i, s := range e.slots {
		if s.state != SlotFree {
			continue
		}
		s.state = SlotWarming
		s.sessionID = req.sessionID
		s.egress = req.egress
		s.pendingMarkers = nil
		s.drainStarted = time.Time{}
		e.states[i].Store(int32(SlotWarming))
		e.activeCount.Add(1)
		e.telemetry.emit(TelemetryEvent{Kind: TelemetrySlotAdmitted, SlotIndex: i})
		req.reply <- admitReply{slot: i}
		return
	}
	req.reply <- admitReply{err: ErrAtCapacity}
}

func (e *Engine) processLifecycle(req lifecycleReq) {
	if req.slot < 0 || req.slot >= e.numSlots {
		req.reply <- ErrInvalidSlot
		return
	}
	s := e.slots[req.slot]
	switch req.kind {
	case lifecycleDrain:
		if s.state == SlotActive || s.state == SlotWarming {
			s.state = SlotDraining
			s.drainStarted = time.Now()
			e.states[req.slot].Store(int32(SlotDraining))
		}
		// Draining or Free: idempotent no-op.
	case lifecycleRelease:
		if s.state != SlotFree {
			e.freeSlot(req.slot)
		}
	}
	req.reply <- nil
}

func (e *Engine) freeSlot(i int) {
	s := e.slots[i]
	for {
		select {
		case <-s.inbox:
		default:
			goto drained
		}
	}
drained:
	s.state = SlotFree
	s.sessionID = ""
	s.egress = nil
	s.pendingMarkers = nil
	s.drainStarted = time.Time{}
	e.states[i].Store(int32(SlotFree))
	e.activeCount.Add(-1)
	e.telemetry.emit(TelemetryEvent{Kind: TelemetrySlotFreed, SlotIndex: i})
}

// gatherStep assembles one step's batch: for every non-Free slot, it takes
// at most one buffered message (padding with nil Frame/Tokens if none is
// available yet) and advances marker causality counters. A Draining slot
// with no outstanding causality and an empty inbox is freed after its entry
// for this step has been added to the batch.
func (e *Engine) gatherStep() (inputs []SlotInput, egress []chan Event, warming []bool, markersDue [][]int64) {
	for i, s := range e.slots {
		if s.state == SlotFree {
			continue
		}

		in := SlotInput{SlotIndex: i, Warming: s.state == SlotWarming}
		hasNewInput := false
		select {
		case msg := <-s.inbox:
			e.readyCount.Add(-1)
			in.Frame = msg.frame
			in.Tokens = msg.tokens
			hasNewInput = msg.frame != nil || msg.tokens != nil
			if msg.marker != nil {
				in.Marker = msg.marker
				s.pendingMarkers = append(s.pendingMarkers, pendingMarker{id: *msg.marker, stepsToFire: e.modelDelaySteps})
			}
		default:
			// no new input this step: the Model sees a padded/silent input.
		}

		var due []int64
		remaining := s.pendingMarkers[:0]
		for _, pm := range s.pendingMarkers {
			pm.stepsToFire--
			if pm.stepsToFire <= 0 {
				due = append(due, pm.id)
			} else {
				remaining = append(remaining, pm)
			}
		}
		s.pendingMarkers = remaining

		// Markers due this step are always folded into the batch before the
		// slot can be freed below, so a marker becoming due on the same step
		// the slot goes idle still reaches egress (spec §3/§8 invariant 4)
		// instead of being silently dropped by an immediate free.
		inputs = append(inputs, in)
		egress = append(egress, s.egress)
		warming = append(warming, s.state == SlotWarming)
		markersDue = append(markersDue, due)

		if s.state == SlotWarming {
			s.state = SlotActive
			e.states[i].Store(int32(SlotActive))
		}

		if s.state == SlotDraining {
			idle := len(s.inbox) == 0 && len(s.pendingMarkers) == 0 && len(due) == 0 && !hasNewInput
			timedOut := e.drainTimeout > 0 && !s.drainStarted.IsZero() && time.Since(s.drainStarted) > e.drainTimeout
			if idle || timedOut {
				e.freeSlot(i)
			}
		}
	}
	return inputs, egress, warming, markersDue
}

// releaseFaultedSlots frees exactly the slots that contributed to a step
// that failed with a recoverable model error (spec §4.3.6): the EventError
// notification was already sent to each by Stage B, so this only needs to
// tear down engine-side state. Slots already Free (e.g. the session raced
// its own Release in) are skipped.
func (e *Engine) releaseFaultedSlots(slots []int) {
	for _, i := range slots {
		if i < 0 || i >= e.numSlots {
			continue
		}
		if e.slots[i].state != SlotFree {
			e.freeSlot(i)
		}
	}
}

// broadcastFatal frees every non-Free slot after a device-fatal model error.
// It sends EventError to every Active/Draining/Warming slot, per spec
// §4.3.6's "all sessions receive close code 1011"; the slots in the step
// that observed the fault were already sent one by handleModelError, so
// they receive a second EventError here.
func (e *Engine) broadcastFatal(msg string) {
	for i, s := range e.slots {
		if s.state == SlotFree {
			continue
		}
		if s.egress != nil {
			select {
			case s.egress <- Event{Kind: EventError, Message: msg}:
			default:
			}
		}
		e.freeSlot(i)
	}
}
