package engine

import "github.com/kyutai-labs/moshi-serve/pkg/frame"

// SlotState is a slot's position in the state machine of spec §4.3.5:
//
//	Free --admit--> Warming --(ready)--> Active --drain--> Draining --(final marker or timeout)--> Free
type SlotState int32

const (
	SlotFree SlotState = iota
	SlotWarming
	SlotActive
	SlotDraining
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotWarming:
		return "warming"
	case SlotActive:
		return "active"
	case SlotDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ModuleKind is the closed tagged variant of module types spec §9 calls for
// in place of dynamic dispatch: the Engine is constructed once per kind and
// never switches kind at runtime.
type ModuleKind string

const (
	KindAsr        ModuleKind = "Asr"
	KindBatchedAsr ModuleKind = "BatchedAsr"
	KindTts        ModuleKind = "Tts"
)

// EventKind tags the egress events an Engine delivers to a Session's queue
// (spec §4.3.1).
type EventKind int

const (
	EventReady EventKind = iota
	EventWord
	EventEndWord
	EventStep
	EventAudio
	EventMarker
	EventError
	// EventOverloaded is an internal-only signal (never translated to a wire
	// OutMsg): the egress queue was full for an event kind spec §4.4.3 says
	// must never be dropped (everything but Audio). The session disconnects
	// with close code 4005 on observing it.
	EventOverloaded
)

// Event is one tagged egress item. Only the fields relevant to Kind are
// meaningful. internal/session translates Event into the wire OutMsg shape.
type Event struct {
	Kind EventKind

	// Word / EndWord
	Word      string
	StartS    float64
	StopS     float64

	// Step (semantic-VAD, optional — spec §9: Prs is opaque, no fixed length)
	StepIdx     uint64
	Prs         []float32
	BufferedPCM int

	// Audio (TTS)
	PCM []float32

	// Marker
	MarkerID int64

	// Error
	Message string
}

// SlotInput is what Stage A hands to [Model.PreProcess] for one slot on one
// step. Frame is nil when the slot contributed no new input this step — the
// Engine has already substituted synthesized silence/pad per spec §4.3.3,
// and Frame being nil (rather than a populated silent Frame) lets a Model
// distinguish "real silence the client sent" from "the scheduler padded
// this slot" if it cares to.
type SlotInput struct {
	SlotIndex int
	Frame     *frame.Frame // ASR: decoded/padded audio
	Tokens    []string     // TTS: text tokens
	Marker    *int64       // a marker submitted with this step's input, if any
	Warming   bool         // true on the slot's first step after Admit
}

// SlotOutput is what [Model.Step] returns for one slot on one step.
type SlotOutput struct {
	SlotIndex int
	Events    []Event
}
