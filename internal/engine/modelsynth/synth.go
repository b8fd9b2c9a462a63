// Package modelsynth is a deterministic, dependency-free [engine.Model]
// backend. It does no real inference: it exists so warmup (spec §4.5) and
// engine tests can exercise the full batching/scheduling machinery without
// loading a real model or linking CGO.
package modelsynth

import (
	"context"
	"sync/atomic"

	"github.com/kyutai-labs/moshi-serve/internal/engine"
	"github.com/kyutai-labs/moshi-serve/pkg/frame"
)

// Model is a synthetic engine.Model: it echoes back a Step event for any
// slot that submitted an audio Frame, and a silent Audio event for any slot
// that submitted text tokens. Deterministic and allocation-light, so it is
// cheap to run at warmup batch sizes.
type Model struct {
	step atomic.Uint64
}

func New() *Model { return &Model{} }

// PreProcess does no transformation: the batch of SlotInput is passed
// through unchanged as pre, since a synthetic model has no codec/tokenizer
// work to front-load into Stage A.
func (m *Model) PreProcess(_ context.Context, inputs []engine.SlotInput) (any, error) {
	return inputs, nil
}

func (m *Model) Step(_ context.Context, pre any) ([]engine.SlotOutput, error) {
	inputs, _ := pre.([]engine.SlotInput)
	stepIdx := m.step.Add(1)
	outs := make([]engine.SlotOutput, len(inputs))
	for i, in := range inputs {
		var evs []engine.Event
		switch {
		case in.Frame != nil:
			evs = append(evs, engine.Event{
				Kind:        engine.EventStep,
				StepIdx:     stepIdx,
				Prs:         []float32{0},
				BufferedPCM: frame.SampleCount,
			})
		case len(in.Tokens) > 0:
			evs = append(evs, engine.Event{
				Kind: engine.EventAudio,
				PCM:  make([]float32, frame.SampleCount),
			})
		}
		outs[i] = engine.SlotOutput{SlotIndex: in.SlotIndex, Events: evs}
	}
	return outs, nil
}

// Warmup drives batchSize synthetic slots through PreProcess/Step directly,
// bypassing the Engine entirely — warmup only needs to pay the allocation
// and (for a real model) kernel-compile cost once, not exercise scheduling.
func (m *Model) Warmup(ctx context.Context, batchSize int) error {
	if batchSize < 1 {
		batchSize = 1
	}
	inputs := make([]engine.SlotInput, batchSize)
	silence := frame.Silence()
	for i := range inputs {
		inputs[i] = engine.SlotInput{SlotIndex: i, Frame: &silence, Warming: true}
	}
	pre, err := m.PreProcess(ctx, inputs)
	if err != nil {
		return err
	}
	_, err = m.Step(ctx, pre)
	return err
}

func (m *Model) Close() error { return nil }
