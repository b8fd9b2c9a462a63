package engine

import "context"

// Model is the batched inference backend an Engine drives. It is the seam
// spec §4.3 draws between "how the Engine schedules and admits slots" and
// "what the loaded model actually computes" — concrete backends live in
// internal/engine/modelwhisper (real CGO inference) and
// internal/engine/modelsynth (deterministic, dependency-free stand-in used
// for warmup and tests).
//
// PreProcess and Step are split so Stage A (gathering/preparing batch k+1)
// can run concurrently with Stage B (computing batch k) — spec §4.3.2. A
// Model that cannot usefully split the two (most real models can: tokenize
// and pad while the GPU still runs the previous step) may do all of its work
// in Step and return pre unchanged from PreProcess.
type Model interface {
	// PreProcess prepares a batch from this step's per-slot inputs — codec
	// decode, padding, tokenization — anything that does not require the
	// model's own state. It must not mutate shared model state, since it runs
	// concurrently with the previous step's Step call.
	PreProcess(ctx context.Context, inputs []SlotInput) (pre any, err error)

	// Step runs one inference step over the batch pre (as returned by
	// PreProcess) and returns per-slot outputs. Only one Step call is ever in
	// flight at a time.
	Step(ctx context.Context, pre any) ([]SlotOutput, error)

	// Warmup runs one step over a synthetic batch of batchSize slots so the
	// first real request does not pay allocation/compile costs (spec §4.5).
	Warmup(ctx context.Context, batchSize int) error

	// Close releases any resources the model holds (device contexts, file
	// handles). Idempotent.
	Close() error
}
