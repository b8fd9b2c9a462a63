// Package gpuprofile implements the GPU Profile component (spec §4.1): probe
// the compute device once at process start, pick a numeric precision and a
// safe batch size, and reserve VRAM headroom for Engine construction.
//
// No concrete CUDA/NVML binding exists anywhere in the reference corpus, and
// spec §4.1 itself names the input as "an abstract device handle" — so
// [Device] stays an interface with a deterministic [StubDevice]
// implementation rather than vendoring a hardware SDK.
package gpuprofile

import "fmt"

// Dtype is the numeric precision the Engine runs its model in.
type Dtype string

const (
	DtypeBF16 Dtype = "bf16"
	DtypeF16  Dtype = "f16"
	DtypeF32  Dtype = "f32"
)

// bytesPerParam is the storage cost of one model parameter at a given Dtype.
func bytesPerParam(d Dtype) uint64 {
	if d == DtypeF32 {
		return 4
	}
	return 2 // bf16, f16
}

// Device is an abstract compute device handle. A real deployment would back
// this with whatever hardware-probing mechanism the host provides; this
// repository never assumes one exists (spec §4.1, §9).
type Device interface {
	Name() string
	// ComputeCapability returns the device's major.minor compute capability
	// (the CUDA convention of naming GPU generations); devices with no such
	// concept may report (0, 0), which this package treats as "no bf16/f16
	// acceleration assumed" and falls back to f32.
	ComputeCapability() (major, minor int)
	TotalVRAMBytes() uint64
}

// StubDevice is a deterministic [Device] used where no real hardware probe
// is wired — in tests and as the default
// when the process has no other way to learn device characteristics.
type StubDevice struct {
	DeviceName      string
	CapMajor        int
	CapMinor        int
	TotalVRAMBytesN uint64
}

func (s StubDevice) Name() string                    { return s.DeviceName }
func (s StubDevice) ComputeCapability() (int, int)   { return s.CapMajor, s.CapMinor }
func (s StubDevice) TotalVRAMBytes() uint64          { return s.TotalVRAMBytesN }

// Config holds the configuration inputs spec §4.1 calls out as having
// "documented defaults": reserved headroom, the billions-of-parameters hint,
// and the per-batch-item cost. All three are ordinarily sourced from the
// MOSHI_VRAM_RESERVED_MB / MOSHI_MODEL_PARAMS_BILLIONS / MOSHI_PER_BATCH_ITEM_MB
// environment fallbacks (spec §6.4) by [internal/config].
type Config struct {
	// ReservedHeadroomBytes is VRAM set aside for the CUDA context, allocator
	// fragmentation, and other non-model consumers. Default: 1 GiB.
	ReservedHeadroomBytes uint64
	// ModelParamsBillions is the parameter count of the loaded model, in
	// billions. Default: 2.6 (the Moshi 2.6B configuration named in spec §9).
	ModelParamsBillions float64
	// PerBatchItemBytes is the additional VRAM cost of one more slot in the
	// batch (KV cache, activations). Default: 256 MiB.
	PerBatchItemBytes uint64
	// CodecBytes is the fixed VRAM footprint of the audio codec model.
	// Default: 128 MiB.
	CodecBytes uint64
	// DtypeOverride, if non-empty, bypasses the compute-capability policy
	// below (spec §4.1: "the profile is advisory: explicit config overrides
	// it.").
	DtypeOverride Dtype
	// RequestedBatchSize, if > 0, is clamped down to the VRAM-derived
	// recommendation but never raised past it.
	RequestedBatchSize int
}

// DefaultConfig returns the documented defaults named in the field comments
// above, before any environment or per-module override is applied.
func DefaultConfig() Config {
	const gib = 1 << 30
	const mib = 1 << 20
	return Config{
		ReservedHeadroomBytes: 1 * gib,
		ModelParamsBillions:   2.6,
		PerBatchItemBytes:     256 * mib,
		CodecBytes:            128 * mib,
	}
}

// Record is the output of [Probe]: the profile consumed by Engine
// construction.
type Record struct {
	DeviceKind         string
	ComputeMajor       int
	ComputeMinor       int
	TotalVRAMBytes     uint64
	RecommendedDtype   Dtype
	RecommendedMaxBatch int
}

// InsufficientVRAMError is returned by [Probe] when available VRAM after
// reservations cannot fit even one batch item. ShortfallBytes is always > 0.
type InsufficientVRAMError struct {
	ShortfallBytes uint64
}

func (e *InsufficientVRAMError) Error() string {
	return fmt.Sprintf("gpuprofile: insufficient VRAM: short by %.1f MB", float64(e.ShortfallBytes)/(1<<20))
}

// Probe evaluates dev once and produces a [Record]. It never touches dev
// again afterward — the profile is a point-in-time snapshot taken at process
// start (spec §4.1).
func Probe(dev Device, cfg Config) (Record, error) {
	major, minor := dev.ComputeCapability()

	dtype := cfg.DtypeOverride
	if dtype == "" {
		dtype = recommendDtype(major, minor)
	}

	modelBytes := uint64(cfg.ModelParamsBillions * 1e9 * float64(bytesPerParam(dtype)))
	reserved := cfg.ReservedHeadroomBytes + modelBytes + cfg.CodecBytes

	total := dev.TotalVRAMBytes()
	if reserved > total {
		return Record{}, &InsufficientVRAMError{ShortfallBytes: reserved - total}
	}
	available := total - reserved

	if cfg.PerBatchItemBytes == 0 {
		return Record{}, fmt.Errorf("gpuprofile: PerBatchItemBytes must be > 0")
	}
	if available < cfg.PerBatchItemBytes {
		return Record{}, &InsufficientVRAMError{ShortfallBytes: cfg.PerBatchItemBytes - available}
	}

	maxBatch := int(available / cfg.PerBatchItemBytes)
	if maxBatch < 1 {
		maxBatch = 1
	}
	if cfg.RequestedBatchSize > 0 && cfg.RequestedBatchSize < maxBatch {
		maxBatch = cfg.RequestedBatchSize
	}

	return Record{
		DeviceKind:          dev.Name(),
		ComputeMajor:        major,
		ComputeMinor:        minor,
		TotalVRAMBytes:      total,
		RecommendedDtype:    dtype,
		RecommendedMaxBatch: maxBatch,
	}, nil
}

// recommendDtype implements spec §4.1's policy table:
//
//	compute capability >= 8.0  => bf16
//	>= 7.5 (no native bf16)    => f16
//	else                       => f32
func recommendDtype(major, minor int) Dtype {
	cc := float64(major) + float64(minor)/10
	switch {
	case cc >= 8.0:
		return DtypeBF16
	case cc >= 7.5:
		return DtypeF16
	default:
		return DtypeF32
	}
}
