package gpuprofile

import "testing"

func TestRecommendDtypePolicy(t *testing.T) {
	cases := []struct {
		major, minor int
		want         Dtype
	}{
		{8, 0, DtypeBF16},
		{9, 0, DtypeBF16},
		{7, 5, DtypeF16},
		{7, 0, DtypeF32},
		{0, 0, DtypeF32},
	}
	for _, c := range cases {
		if got := recommendDtype(c.major, c.minor); got != c.want {
			t.Errorf("recommendDtype(%d,%d) = %v, want %v", c.major, c.minor, got, c.want)
		}
	}
}

func TestProbeBatchSizeFormula(t *testing.T) {
	dev := StubDevice{DeviceName: "test-gpu", CapMajor: 8, CapMinor: 0, TotalVRAMBytesN: 24 << 30}
	cfg := DefaultConfig()

	rec, err := Probe(dev, cfg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rec.RecommendedDtype != DtypeBF16 {
		t.Errorf("expected bf16, got %v", rec.RecommendedDtype)
	}
	if rec.RecommendedMaxBatch < 1 {
		t.Errorf("expected a positive recommended batch, got %d", rec.RecommendedMaxBatch)
	}
}

func TestProbeDtypeOverride(t *testing.T) {
	dev := StubDevice{DeviceName: "test-gpu", CapMajor: 9, CapMinor: 0, TotalVRAMBytesN: 24 << 30}
	cfg := DefaultConfig()
	cfg.DtypeOverride = DtypeF32

	rec, err := Probe(dev, cfg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rec.RecommendedDtype != DtypeF32 {
		t.Errorf("expected override f32, got %v", rec.RecommendedDtype)
	}
}

func TestProbeInsufficientVRAM(t *testing.T) {
	dev := StubDevice{DeviceName: "tiny-gpu", CapMajor: 8, CapMinor: 0, TotalVRAMBytesN: 512 << 20}
	cfg := DefaultConfig()

	_, err := Probe(dev, cfg)
	if err == nil {
		t.Fatalf("expected insufficient VRAM error")
	}
	var vramErr *InsufficientVRAMError
	if !asInsufficientVRAM(err, &vramErr) {
		t.Fatalf("expected *InsufficientVRAMError, got %T: %v", err, err)
	}
	if vramErr.ShortfallBytes == 0 {
		t.Errorf("expected a non-zero shortfall")
	}
}

func TestProbeRequestedBatchSizeClampsDown(t *testing.T) {
	dev := StubDevice{DeviceName: "test-gpu", CapMajor: 8, CapMinor: 0, TotalVRAMBytesN: 24 << 30}
	cfg := DefaultConfig()
	cfg.RequestedBatchSize = 1

	rec, err := Probe(dev, cfg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rec.RecommendedMaxBatch != 1 {
		t.Errorf("expected clamp to 1, got %d", rec.RecommendedMaxBatch)
	}
}

func asInsufficientVRAM(err error, target **InsufficientVRAMError) bool {
	v, ok := err.(*InsufficientVRAMError)
	if ok {
		*target = v
	}
	return ok
}
