package modelwhisper

import (
	"testing"

	"github.com/kyutai-labs/moshi-serve/pkg/frame"
)

func TestComputeRMSSilenceBelowThreshold(t *testing.T) {
	silence := frame.Silence()
	if rms := computeRMS(silence.Samples[:]); rms >= silenceRMSThreshold {
		t.Errorf("silence RMS %f should be below threshold %f", rms, silenceRMSThreshold)
	}
}

func TestComputeRMSLoudAboveThreshold(t *testing.T) {
	samples := make([]float32, frame.SampleCount)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.5
		} else {
			samples[i] = -0.5
		}
	}
	if rms := computeRMS(samples); rms < silenceRMSThreshold {
		t.Errorf("loud RMS %f should be above threshold %f", rms, silenceRMSThreshold)
	}
}

func TestComputeRMSEmpty(t *testing.T) {
	if rms := computeRMS(nil); rms != 0 {
		t.Errorf("expected 0 RMS for empty input, got %f", rms)
	}
}

func TestStepDurationMsMatchesFrameGeometry(t *testing.T) {
	if stepDurationMs != 80 {
		t.Errorf("expected 80ms steps at %d samples / %dHz, got %dms", frame.SampleCount, frame.SampleRate, stepDurationMs)
	}
}
