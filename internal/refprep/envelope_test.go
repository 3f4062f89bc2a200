package refprep

import "testing"

func TestComputeFlowEnvelopeNormalizesToUnitPeak(t *testing.T) {
	sampleRate := 1000 // 50 samples per 50ms window
	samples := make([]float64, sampleRate*2)
	for i := range samples {
		if i < sampleRate {
			samples[i] = 0.1
		} else {
			samples[i] = 0.5
		}
	}

	env := computeFlowEnvelope(samples, sampleRate)
	if env.WindowMS != envelopeWindowMS {
		t.Errorf("WindowMS = %d, want %d", env.WindowMS, envelopeWindowMS)
	}
	if len(env.Values) == 0 {
		t.Fatal("expected non-empty envelope")
	}

	peak := 0.0
	for _, v := range env.Values {
		if v > peak {
			peak = v
		}
		if v < 0 || v > 1 {
			t.Fatalf("value %f outside [0,1]", v)
		}
	}
	if peak < 0.99 {
		t.Errorf("peak = %f, want ~1.0", peak)
	}
}

func TestComputeFlowEnvelopeSilenceIsAllZero(t *testing.T) {
	samples := make([]float64, 1000)
	env := computeFlowEnvelope(samples, 1000)
	for _, v := range env.Values {
		if v != 0 {
			t.Fatalf("expected all-zero envelope for silence, got %f", v)
		}
	}
}

func TestRMSEmptyWindowIsZero(t *testing.T) {
	if got := rms(nil); got != 0 {
		t.Errorf("rms(nil) = %f, want 0", got)
	}
}
