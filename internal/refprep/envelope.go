package refprep

import "math"

// envelopeWindowMS is the RMS window width, chosen so consecutive windows
// land on a 20Hz grid (1000ms / 20 = 50ms) for the flow-envelope overlay the
// client animates during playback.
const envelopeWindowMS = 50

// flowEnvelope is the JSON shape uploaded to blobpaths.ReferenceFlowEnvelope.
type flowEnvelope struct {
	WindowMS int       `json:"window_ms"`
	Values   []float64 `json:"values"`
}

// computeFlowEnvelope downsamples mono samples to a 20Hz RMS envelope and
// normalizes it to [0, 1] against its own peak, the same rectify-then-window
// idiom as internal/scoring's cross-correlation envelope but at a coarser,
// display-oriented rate.
func computeFlowEnvelope(samples []float64, sampleRate int) flowEnvelope {
	windowSize := int(float64(sampleRate) * envelopeWindowMS / 1000.0)
	if windowSize < 1 {
		windowSize = 1
	}

	var values []float64
	for start := 0; start < len(samples); start += windowSize {
		end := start + windowSize
		if end > len(samples) {
			end = len(samples)
		}
		values = append(values, rms(samples[start:end]))
	}
	if values == nil {
		values = []float64{}
	}

	peak := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
	}
	if peak > 0 {
		for i := range values {
			values[i] /= peak
		}
	}

	return flowEnvelope{WindowMS: envelopeWindowMS, Values: values}
}

func rms(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range window {
		sumSq += s * s
	}
	return math.Sqrt(sumSq / float64(len(window)))
}
