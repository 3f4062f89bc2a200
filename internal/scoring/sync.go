package scoring

import "math"

// SyncTargetSampleRate is the rate amplitude envelopes are computed at
// before correlation; 8kHz is ample for a 50ms envelope window and keeps
// the correlation over a multi-minute track cheap.
const SyncTargetSampleRate = 8000

// SyncMaxOffsetSeconds bounds the lag search window in both directions.
const SyncMaxOffsetSeconds = 30.0

// SyncOffset is the measured temporal offset between a user recording and
// its reference, in seconds: positive means the user recording starts
// later than the reference and should be shifted backward to align.
type SyncOffset struct {
	OffsetSeconds float64
	Confidence    float64
	Method        string
}

// ComputeSyncOffset cross-correlates the amplitude envelopes of two mono
// signals already resampled to SyncTargetSampleRate, returning the lag at
// peak correlation and a 0-1 confidence derived from the peak-to-mean
// ratio in the search window. Confidence is 0 (and offset 0) if either
// signal is near-silent.
func ComputeSyncOffset(userSamples, refSamples []float64) SyncOffset {
	userEnv := amplitudeEnvelope(userSamples, SyncTargetSampleRate)
	refEnv := amplitudeEnvelope(refSamples, SyncTargetSampleRate)

	userEnv, userOK := normalize(userEnv)
	refEnv, refOK := normalize(refEnv)
	if !userOK || !refOK {
		return SyncOffset{Method: "cross_correlation"}
	}

	maxLagSamples := int(SyncMaxOffsetSeconds * SyncTargetSampleRate)
	correlation := crossCorrelateLagRange(userEnv, refEnv, -maxLagSamples, maxLagSamples)

	peakOffset := argmax(correlation)
	lagSamples := peakOffset - maxLagSamples
	offsetSeconds := float64(lagSamples) / float64(SyncTargetSampleRate)

	peakValue := correlation[peakOffset]
	meanAbs := meanAbsolute(correlation)
	rawConfidence := peakValue / (meanAbs + 1e-8)

	confidence := (rawConfidence - 1.0) / 4.0
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	return SyncOffset{
		OffsetSeconds: round3(offsetSeconds),
		Confidence:    round3(confidence),
		Method:        "cross_correlation",
	}
}

// amplitudeEnvelope rectifies samples and applies a moving-average low-pass
// of a 50ms window, the original scorer's envelope extraction.
func amplitudeEnvelope(samples []float64, sampleRate int) []float64 {
	windowSize := int(float64(sampleRate) * 0.05)
	if windowSize < 1 {
		windowSize = 1
	}

	rectified := make([]float64, len(samples))
	for i, s := range samples {
		rectified[i] = math.Abs(s)
	}
	return movingAverageSame(rectified, windowSize)
}

// movingAverageSame convolves x with a uniform kernel of the given width,
// returning a result the same length as x (equivalent to numpy's
// mode="same").
func movingAverageSame(x []float64, width int) []float64 {
	out := make([]float64, len(x))
	half := width / 2

	// Running-sum sliding window keeps this O(n) regardless of width.
	var sum float64
	for i := range x {
		lo := i - half
		hi := i + (width - half) - 1
		if i == 0 {
			for k := lo; k <= hi; k++ {
				if k >= 0 && k < len(x) {
					sum += x[k]
				}
			}
		} else {
			prevLo := lo - 1
			if prevLo >= 0 && prevLo < len(x) {
				sum -= x[prevLo]
			}
			if hi >= 0 && hi < len(x) {
				sum += x[hi]
			}
		}
		out[i] = sum / float64(width)
	}
	return out
}

// normalize zero-means and unit-variances x in place, returning ok=false if
// x is near-silent (std below a tiny epsilon), matching the original
// scorer's near-silence guard.
func normalize(x []float64) ([]float64, bool) {
	if len(x) == 0 {
		return x, false
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))

	var variance float64
	for _, v := range x {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(x))
	std := math.Sqrt(variance)

	if std < 1e-8 {
		return x, false
	}

	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - mean) / std
	}
	return out, true
}

// crossCorrelateLagRange computes cross-correlation sum(a[i+lag]*b[i]) for
// every lag in [minLag, maxLag], i.e. a bounded slice of the "full"
// cross-correlation around zero lag. A full O(n+m) length correlation is
// never needed since the caller only ever searches a +/-30s window; scoping
// the computation to that window keeps this tractable without an FFT
// library (none of the pack examples pull in one — see DESIGN.md).
func crossCorrelateLagRange(a, b []float64, minLag, maxLag int) []float64 {
	n, m := len(a), len(b)
	out := make([]float64, maxLag-minLag+1)
	for lag := minLag; lag <= maxLag; lag++ {
		var sum float64
		for j := 0; j < m; j++ {
			i := j + lag
			if i >= 0 && i < n {
				sum += a[i] * b[j]
			}
		}
		out[lag-minLag] = sum
	}
	return out
}

func argmax(x []float64) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

func meanAbsolute(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += math.Abs(v)
	}
	return sum / float64(len(x))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
