package scoring

import "math"

// RhythmAccuracy compares timing via voiced-transition onsets: a rising
// edge from unvoiced to voiced in each pitch contour stands in for a note
// attack. Each user onset is matched to its nearest reference onset; the
// score is max(0, 100 - avgErrorMs/2), so 50ms average error scores 75,
// 100ms scores 50, and 200ms or more scores 0.
//
// This is the original scorer's audio-free fallback method (voiced
// transitions from pitch data rather than librosa onset detection on raw
// audio) — no onset-detection library in the pack offers the audio-domain
// equivalent, so the pitch-domain proxy is used unconditionally rather than
// as a fallback.
func RhythmAccuracy(userTimeMS, userHz, refTimeMS, refHz []float64) float64 {
	userOnsets := voiceOnsets(userTimeMS, userHz)
	refOnsets := voiceOnsets(refTimeMS, refHz)

	if len(userOnsets) == 0 || len(refOnsets) == 0 {
		return 50.0
	}

	var totalErr float64
	for _, u := range userOnsets {
		totalErr += nearestAbsDiff(u, refOnsets)
	}
	avgErrMS := totalErr / float64(len(userOnsets))

	score := 100 - avgErrMS/2
	if score < 0 {
		score = 0
	}
	return round1(score)
}

// voiceOnsets returns the timestamps (ms) of every rising edge from
// unvoiced (freq <= 0) to voiced (freq > 0).
func voiceOnsets(timeMS, hz []float64) []float64 {
	var onsets []float64
	for i := 1; i < len(hz); i++ {
		if hz[i-1] <= 0 && hz[i] > 0 {
			onsets = append(onsets, timeMS[i])
		}
	}
	return onsets
}

func nearestAbsDiff(x float64, candidates []float64) float64 {
	best := math.Inf(1)
	for _, c := range candidates {
		if d := math.Abs(x - c); d < best {
			best = d
		}
	}
	return best
}
