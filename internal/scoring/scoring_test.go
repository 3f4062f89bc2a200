package scoring

import (
	"math"
	"testing"
)

func linearTimeMS(n int, stepMS float64) []float64 {
	times := make([]float64, n)
	for i := range times {
		times[i] = float64(i) * stepMS
	}
	return times
}

func TestPitchAccuracyPerfectMatchScoresHigh(t *testing.T) {
	hz := make([]float64, 100)
	for i := range hz {
		hz[i] = 220.0
	}
	times := linearTimeMS(len(hz), 10)
	score := PitchAccuracy(times, hz, times, hz)
	if score < 99 {
		t.Errorf("score = %v, want ~100 for identical contours", score)
	}
}

func TestPitchAccuracyNotEnoughVoicedReturnsNeutral(t *testing.T) {
	hz := []float64{0, 0, 0, 220, 220}
	times := linearTimeMS(len(hz), 10)
	if got := PitchAccuracy(times, hz, times, hz); got != 50.0 {
		t.Errorf("score = %v, want 50", got)
	}
}

func TestPitchAccuracyPenalizesOffsetByOctave(t *testing.T) {
	a := make([]float64, 50)
	b := make([]float64, 50)
	for i := range a {
		a[i] = 220
		b[i] = 440 // one octave = 1200 cents up
	}
	times := linearTimeMS(len(a), 10)
	score := PitchAccuracy(times, a, times, b)
	if score != 0 {
		t.Errorf("score = %v, want 0 for a full octave of detuning", score)
	}
}

func TestPitchAccuracyRestrictsToTemporalOverlap(t *testing.T) {
	// Reference runs twice as long as the user recording; the extra tail
	// is a different pitch entirely. Without overlap restriction DTW would
	// be dragged toward that mismatched tail, but the scores should agree
	// almost exactly once both contours are trimmed to the shared window.
	userHz := make([]float64, 50)
	refHz := make([]float64, 100)
	for i := range userHz {
		userHz[i] = 220.0
	}
	for i := range refHz {
		if i < 50 {
			refHz[i] = 220.0
		} else {
			refHz[i] = 440.0
		}
	}
	userTimes := linearTimeMS(len(userHz), 10)
	refTimes := linearTimeMS(len(refHz), 10)

	score := PitchAccuracy(userTimes, userHz, refTimes, refHz)
	if score < 99 {
		t.Errorf("score = %v, want ~100 once the mismatched tail is excluded by overlap restriction", score)
	}
}

func TestRhythmAccuracyPerfectAlignment(t *testing.T) {
	times := []float64{0, 100, 200, 300, 400}
	hz := []float64{0, 220, 0, 220, 0}
	score := RhythmAccuracy(times, hz, times, hz)
	if score != 100 {
		t.Errorf("score = %v, want 100", score)
	}
}

func TestRhythmAccuracyNoOnsetsReturnsNeutral(t *testing.T) {
	times := []float64{0, 100, 200}
	hz := []float64{0, 0, 0}
	if got := RhythmAccuracy(times, hz, times, hz); got != 50.0 {
		t.Errorf("score = %v, want 50", got)
	}
}

func TestLyricsAccuracyPerfectMatch(t *testing.T) {
	if got := LyricsAccuracy("hello world", "hello world"); got != 100 {
		t.Errorf("score = %v, want 100", got)
	}
}

func TestLyricsAccuracyMissingReference(t *testing.T) {
	if got := LyricsAccuracy("hello", ""); got != 50 {
		t.Errorf("score = %v, want 50", got)
	}
}

func TestLyricsAccuracyMissingUser(t *testing.T) {
	if got := LyricsAccuracy("", "hello world"); got != 0 {
		t.Errorf("score = %v, want 0", got)
	}
}

func TestLyricsAccuracyPartialMismatch(t *testing.T) {
	got := LyricsAccuracy("hello there world", "hello world")
	if got <= 0 || got >= 100 {
		t.Errorf("score = %v, want strictly between 0 and 100", got)
	}
}

func TestComputeSyncOffsetDetectsKnownLag(t *testing.T) {
	sr := SyncTargetSampleRate
	n := sr * 2
	ref := make([]float64, n)
	for i := 200; i < 260; i++ {
		ref[i] = 1.0
	}

	shift := 400 // samples, 50ms at 8kHz
	user := make([]float64, n)
	for i := range ref {
		j := i + shift
		if j >= 0 && j < n {
			user[j] = ref[i]
		}
	}

	result := ComputeSyncOffset(user, ref)
	wantSeconds := float64(shift) / float64(sr)
	if math.Abs(result.OffsetSeconds-wantSeconds) > 0.01 {
		t.Errorf("offset = %v, want ~%v", result.OffsetSeconds, wantSeconds)
	}
}

func TestComputeSyncOffsetSilentSignalReturnsZeroConfidence(t *testing.T) {
	silence := make([]float64, 1000)
	result := ComputeSyncOffset(silence, silence)
	if result.Confidence != 0 {
		t.Errorf("confidence = %v, want 0 for silent input", result.Confidence)
	}
}

func TestWordErrorRateIdentical(t *testing.T) {
	words := []string{"a", "b", "c"}
	if got := wordErrorRate(words, words); got != 0 {
		t.Errorf("wer = %v, want 0", got)
	}
}

func TestWordErrorRateOneSubstitution(t *testing.T) {
	ref := []string{"a", "b", "c"}
	hyp := []string{"a", "x", "c"}
	if got := wordErrorRate(ref, hyp); got != 1.0/3.0 {
		t.Errorf("wer = %v, want 1/3", got)
	}
}
