// Package scoring implements the three per-dimension accuracy scores and
// the cross-correlation sync offset described in spec.md §4.C7 and §8:
// pitch accuracy (DTW over a cents-converted contour), rhythm accuracy
// (voiced-onset timing), lyrics accuracy (word error rate), and playback
// sync offset (amplitude-envelope cross-correlation).
package scoring

import "math"

// referencePitchHz is the reference frequency (A4) used to convert Hz to
// cents, matching the original scorer's 1200*log2(f/440) formula.
const referencePitchHz = 440.0

// minVoicedSamples is the minimum number of voiced frames required on each
// side before a pitch comparison is considered meaningful; below this, a
// neutral score is returned.
const minVoicedSamples = 10

// PitchAccuracy compares two pitch contours (Hz, zero meaning unvoiced) via
// dynamic time warping over their cents-converted voiced samples. userTimeMS
// and refTimeMS are each contour's per-sample timestamps (the user's already
// shifted by any detected playback offset); both contours are first
// restricted to their temporal overlap so DTW never compares a stretch of
// one recording against silence or padding past the end of the other. It
// returns a score in [0, 100] where 100 is a perfect match; distance is
// converted to score via max(0, 100 - avgCentsDistance/2), so a quarter
// tone (50 cents) average distance scores 75, a semitone (100 cents)
// scores 50, and a whole tone (200 cents) or more scores 0.
func PitchAccuracy(userTimeMS, userHz, refTimeMS, refHz []float64) float64 {
	userOverlapHz, refOverlapHz := restrictToOverlap(userTimeMS, userHz, refTimeMS, refHz)

	userVoiced := voicedOnly(userOverlapHz)
	refVoiced := voicedOnly(refOverlapHz)

	if len(userVoiced) < minVoicedSamples || len(refVoiced) < minVoicedSamples {
		return 50.0
	}

	userCents := toCents(userVoiced)
	refCents := toCents(refVoiced)

	avgDistance := dtwAverageDistance(userCents, refCents)
	score := 100 - avgDistance/2
	if score < 0 {
		score = 0
	}
	return round1(score)
}

// restrictToOverlap trims both contours to the time window where they
// overlap ([max(starts), min(ends)]), leaving the inputs untouched if either
// timeline is empty or the two windows do not overlap at all.
func restrictToOverlap(userTimeMS, userHz, refTimeMS, refHz []float64) (userOut, refOut []float64) {
	if len(userTimeMS) == 0 || len(refTimeMS) == 0 {
		return userHz, refHz
	}
	lo := math.Max(userTimeMS[0], refTimeMS[0])
	hi := math.Min(userTimeMS[len(userTimeMS)-1], refTimeMS[len(refTimeMS)-1])
	if lo >= hi {
		return userHz, refHz
	}
	return windowed(userTimeMS, userHz, lo, hi), windowed(refTimeMS, refHz, lo, hi)
}

func windowed(timeMS, hz []float64, lo, hi float64) []float64 {
	out := make([]float64, 0, len(hz))
	for i, t := range timeMS {
		if t >= lo && t <= hi {
			out = append(out, hz[i])
		}
	}
	return out
}

func voicedOnly(hz []float64) []float64 {
	out := make([]float64, 0, len(hz))
	for _, f := range hz {
		if f > 0 {
			out = append(out, f)
		}
	}
	return out
}

func toCents(hz []float64) []float64 {
	out := make([]float64, len(hz))
	for i, f := range hz {
		out[i] = 1200 * math.Log2(f/referencePitchHz)
	}
	return out
}

// dtwBandRadius bounds the Sakoe-Chiba band used by dtwAverageDistance: cell
// (i, j) is only considered when |j - i*m/n| <= radius (scaled to handle
// sequences of different lengths). A full O(n*m) DTW is unaffordable for
// multi-minute pitch contours sampled at tens of Hz; fastdtw in the
// original scorer gets its near-linear runtime the same way, by bounding
// the search to a corridor around the diagonal rather than exploring the
// full matrix.
const dtwBandRadius = 50

// dtwAverageDistance runs banded dynamic time warping between a and b using
// absolute difference as the per-sample distance, and returns the total
// warp-path cost divided by the path length (the average per-step
// distance), matching fastdtw's distance-over-path-length normalization.
func dtwAverageDistance(a, b []float64) float64 {
	n, m := len(a), len(b)
	const inf = math.MaxFloat64 / 2

	cost := make([][]float64, n+1)
	pathLen := make([][]int, n+1)
	for i := range cost {
		cost[i] = make([]float64, m+1)
		pathLen[i] = make([]int, m+1)
		for j := range cost[i] {
			cost[i][j] = inf
		}
	}
	cost[0][0] = 0

	scale := float64(m) / float64(n)
	for i := 1; i <= n; i++ {
		center := int(float64(i) * scale)
		lo := center - dtwBandRadius
		if lo < 1 {
			lo = 1
		}
		hi := center + dtwBandRadius
		if hi > m {
			hi = m
		}
		for j := lo; j <= hi; j++ {
			d := math.Abs(a[i-1] - b[j-1])

			best, bestLen := cost[i-1][j], pathLen[i-1][j]
			if cost[i][j-1] < best {
				best, bestLen = cost[i][j-1], pathLen[i][j-1]
			}
			if cost[i-1][j-1] < best {
				best, bestLen = cost[i-1][j-1], pathLen[i-1][j-1]
			}

			cost[i][j] = d + best
			pathLen[i][j] = bestLen + 1
		}
	}

	if cost[n][m] >= inf || pathLen[n][m] == 0 {
		// The band missed the target cell (pathologically different
		// lengths); fall back to the distance between the two final samples.
		return math.Abs(a[n-1] - b[m-1])
	}
	return cost[n][m] / float64(pathLen[n][m])
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
