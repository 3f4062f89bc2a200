package analysis

// downsampleLinear resamples samples from srcRate to dstRate with linear
// interpolation. No resampling library appears anywhere in the example
// pack (see DESIGN.md), and the only consumer is the sync-offset
// cross-correlation's fixed 8kHz target, so a small linear interpolator is
// used in place of anything more elaborate (band-limited/sinc resampling).
func downsampleLinear(samples []float64, srcRate, dstRate int) []float64 {
	if srcRate <= 0 || dstRate <= 0 || len(samples) == 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]float64, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]float64, n)
	for i := range out {
		srcPos := float64(i) * ratio
		lo := int(srcPos)
		frac := srcPos - float64(lo)
		hi := lo + 1
		if hi >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		out[i] = samples[lo]*(1-frac) + samples[hi]*frac
	}
	return out
}
