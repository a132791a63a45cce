package audio

// DownsampleFactor returns the integer decimation stride for the given rates.
// The remainder of a non-exact division is dropped.
func DownsampleFactor(sourceRate, targetRate int) int {
	if sourceRate <= 0 || targetRate <= 0 {
		return 1
	}
	return max(sourceRate/targetRate, 1)
}

// Downsample keeps every factor-th sample, starting with the first.
// It picks single samples and does not low-pass filter.
func Downsample[T any](samples []T, sourceRate, targetRate int) []T {
	factor := DownsampleFactor(sourceRate, targetRate)
	out := make([]T, len(samples)/factor)
	for i := range out {
		out[i] = samples[i*factor]
	}
	return out
}
