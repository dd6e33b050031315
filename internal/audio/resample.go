package audio

// Telephony media runs at 8 kHz, the realtime engine at 24 kHz.
const (
	TelephonySampleRate = 8000
	EngineSampleRate    = 24000

	rateRatio = EngineSampleRate / TelephonySampleRate
)

// Upsample3x triples the sample rate with linear interpolation between
// neighbouring samples. The last input sample is held rather than extrapolated.
func Upsample3x(samples []int16) []int16 {
	out := make([]int16, len(samples)*rateRatio)
	for i, cur := range samples {
		next := cur
		if i+1 < len(samples) {
			next = samples[i+1]
		}
		delta := int(next) - int(cur)
		base := i * rateRatio
		for k := 0; k < rateRatio; k++ {
			out[base+k] = int16(int(cur) + delta*k/rateRatio)
		}
	}
	return out
}

// Downsample3x keeps every third sample. There is no anti-alias filter; the
// latency budget of a live call matters more than the aliasing above 4 kHz.
func Downsample3x(samples []int16) []int16 {
	out := make([]int16, len(samples)/rateRatio)
	for i := range out {
		out[i] = samples[i*rateRatio]
	}
	return out
}
