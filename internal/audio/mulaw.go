package audio

// G.711 µ-law companding as used by telephony media streams (8-bit samples at 8 kHz).

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MuLawToLinear expands a single µ-law byte into a 16-bit linear sample.
func MuLawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)

	magnitude := ((mantissa << 3) | mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// LinearToMuLaw compresses a 16-bit linear sample into a µ-law byte.
func LinearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for i := byte(0); i < 8; i++ {
		if s < 1<<(i+8) {
			exponent = i
			break
		}
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLaw converts a µ-law frame into linear samples, one sample per byte.
func DecodeMuLaw(frame []byte) []int16 {
	samples := make([]int16, len(frame))
	for i, b := range frame {
		samples[i] = MuLawToLinear(b)
	}
	return samples
}

// EncodeMuLaw converts linear samples into a µ-law frame.
func EncodeMuLaw(samples []int16) []byte {
	frame := make([]byte, len(samples))
	for i, s := range samples {
		frame[i] = LinearToMuLaw(s)
	}
	return frame
}
