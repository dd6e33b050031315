package audio

// PCM16LEToSamples reads little-endian 16-bit samples. A trailing odd byte is ignored.
func PCM16LEToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return samples
}

// SamplesToPCM16LE writes samples as little-endian 16-bit PCM.
func SamplesToPCM16LE(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(uint16(s) >> 8)
	}
	return data
}

// TelephonyToEngine turns an inbound µ-law 8 kHz frame into PCM16LE at 24 kHz.
func TelephonyToEngine(frame []byte) []byte {
	return SamplesToPCM16LE(Upsample3x(DecodeMuLaw(frame)))
}

// EngineToTelephony turns engine PCM16LE at 24 kHz into a µ-law 8 kHz frame.
func EngineToTelephony(pcm []byte) []byte {
	return EncodeMuLaw(Downsample3x(PCM16LEToSamples(pcm)))
}
