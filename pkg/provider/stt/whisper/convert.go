package whisper

import "encoding/binary"

// floatSamples converts 16-bit signed little-endian PCM into the normalised
// mono float32 samples whisper.cpp consumes. Multi-channel input is averaged
// per frame; a trailing partial frame is ignored.
func floatSamples(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	samples := make([]float32, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off : off+2])))
		}
		samples[i] = float32(sum) / (32768.0 * float32(channels))
	}
	return samples
}
