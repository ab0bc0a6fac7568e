package whisper

import "github.com/MrWong99/voxloop/pkg/audio"

// pcmToFloat32Mono down-mixes 16-bit PCM to mono float32 samples in
// [-1.0, 1.0] by averaging all channels per frame. A trailing partial frame
// is ignored.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	samples := audio.BytesToInt16s(pcm)
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += float32(samples[i*channels+ch]) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
