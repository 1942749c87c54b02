package audio

import "math"

// Discord voice and the render graph share one PCM format: 48 kHz stereo,
// packaged in 20 ms frames.
const (
	SampleRate = 48000
	Channels   = 2
	FrameMs    = 20

	// FrameSize is the number of samples per channel in one 20 ms frame.
	FrameSize = SampleRate * FrameMs / 1000 // 960

	// FrameSamples is the number of interleaved int16 values in one frame.
	FrameSamples = FrameSize * Channels // 1920

	// FrameBytes is the little-endian byte size of one frame.
	FrameBytes = FrameSamples * 2 // 3840
)

// Frame is one block of interleaved stereo float samples in the range [-1, 1]
// as produced by the render graph.
type Frame = [2]float32

// FloatToInt16 clamps s to [-1, 1] and scales it to the int16 range with
// rounding.
func FloatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	// NaN compares false on both sides above and would survive to here.
	if s != s {
		return 0
	}
	return int16(math.Round(float64(s) * math.MaxInt16))
}

// ClampInt16 rounds v and clamps it to the int16 range. NaN becomes 0.
func ClampInt16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
