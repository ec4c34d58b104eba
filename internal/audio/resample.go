package audio

import "encoding/binary"

// Canonical frame sizes for the two pipeline rates. Every stage boundary
// produces exactly one of these sizes, never a partial frame.
const (
	SampleRate16k = 16000
	SampleRate24k = 24000

	FrameDurationMs = 60

	FrameSamples16k = SampleRate16k * FrameDurationMs / 1000 // 960
	FrameSamples24k = SampleRate24k * FrameDurationMs / 1000 // 1440

	FrameBytes16k = FrameSamples16k * 2 // 1920
	FrameBytes24k = FrameSamples24k * 2 // 2880
)

// Resample16To24 upsamples 16 kHz mono PCM to 24 kHz using linear
// interpolation in integer arithmetic. The output holds round(n*1.5)
// samples; output index i reads fractional input position 2i/3.
func Resample16To24(in []int16) []int16 {
	n := len(in)
	if n == 0 {
		return nil
	}

	outN := (n*3 + 1) / 2
	out := make([]int16, outN)
	for i := 0; i < outN; i++ {
		num := 2 * i
		idx := num / 3
		rem := num % 3
		if rem == 0 || idx+1 >= n {
			out[i] = in[idx]
			continue
		}
		// Interpolate in thirds between the two nearest input samples.
		out[i] = int16((int32(in[idx])*int32(3-rem) + int32(in[idx+1])*int32(rem)) / 3)
	}
	return out
}

// Resample24To16 downsamples 24 kHz mono PCM to 16 kHz. The output count
// is floor(n*2/3) in integer arithmetic so exact ratios never drift: a
// 1440-sample frame yields exactly 960 samples. Output index i reads
// input position 3i/2, a half step falling between two samples.
func Resample24To16(in []int16) []int16 {
	n := len(in)
	if n == 0 {
		return nil
	}

	outN := n * 2 / 3
	out := make([]int16, outN)
	for i := 0; i < outN; i++ {
		num := 3 * i
		idx := num / 2
		if num%2 == 0 || idx+1 >= n {
			out[i] = in[idx]
			continue
		}
		out[i] = int16((int32(in[idx]) + int32(in[idx+1])) / 2)
	}
	return out
}

// Resample16To24Bytes is Resample16To24 over little-endian PCM bytes.
func Resample16To24Bytes(in []byte) []byte {
	return SamplesToBytes(Resample16To24(BytesToSamples(in)))
}

// Resample24To16Bytes is Resample24To16 over little-endian PCM bytes.
func Resample24To16Bytes(in []byte) []byte {
	return SamplesToBytes(Resample24To16(BytesToSamples(in)))
}

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is
// dropped.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / 2
	if n == 0 {
		return nil
	}
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes 16-bit PCM as little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
