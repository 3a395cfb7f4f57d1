package audio

import (
	"encoding/binary"
	"math"
)

// FullScale is the divisor that maps an int16 sample into [-1, 1].
const FullScale = 32768.0

// EncodePCM16 serialises samples as little-endian signed 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 parses little-endian signed 16-bit PCM. It returns
// [ErrOddLength] when pcm ends in half a sample.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// RMS returns the root-mean-square of samples normalised by [FullScale].
// An empty slice has an RMS of zero.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / FullScale
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSFloat is [RMS] for already-normalised values.
func RMSFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(values)))
}

// ToSample converts a normalised value back to an int16 sample, clamping to
// the representable range.
func ToSample(v float64) int16 {
	s := math.Round(v * FullScale)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}

// ResampleMono16 resamples mono PCM16 bytes from srcRate to dstRate using
// linear interpolation. Equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	sample := func(i int) int16 {
		return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Resample returns f converted to dstRate.
func Resample(f Frame, dstRate int) Frame {
	if f.sampleRate == dstRate {
		return f
	}
	samples, _ := DecodePCM16(ResampleMono16(f.PCM(), f.sampleRate, dstRate))
	return adopt(samples, dstRate)
}
