package capture

import (
	"math"

	"github.com/MrWong99/parley/pkg/audio"
)

// buildProfile returns the per-position mean absolute amplitude across frames.
func buildProfile(frames []audio.Frame, size int) NoiseProfile {
	profile := make(NoiseProfile, size)
	if len(frames) == 0 {
		return profile
	}
	for _, f := range frames {
		for i, s := range f.All() {
			profile[i] += math.Abs(float64(s) / audio.FullScale)
		}
	}
	n := float64(len(frames))
	for i := range profile {
		profile[i] /= n
	}
	return profile
}

// denoise subtracts the scaled noise profile from each sample's magnitude and
// gates anything left at or below the noise floor. Must be called with p.mu
// held.
func (p *Pipeline) denoise(f audio.Frame) audio.Frame {
	out := make([]int16, f.Len())
	for i, s := range f.All() {
		x := float64(s) / audio.FullScale
		clean := math.Abs(x) - p.profile[i]*p.strength
		if clean <= p.noiseFloor {
			continue
		}
		out[i] = audio.ToSample(math.Copysign(clean, x))
	}
	return audio.NewFrame(out, f.SampleRate())
}
