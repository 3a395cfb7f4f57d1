// Package audio holds the sample-level types shared by the capture pipeline,
// the playback queue and the session relay.
//
// Audio in parley is always mono signed 16-bit PCM. Capture runs at
// [CaptureRate] and playback at [PlaybackRate]; neither is negotiated.
package audio

import (
	"errors"
	"iter"
	"time"
)

const (
	// CaptureRate is the sample rate of audio arriving from the client.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of audio sent back to the client.
	PlaybackRate = 24000
)

// ErrOddLength is returned when PCM16 data does not contain a whole number of
// samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// Frame is an immutable block of mono PCM16 samples at a fixed rate.
//
// A Frame owns its sample slice; constructors copy their input and accessors
// never hand out the backing array, so a Frame can be passed between
// goroutines without synchronisation.
type Frame struct {
	samples    []int16
	sampleRate int
}

// NewFrame returns a Frame holding a copy of samples.
func NewFrame(samples []int16, sampleRate int) Frame {
	s := make([]int16, len(samples))
	copy(s, samples)
	return Frame{samples: s, sampleRate: sampleRate}
}

// adopt wraps samples without copying. Callers must not retain samples.
func adopt(samples []int16, sampleRate int) Frame {
	return Frame{samples: samples, sampleRate: sampleRate}
}

// DecodeFrame parses little-endian PCM16 bytes into a Frame.
func DecodeFrame(pcm []byte, sampleRate int) (Frame, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return Frame{}, err
	}
	return adopt(samples, sampleRate), nil
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int { return len(f.samples) }

// SampleRate returns the frame's sample rate in Hz.
func (f Frame) SampleRate() int { return f.sampleRate }

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.samples)) * time.Second / time.Duration(f.sampleRate)
}

// At returns the sample at position i.
func (f Frame) At(i int) int16 { return f.samples[i] }

// All iterates over the samples in order.
func (f Frame) All() iter.Seq2[int, int16] {
	return func(yield func(int, int16) bool) {
		for i, s := range f.samples {
			if !yield(i, s) {
				return
			}
		}
	}
}

// Samples returns a copy of the frame's samples.
func (f Frame) Samples() []int16 {
	s := make([]int16, len(f.samples))
	copy(s, f.samples)
	return s
}

// PCM returns the frame encoded as little-endian PCM16.
func (f Frame) PCM() []byte { return EncodePCM16(f.samples) }

// RMS returns the root-mean-square level of the frame with samples
// normalised to [-1, 1].
func (f Frame) RMS() float64 { return RMS(f.samples) }

// IsZero reports whether the frame carries no samples.
func (f Frame) IsZero() bool { return len(f.samples) == 0 }
