package audio

import (
	"log/slog"
	"sync"
)

// Framer re-chunks a byte stream of PCM16 into fixed-size frames. Clients send
// audio in whatever message sizes their capture API produces; the capture
// pipeline needs every frame to match its noise profile length.
//
// A Framer is owned by a single goroutine.
type Framer struct {
	size       int
	sampleRate int
	pending    []int16
	log        *slog.Logger

	warnedOdd sync.Once
}

// FramerOption configures a [Framer].
type FramerOption func(*Framer)

// WithFramerLogger sets the logger for malformed input. Default: slog.Default().
func WithFramerLogger(l *slog.Logger) FramerOption {
	return func(f *Framer) { f.log = l }
}

// NewFramer returns a Framer emitting frames of size samples at sampleRate.
func NewFramer(size, sampleRate int, opts ...FramerOption) *Framer {
	f := &Framer{
		size:       size,
		sampleRate: sampleRate,
		pending:    make([]int16, 0, size*2),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Push appends pcm to the pending buffer and returns every complete frame.
// A message with an odd byte count is dropped whole; it cannot be aligned to
// sample boundaries.
func (f *Framer) Push(pcm []byte) []Frame {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		f.warnedOdd.Do(func() {
			f.log.Warn("audio framer: odd byte count in PCM data, dropping message", "bytes", len(pcm))
		})
		return nil
	}
	f.pending = append(f.pending, samples...)

	var out []Frame
	for len(f.pending) >= f.size {
		out = append(out, NewFrame(f.pending[:f.size], f.sampleRate))
		f.pending = f.pending[f.size:]
	}
	// Compact so the buffer does not grow without bound.
	if len(f.pending) > 0 && cap(f.pending)-len(f.pending) < f.size {
		rest := make([]int16, len(f.pending), f.size*2)
		copy(rest, f.pending)
		f.pending = rest
	}
	return out
}

// Buffered returns the number of samples waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.pending) }

// Reset discards any partial frame.
func (f *Framer) Reset() { f.pending = f.pending[:0] }
