package s2s

import "sync"

// TurnCounter numbers model turns for a provider session and tracks local
// discard after an interrupt. Provider implementations call Audio for every
// received chunk, End when the service closes a turn and Interrupt when the
// client cancels one. The zero value is ready to use; the first turn is 1.
//
// TurnCounter is safe for concurrent use.
type TurnCounter struct {
	mu         sync.Mutex
	turn       uint64
	active     bool // audio has arrived for the current turn
	discarding bool
}

// Current returns the number of the turn in progress.
func (c *TurnCounter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn + 1
}

// Audio registers an audio chunk and returns the turn it belongs to. deliver
// is false while the current turn has been interrupted locally.
func (c *TurnCounter) Audio() (turn uint64, deliver bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	return c.turn + 1, !c.discarding
}

// End closes the current turn and returns its number. Discarding stops with
// it.
func (c *TurnCounter) End() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ended := c.turn + 1
	c.turn++
	c.active = false
	c.discarding = false
	return ended
}

// Interrupt starts discarding the rest of the current turn. It reports false
// and changes nothing when no audio has arrived since the last End.
func (c *TurnCounter) Interrupt() (turn uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return c.turn + 1, false
	}
	c.discarding = true
	return c.turn + 1, true
}
