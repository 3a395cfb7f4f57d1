package s2s_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

func TestTurnCounter_NumbersTurns(t *testing.T) {
	t.Parallel()
	var c s2s.TurnCounter
	if got := c.Current(); got != 1 {
		t.Fatalf("Current() = %d, want 1", got)
	}
	if turn, ok := c.Audio(); turn != 1 || !ok {
		t.Errorf("Audio() = %d, %v", turn, ok)
	}
	if ended := c.End(); ended != 1 {
		t.Errorf("End() = %d, want 1", ended)
	}
	if turn, _ := c.Audio(); turn != 2 {
		t.Errorf("turn after End = %d, want 2", turn)
	}
}

func TestTurnCounter_InterruptDiscardsUntilEnd(t *testing.T) {
	t.Parallel()
	var c s2s.TurnCounter
	c.Audio()
	turn, ok := c.Interrupt()
	if !ok || turn != 1 {
		t.Fatalf("Interrupt() = %d, %v", turn, ok)
	}
	if _, deliver := c.Audio(); deliver {
		t.Error("audio delivered after interrupt")
	}
	c.End()
	if turn, deliver := c.Audio(); !deliver || turn != 2 {
		t.Errorf("next turn Audio() = %d, %v", turn, deliver)
	}
}

func TestTurnCounter_InterruptWithoutAudioIsNoop(t *testing.T) {
	t.Parallel()
	var c s2s.TurnCounter
	c.Audio()
	c.End()
	if _, ok := c.Interrupt(); ok {
		t.Error("Interrupt() reported ok with no audio in the current turn")
	}
	if _, deliver := c.Audio(); !deliver {
		t.Error("audio of the next turn was discarded")
	}
}

func TestEventType_String(t *testing.T) {
	t.Parallel()
	tests := map[s2s.EventType]string{
		s2s.EventAudio:        "audio",
		s2s.EventTurnComplete: "turn_complete",
		s2s.EventInterrupted:  "interrupted",
		s2s.EventTranscript:   "transcript",
		s2s.EventType(99):     "unknown",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("EventType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
