// Package turn owns the authoritative turn-taking state of a voice session.
//
// Every transition request, whether it comes from voice-activity detection,
// barge-in, the client or the upstream model, goes through one [Machine]
// whose single writer goroutine applies them one at a time against a static
// transition table. Requests outside the table are rejected, never coerced.
package turn

import "slices"

// State is the conversation state of a session.
type State int32

const (
	Idle State = iota
	Listening
	Processing
	AiSpeaking
	Interrupting
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case AiSpeaking:
		return "ai_speaking"
	case Interrupting:
		return "interrupting"
	default:
		return "unknown"
	}
}

// States lists every state, in declaration order.
var States = []State{Idle, Listening, Processing, AiSpeaking, Interrupting}

// table is the static set of permitted transitions. Any state may also move
// to Idle when the session ends.
var table = map[State][]State{
	Idle:         {Listening},
	Listening:    {Processing, Idle, AiSpeaking},
	Processing:   {AiSpeaking, Listening, Idle},
	AiSpeaking:   {Listening, Interrupting, Idle},
	Interrupting: {Listening, Idle},
}

// Allowed reports whether the table permits moving from one state to another.
// A request to stay in the current state is never allowed.
func Allowed(from, to State) bool {
	if !slices.Contains(States, from) || !slices.Contains(States, to) {
		return false
	}
	if from == to {
		return false
	}
	if to == Idle {
		return true
	}
	return slices.Contains(table[from], to)
}

// Trigger names the cause of a transition request. It is carried into logs
// and [Change] notifications.
type Trigger string

const (
	TriggerSessionStart       Trigger = "session_start"
	TriggerSessionEnd         Trigger = "session_end"
	TriggerSilence            Trigger = "silence_detected"
	TriggerEndOfTurn          Trigger = "end_of_turn"
	TriggerUpstreamAudio      Trigger = "upstream_audio"
	TriggerTurnComplete       Trigger = "turn_complete"
	TriggerBargeIn            Trigger = "barge_in"
	TriggerClientInterrupt    Trigger = "client_interrupt"
	TriggerUpstreamInterrupt  Trigger = "upstream_interrupted"
	TriggerInterruptCompleted Trigger = "interrupt_completed"
)
