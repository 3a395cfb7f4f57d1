// Package s2s defines the Provider interface for upstream speech-to-speech
// services.
//
// An S2S provider wraps a real-time voice model that accepts raw audio input
// and streams synthesised audio back within one stateful session. The relay
// only needs four things from it: a handshake declaring audio formats and
// turn detection, a per-chunk audio send, a receive stream of turn-tagged
// events, and an interrupt. Everything else about the service's wire schema
// stays inside the implementation packages.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"
)

// EventType classifies an [Event] received from the upstream model.
type EventType int

const (
	// EventAudio carries a chunk of synthesised PCM16 audio.
	EventAudio EventType = iota

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete

	// EventInterrupted reports that the service itself cut the turn short,
	// typically because its own VAD heard the user.
	EventInterrupted

	// EventTranscript carries recognised user speech or generated model text.
	EventTranscript
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventTranscript:
		return "transcript"
	default:
		return "unknown"
	}
}

// Role identifies the speaker of a transcript.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Event is one item on a session's receive stream.
type Event struct {
	Type EventType

	// Turn is the model turn the event belongs to. Turns are numbered from 1
	// and advance after every EventTurnComplete or EventInterrupted.
	Turn uint64

	// Audio is little-endian PCM16 mono at the session's output rate. Set for
	// EventAudio only.
	Audio []byte

	// Role and Text are set for EventTranscript only.
	Role Role
	Text string
}

// TurnDetectionMode selects who decides when the user has finished speaking.
type TurnDetectionMode string

const (
	// TurnDetectionAutomatic lets the service run its own VAD.
	TurnDetectionAutomatic TurnDetectionMode = "automatic"

	// TurnDetectionManual makes the client responsible for signalling turn
	// boundaries through [SessionHandle.EndTurn] and [SessionHandle.Interrupt].
	TurnDetectionManual TurnDetectionMode = "manual"
)

// TurnDetection configures the service-side turn detection.
type TurnDetection struct {
	Mode TurnDetectionMode

	// StartSensitivity and EndSensitivity are "low" or "high"; empty keeps the
	// service default. Only used in automatic mode.
	StartSensitivity string
	EndSensitivity   string

	// PrefixPadding is how much audio before detected speech is kept.
	PrefixPadding time.Duration

	// SilenceDuration is how long the service waits before ending the user's
	// turn.
	SilenceDuration time.Duration
}

// AudioFormat describes mono PCM16 audio.
type AudioFormat struct {
	SampleRate int
}

// SessionConfig is the handshake configuration for a new session.
type SessionConfig struct {
	// Voice is the provider-specific voice name (e.g. "Puck", "alloy").
	Voice string

	// Instructions is the system prompt.
	Instructions string

	// Input is the format of audio passed to SendAudio.
	Input AudioFormat

	// Output is the format the caller expects on EventAudio. Providers
	// resample when the service's native rate differs.
	Output AudioFormat

	TurnDetection TurnDetection
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// NativeInputRate and NativeOutputRate are the rates the service speaks.
	NativeInputRate  int
	NativeOutputRate int

	// Voices lists known voice names.
	Voices []string

	// ServerInterrupt reports whether the service can cancel a response on
	// request. When false, Interrupt only discards audio locally.
	ServerInterrupt bool
}

// SessionHandle is an open upstream session. Connect returns it only after
// the service has acknowledged the handshake.
//
// Callers must drain Events promptly and call Close when done.
type SessionHandle interface {
	// SendAudio delivers one PCM16 chunk in the session's input format.
	SendAudio(chunk []byte) error

	// EndTurn tells the service the user has finished speaking.
	EndTurn() error

	// Interrupt stops the current model response. Audio belonging to the
	// interrupted turn is no longer delivered on Events.
	Interrupt() error

	// Events returns the receive stream. It is closed when the session ends;
	// check Err afterwards.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil after a clean
	// Close.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider opens sessions against one upstream service.
type Provider interface {
	// Connect dials the service, performs the handshake and waits for its
	// acknowledgement. The caller owns the returned handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
