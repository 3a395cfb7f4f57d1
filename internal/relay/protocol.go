package relay

import "encoding/json"

// Client to server control message types.
const (
	msgInterrupt = "interrupt"
	msgEndOfTurn = "end_of_turn"
	msgPing      = "ping"
)

// Server to client control message types.
const (
	msgSessionID     = "session_id"
	msgSpeechStarted = "speech_started"
	msgTurnComplete  = "turn_complete"
	msgTurnEnded     = "turn_ended"
	msgInterrupted   = "interrupted"
	msgPong          = "pong"
	msgError         = "error"
)

// clientMessage is a JSON text frame from the client. Only the type is
// interpreted; other fields are ignored.
type clientMessage struct {
	Type string `json:"type"`
}

// serverMessage is a JSON text frame sent to the client.
type serverMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Details   string `json:"details,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	var m clientMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

func (m serverMessage) encode() []byte {
	// serverMessage has only string fields; Marshal cannot fail.
	b, _ := json.Marshal(m)
	return b
}
