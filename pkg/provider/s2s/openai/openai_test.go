package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// handshake plays the server side of session setup: session.created, then
// session.updated once the client's session.update arrives.
func handshake(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	var update map[string]any
	readJSON(t, conn, &update)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
	return update
}

// idle discards client messages until the client goes away.
func idle(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func audioDelta(pcm []byte) map[string]any {
	return map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)}
}

func responseDone(status string) map[string]any {
	return map[string]any{"type": "response.done", "response": map[string]any{"status": status}}
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig, opts ...openai.Option) s2s.SessionHandle {
	t.Helper()
	p := openai.New("test-key", append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)...)
	handle, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_HeadersAndModel(t *testing.T) {
	t.Parallel()

	type seen struct{ model, auth, beta string }
	got := make(chan seen, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- seen{
			model: r.URL.Query().Get("model"),
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		handshake(t, conn)
		idle(conn)
	})

	connect(t, srv, s2s.SessionConfig{}, openai.WithModel("gpt-4o-mini-realtime"))

	s := <-got
	if s.model != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q", s.model)
	}
	if s.auth != "Bearer test-key" {
		t.Errorf("Authorization = %q", s.auth)
	}
	if s.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", s.beta)
	}
}

func TestConnect_SessionUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mode     s2s.TurnDetectionMode
		wantType any
	}{
		{name: "automatic", mode: s2s.TurnDetectionAutomatic, wantType: "server_vad"},
		{name: "manual", mode: s2s.TurnDetectionManual, wantType: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			updates := make(chan map[string]any, 1)
			srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
				updates <- handshake(t, conn)
				idle(conn)
			})

			connect(t, srv, s2s.SessionConfig{
				Voice:         "alloy",
				Instructions:  "Be brief.",
				TurnDetection: s2s.TurnDetection{Mode: tt.mode},
			})

			msg := <-updates
			if msg["type"] != "session.update" {
				t.Fatalf("type = %v", msg["type"])
			}
			sess := msg["session"].(map[string]any)
			if sess["voice"] != "alloy" || sess["instructions"] != "Be brief." {
				t.Errorf("session = %v", sess)
			}
			if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
				t.Errorf("audio formats = %v/%v", sess["input_audio_format"], sess["output_audio_format"])
			}
			td, _ := sess["turn_detection"].(map[string]any)
			var gotType any
			if td != nil {
				gotType = td["type"]
			}
			if gotType != tt.wantType {
				t.Errorf("turn_detection.type = %v, want %v", gotType, tt.wantType)
			}
		})
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		idle(conn)
	})

	p := openai.New("k", openai.WithBaseURL(wsURL(srv)), openai.WithSetupTimeout(50*time.Millisecond))
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, openai.ErrSetupTimeout) {
		t.Fatalf("err = %v, want ErrSetupTimeout", err)
	}
}

func TestConnect_UpdateRejected(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "bad voice"}})
		idle(conn)
	})

	p := openai.New("k", openai.WithBaseURL(wsURL(srv)))
	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "bad voice") {
		t.Fatalf("err = %v", err)
	}
}

// ── Sending ───────────────────────────────────────────────────────────────────

func TestSendAudio_ResamplesToNativeRate(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{Input: s2s.AudioFormat{SampleRate: 16000}})
	// Two 16 kHz samples become three 24 kHz samples.
	if err := handle.SendAudio([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	msg := <-got
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("type = %v", msg["type"])
	}
	pcm, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm) != 6 {
		t.Errorf("sent %d bytes, want 6", len(pcm))
	}
}

func TestEndTurn_ManualCommitsAndRequestsResponse(t *testing.T) {
	t.Parallel()

	types := make(chan string, 2)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for range 2 {
			var msg map[string]any
			readJSON(t, conn, &msg)
			typ, _ := msg["type"].(string)
			types <- typ
		}
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{TurnDetection: s2s.TurnDetection{Mode: s2s.TurnDetectionManual}})
	if err := handle.EndTurn(); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}
	for _, want := range []string{"input_audio_buffer.commit", "response.create"} {
		select {
		case got := <-types:
			if got != want {
				t.Errorf("message = %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestInterrupt_SendsCancelAndDiscards(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, audioDelta([]byte{1, 1}))
		var msg map[string]any
		readJSON(t, conn, &msg)
		if msg["type"] == "response.cancel" {
			close(cancelled)
		}
		writeJSON(t, conn, audioDelta([]byte{2, 2}))
		writeJSON(t, conn, responseDone("cancelled"))
		writeJSON(t, conn, audioDelta([]byte{3, 3}))
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if ev := nextEvent(t, handle); ev.Type != s2s.EventAudio || ev.Turn != 1 {
		t.Fatalf("first event = %+v", ev)
	}
	if err := handle.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw response.cancel")
	}

	if ev := nextEvent(t, handle); ev.Type != s2s.EventInterrupted || ev.Turn != 1 {
		t.Errorf("event = %+v, want interrupted of turn 1", ev)
	}
	if ev := nextEvent(t, handle); ev.Type != s2s.EventAudio || ev.Turn != 2 || string(ev.Audio) != "\x03\x03" {
		t.Errorf("event = %+v, want audio of turn 2", ev)
	}
}

// ── Receiving ─────────────────────────────────────────────────────────────────

func TestEvents_TurnsAndTranscripts(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "what time is it",
		})
		writeJSON(t, conn, audioDelta([]byte{5, 5}))
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "It is "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "noon."})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, responseDone("completed"))
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventTranscript || ev.Role != s2s.RoleUser || ev.Text != "what time is it" {
		t.Errorf("user transcript = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventAudio || ev.Turn != 1 {
		t.Errorf("audio = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventTranscript || ev.Role != s2s.RoleModel || ev.Text != "It is noon." {
		t.Errorf("model transcript = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventTurnComplete || ev.Turn != 1 {
		t.Errorf("turn complete = %+v", ev)
	}
}

func TestEvents_ServerErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "no active response"}})
		writeJSON(t, conn, audioDelta([]byte{7, 7}))
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if ev := nextEvent(t, handle); ev.Type != s2s.EventAudio {
		t.Errorf("event = %+v, want audio after non-fatal error", ev)
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func TestEvents_ClosedWhenServerDisconnects(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Events not closed after server disconnect")
	}
	if handle.Err() == nil {
		t.Error("Err() = nil after unexpected disconnect")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		idle(conn)
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	for range 3 {
		if err := handle.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if err := handle.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio after Close should fail")
	}
	if err := handle.Interrupt(); err == nil {
		t.Error("Interrupt after Close should fail")
	}
}
