package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
	"github.com/coder/websocket"
	"golang.org/x/oauth2"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return raw
}

// idle discards client messages until the client goes away.
func idle(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func audioMessage(pcm []byte) map[string]any {
	return map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []map[string]any{{
					"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
		},
	}
}

func turnCompleteMessage() map[string]any {
	return map[string]any{"serverContent": map[string]any{"turnComplete": true}}
}

// nextEvent reads one event or fails after a timeout.
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

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-api-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
}

func connect(t *testing.T, p *gemini.Provider, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	handle, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.NativeInputRate != 16000 || caps.NativeOutputRate != 24000 {
		t.Errorf("native rates = %d/%d", caps.NativeInputRate, caps.NativeOutputRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			RealtimeInputConfig struct {
				AutomaticActivityDetection struct {
					Disabled          bool   `json:"disabled"`
					EndOfSpeech       string `json:"endOfSpeechSensitivity"`
					SilenceDurationMs int64  `json:"silenceDurationMs"`
				} `json:"automaticActivityDetection"`
			} `json:"realtimeInputConfig"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		idle(conn)
	})

	connect(t, newProvider(srv, gemini.WithModel("custom-model")), s2s.SessionConfig{
		Instructions: "You are a helpful assistant.",
		TurnDetection: s2s.TurnDetection{
			Mode:            s2s.TurnDetectionAutomatic,
			EndSensitivity:  "low",
			SilenceDuration: 800 * time.Millisecond,
		},
	})

	msg := <-received
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v", got)
	}
	if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Puck" {
		t.Errorf("voice = %q, want default Puck", v)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
	}
	aad := msg.Setup.RealtimeInputConfig.AutomaticActivityDetection
	if aad.Disabled || aad.EndOfSpeech != "END_SENSITIVITY_LOW" || aad.SilenceDurationMs != 800 {
		t.Errorf("automaticActivityDetection = %+v", aad)
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		acceptSetup(t, conn)
		idle(conn)
	})

	connect(t, gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv))), s2s.SessionConfig{})

	if q := <-query; !strings.Contains(q, "key=secret-key") {
		t.Errorf("URL query %q should contain key=secret-key", q)
	}
}

func TestConnect_Vertex(t *testing.T) {
	t.Parallel()

	type seen struct {
		path, auth, model string
	}
	got := make(chan seen, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		raw := acceptSetup(t, conn)
		setup, _ := raw["setup"].(map[string]any)
		model, _ := setup["model"].(string)
		got <- seen{path: r.URL.Path, auth: r.Header.Get("Authorization"), model: model}
		idle(conn)
	})

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-123"})
	p := gemini.New("",
		gemini.WithVertex("my-project", "us-central1", ts),
		gemini.WithBaseURL(wsURL(srv)),
		gemini.WithModel("gemini-live"),
	)
	connect(t, p, s2s.SessionConfig{})

	s := <-got
	if s.path != "/google.cloud.aiplatform.v1.LlmBidiService/BidiGenerateContent" {
		t.Errorf("path = %q", s.path)
	}
	if s.auth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", s.auth)
	}
	if want := "projects/my-project/locations/us-central1/publishers/google/models/gemini-live"; s.model != want {
		t.Errorf("model = %q, want %q", s.model, want)
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		idle(conn) // never acknowledges
	})

	_, err := newProvider(srv, gemini.WithSetupTimeout(50*time.Millisecond)).
		Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, gemini.ErrSetupTimeout) {
		t.Fatalf("err = %v, want ErrSetupTimeout", err)
	}
}

func TestConnect_UnexpectedSetupResponse(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, turnCompleteMessage())
		idle(conn)
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, gemini.ErrUnexpectedSetup) {
		t.Fatalf("err = %v, want ErrUnexpectedSetup", err)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		idle(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should fail")
	}
}

// ── Sending ───────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := handle.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) == 0 {
			t.Fatal("no media chunks in realtimeInput")
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestEndTurn_AutomaticSendsTurnComplete(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	if err := handle.EndTurn(); err != nil {
		t.Fatalf("EndTurn: %v", err)
	}

	msg := <-got
	cc, ok := msg["clientContent"].(map[string]any)
	if !ok {
		t.Fatalf("expected clientContent, got %v", msg)
	}
	if cc["turnComplete"] != true {
		t.Errorf("turnComplete = %v", cc["turnComplete"])
	}
}

func TestManualMode_BracketsActivity(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 8)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range 4 {
			var msg map[string]any
			readJSON(t, conn, &msg)
			msgs <- msg
		}
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{
		TurnDetection: s2s.TurnDetection{Mode: s2s.TurnDetectionManual},
	})
	handle.SendAudio([]byte{0, 0})
	handle.SendAudio([]byte{0, 0})
	handle.EndTurn()

	kind := func(msg map[string]any) string {
		ri, _ := msg["realtimeInput"].(map[string]any)
		for _, k := range []string{"activityStart", "activityEnd", "mediaChunks"} {
			if _, ok := ri[k]; ok {
				return k
			}
		}
		return "other"
	}
	want := []string{"activityStart", "mediaChunks", "mediaChunks", "activityEnd"}
	for i, w := range want {
		select {
		case msg := <-msgs:
			if got := kind(msg); got != w {
				t.Errorf("message %d = %s, want %s", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
	if err := handle.EndTurn(); err == nil {
		t.Fatal("EndTurn after Close should return an error")
	}
}

// ── Receiving ─────────────────────────────────────────────────────────────────

func TestEvents_TagsTurns(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, audioMessage([]byte{0xAA, 0xBB}))
		writeJSON(t, conn, turnCompleteMessage())
		writeJSON(t, conn, audioMessage([]byte{0xCC, 0xDD}))
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})

	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventAudio || ev.Turn != 1 || string(ev.Audio) != "\xAA\xBB" {
		t.Errorf("first event = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventTurnComplete || ev.Turn != 1 {
		t.Errorf("second event = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventAudio || ev.Turn != 2 {
		t.Errorf("third event = %+v", ev)
	}
}

func TestInterrupt_DiscardsRestOfTurn(t *testing.T) {
	t.Parallel()

	interrupted := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, audioMessage([]byte{1, 1}))
		<-interrupted
		writeJSON(t, conn, audioMessage([]byte{2, 2}))
		writeJSON(t, conn, turnCompleteMessage())
		writeJSON(t, conn, audioMessage([]byte{3, 3}))
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	if ev := nextEvent(t, handle); ev.Type != s2s.EventAudio {
		t.Fatalf("first event = %+v", ev)
	}
	if err := handle.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	close(interrupted)

	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventTurnComplete || ev.Turn != 1 {
		t.Errorf("event after interrupt = %+v, want turn_complete of turn 1", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventAudio || ev.Turn != 2 || string(ev.Audio) != "\x03\x03" {
		t.Errorf("next turn event = %+v", ev)
	}
}

func TestEvents_ServerInterrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, audioMessage([]byte{1, 1}))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	nextEvent(t, handle)
	if ev := nextEvent(t, handle); ev.Type != s2s.EventInterrupted || ev.Turn != 1 {
		t.Errorf("event = %+v, want interrupted of turn 1", ev)
	}
}

func TestEvents_Transcripts(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "hello there"}},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "hi!"}},
		})
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventTranscript || ev.Role != s2s.RoleUser || ev.Text != "hello there" {
		t.Errorf("user transcript = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventTranscript || ev.Role != s2s.RoleModel || ev.Text != "hi!" {
		t.Errorf("model transcript = %+v", ev)
	}
}

func TestEvents_ServerErrorEndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota"}})
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("expected Events to close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Events to close")
	}
	if err := handle.Err(); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Errorf("Err() = %v", err)
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		idle(conn)
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	for range 3 {
		if err := handle.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("unexpected event after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Events not closed after Close")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() after clean Close = %v", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	handle := connect(t, newProvider(srv), s2s.SessionConfig{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 10 {
				_ = handle.SendAudio([]byte{0, 0, 0, 0})
			}
		})
	}
	wg.Wait()
}
