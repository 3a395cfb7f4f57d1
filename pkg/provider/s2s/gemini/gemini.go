// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks. Two endpoints are
// supported: the Generative Language API authenticated with an API key, and
// Vertex AI authenticated with an OAuth2 bearer token (see [WithVertex]).
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/coder/websocket"
	"golang.org/x/oauth2"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultVoice   = "Puck"

	aiStudioPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	vertexPath   = "/google.cloud.aiplatform.v1.LlmBidiService/BidiGenerateContent"

	nativeInputRate  = 16000
	nativeOutputRate = 24000

	defaultSetupTimeout = 10 * time.Second
	keepaliveInterval   = 20 * time.Second
	keepaliveTimeout    = 5 * time.Second

	eventBuffer = 64
)

var (
	// ErrSetupTimeout is returned by Connect when setupComplete does not
	// arrive in time.
	ErrSetupTimeout = errors.New("gemini: connection timeout waiting for setup")

	// ErrUnexpectedSetup is returned by Connect when the first server message
	// is not setupComplete.
	ErrUnexpectedSetup = errors.New("gemini: unexpected setup response")

	errClosed = errors.New("gemini: session closed")
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVertex switches the provider to the Vertex AI endpoint of project in
// region. Every Connect fetches a bearer token from ts. Unless [WithBaseURL]
// is also given, the regional aiplatform host is used.
func WithVertex(project, region string, ts oauth2.TokenSource) Option {
	return func(p *Provider) {
		p.vertex = &vertexTarget{project: project, region: region, tokens: ts}
	}
}

// WithSetupTimeout bounds how long Connect waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// WithLogger sets the logger for session diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

type vertexTarget struct {
	project string
	region  string
	tokens  oauth2.TokenSource
}

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	vertex       *vertexTarget
	setupTimeout time.Duration
	log          *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
// The key is ignored when [WithVertex] is used.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		setupTimeout: defaultSetupTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
		if p.vertex != nil {
			p.baseURL = fmt.Sprintf("wss://%s-aiplatform.googleapis.com/ws", p.vertex.region)
		}
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		NativeInputRate:  nativeInputRate,
		NativeOutputRate: nativeOutputRate,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
		ServerInterrupt:  false,
	}
}

// endpoint returns the dial URL, extra headers and the model resource name.
func (p *Provider) endpoint() (string, http.Header, string, error) {
	if p.vertex == nil {
		url := fmt.Sprintf("%s%s?key=%s", p.baseURL, aiStudioPath, p.apiKey)
		return url, http.Header{}, "models/" + p.model, nil
	}
	if p.vertex.tokens == nil {
		return "", nil, "", errors.New("gemini: vertex token source is nil")
	}
	tok, err := p.vertex.tokens.Token()
	if err != nil {
		return "", nil, "", fmt.Errorf("gemini: vertex token: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok.AccessToken)
	model := fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s",
		p.vertex.project, p.vertex.region, p.model)
	return p.baseURL + vertexPath, h, model, nil
}

// Connect establishes a new Gemini Live session with the given configuration.
// It returns once the server has acknowledged the setup message.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL, header, model, err := p.endpoint()
	if err != nil {
		return nil, err
	}
	header.Set("Content-Type", "application/json")

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		cfg:       withRates(cfg),
		manual:    cfg.TurnDetection.Mode == s2s.TurnDetectionManual,
		events:    make(chan s2s.Event, eventBuffer),
		done:      make(chan struct{}),
		ctx:       sessCtx,
		cancel:    sessCancel,
		log:       p.log.With("provider", "gemini", "model", p.model),
		connected: time.Now(),
	}

	if err := sess.sendSetup(model); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := sess.awaitSetup(ctx, p.setupTimeout); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// withRates fills zero sample rates with the native rates.
func withRates(cfg s2s.SessionConfig) s2s.SessionConfig {
	if cfg.Input.SampleRate == 0 {
		cfg.Input.SampleRate = nativeInputRate
	}
	if cfg.Output.SampleRate == 0 {
		cfg.Output.SampleRate = nativeOutputRate
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	return cfg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string               `json:"model"`
	GenerationConfig         generationConfig     `json:"generationConfig"`
	SystemInstruction        *systemInstruction   `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *struct{}            `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}            `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection activityDetection `json:"automaticActivityDetection"`
}

type activityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int64  `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int64  `json:"silenceDurationMs,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks   []mediaChunk `json:"mediaChunks,omitempty"`
	ActivityStart *struct{}    `json:"activityStart,omitempty"`
	ActivityEnd   *struct{}    `json:"activityEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// sensitivity maps the provider-neutral "low"/"high" to the Live API enums.
func sensitivity(prefix, v string) string {
	switch v {
	case "low":
		return prefix + "_SENSITIVITY_LOW"
	case "high":
		return prefix + "_SENSITIVITY_HIGH"
	default:
		return ""
	}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	cfg    s2s.SessionConfig
	manual bool
	events chan s2s.Event
	turns  s2s.TurnCounter
	log    *slog.Logger

	mu         sync.Mutex
	errVal     error
	done       chan struct{}
	closed     bool
	inActivity bool // manual mode: activityStart sent, activityEnd pending

	audioChunks atomic.Int64
	connected   time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string) error {
	td := s.cfg.TurnDetection
	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: s.cfg.Voice},
					},
				},
			},
			RealtimeInputConfig: &realtimeInputConfig{
				AutomaticActivityDetection: activityDetection{
					Disabled:                 s.manual,
					StartOfSpeechSensitivity: sensitivity("START", td.StartSensitivity),
					EndOfSpeechSensitivity:   sensitivity("END", td.EndSensitivity),
					PrefixPaddingMs:          td.PrefixPadding.Milliseconds(),
					SilenceDurationMs:        td.SilenceDuration.Milliseconds(),
				},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if s.cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: s.cfg.Instructions}},
		}
	}

	return s.writeJSON(msg)
}

// awaitSetup blocks until the server acknowledges the setup message.
func (s *session) awaitSetup(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrSetupTimeout
		}
		return fmt.Errorf("gemini: await setup: %w", err)
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedSetup, err)
	}
	if msg.Error != nil {
		return fmt.Errorf("%w: %s", ErrUnexpectedSetup, msg.Error.Message)
	}
	if msg.SetupComplete == nil {
		return ErrUnexpectedSetup
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)
	defer s.reportSilentSession()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed message", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage returns false when the session must end.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.setErr(fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text))
		return false
	}
	if msg.GoAway != nil {
		s.log.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				turn, deliver := s.turns.Audio()
				if !deliver {
					continue
				}
				s.audioChunks.Add(1)
				pcm = audio.ResampleMono16(pcm, nativeOutputRate, s.cfg.Output.SampleRate)
				if !s.emit(s2s.Event{Type: s2s.EventAudio, Turn: turn, Audio: pcm}) {
					return false
				}
			}
			if p.Text != "" {
				ev := s2s.Event{Type: s2s.EventTranscript, Turn: s.turns.Current(), Role: s2s.RoleModel, Text: p.Text}
				if !s.emit(ev) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		ev := s2s.Event{Type: s2s.EventTranscript, Turn: s.turns.Current(), Role: s2s.RoleUser, Text: sc.InputTranscription.Text}
		if !s.emit(ev) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		ev := s2s.Event{Type: s2s.EventTranscript, Turn: s.turns.Current(), Role: s2s.RoleModel, Text: sc.OutputTranscription.Text}
		if !s.emit(ev) {
			return false
		}
	}

	switch {
	case sc.Interrupted:
		return s.emit(s2s.Event{Type: s2s.EventInterrupted, Turn: s.turns.End()})
	case sc.TurnComplete:
		return s.emit(s2s.Event{Type: s2s.EventTurnComplete, Turn: s.turns.End()})
	}
	return true
}

// emit delivers ev unless the session is shutting down.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) reportSilentSession() {
	if s.audioChunks.Load() == 0 {
		s.log.Warn("gemini: session ended without receiving audio",
			"duration", time.Since(s.connected).Round(time.Millisecond))
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 chunk in the session's input format. In
// manual turn detection mode the first chunk of a user turn is preceded by an
// activityStart signal.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	startActivity := s.manual && !s.inActivity
	if startActivity {
		s.inActivity = true
	}
	s.mu.Unlock()

	if startActivity {
		if err := s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}}); err != nil {
			return fmt.Errorf("gemini: activity start: %w", err)
		}
	}

	pcm := audio.ResampleMono16(chunk, s.cfg.Input.SampleRate, nativeInputRate)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", nativeInputRate),
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// EndTurn signals the end of user speech. In manual mode this closes the
// open activity; otherwise an empty user turn with turnComplete is sent.
func (s *session) EndTurn() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	manual, open := s.manual, s.inActivity
	s.inActivity = false
	s.mu.Unlock()

	var msg any
	switch {
	case manual && !open:
		return nil
	case manual:
		msg = realtimeInputMessage{RealtimeInput: realtimeInput{ActivityEnd: &struct{}{}}}
	default:
		msg = clientContentMessage{ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{}}},
			TurnComplete: true,
		}}
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("gemini: end turn: %w", err)
	}
	return nil
}

// Interrupt discards the remainder of the model's current turn. The Live API
// has no explicit cancel message: with automatic activity detection the
// server interrupts on its own when it hears the user, and in manual mode an
// activityStart serves as the interruption signal.
func (s *session) Interrupt() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	startActivity := s.manual && !s.inActivity
	if startActivity {
		s.inActivity = true
	}
	s.mu.Unlock()

	turn, ok := s.turns.Interrupt()
	s.log.Debug("gemini: interrupt", "turn", turn, "discarding", ok)

	if startActivity {
		if err := s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{ActivityStart: &struct{}{}}}); err != nil {
			return fmt.Errorf("gemini: interrupt: %w", err)
		}
	}
	return nil
}

// Events returns the channel on which turn-tagged events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
