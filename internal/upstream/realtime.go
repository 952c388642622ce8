package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultEphemeralURL = "wss://api.openai.com/v1/realtime?intent=transcription"
	DefaultLegacyURL    = "wss://api.openai.com/v1/realtime"

	writeWait = 10 * time.Second
)

// Realtime protocol event types.
const (
	typeAppend        = "input_audio_buffer.append"
	typeClear         = "input_audio_buffer.clear"
	typeSessionUpdate = "session.update"
	typeDelta         = "conversation.item.input_audio_transcription.delta"
	typeCompleted     = "conversation.item.input_audio_transcription.completed"
	typeError         = "error"
)

// SessionUpdate configures a legacy-flavor session right after connect.
type SessionUpdate struct {
	Modalities         []string
	Voice              string
	Instructions       string
	TranscriptionModel string
}

// RealtimeOption configures a Realtime adapter.
type RealtimeOption func(*Realtime)

// WithLogger sets the adapter's logger.
func WithLogger(l zerolog.Logger) RealtimeOption {
	return func(r *Realtime) { r.logger = l }
}

// WithMalformedHook is called for every upstream frame that is dropped as noise.
func WithMalformedHook(fn func()) RealtimeOption {
	return func(r *Realtime) { r.onMalformed = fn }
}

// WithDialer replaces the WebSocket dialer. Used in tests.
func WithDialer(d *websocket.Dialer) RealtimeOption {
	return func(r *Realtime) { r.dialer = d }
}

// Realtime speaks the realtime transcription WebSocket protocol. The ephemeral
// flavor authenticates with a bearer token and needs no handshake; the legacy
// flavor embeds the long-lived secret in a subprotocol and must send
// session.update immediately after connecting.
type Realtime struct {
	name        string
	url         string
	handshake   *SessionUpdate
	dialer      *websocket.Dialer
	logger      zerolog.Logger
	onMalformed func()
}

// Compile-time assertion
var _ Adapter = (*Realtime)(nil)

// NewEphemeral creates the ephemeral-credential flavor.
func NewEphemeral(url string, opts ...RealtimeOption) *Realtime {
	if url == "" {
		url = DefaultEphemeralURL
	}
	return newRealtime("ephemeral", url, nil, opts)
}

// NewLegacy creates the long-lived-credential flavor.
func NewLegacy(url string, update SessionUpdate, opts ...RealtimeOption) *Realtime {
	if url == "" {
		url = DefaultLegacyURL
	}
	return newRealtime("legacy", url, &update, opts)
}

func newRealtime(name, url string, handshake *SessionUpdate, opts []RealtimeOption) *Realtime {
	r := &Realtime{
		name:      name,
		url:       url,
		handshake: handshake,
		dialer:    websocket.DefaultDialer,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name implements Adapter.
func (r *Realtime) Name() string { return r.name }

// Open implements Adapter.
func (r *Realtime) Open(ctx context.Context, credential string) (Session, error) {
	dialer := *r.dialer
	header := http.Header{}

	if r.handshake == nil {
		header.Set("Authorization", "Bearer "+credential)
	} else {
		dialer.Subprotocols = []string{
			"realtime",
			"openai-insecure-api-key." + credential,
			"openai-beta.realtime-v1",
		}
	}

	conn, resp, err := dialer.DialContext(ctx, r.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: status %d: %v", ErrConnect, r.name, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, r.name, err)
	}

	s := &realtimeSession{
		conn:        conn,
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
		logger:      r.logger,
		onMalformed: r.onMalformed,
	}

	if r.handshake != nil {
		if err := s.writeJSON(newSessionUpdate(*r.handshake)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s: session update: %v", ErrConnect, r.name, err)
		}
	}

	go s.readLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type controlMessage struct {
	Type string `json:"type"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

func newSessionUpdate(u SessionUpdate) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        u.Modalities,
		Voice:             u.Voice,
		Instructions:      u.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if u.TranscriptionModel != "" {
		params.InputAudioTranscription = &inputAudioTranscription{Model: u.TranscriptionModel}
	}
	return sessionUpdateMessage{Type: typeSessionUpdate, Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// transcription delta
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta,omitempty"`

	// transcription completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── session ───────────────────────────────────────────────────────────────────

type realtimeSession struct {
	conn        *websocket.Conn
	events      chan Event
	done        chan struct{}
	logger      zerolog.Logger
	onMalformed func()

	writeMu sync.Mutex

	mu      sync.Mutex
	errVal  error
	closing bool

	closeOnce sync.Once
}

func (s *realtimeSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: marshal: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// SendAudio implements Session.
func (s *realtimeSession) SendAudio(chunk string) error {
	return s.writeJSON(appendAudioMessage{Type: typeAppend, Audio: chunk})
}

// ClearBuffer implements Session.
func (s *realtimeSession) ClearBuffer() error {
	return s.writeJSON(controlMessage{Type: typeClear})
}

// Events implements Session.
func (s *realtimeSession) Events() <-chan Event { return s.events }

// Err implements Session.
func (s *realtimeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements Session.
func (s *realtimeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		close(s.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	return nil
}

// readLoop owns the events channel and closes it on exit.
func (s *realtimeSession) readLoop() {
	defer close(s.events)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closing {
				s.errVal = fmt.Errorf("%w: %v", ErrDisconnect, err)
			}
			s.mu.Unlock()
			return
		}

		if mt != websocket.TextMessage {
			s.malformed("non-text frame")
			continue
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.malformed("invalid json")
			continue
		}

		if ev, ok := translate(&evt); ok {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *realtimeSession) malformed(reason string) {
	s.logger.Debug().Str("reason", reason).Msg("Dropping upstream frame")
	if s.onMalformed != nil {
		s.onMalformed()
	}
}

// translate maps a realtime server event onto an Event. Unrecognised kinds are ignored.
func translate(evt *serverEvent) (Event, bool) {
	switch evt.Type {
	case typeDelta:
		return Event{Kind: EventDelta, UtteranceID: evt.ItemID, Text: evt.Delta}, true

	case typeCompleted:
		return Event{Kind: EventCompleted, Text: evt.Transcript}, true

	case typeError:
		msg := "unknown upstream error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return Event{Kind: EventError, Message: msg}, true
	}
	return Event{}, false
}
