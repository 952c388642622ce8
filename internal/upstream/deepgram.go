package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcribe-relay/internal/audio"
)

// DeepgramConfig configures the Deepgram flavor.
type DeepgramConfig struct {
	Model    string
	Language string
	Host     string // optional API host override
	Logger   *zerolog.Logger
}

// Deepgram adapts Deepgram's live transcription API. Deepgram interim results
// are whole-utterance hypotheses rather than fragments, so each one is emitted
// as a delta under a fresh utterance id; the assembler then shows only the
// latest hypothesis after the confirmed text.
type Deepgram struct {
	cfg    DeepgramConfig
	logger zerolog.Logger
}

// Compile-time assertion
var _ Adapter = (*Deepgram)(nil)

// NewDeepgram creates the Deepgram flavor.
func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Deepgram{cfg: cfg, logger: logger}
}

// Name implements Adapter.
func (d *Deepgram) Name() string { return "deepgram" }

// Open implements Adapter.
func (d *Deepgram) Open(ctx context.Context, credential string) (Session, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       audio.Channels,
		SampleRate:     audio.SampleRate,
	}

	var cOptions *interfaces.ClientOptions
	if d.cfg.Host != "" {
		cOptions = &interfaces.ClientOptions{Host: d.cfg.Host}
	}

	// The SDK's connection outlives the setup context.
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &deepgramSession{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: d.logger,
	}

	callback := &deepgramCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		session:                s,
	}

	client, err := listenClient.NewWSUsingCallback(sessCtx, credential, cOptions, tOptions, callback)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: deepgram: %v", ErrConnect, err)
	}

	connected := make(chan bool, 1)
	go func() { connected <- client.Connect() }()

	select {
	case ok := <-connected:
		if !ok {
			cancel()
			return nil, fmt.Errorf("%w: deepgram: connection refused", ErrConnect)
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("%w: deepgram: %v", ErrConnect, ctx.Err())
	}

	s.client = client
	return s, nil
}

// deepgramCallback embeds the SDK's default handler and overrides only the
// callbacks the relay needs.
type deepgramCallback struct {
	*websocketv1api.DefaultCallbackHandler
	session *deepgramSession
}

// Message turns a Results message into delta or completed events.
func (c *deepgramCallback) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	text := msg.Channel.Alternatives[0].Transcript
	if text == "" {
		return nil
	}
	c.session.handleResult(text, msg.IsFinal)
	return nil
}

// Error surfaces Deepgram-reported errors as non-fatal events.
func (c *deepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.session.emit(Event{Kind: EventError, Message: deepgramErrorMessage(er)})
	return nil
}

// Close marks the session disconnected.
func (c *deepgramCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.session.disconnect(fmt.Errorf("%w: deepgram closed the stream", ErrDisconnect))
	return nil
}

// deepgramErrorMessage pulls a human-readable message out of an error response.
func deepgramErrorMessage(er *msginterfaces.ErrorResponse) string {
	const fallback = "unknown upstream error"
	if er == nil {
		return fallback
	}
	data, err := json.Marshal(er)
	if err != nil {
		return fallback
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return fallback
	}
	for _, key := range []string{"description", "err_msg", "message"} {
		if v, ok := fields[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return fallback
}

type deepgramSession struct {
	client *listenClient.WSCallback
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.Mutex
	seq    int
	closed bool
	errVal error

	closeOnce sync.Once
}

func (s *deepgramSession) handleResult(text string, isFinal bool) {
	s.mu.Lock()
	id := fmt.Sprintf("dg-%d", s.seq)
	s.seq++
	s.mu.Unlock()

	if isFinal {
		s.emit(Event{Kind: EventCompleted, Text: text})
		return
	}
	s.emit(Event{Kind: EventDelta, UtteranceID: id, Text: text})
}

// emit delivers ev unless the session has been torn down.
func (s *deepgramSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *deepgramSession) disconnect(err error) {
	s.shutdown(err)
}

// shutdown closes the events channel exactly once, recording err as the reason.
func (s *deepgramSession) shutdown(err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.errVal = err
		close(s.events)
		s.mu.Unlock()
		s.cancel()
	})
}

// SendAudio implements Session. Deepgram takes raw PCM, not base64.
func (s *deepgramSession) SendAudio(chunk string) error {
	data, err := audio.DecodeChunk(chunk)
	if err != nil {
		return err
	}
	if _, err := s.client.Write(data); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// ClearBuffer implements Session. Deepgram has no input-buffer clear, so a
// stop only takes effect for audio the relay has not sent yet.
func (s *deepgramSession) ClearBuffer() error {
	s.logger.Debug().Msg("Deepgram has no input buffer clear, ignoring")
	return nil
}

// Events implements Session.
func (s *deepgramSession) Events() <-chan Event { return s.events }

// Err implements Session.
func (s *deepgramSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements Session.
func (s *deepgramSession) Close() error {
	s.shutdown(nil)
	if s.client != nil {
		s.client.Finish()
	}
	return nil
}
