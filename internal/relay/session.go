package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/transcribe-relay/internal/audio"
	"github.com/lexiqai/transcribe-relay/internal/credential"
	"github.com/lexiqai/transcribe-relay/internal/observability"
	"github.com/lexiqai/transcribe-relay/internal/transcript"
	"github.com/lexiqai/transcribe-relay/internal/upstream"
)

// State is the lifecycle state of a relay session.
type State int32

const (
	StateOpen    State = iota // Client accepted, upstream not ready
	StateReady                // Upstream connected, buffer flushed
	StateClosing              // Teardown started
	StateClosed               // Terminal
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons sent to the client.
const (
	reasonSetupFailed    = "setup failed"
	reasonUpstreamClosed = "upstream closed"
	reasonIdle           = "idle timeout"
	reasonShutdown       = "server shutting down"
)

// Setup stages, used as metric labels.
const (
	stageCredential = "credential"
	stageUpstream   = "upstream"
	stageInternal   = "internal"
)

const writeWait = 10 * time.Second

// SessionOptions tunes one relay session.
type SessionOptions struct {
	PendingCapacity int           // Chunks held before the upstream is ready
	SetupTimeout    time.Duration // Bounds credential exchange plus upstream dial; 0 disables
	IdleTimeout     time.Duration // Teardown after this long without a client frame; 0 disables
}

// Session relays one client connection to one upstream session.
//
// A single goroutine (the event loop in Run) owns the pending buffer, the
// assembler and every data write to the client. The client reader and the
// setup sequence run alongside it and report back over channels, so frames
// keep being buffered while the upstream connects.
type Session struct {
	id      string
	conn    *websocket.Conn
	adapter upstream.Adapter
	source  credential.Source
	opts    SessionOptions

	pending   *audio.PendingBuffer
	assembler transcript.Assembler
	upstream  upstream.Session

	state   atomic.Int32
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type setupResult struct {
	upstream upstream.Session
	stage    string
	err      error
}

type clientFrame struct {
	messageType int
	data        []byte
}

// NewSession creates a session for an upgraded client connection.
func NewSession(conn *websocket.Conn, adapter upstream.Adapter, source credential.Source, opts SessionOptions) *Session {
	id := observability.NewSessionID()
	return &Session{
		id:      id,
		conn:    conn,
		adapter: adapter,
		source:  source,
		opts:    opts,
		pending: audio.NewPendingBuffer(opts.PendingCapacity),
		logger:  observability.WithSession(id, adapter.Name()),
		metrics: observability.NewSessionMetrics(id),
		now:     time.Now,
	}
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run drives the session until either side closes, setup fails, or ctx is
// cancelled. The caller owns the client connection and closes it afterwards.
func (s *Session) Run(ctx context.Context) {
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Relay session opened")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan clientFrame)
	setupDone := make(chan setupResult, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readClient(gctx, frames) })
	g.Go(func() error {
		s.setup(gctx, setupDone)
		return nil
	})

	s.loop(ctx, frames, setupDone)

	cancel()
	s.conn.Close()
	_ = g.Wait()

	// A setup that finished after the loop exited still owns an upstream.
	select {
	case res := <-setupDone:
		if res.upstream != nil {
			res.upstream.Close()
		}
	default:
	}

	s.setState(StateClosed)
	s.logger.Info().Msg("Relay session closed")
}

// readClient pumps client frames into the event loop. It closes frames when
// the client connection ends.
func (s *Session) readClient(ctx context.Context, frames chan<- clientFrame) error {
	defer close(frames)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("Client read error")
			}
			return err
		}
		select {
		case frames <- clientFrame{messageType: mt, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setup acquires a credential and opens the upstream. It always delivers
// exactly one result, including after a panic.
func (s *Session) setup(ctx context.Context, done chan<- setupResult) {
	var res setupResult
	defer func() {
		if r := recover(); r != nil {
			res = setupResult{stage: stageInternal, err: fmt.Errorf("session setup panicked: %v", r)}
		}
		done <- res
	}()

	if s.opts.SetupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SetupTimeout)
		defer cancel()
	}

	token, err := s.source.Acquire(ctx)
	if err != nil {
		res = setupResult{stage: stageCredential, err: fmt.Errorf("credential exchange failed: %w", err)}
		return
	}

	sess, err := s.adapter.Open(ctx, token.Value)
	if err != nil {
		res = setupResult{stage: stageUpstream, err: fmt.Errorf("upstream connection failed: %w", err)}
		return
	}
	res.upstream = sess
}

func (s *Session) loop(ctx context.Context, frames <-chan clientFrame, setupDone <-chan setupResult) {
	var events <-chan upstream.Event

	var idle *time.Timer
	var idleC <-chan time.Time
	if s.opts.IdleTimeout > 0 {
		idle = time.NewTimer(s.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			s.closeClient(websocket.CloseGoingAway, reasonShutdown)
			s.closeUpstream()
			return

		case f, ok := <-frames:
			if !ok {
				s.logger.Info().Msg("Client disconnected")
				s.setState(StateClosing)
				s.closeUpstream()
				return
			}
			if idle != nil {
				idle.Reset(s.opts.IdleTimeout)
			}
			if err := s.handleFrame(f); err != nil {
				s.metrics.RecordError("send", "upstream")
				s.fail(fmt.Sprintf("failed to relay to upstream: %v", err), reasonUpstreamClosed)
				return
			}

		case res := <-setupDone:
			setupDone = nil
			if res.err != nil {
				s.metrics.RecordSetupFailure(res.stage)
				s.fail(res.err.Error(), reasonSetupFailed)
				return
			}
			if err := s.becomeReady(res.upstream); err != nil {
				s.metrics.RecordError("flush", "upstream")
				s.fail(fmt.Sprintf("failed to flush pending audio: %v", err), reasonUpstreamClosed)
				return
			}
			events = s.upstream.Events()

		case ev, ok := <-events:
			if !ok {
				s.upstreamClosed()
				return
			}
			s.handleUpstreamEvent(ev)

		case <-idleC:
			s.fail("no client activity, closing session", reasonIdle)
			return
		}
	}
}

// handleFrame routes one client frame. Only upstream send failures are returned.
func (s *Session) handleFrame(f clientFrame) error {
	if f.messageType != websocket.TextMessage {
		s.malformed("non-text frame")
		return nil
	}

	var msg ClientMessage
	if err := json.Unmarshal(f.data, &msg); err != nil {
		s.malformed("invalid json")
		return nil
	}

	switch msg.Type {
	case msgPing:
		s.send(pongEvent())
	case msgStop:
		s.logger.Debug().Bool("ready", s.pending.Ready()).Msg("Stop requested")
		return s.pending.RequestStop()
	case msgAudio:
		return s.relayAudio(msg.Audio)
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown client message")
	}
	return nil
}

func (s *Session) relayAudio(chunk string) error {
	if !audio.ValidChunk(chunk) {
		s.malformed("invalid audio payload")
		return nil
	}

	outcome, err := s.pending.Enqueue(chunk)
	switch outcome {
	case audio.Sent:
		s.metrics.RecordAudioChunk(observability.AudioDirect)
	case audio.Buffered:
		s.metrics.RecordAudioChunk(observability.AudioBuffered)
	case audio.Dropped:
		s.metrics.RecordAudioChunk(observability.AudioDropped)
		s.logger.Debug().Int("capacity", s.opts.PendingCapacity).Msg("Pending audio full, dropping chunk")
	}
	return err
}

// becomeReady flushes pending input into sess and tells the client it may
// expect transcripts.
func (s *Session) becomeReady(sess upstream.Session) error {
	s.upstream = sess

	n, err := s.pending.Flush(sess)
	for i := 0; i < n; i++ {
		s.metrics.RecordAudioChunk(observability.AudioReplayed)
	}
	if err != nil {
		return err
	}

	s.setState(StateReady)
	s.metrics.RecordReady()
	s.send(readyEvent())
	s.logger.Info().Int("replayed", n).Msg("Upstream ready")
	return nil
}

func (s *Session) handleUpstreamEvent(ev upstream.Event) {
	switch ev.Kind {
	case upstream.EventDelta:
		if u, ok := s.assembler.OnDelta(ev.UtteranceID, ev.Text); ok {
			s.sendTranscript(u)
		}
	case upstream.EventCompleted:
		if u, ok := s.assembler.OnCompleted(ev.Text); ok {
			s.sendTranscript(u)
		}
	case upstream.EventError:
		s.logger.Warn().Str("message", ev.Message).Msg("Upstream reported an error")
		s.metrics.RecordError("protocol", "upstream")
		s.send(errorEvent(ev.Message))
	}
}

func (s *Session) sendTranscript(u transcript.Update) {
	s.metrics.RecordTranscript(u.IsFinal)
	s.send(transcriptionEvent(u.IsFinal, u.Text, s.now()))
}

func (s *Session) upstreamClosed() {
	err := s.upstream.Err()
	if err == nil {
		err = upstream.ErrDisconnect
	}
	s.metrics.RecordError("disconnect", "upstream")
	s.fail(err.Error(), reasonUpstreamClosed)
}

// fail is the single fatal path: one error event, close 1011, close upstream.
func (s *Session) fail(msg, reason string) {
	s.setState(StateClosing)
	s.logger.Error().Str("reason", reason).Msg(msg)
	s.send(errorEvent(msg))
	s.closeClient(websocket.CloseInternalServerErr, reason)
	s.closeUpstream()
}

func (s *Session) closeClient(code int, reason string) {
	s.setState(StateClosing)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send close frame")
	}
}

func (s *Session) closeUpstream() {
	if s.upstream != nil {
		s.upstream.Close()
	}
}

func (s *Session) send(ev ClientEvent) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(ev); err != nil {
		s.logger.Debug().Err(err).Str("type", ev.Type).Msg("Failed to write client event")
	}
}

func (s *Session) malformed(reason string) {
	s.logger.Debug().Str("reason", reason).Msg("Dropping client frame")
	s.metrics.RecordMalformedFrame("client")
}
