// Package relay accepts browser microphone streams over WebSocket and relays
// them to an upstream transcription service, sending transcripts back.
package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcribe-relay/internal/credential"
	"github.com/lexiqai/transcribe-relay/internal/observability"
	"github.com/lexiqai/transcribe-relay/internal/upstream"
)

// Handler serves the client-facing relay endpoint. Exactly one path accepts
// upgrades; every session it accepts gets its own upstream connection.
type Handler struct {
	path     string
	adapter  upstream.Adapter
	source   credential.Source
	opts     SessionOptions
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHandler creates the relay endpoint at path.
func NewHandler(path string, adapter upstream.Adapter, source credential.Source, opts SessionOptions) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		path:    path,
		adapter: adapter,
		source:  source,
		opts:    opts,
		upgrader: websocket.Upgrader{
			// Any origin may connect.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: observability.GetLogger().With().Str("component", "relay").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.path {
		http.NotFound(w, r)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected WebSocket upgrade", http.StatusBadRequest)
		return
	}
	if h.ctx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	h.wg.Add(1)
	defer h.wg.Done()

	sess := NewSession(conn, h.adapter, h.source, h.opts)
	h.track(sess)
	defer h.untrack(sess)

	sess.Run(h.ctx)
	h.logger.Debug().
		Str("session_id", sess.ID()).
		Str("state", sess.State().String()).
		Msg("Relay session finished")
}

func (h *Handler) track(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID())
}

// ActiveSessions returns the number of sessions currently being served.
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every open session with a going-away frame and waits for
// them to finish, or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	h.logger.Info().Int("active_sessions", h.ActiveSessions()).Msg("Closing relay sessions")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
