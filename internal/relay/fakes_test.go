package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/transcribe-relay/internal/credential"
	"github.com/lexiqai/transcribe-relay/internal/upstream"
)

const testPath = "/transcribe"

// fakeSource hands out a fixed token or error.
type fakeSource struct {
	token string
	err   error
	panic bool
}

func (f *fakeSource) Acquire(ctx context.Context) (credential.Token, error) {
	if f.panic {
		panic("boom")
	}
	if f.err != nil {
		return credential.Token{}, f.err
	}
	return credential.Token{Value: f.token}, nil
}

// fakeUpstream records what the relay sends and lets tests push events.
type fakeUpstream struct {
	mu         sync.Mutex
	ops        []string
	sendErr    error
	err        error
	events     chan upstream.Event
	closed     chan struct{}
	closeOnce  sync.Once
	eventsOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events: make(chan upstream.Event, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeUpstream) SendAudio(chunk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.ops = append(f.ops, "append:"+chunk)
	return nil
}

func (f *fakeUpstream) ClearBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "clear")
	return nil
}

func (f *fakeUpstream) Events() <-chan upstream.Event { return f.events }

func (f *fakeUpstream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeUpstream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// disconnect simulates the upstream hanging up.
func (f *fakeUpstream) disconnect(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.eventsOnce.Do(func() { close(f.events) })
}

func (f *fakeUpstream) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeUpstream) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for upstream to close")
	}
}

// fakeAdapter opens sess once release is closed (immediately when nil).
type fakeAdapter struct {
	sess    *fakeUpstream
	err     error
	release chan struct{}
	gotCred chan string
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Open(ctx context.Context, cred string) (upstream.Session, error) {
	if f.gotCred != nil {
		f.gotCred <- cred
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

// startRelay serves a Handler and returns a connected client.
func startRelay(t *testing.T, adapter upstream.Adapter, source credential.Source, opts SessionOptions) (*Handler, *websocket.Conn) {
	t.Helper()
	h := NewHandler(testPath, adapter, source, opts)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+testPath, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return h, conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ClientEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ClientEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return ev
}

// expectClose reads until the connection closes and returns the close error.
func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected close, got frame %s", data)
	}
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected close error, got %v", err)
	}
	return ce
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

// syncRelay round-trips a ping so every earlier frame has been handled.
func syncRelay(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendJSON(t, conn, ClientMessage{Type: "ping"})
	if ev := readEvent(t, conn); ev.Type != EventPong {
		t.Fatalf("Expected pong, got %+v", ev)
	}
}

// onlySession returns the single session h is serving.
func onlySession(t *testing.T, h *Handler) *Session {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) != 1 {
		t.Fatalf("Expected one active session, got %d", len(h.sessions))
	}
	for _, s := range h.sessions {
		return s
	}
	return nil
}
