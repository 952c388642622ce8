// Package upstream adapts third-party realtime transcription services to the
// relay's audio-in, transcript-events-out contract.
package upstream

import (
	"context"
	"errors"
)

var (
	// ErrConnect marks a failed upgrade or handshake with the upstream.
	ErrConnect = errors.New("upstream connect failed")
	// ErrDisconnect marks an upstream connection that ended while open.
	ErrDisconnect = errors.New("upstream disconnected")
)

// EventKind identifies an upstream event relevant to the relay.
type EventKind int

const (
	EventDelta     EventKind = iota // Partial text for an utterance
	EventCompleted                  // Finished utterance text
	EventError                      // Upstream-reported, non-fatal error
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventCompleted:
		return "completed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is an upstream message translated to the relay's vocabulary.
type Event struct {
	Kind        EventKind
	UtteranceID string // EventDelta
	Text        string // EventDelta fragment or EventCompleted transcript
	Message     string // EventError
}

// Session is one open upstream connection.
type Session interface {
	// SendAudio appends a base64 PCM16 chunk to the upstream input buffer.
	SendAudio(chunk string) error
	// ClearBuffer discards audio the upstream has not yet committed.
	ClearBuffer() error
	// Events delivers upstream events in arrival order. It is closed when the
	// connection ends.
	Events() <-chan Event
	// Err reports why Events was closed: nil after Close, otherwise an error
	// wrapping ErrDisconnect.
	Err() error
	// Close shuts the connection down. Safe to call more than once.
	Close() error
}

// Adapter opens upstream sessions for one service flavor. A successful Open
// means the session is ready for audio.
type Adapter interface {
	Name() string
	Open(ctx context.Context, credential string) (Session, error)
}
