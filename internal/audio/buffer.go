package audio

import (
	"errors"
)

// DefaultPendingCapacity is the number of chunks held while the upstream connects.
const DefaultPendingCapacity = 50

// ErrAlreadyFlushed is returned by a second Flush.
var ErrAlreadyFlushed = errors.New("pending buffer already flushed")

// Sink receives audio instructions once the upstream is ready.
type Sink interface {
	// SendAudio appends one base64 PCM16 chunk to the upstream input buffer.
	SendAudio(chunk string) error
	// ClearBuffer discards whatever the upstream has buffered so far.
	ClearBuffer() error
}

// Outcome reports what Enqueue did with a chunk.
type Outcome int

const (
	Sent     Outcome = iota // Forwarded straight to the sink
	Buffered                // Held until Flush
	Dropped                 // Queue was full
)

// PendingBuffer holds client audio and a pending stop while the upstream is
// connecting. Once flushed it becomes a pass-through to the sink.
//
// It is not safe for concurrent use; a session's event loop owns it.
type PendingBuffer struct {
	capacity    int
	chunks      []string
	stopPending bool
	sink        Sink
}

// NewPendingBuffer creates a buffer holding at most capacity chunks.
func NewPendingBuffer(capacity int) *PendingBuffer {
	if capacity <= 0 {
		capacity = DefaultPendingCapacity
	}
	return &PendingBuffer{
		capacity: capacity,
		chunks:   make([]string, 0, capacity),
	}
}

// Enqueue relays chunk directly when ready, otherwise buffers it. A full queue
// drops the new chunk and keeps the older ones.
func (b *PendingBuffer) Enqueue(chunk string) (Outcome, error) {
	if b.sink != nil {
		return Sent, b.sink.SendAudio(chunk)
	}
	if len(b.chunks) >= b.capacity {
		return Dropped, nil
	}
	b.chunks = append(b.chunks, chunk)
	return Buffered, nil
}

// RequestStop clears the upstream buffer when ready. Before that it discards
// queued audio and remembers the stop for Flush.
func (b *PendingBuffer) RequestStop() error {
	if b.sink != nil {
		return b.sink.ClearBuffer()
	}
	b.chunks = b.chunks[:0]
	b.stopPending = true
	return nil
}

// Flush marks the buffer ready and drains it into sink. A pending stop wins:
// queued audio is discarded and a single ClearBuffer is sent instead.
// It returns the number of chunks replayed.
func (b *PendingBuffer) Flush(sink Sink) (int, error) {
	if b.sink != nil {
		return 0, ErrAlreadyFlushed
	}
	b.sink = sink

	if b.stopPending {
		b.stopPending = false
		b.chunks = b.chunks[:0]
		return 0, sink.ClearBuffer()
	}

	pending := b.chunks
	b.chunks = nil
	for i, chunk := range pending {
		if err := sink.SendAudio(chunk); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

// Ready reports whether Flush has run.
func (b *PendingBuffer) Ready() bool {
	return b.sink != nil
}

// Len returns the number of chunks waiting for Flush.
func (b *PendingBuffer) Len() int {
	return len(b.chunks)
}

// StopPending reports whether a stop is waiting for Flush.
func (b *PendingBuffer) StopPending() bool {
	return b.stopPending
}
