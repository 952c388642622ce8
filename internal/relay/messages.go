package relay

import "time"

// Client message types (inbound).
const (
	msgAudio = "audio"
	msgStop  = "stop"
	msgPing  = "ping"
)

// Client event types (outbound).
const (
	EventReady         = "ready"
	EventTranscription = "transcription"
	EventError         = "error"
	EventPong          = "pong"
)

// ClientMessage is a frame received from the browser.
type ClientMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"` // base64 PCM16LE mono 24kHz
}

// ClientEvent is a frame sent to the browser. Only the fields of the given
// type are serialized.
type ClientEvent struct {
	Type       string `json:"type"`
	IsFinal    *bool  `json:"isFinal,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"` // epoch milliseconds
	Message    string `json:"message,omitempty"`
}

func readyEvent() ClientEvent { return ClientEvent{Type: EventReady} }

func pongEvent() ClientEvent { return ClientEvent{Type: EventPong} }

func errorEvent(msg string) ClientEvent {
	return ClientEvent{Type: EventError, Message: msg}
}

func transcriptionEvent(isFinal bool, text string, at time.Time) ClientEvent {
	return ClientEvent{
		Type:       EventTranscription,
		IsFinal:    &isFinal,
		Transcript: text,
		Timestamp:  at.UnixMilli(),
	}
}
