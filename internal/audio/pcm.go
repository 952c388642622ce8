package audio

import (
	"encoding/base64"
	"fmt"
)

// Wire contract with the client capture layer.
const (
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2 // 16-bit little-endian
)

// DecodeChunk decodes a base64 PCM16LE chunk.
func DecodeChunk(chunk string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 audio: %w", err)
	}
	return data, nil
}

// ValidChunk reports whether chunk is non-empty valid base64.
func ValidChunk(chunk string) bool {
	if chunk == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(chunk)
	return err == nil
}
