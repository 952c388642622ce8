package credential

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lexiqai/transcribe-relay/internal/resilience"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", "sk-abc123", "sk-abc123"},
		{"trailing newline", "sk-abc123\n", "sk-abc123"},
		{"surrounding spaces", "  sk-abc123  ", "sk-abc123"},
		{"embedded control", "sk-\tabc\r123", "sk-abc123"},
		{"non-ascii", "\ufeffsk-abc\u00a0123", "sk-abc123"},
		{"empty", "\n\t", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStatic_Acquire(t *testing.T) {
	tok, err := NewStatic(" sk-live\n").Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if tok.Value != "sk-live" {
		t.Errorf("Expected sanitized secret, got %q", tok.Value)
	}
	if !tok.ExpiresAt.IsZero() {
		t.Errorf("Expected no expiry, got %v", tok.ExpiresAt)
	}

	if _, err := NewStatic("\n").Acquire(context.Background()); !errors.Is(err, ErrCredential) {
		t.Errorf("Expected ErrCredential for blank secret, got %v", err)
	}
}

func TestBroker_Acquire_Success(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"value":"ek_123","expires_at":1700000600}`)
	}))
	defer srv.Close()

	b := NewBroker(BrokerConfig{TokenURL: srv.URL, APIKey: "sk-secret\r\n", Model: "gpt-4o-mini-transcribe"})
	tok, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if tok.Value != "ek_123" {
		t.Errorf("Expected token 'ek_123', got %q", tok.Value)
	}
	if !tok.ExpiresAt.Equal(time.Unix(1700000600, 0)) {
		t.Errorf("Unexpected expiry %v", tok.ExpiresAt)
	}
	if gotAuth != "Bearer sk-secret" {
		t.Errorf("Expected sanitized bearer header, got %q", gotAuth)
	}

	expires := gotBody["expires_after"].(map[string]any)
	if expires["seconds"].(float64) != 600 {
		t.Errorf("Expected 600s TTL, got %v", expires["seconds"])
	}

	session := gotBody["session"].(map[string]any)
	if session["type"] != "transcription" {
		t.Errorf("Expected transcription session, got %v", session["type"])
	}
	input := session["audio"].(map[string]any)["input"].(map[string]any)
	format := input["format"].(map[string]any)
	if format["type"] != "audio/pcm" || format["rate"].(float64) != 24000 {
		t.Errorf("Unexpected audio format %v", format)
	}
	if input["noise_reduction"].(map[string]any)["type"] != "near_field" {
		t.Errorf("Unexpected noise reduction %v", input["noise_reduction"])
	}
	if input["transcription"].(map[string]any)["model"] != "gpt-4o-mini-transcribe" {
		t.Errorf("Unexpected transcription model %v", input["transcription"])
	}
	td := input["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["silence_duration_ms"].(float64) != 500 || td["prefix_padding_ms"].(float64) != 300 {
		t.Errorf("Unexpected turn detection %v", td)
	}
}

func TestBroker_Acquire_NestedClientSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"client_secret":{"value":"ek_nested","expires_at":1700000600}}`)
	}))
	defer srv.Close()

	tok, err := NewBroker(BrokerConfig{TokenURL: srv.URL, APIKey: "k"}).Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if tok.Value != "ek_nested" {
		t.Errorf("Expected nested token, got %q", tok.Value)
	}
}

func TestBroker_Acquire_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"Incorrect API key"}}`)
	}))
	defer srv.Close()

	_, err := NewBroker(BrokerConfig{TokenURL: srv.URL, APIKey: "bad"}).Acquire(context.Background())
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("Expected ErrCredential, got %v", err)
	}

	var credErr *Error
	if !errors.As(err, &credErr) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if credErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", credErr.StatusCode)
	}
	if !strings.Contains(credErr.Body, "Incorrect API key") {
		t.Errorf("Expected upstream body to be propagated, got %q", credErr.Body)
	}
}

func TestBroker_Acquire_MissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"expires_at":1700000600}`)
	}))
	defer srv.Close()

	_, err := NewBroker(BrokerConfig{TokenURL: srv.URL, APIKey: "k"}).Acquire(context.Background())
	if !errors.Is(err, ErrCredential) {
		t.Errorf("Expected ErrCredential, got %v", err)
	}
}

func TestBroker_Acquire_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `not json`)
	}))
	defer srv.Close()

	_, err := NewBroker(BrokerConfig{TokenURL: srv.URL, APIKey: "k"}).Acquire(context.Background())
	if !errors.Is(err, ErrCredential) {
		t.Errorf("Expected ErrCredential, got %v", err)
	}
}

func TestBroker_Acquire_NoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	NewBroker(BrokerConfig{TokenURL: srv.URL, APIKey: "k"}).Acquire(context.Background())
	if calls != 1 {
		t.Errorf("Expected exactly 1 issuance call, got %d", calls)
	}
}

func TestBroker_Acquire_BreakerOpens(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker("credentials", 2, time.Hour)
	b := NewBroker(BrokerConfig{TokenURL: srv.URL, APIKey: "k", Breaker: breaker})

	b.Acquire(context.Background())
	b.Acquire(context.Background())
	_, err := b.Acquire(context.Background())

	if calls != 2 {
		t.Errorf("Expected breaker to short-circuit the third call, endpoint saw %d calls", calls)
	}
	if !errors.Is(err, ErrCredential) || !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("Expected ErrCredential wrapping ErrOpen, got %v", err)
	}
}

func TestBroker_Acquire_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewBroker(BrokerConfig{TokenURL: srv.URL, APIKey: "k"}).Acquire(ctx)
	if !errors.Is(err, ErrCredential) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected ErrCredential wrapping deadline, got %v", err)
	}
}
