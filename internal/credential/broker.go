// Package credential exchanges the relay's long-lived upstream secret for the
// credential a single relay session uses to open its upstream connection.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/transcribe-relay/internal/resilience"
)

// TokenTTL is the lifetime requested for every ephemeral token. The upstream
// closes the session once it expires.
const TokenTTL = 600 * time.Second

// Audio/session profile embedded in the token's scope.
const (
	sampleRate        = 24000
	silenceDurationMs = 500
	prefixPaddingMs   = 300
	vadThreshold      = 0.5
	maxErrorBody      = 4096
)

// ErrCredential marks every failure to obtain a usable credential.
var ErrCredential = errors.New("credential error")

// Error carries upstream diagnostics for a failed issuance.
type Error struct {
	StatusCode int    // 0 when the request never got a response
	Body       string // truncated response body, if any
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("credential: ")
	b.WriteString(e.Msg)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCredential}
	}
	return []error{ErrCredential, e.Err}
}

// Token is a credential handed to the upstream adapter.
type Token struct {
	Value     string
	ExpiresAt time.Time // zero when the credential does not expire
}

// Source produces the credential for one relay session.
type Source interface {
	Acquire(ctx context.Context) (Token, error)
}

// Sanitize strips every byte outside printable ASCII and trims the result.
// Secrets pasted into env files routinely pick up newlines, BOMs and
// non-breaking spaces.
func Sanitize(secret string) string {
	out := make([]byte, 0, len(secret))
	for i := 0; i < len(secret); i++ {
		c := secret[i]
		if c >= 0x20 && c <= 0x7e {
			out = append(out, c)
		}
	}
	return strings.TrimSpace(string(out))
}

// Static hands out the long-lived secret itself. Used by upstream flavors that
// authenticate with the secret directly.
type Static struct {
	secret string
}

// NewStatic returns a Source for the sanitized secret.
func NewStatic(secret string) *Static {
	return &Static{secret: Sanitize(secret)}
}

// Acquire implements Source.
func (s *Static) Acquire(ctx context.Context) (Token, error) {
	if s.secret == "" {
		return Token{}, &Error{Msg: "empty upstream secret"}
	}
	return Token{Value: s.secret}, nil
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	TokenURL   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Breaker    *resilience.CircuitBreaker // optional
}

// Broker mints short-lived, transcription-scoped tokens from the upstream's
// token-issuance endpoint. It never retries.
type Broker struct {
	tokenURL   string
	apiKey     string
	model      string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// NewBroker creates a Broker. The API key is sanitized once here.
func NewBroker(cfg BrokerConfig) *Broker {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Broker{
		tokenURL:   cfg.TokenURL,
		apiKey:     Sanitize(cfg.APIKey),
		model:      cfg.Model,
		httpClient: client,
		breaker:    cfg.Breaker,
	}
}

// issuanceRequest is the body POSTed to the token endpoint.
type issuanceRequest struct {
	ExpiresAfter expiresAfter   `json:"expires_after"`
	Session      sessionProfile `json:"session"`
}

type expiresAfter struct {
	Anchor  string `json:"anchor"`
	Seconds int    `json:"seconds"`
}

type sessionProfile struct {
	Type  string       `json:"type"`
	Audio audioProfile `json:"audio"`
}

type audioProfile struct {
	Input inputProfile `json:"input"`
}

type inputProfile struct {
	Format         audioFormat    `json:"format"`
	NoiseReduction noiseReduction `json:"noise_reduction"`
	Transcription  transcription  `json:"transcription"`
	TurnDetection  turnDetection  `json:"turn_detection"`
}

type audioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// issuanceResponse accepts both the top-level and the nested client_secret shape.
type issuanceResponse struct {
	Value        string `json:"value"`
	ExpiresAt    int64  `json:"expires_at"`
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (b *Broker) newRequestBody() issuanceRequest {
	return issuanceRequest{
		ExpiresAfter: expiresAfter{Anchor: "created_at", Seconds: int(TokenTTL / time.Second)},
		Session: sessionProfile{
			Type: "transcription",
			Audio: audioProfile{Input: inputProfile{
				Format:         audioFormat{Type: "audio/pcm", Rate: sampleRate},
				NoiseReduction: noiseReduction{Type: "near_field"},
				Transcription:  transcription{Model: b.model},
				TurnDetection: turnDetection{
					Type:              "server_vad",
					Threshold:         vadThreshold,
					PrefixPaddingMs:   prefixPaddingMs,
					SilenceDurationMs: silenceDurationMs,
				},
			}},
		},
	}
}

// Acquire implements Source.
func (b *Broker) Acquire(ctx context.Context) (Token, error) {
	if b.breaker == nil {
		return b.issue(ctx)
	}

	var tok Token
	err := b.breaker.Call(func() error {
		var err error
		tok, err = b.issue(ctx)
		return err
	})
	if errors.Is(err, resilience.ErrOpen) {
		return Token{}, &Error{Msg: "token issuance suspended", Err: err}
	}
	return tok, err
}

func (b *Broker) issue(ctx context.Context) (Token, error) {
	if b.apiKey == "" {
		return Token{}, &Error{Msg: "empty upstream secret"}
	}

	jsonData, err := json.Marshal(b.newRequestBody())
	if err != nil {
		return Token{}, &Error{Msg: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenURL, bytes.NewReader(jsonData))
	if err != nil {
		return Token{}, &Error{Msg: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Token{}, &Error{Msg: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return Token{}, &Error{StatusCode: resp.StatusCode, Msg: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, &Error{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Msg:        "token endpoint rejected request",
		}
	}

	var parsed issuanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, &Error{StatusCode: resp.StatusCode, Msg: "malformed token response", Err: err}
	}

	value, expires := parsed.Value, parsed.ExpiresAt
	if value == "" && parsed.ClientSecret != nil {
		value, expires = parsed.ClientSecret.Value, parsed.ClientSecret.ExpiresAt
	}
	if strings.TrimSpace(value) == "" {
		return Token{}, &Error{StatusCode: resp.StatusCode, Msg: "token response has no usable token"}
	}

	tok := Token{Value: value}
	if expires > 0 {
		tok.ExpiresAt = time.Unix(expires, 0)
	}
	return tok, nil
}
