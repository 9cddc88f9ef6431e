package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	httpBackend           = "http"
	defaultHTTPTimeout    = 60 * time.Second
	maxErrorBodyBytes     = 4096
	httpServerErrorStatus = 500
)

// HTTP posts JSON to a speech endpoint and reads audio from the response
// body.
type HTTP struct {
	endpoint string
	apiKey   string
	format   AudioFormat
	client   *http.Client
}

type HTTPOption func(*HTTP)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = client
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(h *HTTP) {
		h.apiKey = key
	}
}

// WithHTTPFormat sets the format requested from the endpoint.
func WithHTTPFormat(format AudioFormat) HTTPOption {
	return func(h *HTTP) {
		h.format = format
	}
}

func NewHTTP(endpoint string, opts ...HTTPOption) (*HTTP, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("http backend: %w: endpoint not configured", ErrEngineUnavailable)
	}
	h := &HTTP{
		endpoint: endpoint,
		format:   FormatMP3,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HTTP) Name() string        { return httpBackend }
func (h *HTTP) Format() AudioFormat { return h.format }

type httpRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format"`
}

type httpErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *HTTP) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	body, err := json.Marshal(httpRequest{Text: req.Text, Voice: req.Voice, Format: h.format.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewSynthesisError(httpBackend, "", "request failed", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, h.handleError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewSynthesisError(httpBackend, "", "failed to read audio", err, true)
	}
	if len(audio) == 0 {
		return nil, NewSynthesisError(httpBackend, "", "empty response", ErrEmptyAudio, true)
	}
	return audio, nil
}

func (h *HTTP) handleError(resp *http.Response) error {
	code := strconv.Itoa(resp.StatusCode)
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= httpServerErrorStatus

	var cause error
	if resp.StatusCode == http.StatusTooManyRequests {
		cause = ErrRateLimited
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	message := strings.TrimSpace(string(raw))
	var errResp httpErrorResponse
	if json.Unmarshal(raw, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		if errResp.Error.Code != "" {
			code = errResp.Error.Code
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return NewSynthesisError(httpBackend, code, message, cause, retryable)
}
