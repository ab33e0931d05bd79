package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/lesson-audio-service/internal/core"
)

// API endpoints and headers for the HTTP TTS service.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"

	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Static errors.
var (
	ErrEmptySpeechText   = errors.New("speech text cannot be empty")
	ErrEmptyAudio        = errors.New("received empty audio data")
	ErrWrongContentType  = errors.New("unexpected response content type")
	ErrServiceUnhealthy  = errors.New("TTS service health check failed")
	ErrSpeechRequestBad  = errors.New("TTS service rejected the request")
	ErrSpeechServiceFail = errors.New("TTS service error")
)

// HTTPProviderConfig configures the HTTP JSON provider.
type HTTPProviderConfig struct {
	BaseURL string
	Timeout time.Duration
	Limits  core.ProviderLimits
}

// HTTPProvider talks to a standalone TTS HTTP service that accepts one text
// per request and answers with WAV audio. Batch calls issue the items
// sequentially in request order, so positional correspondence is preserved
// by construction.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	limits     core.ProviderLimits
}

// speechPayload is the JSON body of one generation request.
type speechPayload struct {
	Text     string  `json:"text"`
	VoiceID  string  `json:"voice_id,omitempty"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed,omitempty"`
	Pitch    float64 `json:"pitch,omitempty"`
	IsSSML   bool    `json:"is_ssml,omitempty"`
}

// speechError is the service's structured error body.
type speechError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPProvider creates the provider. The baseURL includes protocol and
// port (e.g. "http://localhost:8000").
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	return &HTTPProvider{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limits: cfg.Limits,
	}
}

// Name implements core.SpeechProvider.
func (p *HTTPProvider) Name() string {
	return "http"
}

// Limits implements core.SpeechProvider.
func (p *HTTPProvider) Limits() core.ProviderLimits {
	return p.limits
}

// SynthesizeBatch implements core.SpeechProvider. Items are synthesized in
// order; the first failure aborts the call.
func (p *HTTPProvider) SynthesizeBatch(
	ctx context.Context,
	reqs []core.SpeechRequest,
) ([][]byte, error) {
	buffers := make([][]byte, 0, len(reqs))

	for i, req := range reqs {
		audioData, err := p.synthesizeOne(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}

		buffers = append(buffers, audioData)
	}

	return buffers, nil
}

func (p *HTTPProvider) synthesizeOne(
	ctx context.Context,
	req core.SpeechRequest,
) ([]byte, error) {
	if req.Text == "" {
		return nil, ErrEmptySpeechText
	}

	body, err := json.Marshal(speechPayload{
		Text:     req.Text,
		VoiceID:  req.VoiceID,
		Language: req.LanguageCode,
		Speed:    req.Speed,
		Pitch:    req.Pitch,
		IsSSML:   req.IsSSML,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.baseURL+apiGenerateSpeech,
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// Connection-level failures count as the provider being
		// unavailable; the job runner decides whether to retry.
		return nil, fmt.Errorf("%w: %w", core.ErrProviderBusy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.classifyErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if contentType != contentTypeWAV {
		return nil, fmt.Errorf("%w: got %s", ErrWrongContentType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// classifyErrorResponse separates transient busy/rate-limit conditions from
// permanent rejections so the job runner can decide retry vs fail.
func (p *HTTPProvider) classifyErrorResponse(resp *http.Response) error {
	detail := p.readErrorDetail(resp)

	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s: %s", core.ErrProviderBusy, resp.Status, detail)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s: %s", ErrSpeechRequestBad, resp.Status, detail)
	default:
		return fmt.Errorf("%w: %s: %s", ErrSpeechServiceFail, resp.Status, detail)
	}
}

// readErrorDetail decodes the structured error body, falling back to the
// raw body so diagnostics are never lost.
func (p *HTTPProvider) readErrorDetail(resp *http.Response) string {
	var structured speechError

	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return ""
	}

	decodeErr := json.Unmarshal(raw, &structured)
	if decodeErr == nil && structured.Detail != "" {
		if structured.ErrorCode != "" {
			return structured.Detail + " (code: " + structured.ErrorCode + ")"
		}

		return structured.Detail
	}

	return string(raw)
}

// HealthCheck verifies the service is reachable before a large workload is
// committed to it.
func (p *HTTPProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, p.baseURL+apiHealth, http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnhealthy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", ErrServiceUnhealthy, resp.Status)
	}

	return nil
}
