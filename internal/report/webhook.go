package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// WebhookConfig configures the HTTP webhook sink
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// RatePerSecond caps the POST rate; zero disables the limit.
	RatePerSecond float64
	Burst         int
}

// WebhookSink POSTs every event as JSON
type WebhookSink struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &WebhookSink{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s
}

// Publish implements Sink
func (s *WebhookSink) Publish(ctx context.Context, event *models.EventLog) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook rate limit: %w", err)
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned %d", s.url, resp.StatusCode)
	}

	log.Debug().
		Str("devEUI", event.DevEUI).
		Str("code", string(event.Code)).
		Int("status", resp.StatusCode).
		Msg("Event forwarded to webhook")
	return nil
}

// Close implements Sink
func (s *WebhookSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
