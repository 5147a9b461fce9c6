// Package channels delivers notification units to HTTP messaging gateways.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"notification_scheduler/internal/domain/channel"
	"notification_scheduler/internal/domain/schedule"
)

const maxErrorBody = 512

// WebhookConfig configures one gateway.
type WebhookConfig struct {
	URL           string
	RatePerSecond float64 // 0 disables limiting
	Burst         int
	Timeout       time.Duration
}

// Message is the JSON body posted to the gateway.
type Message struct {
	IdempotencyKey  string             `json:"idempotency_key"`
	UnitID          int64              `json:"unit_id"`
	WorkspaceID     int64              `json:"workspace_id"`
	SettingType     string             `json:"setting_type"`
	Channel         string             `json:"channel"`
	TemplateID      string             `json:"template_id"`
	Recipient       schedule.Recipient `json:"recipient"`
	Payload         map[string]string  `json:"payload"`
	AppointmentTime time.Time          `json:"appointment_time"`
}

type gatewayResponse struct {
	ID string `json:"id"`
}

// WebhookSender posts units as JSON to a messaging gateway.
type WebhookSender struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Entry
}

func NewWebhookSender(ch schedule.Channel, cfg WebhookConfig, logger *logrus.Entry) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &WebhookSender{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.WithFields(logrus.Fields{"component": "webhook_sender", "channel": ch}),
	}
}

// Send maps the gateway answer onto the delivery contract: 2xx acknowledges, 408, 429, 5xx
// and network failures are transient, any other status is permanent.
func (s *WebhookSender) Send(ctx context.Context, unit *schedule.NotificationUnit) (channel.Ack, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return channel.Ack{}, channel.Transient(fmt.Errorf("rate limiter: %w", err))
	}

	body, err := json.Marshal(Message{
		IdempotencyKey:  unit.IdempotencyKey,
		UnitID:          unit.ID,
		WorkspaceID:     unit.WorkspaceID,
		SettingType:     string(unit.SettingType),
		Channel:         string(unit.Channel),
		TemplateID:      unit.TemplateID,
		Recipient:       unit.Recipient,
		Payload:         unit.Payload,
		AppointmentTime: unit.AppointmentTime,
	})
	if err != nil {
		return channel.Ack{}, channel.Permanent(fmt.Errorf("failed to marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return channel.Ack{}, channel.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", unit.IdempotencyKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return channel.Ack{}, channel.Transient(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ack := channel.Ack{ProviderRef: resp.Header.Get("X-Message-Id")}
		var parsed gatewayResponse
		if ack.ProviderRef == "" && json.Unmarshal(respBody, &parsed) == nil {
			ack.ProviderRef = parsed.ID
		}
		return ack, nil
	}

	statusErr := &StatusError{Code: resp.StatusCode, Body: truncate(string(respBody), maxErrorBody)}
	s.logger.WithFields(logrus.Fields{
		"unit_id": unit.ID,
		"status":  resp.StatusCode,
	}).Warn("Gateway refused message")
	if isRetryableStatus(resp.StatusCode) {
		return channel.Ack{}, channel.Transient(statusErr)
	}
	return channel.Ack{}, channel.Permanent(statusErr)
}

// StatusError is a non-2xx gateway answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.Code, e.Body)
}

// StatusCode extracts the gateway status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ channel.Sender = (*WebhookSender)(nil)
