// Package settlement delivers prize payouts and refunds to the external settlement
// service. Every request carries an idempotency key so retries never pay twice.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type SettleRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	RoomID         string `json:"room_id"`
	Winner         string `json:"winner"`
	Prize          int64  `json:"prize"`
}

type RefundRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	RoomID         string   `json:"room_id"`
	Participants   []string `json:"participants"`
	Amount         int64    `json:"amount"`
}

type Gateway interface {
	Settle(ctx context.Context, req SettleRequest) error
	Refund(ctx context.Context, req RefundRequest) error
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPGateway(baseURL, token string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Settle(ctx context.Context, req SettleRequest) error {
	return g.post(ctx, "/payouts", req.IdempotencyKey, req)
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) error {
	return g.post(ctx, "/refunds", req.IdempotencyKey, req)
}

// post sends body as JSON. 2xx and 409 (already processed under this key) succeed;
// other 4xx are permanent; everything else may be retried.
func (g *HTTPGateway) post(ctx context.Context, path, key string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &PermanentError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("settlement request: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("settlement throttled: %s", resp.Status)
	case resp.StatusCode < 500:
		return &PermanentError{Err: fmt.Errorf("settlement rejected %s: %s", resp.Status, bytes.TrimSpace(msg))}
	default:
		return fmt.Errorf("settlement unavailable %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
}

// LogGateway records payouts in the log only. It is used when no settlement service
// is configured.
type LogGateway struct {
	Logger *zap.Logger
}

func (g LogGateway) Settle(_ context.Context, req SettleRequest) error {
	g.Logger.Info("payout (log only)", zap.String("room", req.RoomID), zap.String("winner", req.Winner),
		zap.Int64("prize", req.Prize), zap.String("key", req.IdempotencyKey))
	return nil
}

func (g LogGateway) Refund(_ context.Context, req RefundRequest) error {
	g.Logger.Info("refund (log only)", zap.String("room", req.RoomID), zap.Strings("participants", req.Participants),
		zap.Int64("amount", req.Amount), zap.String("key", req.IdempotencyKey))
	return nil
}
