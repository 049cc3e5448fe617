package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 200 * time.Millisecond, Max: 10 * time.Second, Attempts: 8}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial << attempt
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// Dispatcher retries gateway calls with capped exponential backoff and remembers
// which rooms were paid so a room is never settled twice by this process.
type Dispatcher struct {
	gateway Gateway
	backoff Backoff
	logger  *zap.Logger

	mu   sync.Mutex
	done map[string]bool
}

func NewDispatcher(g Gateway, b Backoff, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	return &Dispatcher{gateway: g, backoff: b, logger: logger, done: map[string]bool{}}
}

// IdempotencyKey is stable per room and operation, so a restarted process that
// settles again is deduplicated by the settlement service.
func IdempotencyKey(op, roomID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("coinflip-royale:"+op+":"+roomID)).String()
}

func (d *Dispatcher) Settle(ctx context.Context, roomID, winner string, prize int64) error {
	req := SettleRequest{IdempotencyKey: IdempotencyKey("settle", roomID), RoomID: roomID, Winner: winner, Prize: prize}
	return d.once(ctx, req.IdempotencyKey, func(ctx context.Context) error { return d.gateway.Settle(ctx, req) })
}

func (d *Dispatcher) Refund(ctx context.Context, roomID string, participants []string, amount int64) error {
	req := RefundRequest{IdempotencyKey: IdempotencyKey("refund", roomID), RoomID: roomID, Participants: participants, Amount: amount}
	return d.once(ctx, req.IdempotencyKey, func(ctx context.Context) error { return d.gateway.Refund(ctx, req) })
}

func (d *Dispatcher) once(ctx context.Context, key string, call func(context.Context) error) error {
	d.mu.Lock()
	if d.done[key] {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.retry(ctx, key, call); err != nil {
		return err
	}
	d.mu.Lock()
	d.done[key] = true
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) retry(ctx context.Context, key string, call func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < d.backoff.Attempts; attempt++ {
		if err = call(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		d.logger.Warn("settlement attempt failed", zap.String("key", key), zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt == d.backoff.Attempts-1 {
			break
		}
		t := time.NewTimer(d.backoff.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("settlement gave up after %d attempts: %w", d.backoff.Attempts, err)
}
