package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/settlement"
)

// react starts the side effects requested by events. Each runs off the session
// goroutine and reports back through the inbox as an internal command.
func (s *Session) react(events []engine.Event) {
	for _, e := range events {
		switch e.Type {
		case engine.EvtRoundOpened:
			s.goCommit(e.Round, e.Replay)

		case engine.EvtFlipsRequested:
			if len(e.Requests) > 0 {
				s.goResolve(s.commitment(), e.Requests)
			}

		case engine.EvtRoundResult, engine.EvtRoundVoid:
			rec := *e.Record
			if rec.Void {
				s.logger.Info("round void, replaying", zap.Int("round", rec.Round), zap.Int("replay", rec.Replay))
			} else {
				s.logger.Info("round closed", zap.Int("round", rec.Round), zap.Strings("eliminated", rec.Eliminated))
			}
			s.spawn(func(ctx context.Context) {
				if s.deps.Recorder == nil {
					return
				}
				if err := s.deps.Recorder.RecordRound(ctx, rec); err != nil {
					s.logger.Error("record round", zap.Int("round", rec.Round), zap.Int("replay", rec.Replay), zap.Error(err))
				}
			})

		case engine.EvtGameCompleted:
			s.logger.Info("game completed", zap.String("winner", e.Winner), zap.Int64("prize", e.Prize))
			winner, prize := e.Winner, e.Prize
			s.drivePayout("settlement", func(ctx context.Context) error {
				return s.deps.Payouts.Settle(ctx, s.id, winner, prize)
			}, zap.String("winner", winner), zap.Int64("prize", prize))

		case engine.EvtGameAborted:
			s.logger.Warn("game aborted", zap.String("reason", e.Reason), zap.Strings("refunds", e.Participants))
			participants, amount := e.Participants, e.Prize
			if len(participants) == 0 {
				continue
			}
			s.drivePayout("refund", func(ctx context.Context) error {
				return s.deps.Payouts.Refund(ctx, s.id, participants, amount)
			}, zap.Strings("participants", participants), zap.Int64("amount", amount))

		case engine.EvtPayoutConfirmed:
			s.logger.Info("payout confirmed", zap.String("payout", string(s.state.Payout)))
			s.recordOutcome()
		}
	}

	if s.state.Phase.Terminal() && !s.ended {
		s.ended = true
		s.end()
	}
	s.retireIfSettled()
}

func (s *Session) end() {
	if s.deps.Resolver != nil {
		s.deps.Resolver.Forget(s.id)
	}
	s.recordOutcome()
}

// retireIfSettled releases an ended room once no settlement or refund is outstanding.
// Without a payout boundary nothing can confirm, so the room is released at once.
func (s *Session) retireIfSettled() {
	if !s.ended || s.retired {
		return
	}
	if s.deps.Payouts != nil && s.state.Payout.Outstanding() {
		return
	}
	s.retired = true
	if s.deps.OnEnded != nil {
		s.deps.OnEnded(s.id)
	}
}

// drivePayout calls the payout boundary until it succeeds, fails permanently or the
// session stops. Each failed round of retries waits PayoutRetry before the next.
func (s *Session) drivePayout(op string, call func(ctx context.Context) error, fields ...zap.Field) {
	if s.deps.Payouts == nil {
		return
	}
	s.spawn(func(ctx context.Context) {
		for {
			err := call(ctx)
			if err == nil {
				s.post(payoutDone{})
				return
			}
			if settlement.IsPermanent(err) {
				s.logger.Error(op+" rejected, payout stays pending", append(fields, zap.Error(err))...)
				return
			}
			s.logger.Warn(op+" failed, retrying later", append(fields, zap.Duration("retry_in", s.deps.PayoutRetry), zap.Error(err))...)
			if !sleep(ctx, s.deps.PayoutRetry) || s.ctx.Err() != nil {
				return
			}
		}
	})
}

// recordOutcome writes the outcome row; it is written again when the payout status changes.
// A write that lost the race to a newer one is skipped.
func (s *Session) recordOutcome() {
	if s.deps.Recorder == nil {
		return
	}
	s.outcomeSeq++
	seq := s.outcomeSeq
	out := s.state.Outcome(s.deps.Now())
	s.spawn(func(ctx context.Context) {
		s.outcomeMu.Lock()
		defer s.outcomeMu.Unlock()
		if seq < s.outcomeWritten {
			return
		}
		s.outcomeWritten = seq
		if err := s.deps.Recorder.RecordOutcome(ctx, out); err != nil {
			s.logger.Error("record outcome", zap.String("payout", string(out.Payout)), zap.Error(err))
		}
	})
}

func (s *Session) commitment() engine.Commitment {
	r := s.state.Round
	return engine.Commitment{RoomID: s.id, Round: r.Number, Replay: r.Replay, Hash: r.Commitment, Target: r.Target}
}

func (s *Session) goCommit(round, replay int) {
	if s.deps.Resolver == nil {
		return
	}
	variant := s.state.Rules.Variant
	s.spawn(func(ctx context.Context) {
		var lastErr error
		for attempt := 0; attempt < s.deps.ResolveAttempts; attempt++ {
			c, err := s.deps.Resolver.Commit(ctx, s.id, round, replay, variant)
			if err == nil {
				s.post(committed{round: round, replay: replay, commitment: c})
				return
			}
			lastErr = err
			if !sleep(ctx, s.deps.RetryDelay) {
				return
			}
		}
		s.logger.Warn("round commitment failed", zap.Int("round", round), zap.Int("replay", replay), zap.Error(lastErr))
	})
}

// goResolve resolves every request with bounded retries and posts whatever resolved.
// Unresolved flips are requested again on the next phase deadline.
func (s *Session) goResolve(c engine.Commitment, requests []engine.FlipRequest) {
	if s.deps.Resolver == nil {
		return
	}
	rules := s.state.Rules
	s.spawn(func(ctx context.Context) {
		var results []engine.FlipResult
		for _, req := range requests {
			for attempt := 0; attempt < s.deps.ResolveAttempts; attempt++ {
				res, err := s.deps.Resolver.Resolve(ctx, rules, c, req)
				if err == nil {
					results = append(results, res)
					break
				}
				s.logger.Warn("flip resolution failed",
					zap.String("address", req.Address), zap.Int("round", req.Round),
					zap.Int("attempt", attempt+1), zap.Error(err))
				if !sleep(ctx, s.deps.RetryDelay) {
					return
				}
			}
		}
		if len(results) > 0 {
			s.post(resolved{round: c.Round, replay: c.Replay, results: results})
		}
	})
}

func (s *Session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("session side effect panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		fn(s.effects)
	}()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
