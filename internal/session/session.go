// Package session runs one room: a single goroutine owns the engine state, admits
// actions one at a time, fans the results out to subscribers and drives the phase timer.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/coinflip-royale/internal/broadcast"
	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/scheduler"
	"github.com/DoyleJ11/coinflip-royale/internal/view"
	"github.com/DoyleJ11/coinflip-royale/pkg/types"
)

var ErrInternalCommand = errors.New("command may not be sent by a client")

type Resolver interface {
	Commit(ctx context.Context, roomID string, round, replay int, variant engine.Variant) (engine.Commitment, error)
	Resolve(ctx context.Context, rules engine.Rules, c engine.Commitment, req engine.FlipRequest) (engine.FlipResult, error)
	Forget(roomID string)
}

type Recorder interface {
	RecordRound(ctx context.Context, rec engine.RoundRecord) error
	RecordOutcome(ctx context.Context, out engine.Outcome) error
}

type Payouts interface {
	Settle(ctx context.Context, roomID, winner string, prize int64) error
	Refund(ctx context.Context, roomID string, participants []string, amount int64) error
}

type Deps struct {
	Resolver Resolver
	Recorder Recorder
	Payouts  Payouts
	Logger   *zap.Logger
	Now      func() time.Time

	// OnEnded is called once, from the session goroutine, when the room is terminal and
	// no settlement or refund is outstanding.
	OnEnded func(roomID string)

	// ResolveAttempts bounds the resolver calls per commitment or flip before the
	// session waits for the next phase deadline.
	ResolveAttempts int
	RetryDelay      time.Duration

	// PayoutRetry is the pause before a failed settlement or refund is driven again.
	PayoutRetry time.Duration
}

type Session struct {
	id      string
	inbox   chan Msg
	initial engine.State
	state   engine.State
	version int
	log     []engine.Command

	emitter *broadcast.Emitter
	timer   *scheduler.Scheduler
	deps    Deps
	logger  *zap.Logger
	ended   bool
	retired bool

	outcomeSeq     uint64
	outcomeMu      sync.Mutex
	outcomeWritten uint64 // guarded by outcomeMu

	ctx    context.Context
	cancel context.CancelFunc
	// effects outlives the session goroutine so a retired room finishes its writes
	// and payouts; it ends with the parent context.
	effects       context.Context
	cancelEffects context.CancelFunc
	wg            sync.WaitGroup
	done          chan struct{}
}

func New(parent context.Context, initial engine.State, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.ResolveAttempts < 1 {
		deps.ResolveAttempts = 3
	}
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = 50 * time.Millisecond
	}
	if deps.PayoutRetry <= 0 {
		deps.PayoutRetry = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	effects, cancelEffects := context.WithCancel(parent)

	s := &Session{
		id:      initial.RoomID,
		inbox:   make(chan Msg, 64),
		initial: initial,
		state:   initial,
		deps:    deps,
		logger:  deps.Logger.With(zap.String("room", initial.RoomID)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),

		effects:       effects,
		cancelEffects: cancelEffects,
	}
	s.emitter = broadcast.New(func(connID, address string) {
		s.logger.Info("dropped slow connection", zap.String("conn", connID), zap.String("address", address))
	})
	s.timer = scheduler.New(func(k scheduler.Key) { s.post(timerFired{key: k}) }, deps.Now)
	s.timer.Sync(s.state)

	go s.loop()
	return s
}

func (s *Session) ID() string { return s.id }

// Inbox exposes the session mailbox to the hub and the websocket layer.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the session goroutine and its side effects have stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) loop() {
	defer func() {
		s.timer.Stop()
		s.emitter.Close()
		s.cancel()
		s.wg.Wait()
		s.cancelEffects()
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.inbox:
			if _, stop := m.(Shutdown); stop {
				return
			}
			s.handle(m)
		}
	}
}

// handle processes one message. A panic is contained to the message that caused it;
// state is only replaced after Apply returns.
func (s *Session) handle(m Msg) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session message panicked",
				zap.String("msg", fmt.Sprintf("%T", m)),
				zap.String("phase", string(s.state.Phase)),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	switch msg := m.(type) {
	case Subscribe:
		s.emitter.Subscribe(msg.ConnID, msg.Address, msg.Outbox)
		s.emitter.SendTo(msg.ConnID, s.snapshot())

	case Unsubscribe:
		s.emitter.Unsubscribe(msg.ConnID)

	case RequestState:
		s.emitter.SendTo(msg.ConnID, s.snapshot())

	case GetState:
		msg.Reply <- View{
			Version:  s.version,
			Members:  s.emitter.Count(),
			State:    s.state.Clone(),
			Snapshot: view.Snapshot(s.state, s.version, s.deps.Now()),
			Initial:  s.initial.Clone(),
			Log:      slices.Clone(s.log),
		}

	case FromClient:
		var err error
		if msg.Cmd.Internal() {
			err = ErrInternalCommand
			s.emitter.SendTo(msg.ConnID, view.Error(err))
		} else {
			err = s.apply(msg.Cmd, msg.ConnID)
		}
		if msg.Reply != nil {
			msg.Reply <- err
		}

	case timerFired:
		s.apply(msg.key.Command(), "")

	case committed:
		c := msg.commitment
		s.apply(engine.Command{Type: engine.CmdCommitRound, Commitment: &c}, "")

	case resolved:
		s.apply(engine.Command{Type: engine.CmdResolveFlips, Round: msg.round, Replay: msg.replay, Results: msg.results}, "")

	case payoutDone:
		s.apply(engine.Command{Type: engine.CmdConfirmPayout}, "")
	}
}

// apply runs cmd through the engine. Rejections go back to connID only; accepted
// commands are logged, broadcast and followed by their side effects.
func (s *Session) apply(cmd engine.Command, connID string) error {
	cmd.At = s.deps.Now()
	events, next, err := engine.Apply(s.state, cmd)
	if err != nil {
		fields := []zap.Field{
			zap.String("phase", string(s.state.Phase)),
			zap.String("action", string(cmd.Type)),
			zap.Error(err),
		}
		if cmd.Address != "" {
			fields = append(fields, zap.String("address", cmd.Address))
		}
		if connID != "" {
			s.emitter.SendTo(connID, view.Error(err))
			s.logger.Info("rejected action", fields...)
		} else {
			s.logger.Debug("dropped internal command", fields...)
		}
		return err
	}

	s.state = next
	s.log = append(s.log, cmd)
	s.version++

	for _, n := range view.Notifications(s.state, events) {
		n.Version = s.version
		s.emitter.Publish(n)
	}
	s.emitter.Publish(s.snapshot())
	s.timer.Sync(s.state)
	s.react(events)
	return nil
}

func (s *Session) snapshot() types.ServerMessage {
	snap := view.Snapshot(s.state, s.version, s.deps.Now())
	return types.ServerMessage{Type: types.ServerStateSnapshot, Version: s.version, State: &snap}
}

// post delivers a message from another goroutine unless the session is stopping.
func (s *Session) post(m Msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

// Stop asks the session to shut down and returns without waiting for it.
func (s *Session) Stop() {
	select {
	case s.inbox <- Shutdown{}:
	case <-s.done:
	}
}
