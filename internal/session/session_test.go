package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/fairness"
	"github.com/DoyleJ11/coinflip-royale/internal/settlement"
	"github.com/DoyleJ11/coinflip-royale/pkg/types"
)

const creator = "0xcreator"

type fakeResolver struct {
	mu        sync.Mutex
	target    engine.Side
	outcomes  map[string]engine.Side
	fail      bool
	forgotten []string
}

func (f *fakeResolver) Commit(_ context.Context, roomID string, round, replay int, _ engine.Variant) (engine.Commitment, error) {
	target := f.target
	return engine.Commitment{RoomID: roomID, Round: round, Replay: replay, Hash: fmt.Sprintf("hash-%d-%d", round, replay), Target: &target}, nil
}

func (f *fakeResolver) Resolve(_ context.Context, _ engine.Rules, c engine.Commitment, req engine.FlipRequest) (engine.FlipResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return engine.FlipResult{}, errors.New("entropy unavailable")
	}
	outcome, ok := f.outcomes[req.Address]
	if !ok {
		outcome = *c.Target
	}
	return engine.FlipResult{
		RoomID: req.RoomID, Address: req.Address, Round: req.Round, Replay: req.Replay,
		Choice: req.Choice, Power: req.Power, Auto: req.Auto,
		Target: c.Target, Outcome: outcome, Commitment: c.Hash, Verified: true,
	}, nil
}

func (f *fakeResolver) Forget(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, roomID)
}

func (f *fakeResolver) forgottenRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgotten...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	rounds   []engine.RoundRecord
	outcomes []engine.Outcome
}

func (f *fakeRecorder) RecordRound(_ context.Context, rec engine.RoundRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds = append(f.rounds, rec)
	return nil
}

func (f *fakeRecorder) RecordOutcome(_ context.Context, out engine.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, out)
	return nil
}

func (f *fakeRecorder) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rounds), len(f.outcomes)
}

func (f *fakeRecorder) lastOutcome() (engine.Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outcomes) == 0 {
		return engine.Outcome{}, false
	}
	return f.outcomes[len(f.outcomes)-1], true
}

type mockPayouts struct{ mock.Mock }

func (m *mockPayouts) Settle(_ context.Context, roomID, winner string, prize int64) error {
	return m.Called(roomID, winner, prize).Error(0)
}

func (m *mockPayouts) Refund(_ context.Context, roomID string, participants []string, amount int64) error {
	return m.Called(roomID, participants, amount).Error(0)
}

func fastRules(capacity int) engine.Rules {
	r := engine.DefaultRules()
	r.Capacity = capacity
	r.EntryFee = 100
	r.FillTimeout = 10 * time.Second
	r.StartCountdown = 10 * time.Millisecond
	r.ChoiceTimeout = 2 * time.Second
	r.ChargeTimeout = 2 * time.Second
	r.ResolveTimeout = 200 * time.Millisecond
	r.ResultWindow = 20 * time.Millisecond
	return r
}

func newRoom(t *testing.T, rules engine.Rules) engine.State {
	t.Helper()
	s, err := engine.NewSession("ROOM01", creator, rules, time.Now())
	require.NoError(t, err)
	_, s, err = engine.Apply(s, engine.Command{Type: engine.CmdJoin, Address: creator, At: time.Now()})
	require.NoError(t, err)
	return s
}

func startSession(t *testing.T, initial engine.State, deps Deps) *Session {
	t.Helper()
	deps.RetryDelay = 5 * time.Millisecond
	s := New(context.Background(), initial, deps)
	t.Cleanup(func() {
		s.Stop()
		<-s.Done()
	})
	return s
}

func subscribe(s *Session, connID, address string) chan types.ServerMessage {
	out := make(chan types.ServerMessage, 256)
	s.Inbox() <- Subscribe{ConnID: connID, Address: address, Outbox: out}
	return out
}

func send(t *testing.T, s *Session, connID string, cmd engine.Command) error {
	t.Helper()
	reply := make(chan error, 1)
	s.Inbox() <- FromClient{ConnID: connID, Cmd: cmd, Reply: reply}
	select {
	case err := <-reply:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s reply", cmd.Type)
		return nil
	}
}

func getView(t *testing.T, s *Session) View {
	t.Helper()
	reply := make(chan View, 1)
	s.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func waitFor(t *testing.T, s *Session, what string, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		v := getView(t, s)
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; phase=%s", what, v.State.Phase)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitPhase(t *testing.T, s *Session, p engine.Phase) View {
	t.Helper()
	return waitFor(t, s, string(p), func(v View) bool { return v.State.Phase == p })
}

// recvType skips messages until one of type typ arrives.
func recvType(t *testing.T, ch <-chan types.ServerMessage, typ string, within time.Duration) types.ServerMessage {
	t.Helper()
	timeout := time.After(within)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed while waiting for %s", typ)
			}
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return types.ServerMessage{}
		}
	}
}

func recvNothing(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("expected no message within %v, got %+v", within, msg)
	case <-time.After(within):
	}
}

func TestSubscribeSendsSnapshotImmediately(t *testing.T) {
	s := startSession(t, newRoom(t, fastRules(6)), Deps{})
	out := subscribe(s, "c1", creator)

	msg := recvType(t, out, types.ServerStateSnapshot, 100*time.Millisecond)
	require.NotNil(t, msg.State)
	assert.Equal(t, 0, msg.Version)
	assert.Equal(t, "filling", msg.State.Phase)
	assert.Len(t, msg.State.Slots, 6)
	assert.Equal(t, creator, msg.State.Slots[0].Player.Address)
}

func TestRejectionGoesOnlyToActingConnection(t *testing.T) {
	s := startSession(t, newRoom(t, fastRules(6)), Deps{})
	c1 := subscribe(s, "c1", creator)
	c2 := subscribe(s, "c2", "0xb")
	recvType(t, c1, types.ServerStateSnapshot, 100*time.Millisecond)
	recvType(t, c2, types.ServerStateSnapshot, 100*time.Millisecond)

	err := send(t, s, "c2", engine.Command{Type: engine.CmdSubmitChoice, Address: "0xb", Side: engine.SideHeads})
	require.ErrorIs(t, err, engine.ErrWrongPhase)

	msg := recvType(t, c2, types.ServerError, 100*time.Millisecond)
	assert.Equal(t, "wrong_phase", msg.Error.Code)
	recvNothing(t, c1, 30*time.Millisecond)
	assert.Equal(t, 0, getView(t, s).Version, "rejected action must not bump the version")
}

func TestClientsCannotSendInternalCommands(t *testing.T) {
	s := startSession(t, newRoom(t, fastRules(6)), Deps{})
	err := send(t, s, "c1", engine.Command{Type: engine.CmdAbort, Reason: "nope"})
	assert.ErrorIs(t, err, ErrInternalCommand)
	assert.Equal(t, engine.PhaseFilling, getView(t, s).State.Phase)
}

func TestFullGameSettlesWinner(t *testing.T) {
	resolver := &fakeResolver{target: engine.SideHeads, outcomes: map[string]engine.Side{"0xb": engine.SideTails}}
	recorder := &fakeRecorder{}
	payouts := &mockPayouts{}
	payouts.On("Settle", "ROOM01", creator, int64(200)).Return(nil).Once()

	ended := make(chan string, 1)
	s := startSession(t, newRoom(t, fastRules(2)), Deps{
		Resolver: resolver,
		Recorder: recorder,
		Payouts:  payouts,
		OnEnded:  func(id string) { ended <- id },
	})
	c1 := subscribe(s, "c1", creator)

	require.NoError(t, send(t, s, "c2", engine.Command{Type: engine.CmdJoin, Address: "0xb"}))
	waitPhase(t, s, engine.PhaseWaitingChoice)

	start := recvType(t, c1, types.ServerRoundStarting, time.Second)
	assert.Equal(t, "heads", start.Event.Target)
	assert.Equal(t, "hash-1-0", start.Event.Commitment)

	for _, a := range []string{creator, "0xb"} {
		require.NoError(t, send(t, s, "c1", engine.Command{Type: engine.CmdSubmitChoice, Address: a, Side: engine.SideHeads}))
	}
	for _, a := range []string{creator, "0xb"} {
		require.NoError(t, send(t, s, "c1", engine.Command{Type: engine.CmdSubmitFlip, Address: a, Power: 80}))
	}

	recvType(t, c1, types.ServerFlipResolved, time.Second)
	recvType(t, c1, types.ServerFlipResolved, time.Second)
	result := recvType(t, c1, types.ServerRoundResult, time.Second)
	assert.Equal(t, []string{"0xb"}, result.Event.Eliminated)
	done := recvType(t, c1, types.ServerGameComplete, time.Second)
	assert.Equal(t, creator, done.Event.Winner)

	v := waitFor(t, s, "settled payout", func(v View) bool { return v.State.Payout == engine.PayoutSettled })
	assert.Equal(t, engine.PhaseCompleted, v.State.Phase)
	payouts.AssertExpectations(t)

	select {
	case id := <-ended:
		assert.Equal(t, "ROOM01", id)
	case <-time.After(time.Second):
		t.Fatalf("OnEnded not called")
	}
	assert.Equal(t, []string{"ROOM01"}, resolver.forgottenRooms())
	assert.Eventually(t, func() bool {
		rounds, _ := recorder.counts()
		out, ok := recorder.lastOutcome()
		return rounds == 1 && ok && out.Payout == engine.PayoutSettled
	}, time.Second, 5*time.Millisecond)
	out, _ := recorder.lastOutcome()
	assert.Equal(t, creator, out.Winner)

	rebuilt, _, err := engine.Replay(v.Initial, v.Log)
	require.NoError(t, err)
	assert.True(t, reflect.DeepEqual(rebuilt, v.State), "replayed log must rebuild the live state")
}

func TestTimeoutsDriveAutoActions(t *testing.T) {
	rules := fastRules(2)
	rules.ChoiceTimeout = 20 * time.Millisecond
	rules.ChargeTimeout = 20 * time.Millisecond
	resolver := &fakeResolver{target: engine.SideHeads, outcomes: map[string]engine.Side{"0xb": engine.SideTails}}

	s := startSession(t, newRoom(t, rules), Deps{Resolver: resolver})
	require.NoError(t, send(t, s, "c2", engine.Command{Type: engine.CmdJoin, Address: "0xb"}))

	v := waitPhase(t, s, engine.PhaseCompleted)
	require.Len(t, v.State.History, 1)
	for _, res := range v.State.History[0].Results {
		assert.True(t, res.Auto, "%s should have auto-flipped", res.Address)
		assert.Equal(t, rules.MinPower, res.Power)
		assert.Equal(t, rules.DefaultSide, res.Choice)
	}
	assert.Equal(t, creator, v.State.Winner)
}

func TestResolverFailureForcesDefaults(t *testing.T) {
	rules := fastRules(2)
	rules.ResolveTimeout = 20 * time.Millisecond
	rules.MaxResolveAttempts = 2
	rules.ResultWindow = time.Hour
	resolver := &fakeResolver{target: engine.SideTails, fail: true}

	s := startSession(t, newRoom(t, rules), Deps{Resolver: resolver})
	require.NoError(t, send(t, s, "c2", engine.Command{Type: engine.CmdJoin, Address: "0xb"}))
	waitPhase(t, s, engine.PhaseWaitingChoice)
	for _, a := range []string{creator, "0xb"} {
		require.NoError(t, send(t, s, "c1", engine.Command{Type: engine.CmdSubmitChoice, Address: a, Side: engine.SideHeads}))
	}
	for _, a := range []string{creator, "0xb"} {
		require.NoError(t, send(t, s, "c1", engine.Command{Type: engine.CmdSubmitFlip, Address: a, Power: 90}))
	}

	v := waitPhase(t, s, engine.PhaseShowingResult)
	require.Len(t, v.State.History, 1)
	for _, res := range v.State.History[0].Results {
		assert.True(t, res.Forced)
		assert.False(t, res.Verified)
		assert.Equal(t, engine.SideTails, res.Outcome)
		assert.Equal(t, rules.MinPower, res.Power)
	}
	assert.Empty(t, v.State.LastEliminated)
}

func TestFillTimeoutRefundsParticipants(t *testing.T) {
	rules := fastRules(6)
	rules.FillTimeout = 50 * time.Millisecond
	payouts := &mockPayouts{}
	payouts.On("Refund", "ROOM01", []string{creator}, int64(100)).Return(nil).Once()

	s := startSession(t, newRoom(t, rules), Deps{Payouts: payouts})
	c1 := subscribe(s, "c1", creator)

	aborted := recvType(t, c1, types.ServerGameAborted, time.Second)
	assert.Equal(t, []string{creator}, aborted.Event.Refunds)
	waitFor(t, s, "refund", func(v View) bool { return v.State.Payout == engine.PayoutRefunded })
	payouts.AssertExpectations(t)
}

func TestSettlementFailureLeavesPayoutPending(t *testing.T) {
	resolver := &fakeResolver{target: engine.SideHeads, outcomes: map[string]engine.Side{"0xb": engine.SideTails}}
	rules := fastRules(2)
	rules.ChoiceTimeout = 10 * time.Millisecond
	rules.ChargeTimeout = 10 * time.Millisecond
	payouts := &mockPayouts{}
	called := make(chan struct{}, 1)
	payouts.On("Settle", "ROOM01", creator, int64(200)).Return(errors.New("gateway down")).Run(func(mock.Arguments) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	s := startSession(t, newRoom(t, rules), Deps{Resolver: resolver, Payouts: payouts})
	require.NoError(t, send(t, s, "c2", engine.Command{Type: engine.CmdJoin, Address: "0xb"}))

	waitPhase(t, s, engine.PhaseCompleted)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("settlement never attempted")
	}
	time.Sleep(20 * time.Millisecond)
	v := getView(t, s)
	assert.Equal(t, engine.PayoutPending, v.State.Payout)
	assert.Equal(t, creator, v.State.Winner)
}

func TestFailedSettlementIsRetriedUntilConfirmed(t *testing.T) {
	resolver := &fakeResolver{target: engine.SideHeads, outcomes: map[string]engine.Side{"0xb": engine.SideTails}}
	rules := fastRules(2)
	rules.ChoiceTimeout = 10 * time.Millisecond
	rules.ChargeTimeout = 10 * time.Millisecond
	payouts := &mockPayouts{}
	payouts.On("Settle", "ROOM01", creator, int64(200)).Return(errors.New("gateway down")).Twice()
	payouts.On("Settle", "ROOM01", creator, int64(200)).Return(nil).Once()
	ended := make(chan string, 1)

	s := startSession(t, newRoom(t, rules), Deps{
		Resolver:    resolver,
		Payouts:     payouts,
		PayoutRetry: 10 * time.Millisecond,
		OnEnded:     func(id string) { ended <- id },
	})
	require.NoError(t, send(t, s, "c2", engine.Command{Type: engine.CmdJoin, Address: "0xb"}))

	waitPhase(t, s, engine.PhaseCompleted)
	select {
	case id := <-ended:
		assert.Equal(t, "ROOM01", id)
	case <-time.After(time.Second):
		t.Fatalf("room never reported ended")
	}
	assert.Equal(t, engine.PayoutSettled, getView(t, s).State.Payout)
	payouts.AssertExpectations(t)
}

func TestRejectedSettlementIsNotRetried(t *testing.T) {
	resolver := &fakeResolver{target: engine.SideHeads, outcomes: map[string]engine.Side{"0xb": engine.SideTails}}
	rules := fastRules(2)
	rules.ChoiceTimeout = 10 * time.Millisecond
	rules.ChargeTimeout = 10 * time.Millisecond
	payouts := &mockPayouts{}
	payouts.On("Settle", "ROOM01", creator, int64(200)).
		Return(&settlement.PermanentError{Err: errors.New("unknown winner")}).Once()
	ended := make(chan string, 1)

	s := startSession(t, newRoom(t, rules), Deps{
		Resolver:    resolver,
		Payouts:     payouts,
		PayoutRetry: 5 * time.Millisecond,
		OnEnded:     func(id string) { ended <- id },
	})
	require.NoError(t, send(t, s, "c2", engine.Command{Type: engine.CmdJoin, Address: "0xb"}))

	waitPhase(t, s, engine.PhaseCompleted)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, engine.PayoutPending, getView(t, s).State.Payout)
	select {
	case <-ended:
		t.Fatalf("room with an unconfirmed payout reported ended")
	default:
	}
	payouts.AssertNumberOfCalls(t, "Settle", 1)
}

func TestRunsToCompletionWithProvablyFairResolver(t *testing.T) {
	rules := fastRules(4)
	rules.ChoiceTimeout = 5 * time.Millisecond
	rules.ChargeTimeout = 5 * time.Millisecond
	rules.ResultWindow = 5 * time.Millisecond
	resolver, err := fairness.New([]byte("session-test-master"), nil)
	require.NoError(t, err)

	s := startSession(t, newRoom(t, rules), Deps{Resolver: resolver})
	for _, a := range []string{"0xb", "0xc", "0xd"} {
		require.NoError(t, send(t, s, "c", engine.Command{Type: engine.CmdJoin, Address: a}))
	}

	v := waitPhase(t, s, engine.PhaseCompleted)
	require.NotEmpty(t, v.State.History)
	assert.NotEmpty(t, v.State.Winner)
	for _, rec := range v.State.History {
		for _, res := range rec.Results {
			if res.Forced {
				continue
			}
			assert.NoError(t, fairness.Verify(resolver.PublicKey(), rules, res), "round %d.%d %s", rec.Round, rec.Replay, res.Address)
		}
	}
}
