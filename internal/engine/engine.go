package engine

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdJoin         CommandType = "Join"
	CmdEarlyStart   CommandType = "EarlyStart"
	CmdSubmitChoice CommandType = "SubmitChoice"
	CmdSubmitFlip   CommandType = "SubmitFlip"

	// Internal commands: produced by the scheduler, the resolver or settlement, never by clients.
	CmdTimeout       CommandType = "Timeout"
	CmdCommitRound   CommandType = "CommitRound"
	CmdResolveFlips  CommandType = "ResolveFlips"
	CmdConfirmPayout CommandType = "ConfirmPayout"
	CmdAbort         CommandType = "Abort"
)

/*
	CmdJoin          -> EvtPlayerJoined [-> EvtPrizeLocked -> EvtPhaseChanged(starting)]
	CmdEarlyStart    -> EvtEarlyStart -> EvtPrizeLocked -> EvtPhaseChanged(starting)
	Timeout(start)   -> EvtSlotsLocked -> EvtPhaseChanged(revealing_target) -> EvtRoundOpened
	CmdCommitRound   -> EvtTargetRevealed -> EvtPhaseChanged(waiting_choice)
	CmdSubmitChoice  -> EvtChoiceMade [-> EvtPhaseChanged(charging_power)]
	Timeout(choice)  -> EvtChoiceAuto... -> EvtPhaseChanged(charging_power)
	CmdSubmitFlip    -> EvtFlipRequested [-> EvtPhaseChanged(executing_flips) -> EvtFlipsRequested]
	Timeout(charge)  -> EvtFlipAuto... -> EvtPhaseChanged(executing_flips) -> EvtFlipsRequested
	CmdResolveFlips  -> EvtFlipResolved... [-> EvtRoundResult | EvtRoundVoid] [-> EvtGameCompleted]
	Timeout(result)  -> EvtPhaseChanged(revealing_target) -> EvtRoundOpened
*/

type Command struct {
	Type     CommandType
	Address  string
	Cosmetic json.RawMessage
	Side     Side
	Power    int

	// Timeout and resolution keys; stale keys are rejected.
	Phase    Phase
	Round    int
	Replay   int
	Deadline time.Time

	Commitment *Commitment
	Results    []FlipResult
	Reason     string

	At time.Time
}

// Internal reports whether the command may only originate inside the server.
func (c Command) Internal() bool {
	switch c.Type {
	case CmdJoin, CmdEarlyStart, CmdSubmitChoice, CmdSubmitFlip:
		return false
	}
	return true
}

type EventType string

const (
	EvtPhaseChanged    EventType = "PhaseChanged"
	EvtPlayerJoined    EventType = "PlayerJoined"
	EvtEarlyStart      EventType = "EarlyStart"
	EvtPrizeLocked     EventType = "PrizeLocked"
	EvtSlotsLocked     EventType = "SlotsLocked"
	EvtRoundOpened     EventType = "RoundOpened"
	EvtTargetRevealed  EventType = "TargetRevealed"
	EvtChoiceMade      EventType = "ChoiceMade"
	EvtChoiceAuto      EventType = "ChoiceAuto"
	EvtFlipRequested   EventType = "FlipRequested"
	EvtFlipAuto        EventType = "FlipAuto"
	EvtFlipsRequested  EventType = "FlipsRequested"
	EvtFlipResolved    EventType = "FlipResolved"
	EvtFlipForced      EventType = "FlipForced"
	EvtRoundResult     EventType = "RoundResult"
	EvtRoundVoid       EventType = "RoundVoid"
	EvtGameCompleted   EventType = "GameCompleted"
	EvtGameAborted     EventType = "GameAborted"
	EvtPayoutConfirmed EventType = "PayoutConfirmed"
)

type Event struct {
	Type         EventType
	Phase        Phase
	Address      string
	Round        int
	Replay       int
	Side         Side
	Prize        int64
	Winner       string
	Reason       string
	Participants []string
	Requests     []FlipRequest
	Result       *FlipResult
	Record       *RoundRecord
}

// Apply validates cmd against s and, when accepted, returns the resulting state together
// with the events describing the change. A rejected command returns s untouched.
func Apply(s State, cmd Command) ([]Event, State, error) {
	if err := Validate(s, cmd); err != nil {
		return nil, s, err
	}

	next := s.Clone()
	t := &transition{s: &next, at: cmd.At}

	switch cmd.Type {
	case CmdJoin:
		t.join(cmd.Address, cmd.Cosmetic)
	case CmdEarlyStart:
		t.emit(Event{Type: EvtEarlyStart, Address: cmd.Address})
		t.startCountdown(true)
	case CmdSubmitChoice:
		t.choose(cmd.Address, cmd.Side)
	case CmdSubmitFlip:
		t.flip(cmd.Address, cmd.Power)
	case CmdTimeout:
		t.timeout()
	case CmdCommitRound:
		t.commit(*cmd.Commitment)
	case CmdResolveFlips:
		t.resolve(cmd.Results)
	case CmdConfirmPayout:
		t.confirmPayout()
	case CmdAbort:
		t.abort(cmd.Reason)
	default:
		return nil, s, ErrUnsupportedCommand
	}

	return t.events, next, nil
}

type transition struct {
	s      *State
	at     time.Time
	events []Event
}

func (t *transition) emit(e Event) {
	t.events = append(t.events, e)
}

func (t *transition) enter(p Phase) {
	t.s.Phase = p
	t.s.Deadline = time.Time{}
	if d := TimerFor(p, t.s.Rules); d > 0 {
		t.s.Deadline = t.at.Add(d)
	}
	t.emit(Event{Type: EvtPhaseChanged, Phase: p, Round: t.s.RoundNumber, Replay: t.s.replay()})
}

// rearm restarts the current phase's deadline without a phase change.
func (t *transition) rearm() {
	if d := TimerFor(t.s.Phase, t.s.Rules); d > 0 {
		t.s.Deadline = t.at.Add(d)
	}
}

func (t *transition) join(addr string, cosmetic json.RawMessage) {
	s := t.s
	slot := s.firstFreeSlot()
	s.Slots[slot] = addr
	s.Players[addr] = &Player{
		Address:  addr,
		Slot:     slot,
		Cosmetic: cosmetic,
		Status:   StatusActive,
		Lives:    s.Rules.Lives,
	}
	t.emit(Event{Type: EvtPlayerJoined, Address: addr})

	if s.Occupied() == s.Rules.Capacity {
		t.startCountdown(false)
	}
}

func (t *transition) startCountdown(early bool) {
	s := t.s
	s.EarlyStart = early
	s.Prize = s.BasePrize
	if early {
		s.Prize = mulDiv(s.BasePrize, int64(s.Occupied()), int64(s.Rules.Capacity))
	}
	t.emit(Event{Type: EvtPrizeLocked, Prize: s.Prize})
	t.enter(PhaseStarting)
}

func (t *transition) timeout() {
	s := t.s
	switch s.Phase {
	case PhaseFilling:
		t.abort("room did not start before the fill timeout")

	case PhaseStarting:
		s.SlotsLocked = true
		t.emit(Event{Type: EvtSlotsLocked})
		t.openRound(1, 0)

	case PhaseRevealingTarget:
		s.Round.Attempts++
		if s.Round.Attempts >= s.Rules.MaxResolveAttempts {
			t.abort("round commitment unavailable")
			return
		}
		t.rearm()
		t.emit(Event{Type: EvtRoundOpened, Round: s.Round.Number, Replay: s.Round.Replay})

	case PhaseWaitingChoice:
		for _, p := range s.ActivePlayers() {
			if p.Choice != "" {
				continue
			}
			p.Choice = s.Rules.DefaultSide
			p.ChoiceAuto = true
			t.emit(Event{Type: EvtChoiceAuto, Address: p.Address, Side: p.Choice, Round: s.RoundNumber})
		}
		t.enter(PhaseChargingPower)

	case PhaseChargingPower:
		for _, p := range s.ActivePlayers() {
			if p.HasFlipped {
				continue
			}
			req := t.request(p, s.Rules.MinPower, true)
			t.emit(Event{Type: EvtFlipAuto, Address: p.Address, Round: s.RoundNumber, Requests: []FlipRequest{req}})
		}
		t.execute()

	case PhaseExecutingFlips:
		s.Round.Attempts++
		if s.Round.Attempts >= s.Rules.MaxResolveAttempts {
			t.finishResolution()
			return
		}
		t.rearm()
		t.emit(Event{Type: EvtFlipsRequested, Round: s.Round.Number, Replay: s.Round.Replay, Requests: s.Round.pending()})

	case PhaseShowingResult:
		if s.Round.Void {
			t.openRound(s.Round.Number, s.Round.Replay+1)
			return
		}
		t.openRound(s.Round.Number+1, 0)
	}
}

func (t *transition) openRound(number, replay int) {
	s := t.s
	for _, p := range s.ActivePlayers() {
		p.Choice = ""
		p.ChoiceAuto = false
		p.Power = 0
		p.HasFlipped = false
		p.FlipAuto = false
	}
	s.RoundNumber = number
	s.Round = &Round{
		Number:   number,
		Replay:   replay,
		Requests: map[string]FlipRequest{},
		Results:  map[string]FlipResult{},
	}
	t.enter(PhaseRevealingTarget)
	t.emit(Event{Type: EvtRoundOpened, Round: number, Replay: replay})
}

func (t *transition) commit(c Commitment) {
	s := t.s
	s.Round.Commitment = c.Hash
	if s.Rules.Variant == VariantTargetMatch {
		target := *c.Target
		s.Round.Target = &target
	}
	e := Event{Type: EvtTargetRevealed, Round: s.Round.Number, Replay: s.Round.Replay}
	if s.Round.Target != nil {
		e.Side = *s.Round.Target
	}
	t.emit(e)
	t.enter(PhaseWaitingChoice)
}

func (t *transition) choose(addr string, side Side) {
	s := t.s
	p := s.Players[addr]
	p.Choice = side
	t.emit(Event{Type: EvtChoiceMade, Address: addr, Side: side, Round: s.RoundNumber})

	for _, p := range s.ActivePlayers() {
		if p.Choice == "" {
			return
		}
	}
	t.enter(PhaseChargingPower)
}

func (t *transition) flip(addr string, power int) {
	s := t.s
	req := t.request(s.Players[addr], power, false)
	t.emit(Event{Type: EvtFlipRequested, Address: addr, Round: s.RoundNumber, Requests: []FlipRequest{req}})

	for _, p := range s.ActivePlayers() {
		if !p.HasFlipped {
			return
		}
	}
	t.execute()
}

func (t *transition) request(p *Player, power int, auto bool) FlipRequest {
	s := t.s
	p.Power = power
	p.HasFlipped = true
	p.FlipAuto = auto
	req := FlipRequest{
		RoomID:     s.RoomID,
		Address:    p.Address,
		Round:      s.Round.Number,
		Replay:     s.Round.Replay,
		Choice:     p.Choice,
		Power:      power,
		Commitment: s.Round.Commitment,
		Auto:       auto,
	}
	s.Round.Requests[p.Address] = req
	return req
}

func (t *transition) execute() {
	t.enter(PhaseExecutingFlips)
	t.emit(Event{Type: EvtFlipsRequested, Round: t.s.Round.Number, Replay: t.s.Round.Replay, Requests: t.s.Round.pending()})
}

func (t *transition) resolve(results []FlipResult) {
	r := t.s.Round
	for _, res := range results {
		req, ok := r.Requests[res.Address]
		if !ok {
			continue
		}
		if _, done := r.Results[res.Address]; done {
			continue
		}
		// A result computed for other inputs stays pending and is requested again.
		if res.Choice != req.Choice || res.Power != req.Power {
			continue
		}
		res.RoomID, res.Round, res.Replay = t.s.RoomID, r.Number, r.Replay
		res.Auto = req.Auto
		res.Commitment = r.Commitment
		r.Results[res.Address] = res
		stored := res
		t.emit(Event{Type: EvtFlipResolved, Address: res.Address, Round: r.Number, Replay: r.Replay, Result: &stored})
	}
	if len(r.pending()) == 0 {
		t.finishResolution()
	}
}

func (t *transition) finishResolution() {
	s := t.s
	r := s.Round
	for _, req := range r.pending() {
		res := forcedResult(s, req)
		r.Results[req.Address] = res
		t.emit(Event{Type: EvtFlipForced, Address: req.Address, Round: r.Number, Replay: r.Replay, Result: &res})
	}
	t.showResult()
}

func (t *transition) showResult() {
	s := t.s
	r := s.Round
	active := s.ActivePlayers()

	losers := roundLosers(s)
	var out []string
	for _, addr := range losers {
		if s.Players[addr].Lives <= 1 {
			out = append(out, addr)
		}
	}

	if len(active) > 0 && len(out) == len(active) {
		r.Void = true
		rec := s.record(t.at)
		s.History = append(s.History, rec)
		t.emit(Event{Type: EvtRoundVoid, Round: r.Number, Replay: r.Replay, Record: &rec})
		t.enter(PhaseShowingResult)
		return
	}

	round := r.Number
	for _, addr := range losers {
		p := s.Players[addr]
		p.Lives--
		r.LivesLost = append(r.LivesLost, addr)
		if p.Lives == 0 {
			p.Status = StatusEliminated
			p.EliminatedInRound = &round
			r.Eliminated = append(r.Eliminated, addr)
		}
	}
	s.LastEliminated = append([]string(nil), r.Eliminated...)

	rec := s.record(t.at)
	s.History = append(s.History, rec)
	t.emit(Event{Type: EvtRoundResult, Round: r.Number, Replay: r.Replay, Record: &rec})

	if remaining := s.ActivePlayers(); len(remaining) == 1 {
		t.complete(remaining[0].Address)
		return
	}
	t.enter(PhaseShowingResult)
}

func (t *transition) complete(winner string) {
	s := t.s
	s.Winner = winner
	s.Payout = PayoutPending
	t.enter(PhaseCompleted)
	t.emit(Event{Type: EvtGameCompleted, Winner: winner, Prize: s.Prize, Round: s.RoundNumber})
}

func (t *transition) abort(reason string) {
	s := t.s
	participants := s.Participants()
	s.AbortReason = reason
	s.Payout = PayoutNone
	if len(participants) > 0 {
		s.Payout = PayoutRefundPending
	}
	t.enter(PhaseAborted)
	t.emit(Event{Type: EvtGameAborted, Reason: reason, Participants: participants, Prize: s.Rules.EntryFee})
}

func (t *transition) confirmPayout() {
	s := t.s
	switch s.Payout {
	case PayoutPending:
		s.Payout = PayoutSettled
	case PayoutRefundPending:
		s.Payout = PayoutRefunded
	}
	t.emit(Event{Type: EvtPayoutConfirmed, Winner: s.Winner, Prize: s.Prize})
}

// forcedResult is the no-contest default recorded when a flip could not be resolved:
// minimum power, the flip survives the round and carries no proof.
func forcedResult(s *State, req FlipRequest) FlipResult {
	res := FlipResult{
		RoomID:     req.RoomID,
		Address:    req.Address,
		Round:      req.Round,
		Replay:     req.Replay,
		Choice:     req.Choice,
		Power:      s.Rules.MinPower,
		Auto:       req.Auto,
		Commitment: req.Commitment,
		Score:      1,
		Forced:     true,
		Outcome:    req.Choice,
	}
	if s.Round.Target != nil {
		target := *s.Round.Target
		res.Target = &target
		res.Outcome = target
	}
	return res
}
