// Package view projects engine state and events onto the public wire types.
package view

import (
	"errors"
	"time"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/pkg/types"
)

// Snapshot renders the public state of a session. Other players' choices stay hidden
// while the choice phase is open.
func Snapshot(s engine.State, version int, now time.Time) types.Snapshot {
	snap := types.Snapshot{
		Version:        version,
		RoomID:         s.RoomID,
		Creator:        s.Creator,
		Phase:          string(s.Phase),
		Variant:        string(s.Rules.Variant),
		Round:          s.RoundNumber,
		Capacity:       s.Rules.Capacity,
		MinPlayers:     s.Rules.MinPlayers,
		EntryFee:       s.Rules.EntryFee,
		EarlyStart:     s.EarlyStart,
		LastEliminated: append([]string{}, s.LastEliminated...),
		Winner:         s.Winner,
		BasePrize:      s.BasePrize,
		Prize:          s.Prize,
		Payout:         string(s.Payout),
		AbortReason:    s.AbortReason,
	}
	if !s.Deadline.IsZero() {
		snap.RemainingMs = max(0, s.Deadline.Sub(now).Milliseconds())
	}
	if s.Round != nil {
		snap.Replay = s.Round.Replay
		snap.Commitment = s.Round.Commitment
		if s.Round.Target != nil {
			snap.Target = string(*s.Round.Target)
		}
	}
	if n := len(s.History); n > 0 {
		snap.LastRound = Flips(s.History[n-1].Results)
	}

	hideChoices := s.Phase == engine.PhaseRevealingTarget || s.Phase == engine.PhaseWaitingChoice
	snap.Slots = make([]types.SlotView, len(s.Slots))
	for i, addr := range s.Slots {
		slot := types.SlotView{Index: i}
		if addr == "" {
			slot.Frozen = s.Phase != engine.PhaseFilling
			snap.Slots[i] = slot
			continue
		}
		p := s.Players[addr]
		pv := &types.PlayerView{
			Address:           p.Address,
			Cosmetic:          p.Cosmetic,
			Status:            string(p.Status),
			Lives:             p.Lives,
			HasChosen:         p.Choice != "",
			HasFlipped:        p.HasFlipped,
			FlipAuto:          p.FlipAuto,
			EliminatedInRound: p.EliminatedInRound,
		}
		if !hideChoices {
			pv.Choice = string(p.Choice)
			pv.ChoiceAuto = p.ChoiceAuto
		}
		if p.HasFlipped {
			pv.Power = p.Power
		}
		slot.Player = pv
		snap.Slots[i] = slot
	}
	return snap
}

func Flip(r engine.FlipResult) types.Flip {
	f := types.Flip{
		Address:    r.Address,
		Choice:     string(r.Choice),
		Power:      r.Power,
		Auto:       r.Auto,
		Outcome:    string(r.Outcome),
		Score:      r.Score,
		DurationMs: r.DurationMs,
		Commitment: r.Commitment,
		ServerSeed: r.ServerSeed,
		ClientSeed: r.ClientSeed,
		Digest:     r.Digest,
		Signature:  r.Signature,
		Verified:   r.Verified,
		Forced:     r.Forced,
	}
	if r.Target != nil {
		f.Target = string(*r.Target)
	}
	return f
}

func Flips(results []engine.FlipResult) []types.Flip {
	out := make([]types.Flip, 0, len(results))
	for _, r := range results {
		out = append(out, Flip(r))
	}
	return out
}

// Notifications maps engine events onto the discrete server messages. Events with no
// client-facing message are skipped; the caller always follows up with a snapshot.
func Notifications(s engine.State, events []engine.Event) []types.ServerMessage {
	var out []types.ServerMessage
	add := func(typ string, n types.Notification) {
		out = append(out, types.ServerMessage{Type: typ, Event: &n})
	}

	for _, e := range events {
		switch e.Type {
		case engine.EvtTargetRevealed:
			n := types.Notification{Round: e.Round, Replay: e.Replay, Target: string(e.Side)}
			if s.Round != nil && s.Round.Number == e.Round && s.Round.Replay == e.Replay {
				n.Commitment = s.Round.Commitment
			}
			add(types.ServerRoundStarting, n)

		case engine.EvtFlipResolved, engine.EvtFlipForced:
			f := Flip(*e.Result)
			add(types.ServerFlipResolved, types.Notification{Round: e.Round, Replay: e.Replay, Address: e.Address, Flip: &f})

		case engine.EvtRoundResult:
			add(types.ServerRoundResult, roundNotification(e.Record))

		case engine.EvtRoundVoid:
			add(types.ServerRoundVoid, roundNotification(e.Record))

		case engine.EvtGameCompleted:
			add(types.ServerGameComplete, types.Notification{Round: e.Round, Winner: e.Winner, Prize: e.Prize})

		case engine.EvtGameAborted:
			add(types.ServerGameAborted, types.Notification{Reason: e.Reason, Refunds: e.Participants, Prize: e.Prize})
		}
	}
	return out
}

func roundNotification(rec *engine.RoundRecord) types.Notification {
	n := types.Notification{
		Round:      rec.Round,
		Replay:     rec.Replay,
		Commitment: rec.Commitment,
		Results:    Flips(rec.Results),
		Eliminated: rec.Eliminated,
		LivesLost:  rec.LivesLost,
	}
	if rec.Target != nil {
		n.Target = string(*rec.Target)
	}
	return n
}

var errorCodes = []struct {
	err  error
	code string
}{
	{engine.ErrInvalidRules, "invalid_rules"},
	{engine.ErrSessionOver, "session_over"},
	{engine.ErrWrongPhase, "wrong_phase"},
	{engine.ErrInvalidAddress, "invalid_address"},
	{engine.ErrNotInRoom, "not_in_room"},
	{engine.ErrEliminated, "eliminated"},
	{engine.ErrAlreadyJoined, "already_joined"},
	{engine.ErrRoomFull, "room_full"},
	{engine.ErrNotCreator, "not_creator"},
	{engine.ErrNotEnoughPlayers, "not_enough_players"},
	{engine.ErrAlreadyChose, "already_chose"},
	{engine.ErrInvalidSide, "invalid_side"},
	{engine.ErrAlreadyFlipped, "already_flipped"},
	{engine.ErrNoChoice, "no_choice"},
	{engine.ErrPowerOutOfRange, "power_out_of_range"},
	{engine.ErrUnsupportedCommand, "unsupported"},
}

// ErrorCode classifies a rejection for clients.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "rejected"
}

func Error(err error) types.ServerMessage {
	return types.ServerMessage{Type: types.ServerError, Error: &types.Error{Code: ErrorCode(err), Message: err.Error()}}
}
