package engine

import "fmt"

// Validate is the pure admission check run before every mutation. It never changes s.
func Validate(s State, cmd Command) error {
	if s.Phase.Terminal() && cmd.Type != CmdConfirmPayout {
		return ErrSessionOver
	}
	if !Allows(s.Phase, cmd.Type) {
		return fmt.Errorf("%w: %s during %s", ErrWrongPhase, cmd.Type, s.Phase)
	}

	switch cmd.Type {
	case CmdJoin:
		if cmd.Address == "" {
			return ErrInvalidAddress
		}
		if _, ok := s.Players[cmd.Address]; ok {
			return ErrAlreadyJoined
		}
		if s.SlotsLocked || s.Occupied() >= s.Rules.Capacity {
			return ErrRoomFull
		}

	case CmdEarlyStart:
		if cmd.Address != s.Creator {
			return ErrNotCreator
		}
		if s.Occupied() < s.Rules.MinPlayers {
			return fmt.Errorf("%w: %d of %d", ErrNotEnoughPlayers, s.Occupied(), s.Rules.MinPlayers)
		}

	case CmdSubmitChoice:
		p, err := activePlayer(s, cmd.Address)
		if err != nil {
			return err
		}
		if p.Choice != "" {
			return ErrAlreadyChose
		}
		if !cmd.Side.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidSide, cmd.Side)
		}

	case CmdSubmitFlip:
		p, err := activePlayer(s, cmd.Address)
		if err != nil {
			return err
		}
		if p.HasFlipped {
			return ErrAlreadyFlipped
		}
		if p.Choice == "" {
			return ErrNoChoice
		}
		if cmd.Power < s.Rules.MinPower || cmd.Power > s.Rules.MaxPower {
			return fmt.Errorf("%w: %d not in [%d,%d]", ErrPowerOutOfRange, cmd.Power, s.Rules.MinPower, s.Rules.MaxPower)
		}

	case CmdTimeout:
		if cmd.Phase != s.Phase || cmd.Round != s.RoundNumber || cmd.Replay != s.replay() || !cmd.Deadline.Equal(s.Deadline) {
			return ErrStaleTimeout
		}

	case CmdCommitRound:
		c := cmd.Commitment
		if c == nil || c.Hash == "" || c.Round != s.Round.Number || c.Replay != s.Round.Replay {
			return ErrStaleResolution
		}
		if s.Rules.Variant == VariantTargetMatch && (c.Target == nil || !c.Target.Valid()) {
			return fmt.Errorf("%w: target required", ErrStaleResolution)
		}

	case CmdResolveFlips:
		if cmd.Round != s.Round.Number || cmd.Replay != s.Round.Replay {
			return ErrStaleResolution
		}

	case CmdConfirmPayout:
		if s.Payout != PayoutPending && s.Payout != PayoutRefundPending {
			return ErrNoPayoutPending
		}
	}
	return nil
}

func activePlayer(s State, addr string) (*Player, error) {
	p, ok := s.Players[addr]
	if !ok {
		return nil, ErrNotInRoom
	}
	if p.Status != StatusActive {
		return nil, ErrEliminated
	}
	return p, nil
}
