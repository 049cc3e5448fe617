package engine

import "errors"

var (
	ErrInvalidRules       = errors.New("invalid rules")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrSessionOver        = errors.New("session is over")
	ErrWrongPhase         = errors.New("action not allowed in current phase")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrNotInRoom          = errors.New("address does not occupy a slot")
	ErrEliminated         = errors.New("player is eliminated")
	ErrAlreadyJoined      = errors.New("address already occupies a slot")
	ErrRoomFull           = errors.New("room is full")
	ErrNotCreator         = errors.New("only the creator may start early")
	ErrNotEnoughPlayers   = errors.New("not enough players to start")
	ErrAlreadyChose       = errors.New("choice already submitted this round")
	ErrInvalidSide        = errors.New("invalid side")
	ErrAlreadyFlipped     = errors.New("flip already requested this round")
	ErrNoChoice           = errors.New("no choice recorded this round")
	ErrPowerOutOfRange    = errors.New("power out of range")
	ErrStaleTimeout       = errors.New("stale timeout")
	ErrStaleResolution    = errors.New("resolution does not match the open round")
	ErrNoPayoutPending    = errors.New("no payout pending")
)
