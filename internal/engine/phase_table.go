package engine

import (
	"slices"
	"time"
)

// phaseRule declares, once per phase, which commands are legal and how long the phase
// may last before the scheduler injects a timeout.
type phaseRule struct {
	actions []CommandType
	timer   func(Rules) time.Duration
}

var phaseTable = map[Phase]phaseRule{
	PhaseFilling: {
		actions: []CommandType{CmdJoin, CmdEarlyStart, CmdTimeout, CmdAbort},
		timer:   func(r Rules) time.Duration { return r.FillTimeout },
	},
	PhaseStarting: {
		actions: []CommandType{CmdTimeout, CmdAbort},
		timer:   func(r Rules) time.Duration { return r.StartCountdown },
	},
	PhaseRevealingTarget: {
		actions: []CommandType{CmdCommitRound, CmdTimeout, CmdAbort},
		timer:   func(r Rules) time.Duration { return r.ResolveTimeout },
	},
	PhaseWaitingChoice: {
		actions: []CommandType{CmdSubmitChoice, CmdTimeout, CmdAbort},
		timer:   func(r Rules) time.Duration { return r.ChoiceTimeout },
	},
	PhaseChargingPower: {
		actions: []CommandType{CmdSubmitFlip, CmdTimeout, CmdAbort},
		timer:   func(r Rules) time.Duration { return r.ChargeTimeout },
	},
	PhaseExecutingFlips: {
		actions: []CommandType{CmdResolveFlips, CmdTimeout, CmdAbort},
		timer:   func(r Rules) time.Duration { return r.ResolveTimeout },
	},
	PhaseShowingResult: {
		actions: []CommandType{CmdTimeout, CmdAbort},
		timer:   func(r Rules) time.Duration { return r.ResultWindow },
	},
	PhaseCompleted: {actions: []CommandType{CmdConfirmPayout}},
	PhaseAborted:   {actions: []CommandType{CmdConfirmPayout}},
}

// Allows reports whether cmd is legal in phase p.
func Allows(p Phase, cmd CommandType) bool {
	rule, ok := phaseTable[p]
	return ok && slices.Contains(rule.actions, cmd)
}

// TimerFor returns the deadline length of phase p, or 0 if the phase waits indefinitely.
func TimerFor(p Phase, r Rules) time.Duration {
	rule, ok := phaseTable[p]
	if !ok || rule.timer == nil {
		return 0
	}
	return rule.timer(r)
}

// Timed reports whether the scheduler owns a deadline for s.
func Timed(s State) bool {
	return !s.Deadline.IsZero() && Allows(s.Phase, CmdTimeout)
}
