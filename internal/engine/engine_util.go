package engine

import (
	"fmt"
	"math"
	"math/big"
	"slices"
	"sort"
	"time"
)

const (
	MaxCapacity     = 6
	MinMinPlayers   = 2
	DefaultMaxPower = 100
	bpsDenominator  = 10000
)

func DefaultRules() Rules {
	return Rules{
		Capacity:           MaxCapacity,
		MinPlayers:         MinMinPlayers,
		Variant:            VariantTargetMatch,
		Lives:              1,
		MinPower:           0,
		MaxPower:           DefaultMaxPower,
		FairnessFloor:      0.45,
		DefaultSide:        SideHeads,
		FillTimeout:        10 * time.Minute,
		StartCountdown:     5 * time.Second,
		ChoiceTimeout:      15 * time.Second,
		ChargeTimeout:      15 * time.Second,
		ResolveTimeout:     3 * time.Second,
		ResultWindow:       4 * time.Second,
		MaxResolveAttempts: 3,
	}
}

func (r Rules) Validate() error {
	switch {
	case r.Capacity < MinMinPlayers || r.Capacity > MaxCapacity:
		return fmt.Errorf("%w: capacity %d outside [%d,%d]", ErrInvalidRules, r.Capacity, MinMinPlayers, MaxCapacity)
	case r.MinPlayers < MinMinPlayers || r.MinPlayers > r.Capacity:
		return fmt.Errorf("%w: min players %d outside [%d,%d]", ErrInvalidRules, r.MinPlayers, MinMinPlayers, r.Capacity)
	case r.EntryFee < 0:
		return fmt.Errorf("%w: negative entry fee", ErrInvalidRules)
	case r.EntryFee > math.MaxInt64/int64(r.Capacity):
		return fmt.Errorf("%w: entry fee %d overflows the prize pool", ErrInvalidRules, r.EntryFee)
	case r.RakeBps < 0 || r.RakeBps >= bpsDenominator:
		return fmt.Errorf("%w: rake %d bps", ErrInvalidRules, r.RakeBps)
	case !r.Variant.Valid():
		return fmt.Errorf("%w: variant %q", ErrInvalidRules, r.Variant)
	case r.Lives < 1:
		return fmt.Errorf("%w: lives must be >= 1", ErrInvalidRules)
	case r.MinPower < 0 || r.MaxPower <= r.MinPower:
		return fmt.Errorf("%w: power range [%d,%d]", ErrInvalidRules, r.MinPower, r.MaxPower)
	case r.PowerBias < 0 || r.FairnessFloor <= 0 || r.FairnessFloor > 0.5:
		return fmt.Errorf("%w: power bias %.3f floor %.3f", ErrInvalidRules, r.PowerBias, r.FairnessFloor)
	case !r.DefaultSide.Valid():
		return fmt.Errorf("%w: default side %q", ErrInvalidRules, r.DefaultSide)
	case r.MaxResolveAttempts < 1:
		return fmt.Errorf("%w: resolve attempts must be >= 1", ErrInvalidRules)
	}
	return nil
}

// NewSession returns the filling-phase state of a fresh room. The fill deadline starts at now.
func NewSession(roomID, creator string, rules Rules, now time.Time) (State, error) {
	if err := rules.Validate(); err != nil {
		return State{}, err
	}
	if roomID == "" || creator == "" {
		return State{}, fmt.Errorf("%w: room id and creator are required", ErrInvalidRules)
	}
	s := State{
		RoomID:    roomID,
		Creator:   creator,
		Rules:     rules,
		Phase:     PhaseFilling,
		Slots:     make([]string, rules.Capacity),
		Players:   map[string]*Player{},
		BasePrize: mulDiv(rules.EntryFee*int64(rules.Capacity), bpsDenominator-rules.RakeBps, bpsDenominator),
		Payout:    PayoutNone,
	}
	if d := TimerFor(PhaseFilling, rules); d > 0 {
		s.Deadline = now.Add(d)
	}
	return s, nil
}

// mulDiv returns a*b/c without overflowing the intermediate product. The result must
// not exceed a, so b <= c.
func mulDiv(a, b, c int64) int64 {
	var n big.Int
	n.Mul(big.NewInt(a), big.NewInt(b))
	return n.Quo(&n, big.NewInt(c)).Int64()
}

// Clone deep-copies everything Apply may mutate.
func (s State) Clone() State {
	c := s
	c.Slots = slices.Clone(s.Slots)
	c.Players = make(map[string]*Player, len(s.Players))
	for addr, p := range s.Players {
		cp := *p
		if p.EliminatedInRound != nil {
			n := *p.EliminatedInRound
			cp.EliminatedInRound = &n
		}
		cp.Cosmetic = slices.Clone(p.Cosmetic)
		c.Players[addr] = &cp
	}
	if s.Round != nil {
		r := *s.Round
		r.Requests = make(map[string]FlipRequest, len(s.Round.Requests))
		for k, v := range s.Round.Requests {
			r.Requests[k] = v
		}
		r.Results = make(map[string]FlipResult, len(s.Round.Results))
		for k, v := range s.Round.Results {
			r.Results[k] = v
		}
		r.Eliminated = slices.Clone(s.Round.Eliminated)
		r.LivesLost = slices.Clone(s.Round.LivesLost)
		c.Round = &r
	}
	c.History = slices.Clone(s.History)
	c.LastEliminated = slices.Clone(s.LastEliminated)
	return c
}

func (s State) Occupied() int {
	n := 0
	for _, addr := range s.Slots {
		if addr != "" {
			n++
		}
	}
	return n
}

func (s State) firstFreeSlot() int {
	for i, addr := range s.Slots {
		if addr == "" {
			return i
		}
	}
	return -1
}

// ActivePlayers returns active players ordered by slot.
func (s State) ActivePlayers() []*Player {
	var out []*Player
	for _, p := range s.Players {
		if p.Status == StatusActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Participants returns every seated address ordered by slot.
func (s State) Participants() []string {
	var out []string
	for _, addr := range s.Slots {
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func (s State) replay() int {
	if s.Round == nil {
		return 0
	}
	return s.Round.Replay
}

// pending returns the flip requests that have no result yet, ordered by address.
func (r *Round) pending() []FlipRequest {
	var out []FlipRequest
	for addr, req := range r.Requests {
		if _, ok := r.Results[addr]; !ok {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s State) record(at time.Time) RoundRecord {
	r := s.Round
	rec := RoundRecord{
		RoomID:     s.RoomID,
		Round:      r.Number,
		Replay:     r.Replay,
		Variant:    s.Rules.Variant,
		Void:       r.Void,
		Target:     r.Target,
		Commitment: r.Commitment,
		Eliminated: slices.Clone(r.Eliminated),
		LivesLost:  slices.Clone(r.LivesLost),
		ClosedAt:   at,
	}
	for _, addr := range s.Participants() {
		if res, ok := r.Results[addr]; ok {
			rec.Results = append(rec.Results, res)
		}
	}
	return rec
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func (s State) Outcome(at time.Time) Outcome {
	return Outcome{
		RoomID:       s.RoomID,
		Phase:        s.Phase,
		Variant:      s.Rules.Variant,
		Winner:       s.Winner,
		Prize:        s.Prize,
		EntryFee:     s.Rules.EntryFee,
		Rounds:       s.RoundNumber,
		Participants: s.Participants(),
		Payout:       s.Payout,
		Reason:       s.AbortReason,
		EndedAt:      at,
	}
}
