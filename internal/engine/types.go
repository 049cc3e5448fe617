package engine

import (
	"encoding/json"
	"time"
)

type Phase string

const (
	PhaseFilling         Phase = "filling"
	PhaseStarting        Phase = "starting"
	PhaseRevealingTarget Phase = "revealing_target"
	PhaseWaitingChoice   Phase = "waiting_choice"
	PhaseChargingPower   Phase = "charging_power"
	PhaseExecutingFlips  Phase = "executing_flips"
	PhaseShowingResult   Phase = "showing_result"
	PhaseCompleted       Phase = "completed"
	PhaseAborted         Phase = "aborted"
)

// Terminal reports whether no further gameplay can happen in p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAborted
}

type Side string

const (
	SideHeads Side = "heads"
	SideTails Side = "tails"
)

func (s Side) Valid() bool {
	return s == SideHeads || s == SideTails
}

func (s Side) Opposite() Side {
	if s == SideHeads {
		return SideTails
	}
	return SideHeads
}

type Variant string

const (
	// VariantTargetMatch eliminates flips that land on the other side of the round target.
	VariantTargetMatch Variant = "target_match"
	// VariantHeadToHead has no target; the lowest flip score of the round loses.
	VariantHeadToHead Variant = "head_to_head"
)

func (v Variant) Valid() bool {
	return v == VariantTargetMatch || v == VariantHeadToHead
}

type Status string

const (
	StatusActive     Status = "active"
	StatusEliminated Status = "eliminated"
)

type PayoutStatus string

const (
	PayoutNone          PayoutStatus = "none"
	PayoutPending       PayoutStatus = "pending"
	PayoutSettled       PayoutStatus = "settled"
	PayoutRefundPending PayoutStatus = "refund_pending"
	PayoutRefunded      PayoutStatus = "refunded"
)

// Outstanding reports whether a settlement or refund still has to be confirmed.
func (p PayoutStatus) Outstanding() bool {
	return p == PayoutPending || p == PayoutRefundPending
}

type Rules struct {
	Capacity   int
	MinPlayers int
	EntryFee   int64
	RakeBps    int64
	Variant    Variant
	Lives      int

	MinPower      int
	MaxPower      int
	PowerBias     float64
	FairnessFloor float64
	DefaultSide   Side

	FillTimeout        time.Duration
	StartCountdown     time.Duration
	ChoiceTimeout      time.Duration
	ChargeTimeout      time.Duration
	ResolveTimeout     time.Duration
	ResultWindow       time.Duration
	MaxResolveAttempts int
}

type Player struct {
	Address  string          `json:"address"`
	Slot     int             `json:"slot"`
	Cosmetic json.RawMessage `json:"cosmetic,omitempty"`

	Choice     Side `json:"choice,omitempty"`
	ChoiceAuto bool `json:"choice_auto"`
	Power      int  `json:"power"`
	HasFlipped bool `json:"has_flipped"`
	FlipAuto   bool `json:"flip_auto"`

	Status            Status `json:"status"`
	Lives             int    `json:"lives"`
	EliminatedInRound *int   `json:"eliminated_in_round"`
}

// Commitment is the public half of a round's commit-reveal pair. The seed behind
// Hash stays with the resolver until the flips of the round are resolved.
type Commitment struct {
	RoomID string `json:"room_id"`
	Round  int    `json:"round"`
	Replay int    `json:"replay"`
	Hash   string `json:"hash"`
	Target *Side  `json:"target,omitempty"`
}

type FlipRequest struct {
	RoomID     string `json:"room_id"`
	Address    string `json:"address"`
	Round      int    `json:"round"`
	Replay     int    `json:"replay"`
	Choice     Side   `json:"choice"`
	Power      int    `json:"power"`
	Commitment string `json:"commitment"`
	Auto       bool   `json:"auto"`
}

type FlipResult struct {
	RoomID  string `json:"room_id"`
	Address string `json:"address"`
	Round   int    `json:"round"`
	Replay  int    `json:"replay"`
	Choice  Side   `json:"choice"`
	Power   int    `json:"power"`
	Auto    bool   `json:"auto"`

	Target     *Side   `json:"target,omitempty"`
	Outcome    Side    `json:"outcome"`
	Score      float64 `json:"score"`
	Tilt       float64 `json:"tilt"`
	DurationMs int     `json:"duration_ms"`

	Commitment string `json:"commitment"`
	ServerSeed string `json:"server_seed,omitempty"`
	ClientSeed string `json:"client_seed"`
	Digest     string `json:"digest,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Verified   bool   `json:"verified"`
	Forced     bool   `json:"forced"`
}

type Round struct {
	Number     int                    `json:"number"`
	Replay     int                    `json:"replay"`
	Attempts   int                    `json:"attempts"`
	Commitment string                 `json:"commitment,omitempty"`
	Target     *Side                  `json:"target,omitempty"`
	Requests   map[string]FlipRequest `json:"requests"`
	Results    map[string]FlipResult  `json:"results"`
	Eliminated []string               `json:"eliminated"`
	LivesLost  []string               `json:"lives_lost"`
	Void       bool                   `json:"void"`
}

// RoundRecord is the closed, append-only form of a Round handed to persistence.
type RoundRecord struct {
	RoomID     string       `json:"room_id"`
	Round      int          `json:"round"`
	Replay     int          `json:"replay"`
	Variant    Variant      `json:"variant"`
	Void       bool         `json:"void"`
	Target     *Side        `json:"target,omitempty"`
	Commitment string       `json:"commitment"`
	Results    []FlipResult `json:"results"`
	Eliminated []string     `json:"eliminated"`
	LivesLost  []string     `json:"lives_lost"`
	ClosedAt   time.Time    `json:"closed_at"`
}

type State struct {
	RoomID   string
	Creator  string
	Rules    Rules
	Phase    Phase
	Deadline time.Time

	Slots       []string
	SlotsLocked bool
	EarlyStart  bool

	Players     map[string]*Player
	RoundNumber int
	Round       *Round
	History     []RoundRecord

	LastEliminated []string
	Winner         string
	BasePrize      int64
	Prize          int64
	Payout         PayoutStatus
	AbortReason    string
}

// Outcome is the final record of a finished session.
type Outcome struct {
	RoomID       string       `json:"room_id"`
	Phase        Phase        `json:"phase"`
	Variant      Variant      `json:"variant"`
	Winner       string       `json:"winner,omitempty"`
	Prize        int64        `json:"prize"`
	EntryFee     int64        `json:"entry_fee"`
	Rounds       int          `json:"rounds"`
	Participants []string     `json:"participants"`
	Payout       PayoutStatus `json:"payout"`
	Reason       string       `json:"reason,omitempty"`
	EndedAt      time.Time    `json:"ended_at"`
}
