package types

import "encoding/json"

// Snapshot:
//   version: number
//   room_id: string
//   phase: "filling" | "starting" | "revealing_target" | "waiting_choice" |
//          "charging_power" | "executing_flips" | "showing_result" | "completed" | "aborted"
//   remaining_ms: number // time left on the phase deadline, 0 if none
//   round / replay: number
//   slots: SlotView[] // always capacity long, empty slots included
//   target / commitment: revealed once the round commits
//   last_eliminated: string[]
//   winner, prize, payout
//
// Choices of other players stay hidden until charging_power.

type Snapshot struct {
	Version     int    `json:"version"`
	RoomID      string `json:"room_id"`
	Creator     string `json:"creator"`
	Phase       string `json:"phase"`
	Variant     string `json:"variant"`
	RemainingMs int64  `json:"remaining_ms"`
	Round       int    `json:"round"`
	Replay      int    `json:"replay"`

	Capacity   int        `json:"capacity"`
	MinPlayers int        `json:"min_players"`
	EntryFee   int64      `json:"entry_fee"`
	Slots      []SlotView `json:"slots"`
	EarlyStart bool       `json:"early_start"`

	Target         string   `json:"target,omitempty"`
	Commitment     string   `json:"commitment,omitempty"`
	LastEliminated []string `json:"last_eliminated"`
	LastRound      []Flip   `json:"last_round,omitempty"`

	Winner      string `json:"winner,omitempty"`
	BasePrize   int64  `json:"base_prize"`
	Prize       int64  `json:"prize"`
	Payout      string `json:"payout"`
	AbortReason string `json:"abort_reason,omitempty"`
}

type SlotView struct {
	Index  int         `json:"index"`
	Frozen bool        `json:"frozen"`
	Player *PlayerView `json:"player,omitempty"`
}

type PlayerView struct {
	Address           string          `json:"address"`
	Cosmetic          json.RawMessage `json:"cosmetic,omitempty"`
	Status            string          `json:"status"`
	Lives             int             `json:"lives"`
	HasChosen         bool            `json:"has_chosen"`
	Choice            string          `json:"choice,omitempty"`
	ChoiceAuto        bool            `json:"choice_auto"`
	HasFlipped        bool            `json:"has_flipped"`
	Power             int             `json:"power,omitempty"`
	FlipAuto          bool            `json:"flip_auto"`
	EliminatedInRound *int            `json:"eliminated_in_round,omitempty"`
}

// RoomSummary is the lobby-list entry returned by GET /rooms.
type RoomSummary struct {
	RoomID   string `json:"room_id"`
	Phase    string `json:"phase"`
	Joined   int    `json:"joined"`
	Capacity int    `json:"capacity"`
	EntryFee int64  `json:"entry_fee"`
	Prize    int64  `json:"prize"`
	Members  int    `json:"members"`
}
