package types

import "encoding/json"

// Client -> Server
// join_room:
//   cosmetic: object (optional, opaque)
//
// submit_choice:
//   side: "heads" | "tails"
//
// submit_flip:
//   power: number (0..100)
//
// request_early_start: {} (creator only)
//
// request_full_state: {}
//
// The room and the player address come from the connection (/ws?room=..&address=..).

const (
	ClientJoinRoom          = "join_room"
	ClientSubmitChoice      = "submit_choice"
	ClientSubmitFlip        = "submit_flip"
	ClientRequestEarlyStart = "request_early_start"
	ClientRequestFullState  = "request_full_state"
)

type ClientMessage struct {
	Type     string          `json:"type"`
	Cosmetic json.RawMessage `json:"cosmetic,omitempty"`
	Side     string          `json:"side,omitempty"`
	Power    *int            `json:"power,omitempty"`
}

// Server -> Client
// state_snapshot: full Snapshot, sent on connect, after every accepted change and on request.
// round_starting, flip_resolved, round_result, round_void, game_complete, game_aborted:
//   discrete notifications carrying a Notification; each is followed by a state_snapshot.
// error: sent only to the connection whose action was rejected.

const (
	ServerStateSnapshot = "state_snapshot"
	ServerRoundStarting = "round_starting"
	ServerFlipResolved  = "flip_resolved"
	ServerRoundResult   = "round_result"
	ServerRoundVoid     = "round_void"
	ServerGameComplete  = "game_complete"
	ServerGameAborted   = "game_aborted"
	ServerError         = "error"
)

type ServerMessage struct {
	Type    string        `json:"type"`
	Version int           `json:"version,omitempty"`
	State   *Snapshot     `json:"state,omitempty"`
	Event   *Notification `json:"event,omitempty"`
	Error   *Error        `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Notification is the payload of the discrete server messages. Fields not relevant to a
// message type are omitted.
type Notification struct {
	Round      int      `json:"round"`
	Replay     int      `json:"replay"`
	Address    string   `json:"address,omitempty"`
	Target     string   `json:"target,omitempty"`
	Commitment string   `json:"commitment,omitempty"`
	Flip       *Flip    `json:"flip,omitempty"`
	Results    []Flip   `json:"results,omitempty"`
	Eliminated []string `json:"eliminated,omitempty"`
	LivesLost  []string `json:"lives_lost,omitempty"`
	Winner     string   `json:"winner,omitempty"`
	Prize      int64    `json:"prize,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Refunds    []string `json:"refunds,omitempty"`
}

// Flip is the published, verifiable result of one player's flip.
type Flip struct {
	Address    string  `json:"address"`
	Choice     string  `json:"choice"`
	Power      int     `json:"power"`
	Auto       bool    `json:"auto"`
	Target     string  `json:"target,omitempty"`
	Outcome    string  `json:"outcome"`
	Score      float64 `json:"score"`
	DurationMs int     `json:"duration_ms"`
	Commitment string  `json:"commitment"`
	ServerSeed string  `json:"server_seed,omitempty"`
	ClientSeed string  `json:"client_seed,omitempty"`
	Digest     string  `json:"digest,omitempty"`
	Signature  string  `json:"signature,omitempty"`
	Verified   bool    `json:"verified"`
	Forced     bool    `json:"forced"`
}
