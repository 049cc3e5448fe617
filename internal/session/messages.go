package session

import (
	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/scheduler"
	"github.com/DoyleJ11/coinflip-royale/pkg/types"
)

type Msg interface{ isSessionMsg() }

// Subscribe registers a connection and sends it the current snapshot immediately.
type Subscribe struct {
	ConnID  string
	Address string
	Outbox  chan types.ServerMessage
}

type Unsubscribe struct{ ConnID string }

// FromClient carries a player action. Reply, if set, receives the admission result.
type FromClient struct {
	ConnID string
	Cmd    engine.Command
	Reply  chan error
}

// RequestState resends the full snapshot to one connection.
type RequestState struct{ ConnID string }

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

func (Subscribe) isSessionMsg()    {}
func (Unsubscribe) isSessionMsg()  {}
func (FromClient) isSessionMsg()   {}
func (RequestState) isSessionMsg() {}
func (GetState) isSessionMsg()     {}
func (Shutdown) isSessionMsg()     {}

// Internal messages posted back by the timer and the side-effect goroutines.
type timerFired struct{ key scheduler.Key }

type committed struct {
	round, replay int
	commitment    engine.Commitment
}

type resolved struct {
	round, replay int
	results       []engine.FlipResult
}

type payoutDone struct{}

func (timerFired) isSessionMsg() {}
func (committed) isSessionMsg()  {}
func (resolved) isSessionMsg()   {}
func (payoutDone) isSessionMsg() {}

type View struct {
	Version  int
	Members  int
	State    engine.State
	Snapshot types.Snapshot

	// Initial and Log replay to State through engine.Replay.
	Initial engine.State
	Log     []engine.Command
}
