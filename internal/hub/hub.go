package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/session"
)

var ErrRoomExists = errors.New("room already exists")

// Factory starts the session of a new room. onEnded must be wired to the session's
// terminal callback so the hub can retire the room.
type Factory func(ctx context.Context, initial engine.State, onEnded func(roomID string)) *session.Session

type HubMsg interface{ isHubMsg() }

// CreateRoom registers a room and seats its creator.
type CreateRoom struct {
	ID       string
	Rules    engine.Rules
	Creator  string
	Cosmetic json.RawMessage
	Reply    chan Created
}

type Created struct {
	Session *session.Session
	Err     error
}

type GetRoom struct {
	ID    string
	Reply chan *session.Session
}

// Attach records a connection as a member of a room. Reply is nil if the room is unknown.
type Attach struct {
	RoomID  string
	ConnID  string
	Address string
	Reply   chan *session.Session
}

type Detach struct {
	RoomID string
	ConnID string
}

type SessionEnded struct{ ID string }

type ListRooms struct {
	Reply chan []Room
}

type Room struct {
	ID      string
	Session *session.Session
	Members int
	Ended   bool
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()   {}
func (GetRoom) isHubMsg()      {}
func (Attach) isHubMsg()       {}
func (Detach) isHubMsg()       {}
func (SessionEnded) isHubMsg() {}
func (ListRooms) isHubMsg()    {}
func (ShutdownHub) isHubMsg()  {}

type entry struct {
	session *session.Session
	members map[string]string // connID -> address
	ended   bool
}

type Hub struct {
	inbox   chan HubMsg
	rooms   map[string]*entry
	factory Factory
	now     func() time.Time
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub(parent context.Context, factory Factory, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		rooms:   make(map[string]*entry),
		factory: factory,
		now:     time.Now,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed after the hub has stopped every session.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Post delivers a message to the hub unless it has stopped.
func (h *Hub) Post(m HubMsg) {
	select {
	case h.inbox <- m:
	case <-h.ctx.Done():
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				msg.Reply <- h.create(msg)

			case GetRoom:
				var s *session.Session
				if e := h.rooms[msg.ID]; e != nil {
					s = e.session
				}
				msg.Reply <- s // May be nil

			case Attach:
				e := h.rooms[msg.RoomID]
				if e == nil {
					msg.Reply <- nil
					break
				}
				e.members[msg.ConnID] = msg.Address
				msg.Reply <- e.session

			case Detach:
				if e := h.rooms[msg.RoomID]; e != nil {
					delete(e.members, msg.ConnID)
					h.retireIfIdle(msg.RoomID, e)
				}

			case SessionEnded:
				if e := h.rooms[msg.ID]; e != nil {
					e.ended = true
					h.retireIfIdle(msg.ID, e)
				}

			case ListRooms:
				rooms := make([]Room, 0, len(h.rooms))
				for id, e := range h.rooms {
					rooms = append(rooms, Room{ID: id, Session: e.session, Members: len(e.members), Ended: e.ended})
				}
				sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
				msg.Reply <- rooms

			case ShutdownHub:
				// Cancel first so sessions abandon in-flight payouts instead of waiting them out.
				h.cancel()
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) create(msg CreateRoom) Created {
	if _, ok := h.rooms[msg.ID]; ok {
		return Created{Err: ErrRoomExists}
	}
	now := h.now()
	initial, err := engine.NewSession(msg.ID, msg.Creator, msg.Rules, now)
	if err != nil {
		return Created{Err: err}
	}
	_, initial, err = engine.Apply(initial, engine.Command{Type: engine.CmdJoin, Address: msg.Creator, Cosmetic: msg.Cosmetic, At: now})
	if err != nil {
		return Created{Err: err}
	}

	s := h.factory(h.ctx, initial, func(roomID string) {
		go h.Post(SessionEnded{ID: roomID})
	})
	h.rooms[msg.ID] = &entry{session: s, members: map[string]string{}}
	h.logger.Info("room created",
		zap.String("room", msg.ID),
		zap.String("creator", msg.Creator),
		zap.Int("capacity", msg.Rules.Capacity),
		zap.String("variant", string(msg.Rules.Variant)))
	return Created{Session: s}
}

// retireIfIdle removes an ended room once nobody is connected to it. Sessions report
// the end only after their payout is confirmed.
func (h *Hub) retireIfIdle(id string, e *entry) {
	if !e.ended || len(e.members) > 0 {
		return
	}
	delete(h.rooms, id)
	go e.session.Stop()
	h.logger.Info("room retired", zap.String("room", id))
}

func (h *Hub) shutdown() {
	for id, e := range h.rooms {
		e.session.Stop()
		<-e.session.Done()
		delete(h.rooms, id)
	}
}
