// Package broadcast fans session messages out to the connections subscribed to a room.
// It is owned by the session goroutine and is not safe for concurrent use.
package broadcast

import "github.com/DoyleJ11/coinflip-royale/pkg/types"

type member struct {
	address string
	out     chan<- types.ServerMessage
}

type Emitter struct {
	members map[string]member
	dropped func(connID, address string)
}

// New returns an emitter; dropped, if set, is called for every member removed because
// its outbox was full.
func New(dropped func(connID, address string)) *Emitter {
	return &Emitter{members: map[string]member{}, dropped: dropped}
}

// Subscribe registers an outbox. Re-subscribing a connection replaces its outbox.
func (e *Emitter) Subscribe(connID, address string, out chan<- types.ServerMessage) {
	if old, ok := e.members[connID]; ok && old.out != out {
		close(old.out)
	}
	e.members[connID] = member{address: address, out: out}
}

// Unsubscribe removes the connection and closes its outbox.
func (e *Emitter) Unsubscribe(connID string) {
	m, ok := e.members[connID]
	if !ok {
		return
	}
	close(m.out)
	delete(e.members, connID)
}

// Publish sends msg to every member. A member whose outbox is full is dropped: its
// outbox is closed so the connection can reconnect and resync from a snapshot.
func (e *Emitter) Publish(msg types.ServerMessage) {
	for id, m := range e.members {
		select {
		case m.out <- msg:
		default:
			close(m.out)
			delete(e.members, id)
			if e.dropped != nil {
				e.dropped(id, m.address)
			}
		}
	}
}

// SendTo delivers msg to one connection only. It reports false if the connection is
// unknown or was dropped.
func (e *Emitter) SendTo(connID string, msg types.ServerMessage) bool {
	m, ok := e.members[connID]
	if !ok {
		return false
	}
	select {
	case m.out <- msg:
		return true
	default:
		close(m.out)
		delete(e.members, connID)
		if e.dropped != nil {
			e.dropped(connID, m.address)
		}
		return false
	}
}

func (e *Emitter) Count() int { return len(e.members) }

// Close closes every outbox.
func (e *Emitter) Close() {
	for id, m := range e.members {
		close(m.out)
		delete(e.members, id)
	}
}
