// Package scheduler owns the single phase deadline of a session. It turns the deadline
// recorded in engine state into exactly one timer and reports its expiry with the key
// the timer was armed for, so the session can reject timeouts that fired late.
package scheduler

import (
	"sync"
	"time"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
)

// Key identifies the deadline a timer was armed for.
type Key struct {
	Phase    engine.Phase
	Round    int
	Replay   int
	Deadline time.Time
}

// KeyOf returns the timeout key for the current deadline of s.
func KeyOf(s engine.State) Key {
	k := Key{Phase: s.Phase, Round: s.RoundNumber, Deadline: s.Deadline}
	if s.Round != nil {
		k.Replay = s.Round.Replay
	}
	return k
}

// Command builds the timeout command the key stands for.
func (k Key) Command() engine.Command {
	return engine.Command{
		Type:     engine.CmdTimeout,
		Phase:    k.Phase,
		Round:    k.Round,
		Replay:   k.Replay,
		Deadline: k.Deadline,
		At:       k.Deadline,
	}
}

type Scheduler struct {
	fire func(Key)
	now  func() time.Time

	mu     sync.Mutex
	timer  *time.Timer
	armed  Key
	active bool
	gen    uint64
}

// New returns a scheduler that calls fire from its own goroutine when a deadline passes.
func New(fire func(Key), now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{fire: fire, now: now}
}

// Sync arms, re-arms or cancels the timer to match s. Calling it again with an
// unchanged deadline keeps the running timer.
func (sc *Scheduler) Sync(s engine.State) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !engine.Timed(s) {
		sc.stopLocked()
		return
	}
	key := KeyOf(s)
	if sc.active && sc.armed == key {
		return
	}
	sc.stopLocked()

	sc.gen++
	gen := sc.gen
	sc.armed = key
	sc.active = true
	sc.timer = time.AfterFunc(max(0, key.Deadline.Sub(sc.now())), func() {
		sc.mu.Lock()
		if !sc.active || sc.gen != gen {
			sc.mu.Unlock()
			return
		}
		sc.active = false
		sc.mu.Unlock()
		sc.fire(key)
	})
}

// Armed returns the key of the running timer, if any.
func (sc *Scheduler) Armed() (Key, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.armed, sc.active
}

func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stopLocked()
}

func (sc *Scheduler) stopLocked() {
	if sc.timer != nil {
		sc.timer.Stop()
		sc.timer = nil
	}
	sc.active = false
	sc.gen++
}
