package broadcast

import (
	"testing"

	"github.com/DoyleJ11/coinflip-royale/pkg/types"
)

func TestPublish_DeliversToAllMembers(t *testing.T) {
	e := New(nil)
	a := make(chan types.ServerMessage, 1)
	b := make(chan types.ServerMessage, 1)
	e.Subscribe("c1", "0xa", a)
	e.Subscribe("c2", "0xb", b)

	e.Publish(types.ServerMessage{Type: types.ServerStateSnapshot, Version: 3})

	for name, ch := range map[string]chan types.ServerMessage{"c1": a, "c2": b} {
		msg := <-ch
		if msg.Version != 3 {
			t.Fatalf("%s: got version %d", name, msg.Version)
		}
	}
}

func TestPublish_DropsSlowMember(t *testing.T) {
	var droppedID string
	e := New(func(connID, address string) { droppedID = connID })
	slow := make(chan types.ServerMessage) // unbuffered, never read
	fast := make(chan types.ServerMessage, 2)
	e.Subscribe("slow", "0xa", slow)
	e.Subscribe("fast", "0xb", fast)

	e.Publish(types.ServerMessage{Type: types.ServerStateSnapshot})

	if droppedID != "slow" || e.Count() != 1 {
		t.Fatalf("want slow member dropped, dropped=%q count=%d", droppedID, e.Count())
	}
	if _, ok := <-slow; ok {
		t.Fatalf("dropped outbox should be closed")
	}
	if len(fast) != 1 {
		t.Fatalf("fast member missed the message")
	}
}

func TestSendTo_OnlyTargetsOneConnection(t *testing.T) {
	e := New(nil)
	a := make(chan types.ServerMessage, 1)
	b := make(chan types.ServerMessage, 1)
	e.Subscribe("c1", "0xa", a)
	e.Subscribe("c2", "0xb", b)

	if !e.SendTo("c2", types.ServerMessage{Type: types.ServerError}) {
		t.Fatalf("SendTo reported failure")
	}
	if len(a) != 0 || len(b) != 1 {
		t.Fatalf("error leaked to other members: a=%d b=%d", len(a), len(b))
	}
	if e.SendTo("nobody", types.ServerMessage{}) {
		t.Fatalf("SendTo to unknown connection should fail")
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	e := New(nil)
	a := make(chan types.ServerMessage, 1)
	b := make(chan types.ServerMessage, 1)
	e.Subscribe("c1", "0xa", a)
	e.Subscribe("c2", "0xb", b)

	e.Unsubscribe("c1")
	e.Unsubscribe("c1")
	if _, ok := <-a; ok {
		t.Fatalf("unsubscribed outbox should be closed")
	}

	e.Close()
	if _, ok := <-b; ok || e.Count() != 0 {
		t.Fatalf("Close should close every outbox")
	}
}
