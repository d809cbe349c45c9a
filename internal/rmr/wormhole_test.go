// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"testing"
	"time"
)

func TestWormholeOpenDedupesByTarget(t *testing.T) {
	r1 := newRecvListener(t)
	defer r1.Close()

	registry := NewRegistry(time.Second)
	w := NewWormholes(registry)

	target := r1.ln.Addr().String()
	id1, err := w.Open(target)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id2, err := w.Open(target)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids = %d, %d; want the same id for a repeated target", id1, id2)
	}
}

func TestWormholeOpenDistinctTargetsGetDistinctIDs(t *testing.T) {
	r1 := newRecvListener(t)
	defer r1.Close()
	r2 := newRecvListener(t)
	defer r2.Close()

	registry := NewRegistry(time.Second)
	w := NewWormholes(registry)

	id1, err := w.Open(r1.ln.Addr().String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id2, err := w.Open(r2.ln.Addr().String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id1 == id2 {
		t.Fatal("distinct targets should not share an id")
	}
}

func TestWormholeOpenFailsOnUnreachableTarget(t *testing.T) {
	registry := NewRegistry(50 * time.Millisecond)
	w := NewWormholes(registry)

	if _, err := w.Open("127.0.0.1:1"); err == nil {
		t.Fatal("expected open to fail against a refused connection")
	}
}

func TestWormholeSendBlotsCallIDAndDelivers(t *testing.T) {
	rl := newRecvListener(t)
	defer rl.Close()

	registry := NewRegistry(time.Second)
	w := NewWormholes(registry)

	id, err := w.Open(rl.ln.Addr().String())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	m := Alloc(8, 0, "me:0", "10.0.0.1")
	SetCallID(m.Buf(), 42)
	m.Str2Payload("hi")

	out := w.Send(id, m)
	if out.State != StateOK {
		t.Fatalf("state = %v", out.State)
	}
	if GetCallID(m.Buf()) != NoCallID {
		t.Fatalf("call id = %d, want blotted to NoCallID", GetCallID(m.Buf()))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rl.Count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rl.Count() != 1 {
		t.Fatalf("rl.Count() = %d, want 1", rl.Count())
	}
}

func TestWormholeCloseThenStateIsNotOpen(t *testing.T) {
	rl := newRecvListener(t)
	defer rl.Close()

	registry := NewRegistry(time.Second)
	w := NewWormholes(registry)

	id, _ := w.Open(rl.ln.Addr().String())
	w.Close(id)

	if st := w.State(id); st != StateBadWhId {
		t.Fatalf("state after close = %v, want bad-wh-id", st)
	}
}

func TestWormholeStateUnknownID(t *testing.T) {
	registry := NewRegistry(time.Second)
	w := NewWormholes(registry)

	if st := w.State(99); st != StateBadWhId {
		t.Fatalf("state = %v, want bad-wh-id", st)
	}
}

func TestWormholeSendUnknownIDIsBadWhId(t *testing.T) {
	registry := NewRegistry(time.Second)
	w := NewWormholes(registry)

	m := Alloc(8, 0, "me:0", "10.0.0.1")
	out := w.Send(99, m)
	if out.State != StateBadWhId {
		t.Fatalf("state = %v, want bad-wh-id", out.State)
	}
}
