// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import "testing"

func TestDispatchCallMsgGoesToRing(t *testing.T) {
	ring := NewRing(4)
	chutes := NewChuteTable()
	d := NewDispatcher(ring, chutes)

	m := Alloc(8, 0, "src:4560", "10.0.0.1")
	SetFlags(m.Buf(), FlagCallMsg)
	SetCallID(m.Buf(), 7)

	d.Dispatch(m.Buf(), 3)

	if ring.Len() != 1 {
		t.Fatalf("ring len = %d, want 1 (CALL_MSG always rings)", ring.Len())
	}
}

func TestDispatchNoCallIDGoesToRing(t *testing.T) {
	ring := NewRing(4)
	chutes := NewChuteTable()
	d := NewDispatcher(ring, chutes)

	m := Alloc(8, 0, "src:4560", "10.0.0.1")
	SetCallID(m.Buf(), NoCallID)

	d.Dispatch(m.Buf(), 3)

	if ring.Len() != 1 {
		t.Fatalf("ring len = %d, want 1 (NoCallID is not a call)", ring.Len())
	}
}

func TestDispatchZeroCallIDGoesToRing(t *testing.T) {
	ring := NewRing(4)
	chutes := NewChuteTable()
	d := NewDispatcher(ring, chutes)

	m := Alloc(8, 0, "src:4560", "10.0.0.1")
	SetCallID(m.Buf(), 0)

	d.Dispatch(m.Buf(), 3)

	if ring.Len() != 1 {
		t.Fatalf("ring len = %d, want 1 (call_id 0 is not a call)", ring.Len())
	}
}

func TestDispatchEmptyD1GoesToRing(t *testing.T) {
	ring := NewRing(4)
	chutes := NewChuteTable()
	d := NewDispatcher(ring, chutes)

	m := Alloc(8, 0, "src:4560", "10.0.0.1")
	SetD1Len(m.Buf(), 0)

	d.Dispatch(m.Buf(), 3)

	if ring.Len() != 1 {
		t.Fatalf("ring len = %d, want 1 (d1_len == 0 is not a call)", ring.Len())
	}
}

func TestDispatchMatchingCallIDGoesToChute(t *testing.T) {
	ring := NewRing(4)
	chutes := NewChuteTable()
	d := NewDispatcher(ring, chutes)

	id, _ := chutes.Alloc()
	defer chutes.Release(id)
	chute := chutes.Slot(id)
	chute.Arm(nil)

	m := Alloc(8, 0, "src:4560", "10.0.0.1")
	SetCallID(m.Buf(), id)

	d.Dispatch(m.Buf(), 3)

	if ring.Len() != 0 {
		t.Fatalf("ring len = %d, want 0 (reply should bypass the ring)", ring.Len())
	}
	got, ok := chute.Wait(0)
	if !ok {
		t.Fatal("expected the reply to be posted to the chute")
	}
	if got.RtsFd != 3 {
		t.Fatalf("rts fd = %d, want 3", got.RtsFd)
	}
}

func TestDispatchShortBufferIsDropped(t *testing.T) {
	ring := NewRing(4)
	chutes := NewChuteTable()
	d := NewDispatcher(ring, chutes)

	d.Dispatch(make([]byte, 2), 3)

	if ring.Len() != 0 {
		t.Fatalf("ring len = %d, want 0 (short buffer should be dropped silently)", ring.Len())
	}
}

func TestDispatchFullRingDropsSilently(t *testing.T) {
	ring := NewRing(1)
	chutes := NewChuteTable()
	d := NewDispatcher(ring, chutes)

	first := Alloc(8, 0, "src:4560", "10.0.0.1")
	SetCallID(first.Buf(), NoCallID)
	d.Dispatch(first.Buf(), 3)

	second := Alloc(8, 0, "src:4560", "10.0.0.1")
	SetCallID(second.Buf(), NoCallID)
	d.Dispatch(second.Buf(), 3) // ring already full; must not panic or block

	if ring.Len() != 1 {
		t.Fatalf("ring len = %d, want 1 (second push should have been dropped)", ring.Len())
	}
}
