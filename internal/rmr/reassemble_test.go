// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"bytes"
	"testing"
)

func TestRiverSingleChunkSingleMessage(t *testing.T) {
	body := []byte("hello world")
	frame := FrameMessage(body)

	r := NewRiver(-1, 4096)
	got := r.Feed(frame)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if !bytes.Equal(got[0], body) {
		t.Fatalf("body = %q, want %q", got[0], body)
	}
}

func TestRiverSplitAcrossPrefix(t *testing.T) {
	body := []byte("split across the transport prefix")
	frame := FrameMessage(body)

	r := NewRiver(-1, 4096)

	// Split inside the 9-byte prefix itself.
	var got [][]byte
	got = append(got, r.Feed(frame[:3])...)
	got = append(got, r.Feed(frame[3:6])...)
	got = append(got, r.Feed(frame[6:])...)

	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if !bytes.Equal(got[0], body) {
		t.Fatalf("body = %q, want %q", got[0], body)
	}
}

func TestRiverMultipleMessagesOneChunk(t *testing.T) {
	a := FrameMessage([]byte("first"))
	b := FrameMessage([]byte("second"))

	r := NewRiver(-1, 4096)
	chunk := append(append([]byte{}, a...), b...)
	got := r.Feed(chunk)

	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if string(got[0]) != "first" || string(got[1]) != "second" {
		t.Fatalf("got %q, %q", got[0], got[1])
	}
}

func TestRiverByteAtATime(t *testing.T) {
	body := []byte("trickled in one byte at a time")
	frame := FrameMessage(body)

	r := NewRiver(-1, 4096)
	var got [][]byte
	for _, b := range frame {
		got = append(got, r.Feed([]byte{b})...)
	}

	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if !bytes.Equal(got[0], body) {
		t.Fatalf("body = %q, want %q", got[0], body)
	}
}

func TestRiverOversizeIsDroppedAndLatched(t *testing.T) {
	maxInbound := 8
	body := make([]byte, maxInbound+1024+1) // one byte over the hard cap
	frame := FrameMessage(body)

	r := NewRiver(-1, maxInbound)
	got := r.Feed(frame)

	if len(got) != 0 {
		t.Fatalf("oversize message should be discarded, got %d results", len(got))
	}
	if !r.DropLatched() {
		t.Fatal("expected DropLatched to be true after an oversize message")
	}
}

func TestRiverRecoversAfterOversize(t *testing.T) {
	maxInbound := 8
	oversize := FrameMessage(make([]byte, maxInbound+1024+1))
	normal := FrameMessage([]byte("ok"))

	r := NewRiver(-1, maxInbound)
	r.Feed(oversize)
	got := r.Feed(normal)

	if len(got) != 1 || string(got[0]) != "ok" {
		t.Fatalf("got %v, want one message \"ok\"", got)
	}
}
