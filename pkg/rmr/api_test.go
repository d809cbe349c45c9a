// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"testing"
	"time"
)

func TestAllocMsgPayloadRoundTrip(t *testing.T) {
	ctx, err := New(18911, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	m := ctx.AllocMsg(64)
	if m.State != KindOK {
		t.Fatalf("state = %v, want ok", m.State)
	}
	n, overflow := m.SetPayloadString("hello world")
	if overflow {
		t.Fatal("unexpected overflow")
	}
	if n != len("hello world") {
		t.Fatalf("n = %d", n)
	}
	if got := string(m.Payload()); got != "hello world" {
		t.Fatalf("payload = %q", got)
	}
}

func TestReallocPayloadGrowsBuffer(t *testing.T) {
	ctx, err := New(18912, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	m := ctx.AllocMsg(4)
	m.SetPayloadString("ab")

	grown := ctx.ReallocPayload(m, 256, true, false)
	if grown.State != KindOK {
		t.Fatalf("state = %v", grown.State)
	}
	if string(grown.Payload()) != "ab" {
		t.Fatalf("payload after grow = %q, want \"ab\"", grown.Payload())
	}
}

func TestReallocPayloadNilMbufIsBadArg(t *testing.T) {
	ctx, err := New(18913, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	out := ctx.ReallocPayload(nil, 10, true, false)
	if out.State != KindBadArg {
		t.Fatalf("state = %v, want bad-arg", out.State)
	}
}

func TestSendNilMbufIsBadArg(t *testing.T) {
	ctx, err := New(18914, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	if out := ctx.Send(nil); out.State != KindBadArg {
		t.Fatalf("state = %v, want bad-arg", out.State)
	}
}

func TestSendWithNoRouteIsNoEndpoint(t *testing.T) {
	ctx, err := New(18915, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	m := ctx.AllocMsg(8)
	m.Mtype = 12345
	out := ctx.Send(m)
	if out.State != KindNoEndpoint {
		t.Fatalf("state = %v, want no-endpoint", out.State)
	}
}

func TestTorcvTimesOutWithTimeoutState(t *testing.T) {
	ctx, err := New(18916, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	out := ctx.Torcv(10 * time.Millisecond)
	if out.State != KindTimeout {
		t.Fatalf("state = %v, want timeout", out.State)
	}
}

func TestMtCallNilMbufIsBadArg(t *testing.T) {
	ctx, err := New(18917, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	out := ctx.MtCall(nil, 0, 1)
	if out.State != KindBadArg {
		t.Fatalf("state = %v, want bad-arg", out.State)
	}
}

func TestMtCallWithNoRouteReportsSendFailure(t *testing.T) {
	ctx, err := New(18918, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	m := ctx.AllocMsg(8)
	m.Mtype = 54321
	out := ctx.MtCall(m, 0, 1)
	if out.State != KindNoEndpoint {
		t.Fatalf("state = %v, want no-endpoint (send itself fails before any wait)", out.State)
	}
}

func TestWhOpenCloseAndState(t *testing.T) {
	ctx, err := New(18919, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	peer, err := New(18920, 0, 0)
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	defer peer.Shutdown()

	id, err := ctx.WhOpen("127.0.0.1:18920")
	if err != nil {
		t.Fatalf("wh open: %v", err)
	}
	if st := ctx.WhState(id); st != KindOK {
		t.Fatalf("wh state = %v, want ok", st)
	}

	m := ctx.AllocMsg(8)
	m.SetPayloadString("hi")
	out := ctx.WhSend(id, m)
	if out.State != KindOK {
		t.Fatalf("wh send state = %v", out.State)
	}

	ctx.WhClose(id)
	if st := ctx.WhState(id); st != KindBadWhId {
		t.Fatalf("wh state after close = %v, want bad-wh-id", st)
	}
}

func TestWhOpenUnreachableTargetFails(t *testing.T) {
	ctx, err := New(18921, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	if _, err := ctx.WhOpen("127.0.0.1:1"); err == nil {
		t.Fatal("expected wh open against a refused connection to fail")
	}
}

func TestWhSendNilMbufIsBadArg(t *testing.T) {
	ctx, err := New(18922, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	if out := ctx.WhSend(0, nil); out.State != KindBadArg {
		t.Fatalf("state = %v, want bad-arg", out.State)
	}
}
