// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import "testing"

func TestNewBindsAndReady(t *testing.T) {
	ctx, err := New(18901, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	if ctx.Ready() {
		t.Fatal("a freshly started context with no seed/route source should not be ready")
	}
	if ctx.Source() == "" {
		t.Fatal("source identity should not be empty")
	}
}

func TestNewRejectsPortInUse(t *testing.T) {
	ctx, err := New(18902, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	if _, err := New(18902, 0, 0); err == nil {
		t.Fatal("expected a second New on the same port to fail")
	}
}

func TestConstsReportsMaxRcvBytes(t *testing.T) {
	ctx, err := New(18903, 2048, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer ctx.Shutdown()

	consts := ctx.Consts()
	if consts["RMR_MAX_RCV_BYTES"] != 2048 {
		t.Fatalf("RMR_MAX_RCV_BYTES = %d, want 2048", consts["RMR_MAX_RCV_BYTES"])
	}
}

func TestShutdownIsSafeToCallOnce(t *testing.T) {
	ctx, err := New(18904, 0, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx.Shutdown()
}
