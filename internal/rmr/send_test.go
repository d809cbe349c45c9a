// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// recvListener accepts one connection and counts complete framed messages
// delivered to it via a River, for asserting which endpoint(s) an Engine
// send actually reached.
type recvListener struct {
	ln    net.Listener
	mu    sync.Mutex
	count int
}

func newRecvListener(t *testing.T) *recvListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	rl := &recvListener{ln: ln}
	go rl.acceptLoop()
	return rl
}

func (rl *recvListener) acceptLoop() {
	conn, err := rl.ln.Accept()
	if err != nil {
		return
	}
	river := NewRiver(-1, 1<<20)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs := river.Feed(buf[:n])
			rl.mu.Lock()
			rl.count += len(msgs)
			rl.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (rl *recvListener) Count() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.count
}

func (rl *recvListener) Close() { rl.ln.Close() }

func newTestMsg(mtype, subID int32) *Mbuf {
	m := Alloc(8, 0, "me:0", "10.0.0.1")
	m.Mtype = mtype
	m.SubID = subID
	m.Str2Payload("hi")
	return m
}

func TestEngineSendRoundRobinAcrossGroupMembers(t *testing.T) {
	r1 := newRecvListener(t)
	defer r1.Close()
	r2 := newRecvListener(t)
	defer r2.Close()

	registry := NewRegistry(time.Second)
	routes := NewRouteTable()
	tbl := newTable()
	tbl.put(10, SubIDUnset, [][]*Endpoint{{
		registry.Ensure(r1.ln.Addr().String()),
		registry.Ensure(r2.ln.Addr().String()),
	}})
	routes.Activate(tbl)

	engine := NewEngine(registry, routes, "me:0", "10.0.0.1", 1)

	for i := 0; i < 2; i++ {
		out := engine.Send(newTestMsg(10, SubIDUnset), 1)
		if out.State != StateOK {
			t.Fatalf("send %d: state = %v", i, out.State)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r1.Count() == 1 && r2.Count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if r1.Count() != 1 || r2.Count() != 1 {
		t.Fatalf("r1=%d r2=%d, want one message delivered to each (round robin)", r1.Count(), r2.Count())
	}
}

func TestEngineSendReachesLiveGroupDespiteDeadGroup(t *testing.T) {
	good := newRecvListener(t)
	defer good.Close()

	registry := NewRegistry(50 * time.Millisecond)
	routes := NewRouteTable()
	tbl := newTable()
	// Group 0 points at a closed port (connection refused, a hard dial
	// failure); group 1 is the live listener. Both groups are always
	// visited, so the dead group 0 must not stop group 1 from being sent
	// to, and the overall outcome is still ok since group 1 succeeded.
	tbl.put(10, SubIDUnset, [][]*Endpoint{
		{registry.Ensure("127.0.0.1:1")},
		{registry.Ensure(good.ln.Addr().String())},
	})
	routes.Activate(tbl)

	engine := NewEngine(registry, routes, "me:0", "10.0.0.1", 1)

	out := engine.Send(newTestMsg(10, SubIDUnset), 1)
	if out.State != StateOK {
		t.Fatalf("state = %v, want ok (group 1 reached)", out.State)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if good.Count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if good.Count() != 1 {
		t.Fatalf("good.Count() = %d, want 1", good.Count())
	}
}

// TestEngineSendFansOutToEveryGroup is the true multi-group fanout case
// (scenario S4): a route with two live groups must deliver one message
// to each group from a single Send call, not just the first.
func TestEngineSendFansOutToEveryGroup(t *testing.T) {
	g1 := newRecvListener(t)
	defer g1.Close()
	g2 := newRecvListener(t)
	defer g2.Close()

	registry := NewRegistry(time.Second)
	routes := NewRouteTable()
	tbl := newTable()
	tbl.put(11, SubIDUnset, [][]*Endpoint{
		{registry.Ensure(g1.ln.Addr().String())},
		{registry.Ensure(g2.ln.Addr().String())},
	})
	routes.Activate(tbl)

	engine := NewEngine(registry, routes, "me:0", "10.0.0.1", 1)

	out := engine.Send(newTestMsg(11, SubIDUnset), 1)
	if out.State != StateOK {
		t.Fatalf("state = %v, want ok", out.State)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g1.Count() == 1 && g2.Count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if g1.Count() != 1 || g2.Count() != 1 {
		t.Fatalf("g1=%d g2=%d, want one message delivered to each group", g1.Count(), g2.Count())
	}
}

func TestEngineSendNoEndpointMiss(t *testing.T) {
	registry := NewRegistry(time.Second)
	routes := NewRouteTable()
	engine := NewEngine(registry, routes, "me:0", "10.0.0.1", 1)

	out := engine.Send(newTestMsg(999, SubIDUnset), 1)
	if out.State != StateNoEndpoint {
		t.Fatalf("state = %v, want no-endpoint", out.State)
	}
}

func TestEngineSendMeidFallbackWhenGroupsEmpty(t *testing.T) {
	good := newRecvListener(t)
	defer good.Close()

	registry := NewRegistry(time.Second)
	routes := NewRouteTable()
	tbl := newTable()
	tbl.put(10, SubIDUnset, nil) // the "%meid" case: no RR groups at all
	tbl.putMeid("ent1", registry.Ensure(good.ln.Addr().String()))
	routes.Activate(tbl)

	engine := NewEngine(registry, routes, "me:0", "10.0.0.1", 1)

	m := newTestMsg(10, SubIDUnset)
	m.Str2Meid("ent1")

	out := engine.Send(m, 1)
	if out.State != StateOK {
		t.Fatalf("state = %v, want ok", out.State)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if good.Count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if good.Count() != 1 {
		t.Fatalf("good.Count() = %d, want 1", good.Count())
	}
}

// alwaysEagainConn is a net.Conn stub whose Write always reports EAGAIN,
// for exercising writeWithRetry's retry-budget-exhaustion branch without
// depending on actually filling a kernel socket buffer.
type alwaysEagainConn struct{ net.Conn }

func (alwaysEagainConn) Write(p []byte) (int, error) { return 0, unix.EAGAIN }

func TestEngineSendRetryBudgetExhaustionReportsRetryState(t *testing.T) {
	registry := NewRegistry(time.Second)
	routes := NewRouteTable()
	tbl := newTable()

	ep := registry.Ensure("stuck:1")
	tbl.put(10, SubIDUnset, [][]*Endpoint{{ep}})
	routes.Activate(tbl)

	// Wire the endpoint up as already-open against a conn that never
	// accepts a write, so sendOne skips dialing and goes straight into
	// writeWithRetry.
	ep.mu.Lock()
	ep.conn = alwaysEagainConn{}
	ep.open = true
	ep.mu.Unlock()

	engine := NewEngine(registry, routes, "me:0", "10.0.0.1", 1)

	// maxTimeout == 0 selects the fast-fail budget (fastFailAttempts),
	// which exhausts quickly and deterministically.
	out := engine.Send(newTestMsg(10, SubIDUnset), 0)
	if out.State != StateRetry {
		t.Fatalf("state = %v, want retry-exhausted", out.State)
	}

	_, _, transient := ep.Counters()
	if transient == 0 {
		t.Fatalf("transient counter = 0, want at least one noteTransient")
	}
}

func TestEngineSendNilMbufIsBadArg(t *testing.T) {
	registry := NewRegistry(time.Second)
	routes := NewRouteTable()
	engine := NewEngine(registry, routes, "me:0", "10.0.0.1", 1)

	out := engine.Send(&Mbuf{}, 1)
	if out.State != StateBadArg {
		t.Fatalf("state = %v, want bad-arg", out.State)
	}
}
