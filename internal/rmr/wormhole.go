// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"sync"
)

// Wormholes is the direct point-to-point channel pool: an opaque-id
// indexed array of endpoints that bypass the route table entirely.
// Directly adapted from internal/minitunnel's Dial/createTunnel id-pool
// allocation (a tunnel id indexing a slot, deduplicated, reconnected
// lazily), generalized from minitunnel's multiplexed-stream identity to a
// flat endpoint handle (wh_open/wh_send/wh_close/wh_state).
type Wormholes struct {
	mu       sync.Mutex
	registry *Registry
	byTarget map[string]int
	slots    []*Endpoint // index 0 is a valid handle; nil = closed slot
}

func NewWormholes(registry *Registry) *Wormholes {
	return &Wormholes{
		registry: registry,
		byTarget: make(map[string]int),
	}
}

// Open ensures an endpoint for target, dials it eagerly, and returns an
// id into the pool. A repeated Open for the same target returns the same
// id (deduplicated) even if the slot was since closed, as long as no new
// target has claimed it.
func (w *Wormholes) Open(target string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if id, ok := w.byTarget[target]; ok && id < len(w.slots) {
		switch s := w.slots[id]; {
		case s != nil && s.Name == target:
			return id, nil
		case s == nil:
			ep, err := w.registry.EnsureLinked(target)
			if err != nil {
				return -1, err
			}
			w.slots[id] = ep
			return id, nil
		}
	}

	ep, err := w.registry.EnsureLinked(target)
	if err != nil {
		return -1, err
	}

	for i, s := range w.slots {
		if s == nil {
			w.slots[i] = ep
			w.byTarget[target] = i
			return i, nil
		}
	}

	w.slots = append(w.slots, ep)
	id := len(w.slots) - 1
	w.byTarget[target] = id
	return id, nil
}

// Close clears the pool slot; the underlying endpoint (and its
// connection) is left intact since other wormholes or route-table
// entries may still reference it.
func (w *Wormholes) Close(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id < 0 || id >= len(w.slots) {
		return
	}
	w.slots[id] = nil
}

func (w *Wormholes) State(id int) State {
	w.mu.Lock()
	ep := w.get(id)
	w.mu.Unlock()

	if ep == nil {
		return StateBadWhId
	}
	if !ep.Open() {
		return StateNoWhOpen
	}
	return StateOK
}

func (w *Wormholes) get(id int) *Endpoint {
	if id < 0 || id >= len(w.slots) {
		return nil
	}
	return w.slots[id]
}

// Send writes m directly to the wormhole's endpoint, bypassing the route
// table entirely, per wh_send_msg: call_id is blotted to
// NoCallID so a stray dispatcher on the far end never mistakes this for
// a pending call, and the endpoint is reconnected first if it had closed.
func (w *Wormholes) Send(id int, m *Mbuf) *Mbuf {
	w.mu.Lock()
	ep := w.get(id)
	w.mu.Unlock()

	if ep == nil {
		m.State = StateBadWhId
		return m
	}

	SetCallID(m.buf, NoCallID)
	m.syncHeader()

	if !ep.Open() {
		if _, err := w.registry.EnsureLinked(ep.Name); err != nil {
			m.State = StateNoWhOpen
			return m
		}
	}

	frame := FrameMessage(m.buf[:HeaderLen(m.buf)+int(m.Len)])
	if err := ep.writeFrame(frame); err != nil {
		ep.noteHardFail()
		ep.disconnect(w.registry)
		m.State = StateSendFailed
		return m
	}
	ep.noteGood()
	m.State = StateOK
	return m
}
