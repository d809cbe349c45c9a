// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"sync"

	log "github.com/sandia-minimega/rmr-go/pkg/minilog"
)

// Dispatcher classifies a complete (raw, fd) tuple -- handed to it by a
// River once it has recovered a full frame -- onto either the normal
// receive ring or a chute slot. Directly grounded on
// internal/minitunnel/mux.go's mux() function, which performs the same
// "is this a reply someone is waiting on, or new inbound work" triage by
// tunnel id; generalized here to RMR's CALL_MSG flag plus the
// zero/NoCallID sentinel rule.
type Dispatcher struct {
	ring   *Ring
	chutes *ChuteTable

	mu          sync.Mutex
	ringNotify  bool // one-shot latch for the ring-full warning
}

func NewDispatcher(ring *Ring, chutes *ChuteTable) *Dispatcher {
	return &Dispatcher{ring: ring, chutes: chutes}
}

// Dispatch wraps raw into an Mbuf (rts_fd = fd), applies the truncation
// check, and routes it per the following classification rules:
//
//  1. CALL_MSG flag set        -> normal ring (a request awaiting a reply)
//  2. d1_len == 0 or call_id in {0, NoCallID} -> normal ring
//  3. otherwise                -> chutes[call_id]
//
// Rule 2 covers both anchor points in the wire format: the dispatcher's
// own "call_id == 0" check and wormholes' explicit 0xff "not a call"
// write -- either value on a non-CALL_MSG message means "nobody is
// waiting on a chute for this", so both land on the ring.
func (d *Dispatcher) Dispatch(raw []byte, fd int) {
	m := wrap(raw, fd)
	if m.State == StateNoHeader {
		log.Warn("fd %d: dropping short message (%d bytes, no valid header)", fd, len(raw))
		return
	}

	hl := HeaderLen(raw)
	if int(m.Len) > len(raw)-hl {
		m.State = StateTrunc
		m.Len = int32(len(raw) - hl)
		if m.Len < 0 {
			m.Len = 0
		}
	}

	flags := GetFlags(raw)
	d1len := GetD1Len(raw)
	callID := GetCallID(raw)

	isCall := flags&FlagCallMsg != 0
	notAReply := d1len == 0 || callID == 0 || callID == NoCallID

	if isCall || notAReply {
		d.enqueueRing(m)
		return
	}

	d.chutes.Slot(callID).post(m)
}

// enqueueRing posts to the normal ring, applying the "drop the
// oldest-failing message" full-ring policy: the new arrival itself is the
// one dropped (the ring's Push already rejects rather than blocks), with
// a one-shot warning that re-arms the next time a push succeeds, mirroring
// the connect/restore notify latch in endpoint.go.
func (d *Dispatcher) enqueueRing(m *Mbuf) {
	if d.ring.TryPush(m) {
		d.mu.Lock()
		if d.ringNotify {
			log.Info("receive ring draining again")
			d.ringNotify = false
		}
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	if !d.ringNotify {
		log.Warn("receive ring full: dropping inbound message")
		d.ringNotify = true
	}
	d.mu.Unlock()
}
