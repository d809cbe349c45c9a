// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Retry budget shape: a "spin, then yield" loop. spinBatch
// attempts happen back-to-back before a 1µs yield; fastFailAttempts is
// the ceiling used when the caller passes a zero retry budget.
const (
	spinBatch        = 1000
	fastFailAttempts = 100
)

// Engine is the send path: round-robins within each of a route's
// groups and fans a single Send call out to every group unconditionally,
// and owns the write-retry primitive. Grounded on
// internal/meshage/message.go's Send (route resolution + fanout) and
// client.go's clientSend (the actual non-blocking-write-with-backoff
// loop) for the retry primitive, and on mtosend_msg in the reference
// nng transport for the group fanout shape itself, generalized from
// meshage's gob-encoded single-path send to RMR's cloned multi-group
// fanout with a bounded spin/yield retry budget.
type Engine struct {
	registry  *Registry
	routes    *RouteTable
	src       string
	srcIP     string
	defEpochs int // context default retry budget, used when maxTimeout<0
}

func NewEngine(registry *Registry, routes *RouteTable, src, srcIP string, defEpochs int) *Engine {
	return &Engine{registry: registry, routes: routes, src: src, srcIP: srcIP, defEpochs: defEpochs}
}

// Send implements mtosend_msg/send_msg: resolve a route and fan out to
// one endpoint per round-robin group, unconditionally -- every group
// defined for the route gets a send attempt regardless of whether an
// earlier group's attempt succeeded or failed. The returned buffer
// carries the last group's send outcome, except that the overall state
// is forced to StateOK if any group's send succeeded (mirroring
// mtosend_msg's ok_sends counter: a partial fanout failure is still a
// reportable success as long as at least one group was reached).
func (e *Engine) Send(m *Mbuf, maxTimeout int) *Mbuf {
	if m == nil || m.buf == nil {
		return &Mbuf{State: StateBadArg}
	}

	m.syncHeader()
	if m.Flags&FlagAddSrc != 0 {
		SetSrc(m.buf, e.src)
		SetSrcIP(m.buf, e.srcIP)
	}

	rte, release, ok := e.routes.Resolve(m.Mtype, m.SubID)
	if !ok {
		m.State = StateNoEndpoint
		return m
	}
	defer release()

	groups := rte.groupCount()
	if groups == 0 {
		// The "%meid" case: this route was built with
		// ep_list "%meid" -- no RR groups, resolve by the message's own
		// MEID field instead.
		if meid := GetMeid(m.buf); meid != "" {
			if ep, mrelease, ok := e.routes.ResolveMeid(meid); ok {
				defer mrelease()
				return e.sendOne(ep, m, maxTimeout)
			}
		}
		m.State = StateNoEndpoint
		return m
	}

	cur := m
	var result *Mbuf
	okSends := 0
	for g := 0; g < groups; g++ {
		ep, picked := rte.pick(g)
		if !picked {
			continue // empty group: immediate failure, no RR state advanced
		}

		more := g+1 < groups
		var send *Mbuf
		if more {
			clone := cur.cloneBuf()
			send = cur
			send.Flags |= FlagNoAlloc
			cur = clone
		} else {
			send = cur
		}

		result = e.sendOne(ep, send, maxTimeout)
		if result.State == StateOK {
			okSends++
		}
		// whatever this group's outcome, always advance to the next group
		// using the clone retained above -- mtosend_msg sends to every
		// group in the route regardless of earlier groups' results.
	}

	if result == nil {
		cur.State = StateNoEndpoint
		return cur
	}
	if okSends > 0 {
		result.State = StateOK
	}
	return result
}

// sendOne ensures ep is connected, frames m, and runs the retry-with-
// backoff write primitive (C9.1), updating ep's counters and m.State/
// TPState from the outcome.
func (e *Engine) sendOne(ep *Endpoint, m *Mbuf, maxTimeout int) *Mbuf {
	if !ep.Open() {
		if _, err := e.registry.EnsureLinked(ep.Name); err != nil {
			m.State = StateNoEndpoint
			ep.noteHardFail()
			return m
		}
	}

	frame := FrameMessage(m.buf[:HeaderLen(m.buf)+int(m.Len)])

	switch outcome, err := e.writeWithRetry(ep, frame, maxTimeout); outcome {
	case writeOK:
		ep.noteGood()
		if m.Flags&FlagNoAlloc != 0 {
			m.State = StateOK
			return m
		}
		fresh := m.cloneBuf()
		fresh.State = StateOK
		return fresh

	case writeRetryExhausted:
		ep.noteTransient()
		m.State = StateRetry
		m.TPState = errno(err)
		return m

	default: // writeHardFail
		ep.noteHardFail()
		ep.disconnect(e.registry)
		m.State = StateSendFailed
		m.TPState = errno(err)
		return m
	}
}

type writeOutcome int

const (
	writeOK writeOutcome = iota
	writeRetryExhausted
	writeHardFail
)

// writeWithRetry is the C9.1 primitive: a non-blocking write spun against
// EAGAIN/ETIMEDOUT, yielding 1µs every spinBatch attempts, until either
// the retry budget (maxTimeout, in 1000-attempt epochs; <0 = context
// default; 0 = fast-fail after fastFailAttempts) is exhausted or a
// non-retryable error occurs.
func (e *Engine) writeWithRetry(ep *Endpoint, frame []byte, maxTimeout int) (writeOutcome, error) {
	epochs := maxTimeout
	if maxTimeout < 0 {
		epochs = e.defEpochs
	}

	attempts := 0
	for {
		err := ep.writeFrame(frame)
		if err == nil {
			return writeOK, nil
		}
		if !isRetryable(err) {
			return writeHardFail, err
		}

		attempts++
		if maxTimeout == 0 {
			if attempts >= fastFailAttempts {
				return writeRetryExhausted, err
			}
			continue
		}

		if attempts%spinBatch == 0 {
			if attempts/spinBatch >= epochs {
				return writeRetryExhausted, err
			}
			time.Sleep(time.Microsecond)
		}
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ETIMEDOUT) || errors.Is(err, unix.EWOULDBLOCK) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func errno(err error) int {
	var en unix.Errno
	if errors.As(err, &en) {
		return int(en)
	}
	return -1
}
