// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"fmt"
	"time"

	internal "github.com/sandia-minimega/rmr-go/internal/rmr"
)

// mtypeLabel is the Prometheus series label used for a send outcome,
// since the engine resolves and discards its chosen endpoint internally;
// partitioning by message type still lets an operator spot a single
// misbehaving route.
func mtypeLabel(mtype int32) string { return fmt.Sprintf("mtype:%d", mtype) }

// Mbuf is the public message handle: the buffer an application allocates,
// fills in, sends, and eventually frees. It is a thin wrapper over the
// internal wire representation so the public package never exposes
// header-layout details.
type Mbuf struct {
	Mtype    int32
	SubID    int32
	Len      int32
	AllocLen int32
	State    Kind
	TPState  int
	Flags    uint8

	inner *internal.Mbuf
}

func wrapMbuf(m *internal.Mbuf) *Mbuf {
	if m == nil {
		return nil
	}
	return &Mbuf{
		Mtype:    m.Mtype,
		SubID:    m.SubID,
		Len:      m.Len,
		AllocLen: m.AllocLen,
		State:    m.State,
		TPState:  m.TPState,
		Flags:    m.Flags,
		inner:    m,
	}
}

// sync pushes the public struct's mutable fields back into the internal
// buffer before a call that inspects or transmits it. ReallocPayload,
// the send calls, Rts, MtCall and WhSend call it first; the accessors and
// setters read and write m.inner directly.
func (m *Mbuf) sync() {
	m.inner.Mtype = m.Mtype
	m.inner.SubID = m.SubID
	m.inner.Len = m.Len
	m.inner.Flags = m.Flags
}

func (m *Mbuf) Payload() []byte { return m.inner.Payload() }
func (m *Mbuf) Header() []byte  { return m.inner.Header() }
func (m *Mbuf) Xaction() []byte { return m.inner.Xaction() }
func (m *Mbuf) Meid() string    { return m.inner.GetMeid() }
func (m *Mbuf) Src() string     { return m.inner.GetSrc() }
func (m *Mbuf) SrcIP() string   { return m.inner.GetSrcIP() }

func (m *Mbuf) SetPayload(b []byte) (int, bool) {
	n, overflow := m.inner.Bytes2Payload(b)
	m.Len = m.inner.Len
	return n, overflow
}

func (m *Mbuf) SetPayloadString(s string) (int, bool) { return m.SetPayload([]byte(s)) }

func (m *Mbuf) SetXaction(b []byte) (int, bool) { return m.inner.Bytes2Xact(b) }
func (m *Mbuf) SetMeid(s string) (int, bool)    { return m.inner.Str2Meid(s) }

const callTimeout = time.Second

// AllocMsg implements alloc_msg: a fresh buffer sized for
// payloadSize bytes, identity fields pre-filled from this context.
func (c *Context) AllocMsg(payloadSize int) *Mbuf {
	return wrapMbuf(internal.Alloc(payloadSize, 0, c.src, c.srcIP))
}

// TrallocMsg is alloc_msg with caller-supplied trace bytes.
func (c *Context) TrallocMsg(payloadSize, traceLen int, traceBytes []byte) *Mbuf {
	return wrapMbuf(internal.Tralloc(payloadSize, traceLen, traceBytes, c.src, c.srcIP))
}

// FreeMsg releases m. The Go garbage collector reclaims the underlying
// buffer; this exists so callers ported from the C-ABI style keep a
// symmetrical alloc/free pair to call.
func (c *Context) FreeMsg(m *Mbuf) {}

// ReallocPayload implements realloc_payload's four-mode buffer resize.
func (c *Context) ReallocPayload(m *Mbuf, newLen int, doCopy, clone bool) *Mbuf {
	if m == nil || m.inner == nil {
		return &Mbuf{State: KindBadArg}
	}
	m.sync()
	return wrapMbuf(m.inner.ReallocPayload(newLen, doCopy, clone))
}

// Send implements send_msg: resolve the route for
// (Mtype, SubID), round-robin within each group, fanning the send out to
// every group in the route, with the context's default retry budget.
func (c *Context) Send(m *Mbuf) *Mbuf {
	if c == nil || m == nil || m.inner == nil {
		return &Mbuf{State: KindBadArg}
	}
	m.sync()
	out := c.engine.Send(m.inner, -1)
	c.metrics.ObserveSend(mtypeLabel(out.Mtype), out.State)
	return wrapMbuf(out)
}

// SendWithTimeout implements mtosend_msg's explicit retry budget:
// maxTimeout == 0 fast-fails, maxTimeout > 0 is that many 1000-attempt
// spin/yield epochs.
func (c *Context) SendWithTimeout(m *Mbuf, maxTimeout int) *Mbuf {
	if c == nil || m == nil || m.inner == nil {
		return &Mbuf{State: KindBadArg}
	}
	m.sync()
	out := c.engine.Send(m.inner, maxTimeout)
	c.metrics.ObserveSend(mtypeLabel(out.Mtype), out.State)
	return wrapMbuf(out)
}

// Rts implements rts_msg: reply to the sender of a
// previously received message by writing back over the fd it arrived on,
// bypassing the route table entirely. Falls back to a normal routed Send
// if the origin fd is no longer connected (the documented fallback
// for a dropped reverse path).
func (c *Context) Rts(m *Mbuf) *Mbuf {
	if c == nil || m == nil || m.inner == nil {
		return &Mbuf{State: KindBadArg}
	}
	m.sync()
	buf := m.inner.Buf()
	internal.SetFlags(buf, internal.GetFlags(buf)&^internal.FlagCallMsg)

	ep, ok := c.registry.ByFd(m.inner.RtsFd)
	if !ok || !ep.Open() {
		return c.Send(m)
	}

	frame := internal.FrameMessage(m.inner.Buf()[:internal.HeaderLen(m.inner.Buf())+int(m.inner.Len)])
	if err := c.writeDirect(ep, frame); err != nil {
		return c.Send(m)
	}
	m.inner.State = internal.StateOK
	return wrapMbuf(m.inner)
}

// writeDirect is Rts's single-attempt (no retry budget) write, since a
// reply's reverse path either still works or has already fallen over to
// a routed Send by the time this is called.
func (c *Context) writeDirect(ep *internal.Endpoint, frame []byte) error {
	return ep.WriteFrame(frame)
}

// Rcv implements rcv_msg: block indefinitely for the next
// normal-traffic message.
func (c *Context) Rcv() *Mbuf {
	v := c.ring.Pop()
	return fromRing(v)
}

// Torcv implements torcv_msg: block up to the given timeout, returning a
// Kind-Timeout buffer on expiry rather than nil so callers can always
// inspect .State.
func (c *Context) Torcv(timeout time.Duration) *Mbuf {
	v, ok := c.ring.PopTimeout(timeout)
	if !ok {
		return &Mbuf{State: KindTimeout}
	}
	return fromRing(v)
}

func fromRing(v interface{}) *Mbuf {
	m, ok := v.(*internal.Mbuf)
	if !ok || m == nil {
		return &Mbuf{State: KindRcvFailed}
	}
	return wrapMbuf(m)
}

// MtCall implements mt_call: send m and block for a correlated reply on
// the chute slot for callID, arming it with m's xaction id. A callID of
// 0 takes a freshly allocated slot, which goes back to the free pool
// when the call returns; any other id is used as given.
func (c *Context) MtCall(m *Mbuf, callID byte, maxTimeout int) *Mbuf {
	if c == nil || m == nil || m.inner == nil || callID > internal.MaxCallID {
		return &Mbuf{State: KindBadArg}
	}

	id := callID
	if id == 0 {
		allocated, ok := c.chutes.Alloc()
		if !ok {
			return &Mbuf{State: KindCallFailed}
		}
		id = allocated
		defer c.chutes.Release(id)
	}

	buf := m.inner.Buf()
	internal.SetCallID(buf, id)
	internal.SetFlags(buf, internal.GetFlags(buf)|internal.FlagCallMsg)
	m.sync()

	chute := c.chutes.Slot(id)
	chute.Arm(m.inner.Xaction())

	sent := c.engine.Send(m.inner, maxTimeout)
	c.metrics.ObserveSend(mtypeLabel(sent.Mtype), sent.State)
	if sent.State != internal.StateOK {
		return wrapMbuf(sent)
	}

	timeout := callTimeout
	if maxTimeout > 0 {
		timeout = time.Duration(maxTimeout) * time.Second
	}

	reply, ok := chute.Wait(timeout)
	if !ok {
		return &Mbuf{State: KindTimeout}
	}
	return wrapMbuf(reply)
}

// Call is the legacy single-threaded call wrapper: mt_call pinned to
// LegacyCallID with a fixed one-second wait, matching the original
// single-outstanding-call API that predates mt_call's id parameter.
func (c *Context) Call(m *Mbuf) *Mbuf {
	return c.MtCall(m, internal.LegacyCallID, 1)
}

// WhOpen implements wh_open: dial target eagerly and
// return an opaque handle for WhSend/WhClose/WhState.
func (c *Context) WhOpen(target string) (int, error) {
	id, err := c.wormholes.Open(target)
	if err != nil {
		return -1, newError(KindNoWhOpen, 0, err)
	}
	return id, nil
}

// WhSend implements wh_send_msg: write m directly to the wormhole's
// endpoint, bypassing the route table.
func (c *Context) WhSend(id int, m *Mbuf) *Mbuf {
	if m == nil || m.inner == nil {
		return &Mbuf{State: KindBadArg}
	}
	m.sync()
	out := c.wormholes.Send(id, m.inner)
	c.metrics.ObserveSend("wormhole", out.State)
	return wrapMbuf(out)
}

// WhClose implements wh_close: release the pool slot.
func (c *Context) WhClose(id int) { c.wormholes.Close(id) }

// WhState implements wh_state: report whether id is a live, open
// wormhole.
func (c *Context) WhState(id int) Kind { return c.wormholes.State(id) }
