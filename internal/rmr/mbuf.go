// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import "fmt"

// State mirrors the error kinds an application can observe on a returned
// message buffer.
type State int

const (
	StateOK State = iota
	StateBadArg
	StateNoEndpoint
	StateEmpty
	StateNoHeader
	StateSendFailed
	StateCallFailed
	StateNoWhOpen
	StateBadWhId
	StateOverflow
	StateRetry
	StateRcvFailed
	StateTimeout
	StateUnset
	StateTrunc
	StateInitFailed
	StateNotSupported
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateBadArg:
		return "bad-arg"
	case StateNoEndpoint:
		return "no-endpoint"
	case StateEmpty:
		return "empty"
	case StateNoHeader:
		return "no-header"
	case StateSendFailed:
		return "send-failed"
	case StateCallFailed:
		return "call-failed"
	case StateNoWhOpen:
		return "no-wormhole-open"
	case StateBadWhId:
		return "bad-wormhole-id"
	case StateOverflow:
		return "overflow"
	case StateRetry:
		return "retry"
	case StateRcvFailed:
		return "rcv-failed"
	case StateTimeout:
		return "timeout"
	case StateUnset:
		return "unset"
	case StateTrunc:
		return "truncated"
	case StateInitFailed:
		return "init-failed"
	case StateNotSupported:
		return "not-supported"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// mbuf flags.
const (
	FlagZeroCopy uint8 = 1 << iota
	FlagNoAlloc
	FlagAddSrc
	FlagRaw
	FlagHuge
)

const (
	defaultD1Len = 1 // room for the call_id byte
	defaultD2Len = 0
)

// Mbuf is an owning view over a framed transport buffer: the handle
// through which callers reach a message's header, payload and trace
// areas. Header/Payload/Xaction are borrows into buf and are invalidated
// by any call that reallocates buf (ReallocPayload, SetTrace); callers
// must re-acquire them afterwards.
type Mbuf struct {
	Mtype    int32
	SubID    int32
	Len      int32 // payload length in use
	AllocLen int32 // total transport buffer length
	State    State
	TPState  int // last transport-layer errno, preserved across retries
	Flags    uint8
	RtsFd    int // fd the message arrived on; -1 if unknown/never received

	buf []byte // tp_buf: the owned transport buffer
}

// Alloc returns a transport buffer sized for header + traceLen trace bytes
// + default d1/d2 + payloadSize, with the header defaults filled in from the given
// identity strings.
func Alloc(payloadSize int, traceLen int, src, srcip string) *Mbuf {
	return tralloc(payloadSize, traceLen, nil, src, srcip)
}

// Tralloc is Alloc with caller-supplied trace bytes copied into the new
// trace area.
func Tralloc(payloadSize, traceLen int, traceBytes []byte, src, srcip string) *Mbuf {
	return tralloc(payloadSize, traceLen, traceBytes, src, srcip)
}

func tralloc(payloadSize, traceLen int, traceBytes []byte, src, srcip string) *Mbuf {
	if payloadSize < 0 {
		payloadSize = 0
	}
	if traceLen < 0 {
		traceLen = 0
	}
	total := fixedHeaderLenV3 + traceLen + defaultD1Len + defaultD2Len + payloadSize
	buf := make([]byte, total)

	FillDefaults(buf, src, srcip)
	SetTraceLen(buf, uint16(traceLen))
	SetD1Len(buf, defaultD1Len)
	SetD2Len(buf, defaultD2Len)
	SetMtype(buf, -1)
	SetSubID(buf, SubIDUnset)
	SetPlen(buf, 0)
	SetCallID(buf, NoCallID)

	if len(traceBytes) > 0 {
		dst := buf[fixedHeaderLenV3 : fixedHeaderLenV3+traceLen]
		copy(dst, traceBytes)
	}

	return &Mbuf{
		Mtype:    -1,
		SubID:    -1,
		Len:      0,
		AllocLen: int32(total),
		State:    StateOK,
		RtsFd:    -1,
		buf:      buf,
	}
}

// wrap builds an Mbuf around a buffer already received from the
// transport (used by the dispatcher), decoding mtype/sub_id/len from the
// wire header.
func wrap(buf []byte, rtsFd int) *Mbuf {
	m := &Mbuf{
		AllocLen: int32(len(buf)),
		RtsFd:    rtsFd,
		buf:      buf,
		State:    StateOK,
	}
	if len(buf) < fixedHeaderLenV1 {
		m.State = StateNoHeader
		return m
	}
	m.Mtype = GetMtype(buf)
	m.SubID = GetSubID(buf)
	m.Len = GetPlen(buf)
	return m
}

func (m *Mbuf) Buf() []byte { return m.buf }

// Header returns the full header region (fixed header + trace + d1 + d2).
func (m *Mbuf) Header() []byte {
	if m == nil || m.buf == nil {
		return nil
	}
	hl := HeaderLen(m.buf)
	if hl > len(m.buf) {
		hl = len(m.buf)
	}
	return m.buf[:hl]
}

// Payload returns the payload region, sized to m.Len (not the full
// allocated capacity).
func (m *Mbuf) Payload() []byte {
	if m == nil || m.buf == nil {
		return nil
	}
	hl := HeaderLen(m.buf)
	end := hl + int(m.Len)
	if end > len(m.buf) {
		end = len(m.buf)
	}
	if hl > len(m.buf) {
		return nil
	}
	return m.buf[hl:end]
}

// PayloadCap is the usable payload capacity given the current header
// framing (alloc_len - header_len).
func (m *Mbuf) PayloadCap() int {
	hl := HeaderLen(m.buf)
	cap := int(m.AllocLen) - hl
	if cap < 0 {
		return 0
	}
	return cap
}

func (m *Mbuf) Xaction() []byte { return GetXid(m.buf) }

// syncHeader writes Mtype/SubID/Len back into the wire header; the send
// path calls this immediately before handing the buffer to the
// transport.
func (m *Mbuf) syncHeader() {
	SetMtype(m.buf, m.Mtype)
	SetSubID(m.buf, m.SubID)
	SetPlen(m.buf, m.Len)
}

// ReallocPayload implements the four realloc_payload semantics of
// alloc_msg's sibling resize call.
func (m *Mbuf) ReallocPayload(newLen int, doCopy, clone bool) *Mbuf {
	if m == nil || m.buf == nil {
		return &Mbuf{State: StateBadArg}
	}

	current := m.PayloadCap()

	if clone {
		return m.cloneBuf()
	}

	if newLen <= current {
		return m
	}

	hl := HeaderLen(m.buf)
	newCap := current
	if newLen > newCap {
		newCap = newLen
	}
	nb := make([]byte, hl+newCap)
	copy(nb[:hl], m.buf[:hl])

	nm := &Mbuf{
		AllocLen: int32(len(nb)),
		State:    StateOK,
		RtsFd:    m.RtsFd,
		Flags:    m.Flags,
		buf:      nb,
	}

	if doCopy {
		copy(nb[hl:], m.Payload())
		nm.Mtype = m.Mtype
		nm.SubID = m.SubID
		nm.Len = m.Len
	} else {
		nm.Mtype = -1
		nm.SubID = -1
		nm.Len = 0
	}
	nm.syncHeader()

	return nm
}

// cloneBuf makes a fully independent copy of the buffer, leaving the
// original untouched. Used both by ReallocPayload(clone=true) and by the
// send engine's multi-group fanout.
func (m *Mbuf) cloneBuf() *Mbuf {
	nb := make([]byte, len(m.buf))
	copy(nb, m.buf)
	return &Mbuf{
		Mtype:    m.Mtype,
		SubID:    m.SubID,
		Len:      m.Len,
		AllocLen: m.AllocLen,
		State:    m.State,
		TPState:  m.TPState,
		Flags:    m.Flags,
		RtsFd:    m.RtsFd,
		buf:      nb,
	}
}

// SetTrace replaces the trace area, reallocating the transport buffer if
// the new size differs from the current trace_len. Returns the number of
// bytes actually copied.
func (m *Mbuf) SetTrace(b []byte) int {
	cur := int(GetTraceLen(m.buf))
	want := len(b)

	if want != cur {
		version := DecodeVersion(m.buf)
		fl := fixedLen(version)
		d1 := int(GetD1Len(m.buf))
		d2 := int(GetD2Len(m.buf))
		payload := m.Payload()

		nb := make([]byte, fl+want+d1+d2+len(payload))
		copy(nb[:fl], m.buf[:fl])
		SetTraceLen(nb, uint16(want))
		SetD1Len(nb, byte(d1))
		SetD2Len(nb, byte(d2))
		copy(nb[fl+want:fl+want+d1], m.buf[d1Offset(m.buf):d1Offset(m.buf)+d1])
		copy(nb[fl+want+d1+d2:], payload)

		m.buf = nb
		m.AllocLen = int32(len(nb))
		m.syncHeader()
	}

	n := copy(m.buf[fixedLen(DecodeVersion(m.buf)):fixedLen(DecodeVersion(m.buf))+want], b)
	return n
}

func (m *Mbuf) GetTrace() []byte {
	fl := fixedLen(DecodeVersion(m.buf))
	tl := int(GetTraceLen(m.buf))
	return m.buf[fl : fl+tl]
}

func (m *Mbuf) GetMeid() string      { return GetMeid(m.buf) }
func (m *Mbuf) GetSrc() string       { return GetSrc(m.buf) }
func (m *Mbuf) GetSrcIP() string     { return GetSrcIP(m.buf) }
func (m *Mbuf) GetXact() []byte      { return GetXid(m.buf) }

// boundedCopy copies min(len(dst), len(src)) bytes of src into dst,
// reporting whether src would have overflowed dst.
func boundedCopy(dst []byte, src []byte) (int, bool) {
	if len(src) > len(dst) {
		n := copy(dst, src[:len(dst)])
		return n, true
	}
	return copy(dst, src), false
}

// boundedCString copies src into dst as a NUL-terminated string, leaving
// room for the terminator; reports overflow if src needed truncation.
func boundedCString(dst []byte, src string) (int, bool) {
	if len(dst) == 0 {
		return 0, len(src) > 0
	}
	max := len(dst) - 1
	overflow := len(src) > max
	n := len(src)
	if overflow {
		n = max
	}
	copy(dst, src[:n])
	dst[n] = 0
	return n, overflow
}

func (m *Mbuf) Bytes2Meid(b []byte) (int, bool) {
	off := meidOffset(DecodeVersion(m.buf))
	return boundedCopy(m.buf[off:off+lenMeid], b)
}

func (m *Mbuf) Str2Meid(s string) (int, bool) {
	off := meidOffset(DecodeVersion(m.buf))
	return boundedCString(m.buf[off:off+lenMeid], s)
}

// payloadRegion is the full payload capacity (alloc_len - header_len),
// independent of the currently-in-use Len.
func (m *Mbuf) payloadRegion() []byte {
	hl := HeaderLen(m.buf)
	return m.buf[hl:]
}

func (m *Mbuf) Bytes2Payload(b []byte) (int, bool) {
	n, overflow := boundedCopy(m.payloadRegion(), b)
	m.Len = int32(n)
	return n, overflow
}

func (m *Mbuf) Str2Payload(s string) (int, bool) {
	return m.Bytes2Payload([]byte(s))
}

func (m *Mbuf) Bytes2Xact(b []byte) (int, bool) {
	return boundedCopy(GetXid(m.buf), b)
}

func (m *Mbuf) Str2Xact(s string) (int, bool) {
	return boundedCString(GetXid(m.buf), s)
}
