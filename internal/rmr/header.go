// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

// Package rmr implements the routing and concurrency engine described by
// the message-router wire protocol: a fixed binary header, a length-framed
// transport prefix, a hot-swappable route table, and the send/receive/call
// paths built on top of them.
package rmr

import "encoding/binary"

// Header field layout. All multi-byte numeric fields are network
// (big-endian) order on the wire.
const (
	offVersion  = 0
	offMtype    = 4
	offPlen     = 8
	offFlags    = 12
	offD1Len    = 13
	offD2Len    = 14
	offTraceLen = 15
	offSubID    = 17
	offXid      = 21
	lenXid      = 32
	offSid      = 53
	lenSid      = 32
	offSrc      = 85
	lenSrc      = 64

	// v3+ only; v1/v2 headers are 64 bytes shorter and meid follows src
	// directly.
	offSrcIPv3 = 149
	lenSrcIP   = 64
	offMeidV3  = 213
	offMeidV1  = 149
	lenMeid    = 32

	fixedHeaderLenV3 = 245
	fixedHeaderLenV1 = 181
)

// CurrentVersion is the header version this implementation emits.
// Versions 1, 2 and 3 are recognised on receive.
const CurrentVersion = 3

// Flags bits.
const (
	FlagCallMsg byte = 0x01
)

// NoCallID and the two reserved low call ids. The original C source
// reserves 0 and 1 (legacy single-threaded call chute) and blots d1[0] to
// 0xff on non-call sends (wormholes.c, rmr_nng.c) so the far end never
// mistakes a reused buffer for a pending call. A dispatcher therefore must
// treat either 0 or NoCallID as "not a call" -- see dispatch.go. The
// allocatable range therefore stops one below NoCallID.
const (
	NoCallID       = 0xff
	LegacyCallID   = 1
	MinCallID      = 2
	MaxCallID      = 254
)

// SubIDUnset is the -1 sentinel for an unset subscription id, encoded as
// the wire's unsigned 0xffffffff.
const SubIDUnset int32 = -1

func fixedLen(version uint32) int {
	if version >= 3 {
		return fixedHeaderLenV3
	}
	return fixedHeaderLenV1
}

func meidOffset(version uint32) int {
	if version >= 3 {
		return offMeidV3
	}
	return offMeidV1
}

// DecodeVersion reads the version field, correcting the legacy quirk where
// v1 senders wrote the version word in host (little-endian) order instead
// of network order. If the raw bytes don't look like a sane network-order
// version but do look like a little-endian encoding of 1, the field is
// rewritten in network order in place so every downstream accessor (and
// any clone of this buffer) sees a consistent v1 header.
func DecodeVersion(buf []byte) uint32 {
	v := binary.BigEndian.Uint32(buf[offVersion : offVersion+4])
	if v != 1 && v != 2 && v != 3 {
		if binary.LittleEndian.Uint32(buf[offVersion:offVersion+4]) == 1 {
			binary.BigEndian.PutUint32(buf[offVersion:offVersion+4], 1)
			return 1
		}
	}
	return v
}

// HeaderLen returns the number of bytes occupied by the fixed header plus
// the variable trace/d1/d2 areas -- i.e. the offset at which the payload
// begins.
func HeaderLen(buf []byte) int {
	version := DecodeVersion(buf)
	return fixedLen(version) + int(GetTraceLen(buf)) + int(GetD1Len(buf)) + int(GetD2Len(buf))
}

// FillDefaults initialises a freshly allocated header: version, cleared
// flags, sub_id unset, and the identity strings every outgoing message
// carries.
func FillDefaults(buf []byte, src, srcip string) {
	binary.BigEndian.PutUint32(buf[offVersion:offVersion+4], CurrentVersion)
	buf[offFlags] = 0
	SetSubID(buf, SubIDUnset)
	putCString(buf[offSrc:offSrc+lenSrc], src)
	putCString(buf[offSrcIPv3:offSrcIPv3+lenSrcIP], srcip)
}

func putCString(dst []byte, s string) int {
	n := len(s)
	if n > len(dst)-1 {
		n = len(dst) - 1
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s[:n])
	return n
}

func getCString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

func GetMtype(buf []byte) int32 { return int32(binary.BigEndian.Uint32(buf[offMtype : offMtype+4])) }
func SetMtype(buf []byte, v int32) {
	binary.BigEndian.PutUint32(buf[offMtype:offMtype+4], uint32(v))
}

func GetSubID(buf []byte) int32 {
	return int32(binary.BigEndian.Uint32(buf[offSubID : offSubID+4]))
}
func SetSubID(buf []byte, v int32) {
	binary.BigEndian.PutUint32(buf[offSubID:offSubID+4], uint32(v))
}

func GetPlen(buf []byte) int32 { return int32(binary.BigEndian.Uint32(buf[offPlen : offPlen+4])) }
func SetPlen(buf []byte, v int32) {
	binary.BigEndian.PutUint32(buf[offPlen:offPlen+4], uint32(v))
}

func GetFlags(buf []byte) byte     { return buf[offFlags] }
func SetFlags(buf []byte, v byte)  { buf[offFlags] = v }
func GetD1Len(buf []byte) byte     { return buf[offD1Len] }
func SetD1Len(buf []byte, v byte)  { buf[offD1Len] = v }
func GetD2Len(buf []byte) byte     { return buf[offD2Len] }
func SetD2Len(buf []byte, v byte)  { buf[offD2Len] = v }
func GetTraceLen(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf[offTraceLen : offTraceLen+2])
}
func SetTraceLen(buf []byte, v uint16) {
	binary.BigEndian.PutUint16(buf[offTraceLen:offTraceLen+2], v)
}

// d1Offset is where the d1 area begins: immediately after the fixed
// header and the trace area.
func d1Offset(buf []byte) int {
	version := DecodeVersion(buf)
	return fixedLen(version) + int(GetTraceLen(buf))
}

// GetCallID returns d1[0], the call correlation id, or NoCallID if d1 is
// empty.
func GetCallID(buf []byte) byte {
	if GetD1Len(buf) == 0 {
		return NoCallID
	}
	return buf[d1Offset(buf)]
}

// SetCallID writes d1[0]. Callers must ensure d1_len >= 1 (Alloc and
// Tralloc reserve defaultD1Len bytes for it).
func SetCallID(buf []byte, id byte) {
	buf[d1Offset(buf)] = id
}

func GetXid(buf []byte) []byte { return buf[offXid : offXid+lenXid] }
func SetXid(buf []byte, xid []byte) {
	dst := buf[offXid : offXid+lenXid]
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, xid)
}

func GetSid(buf []byte) []byte { return buf[offSid : offSid+lenSid] }
func SetSid(buf []byte, sid []byte) {
	dst := buf[offSid : offSid+lenSid]
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, sid)
}

func GetSrc(buf []byte) string    { return getCString(buf[offSrc : offSrc+lenSrc]) }
func SetSrc(buf []byte, s string) { putCString(buf[offSrc:offSrc+lenSrc], s) }

func GetSrcIP(buf []byte) string {
	if DecodeVersion(buf) < 3 {
		return ""
	}
	return getCString(buf[offSrcIPv3 : offSrcIPv3+lenSrcIP])
}
func SetSrcIP(buf []byte, s string) {
	if DecodeVersion(buf) < 3 {
		return
	}
	putCString(buf[offSrcIPv3:offSrcIPv3+lenSrcIP], s)
}

func GetMeid(buf []byte) string {
	off := meidOffset(DecodeVersion(buf))
	return getCString(buf[off : off+lenMeid])
}
func SetMeid(buf []byte, s string) {
	off := meidOffset(DecodeVersion(buf))
	putCString(buf[off:off+lenMeid], s)
}
