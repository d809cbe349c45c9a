// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"encoding/binary"

	log "github.com/sandia-minimega/rmr-go/pkg/minilog"
)

// TP_SZFIELD_LEN: the transport prefix is two 4-byte length fields (one
// native-order, one network-order) plus a one-byte marker that, when
// 0xff, says "trust the network-order field". Grounded on
// internal/minitunnel/mux.go's length-prefixed frame reader, generalized
// from minitunnel's single uint32 length field to the dual-field legacy
// framing the wire protocol describes.
const (
	tpSzFieldLen  = 9
	tpMarkerByte  = 0xff
	tpNativeOff   = 0
	tpNetworkOff  = 4
	tpMarkerOff   = 8
)

func decodeMsgSize(prefix []byte) uint32 {
	if prefix[tpMarkerOff] == tpMarkerByte {
		return binary.BigEndian.Uint32(prefix[tpNetworkOff : tpNetworkOff+4])
	}
	return binary.NativeEndian.Uint32(prefix[tpNativeOff : tpNativeOff+4])
}

func encodeTransportPrefix(dst []byte, msgSize uint32) {
	binary.NativeEndian.PutUint32(dst[tpNativeOff:tpNativeOff+4], msgSize)
	binary.BigEndian.PutUint32(dst[tpNetworkOff:tpNetworkOff+4], msgSize)
	dst[tpMarkerOff] = tpMarkerByte
}

// River is the per-fd stream reassembler: it recovers
// length-framed messages from arbitrary TCP chunk boundaries, including
// boundaries that fall inside the 9-byte transport prefix itself.
type River struct {
	fd         int
	maxInbound int
	normalCap  int

	buf     []byte
	ipt     int  // bytes filled in buf for the in-progress message
	msgSize int  // -1 until the prefix has been decoded
	drop    bool // current message exceeds the hard cap; consume but discard

	dropLatched    bool
	warnedOversize bool
}

// NewRiver allocates a fresh accumulator for fd, sized to the transport
// prefix plus maxInbound+1024 per the protocol's initial state.
func NewRiver(fd int, maxInbound int) *River {
	normalCap := tpSzFieldLen + maxInbound + 1024
	return &River{
		fd:         fd,
		maxInbound: maxInbound,
		normalCap:  normalCap,
		buf:        make([]byte, normalCap),
		msgSize:    -1,
	}
}

// Feed appends chunk to the accumulator, returning every message
// completed as a result (each a fresh, independently-owned []byte holding
// exactly msg_size payload bytes, prefix stripped). A single call may
// complete zero, one, or several messages.
func (r *River) Feed(chunk []byte) [][]byte {
	var out [][]byte
	pos := 0

	for pos < len(chunk) {
		if r.msgSize < 0 {
			need := tpSzFieldLen - r.ipt
			n := need
			if avail := len(chunk) - pos; n > avail {
				n = avail
			}
			copy(r.buf[r.ipt:r.ipt+n], chunk[pos:pos+n])
			r.ipt += n
			pos += n
			if r.ipt < tpSzFieldLen {
				return out
			}

			size := decodeMsgSize(r.buf[:tpSzFieldLen])
			r.msgSize = int(size)
			r.drop = int(size) > r.maxInbound+1024

			total := tpSzFieldLen + r.msgSize
			if total > len(r.buf) {
				nb := make([]byte, total+128)
				copy(nb, r.buf[:r.ipt])
				r.buf = nb
			}
		}

		total := tpSzFieldLen + r.msgSize
		need := total - r.ipt
		n := need
		if avail := len(chunk) - pos; n > avail {
			n = avail
		}
		copy(r.buf[r.ipt:r.ipt+n], chunk[pos:pos+n])
		r.ipt += n
		pos += n
		if r.ipt < total {
			return out
		}

		if r.drop {
			r.dropLatched = true
			if !r.warnedOversize {
				log.Warn("fd %d: dropping oversize message (%d bytes > max %d)", r.fd, r.msgSize, r.maxInbound+1024)
				r.warnedOversize = true
			}
		} else {
			body := make([]byte, r.msgSize)
			copy(body, r.buf[tpSzFieldLen:tpSzFieldLen+r.msgSize])
			out = append(out, body)
		}

		if cap(r.buf) != r.normalCap {
			r.buf = make([]byte, r.normalCap)
		}
		r.ipt = 0
		r.msgSize = -1
		r.drop = false
	}
	return out
}

// DropLatched reports whether this stream has ever discarded an oversize
// message.
func (r *River) DropLatched() bool { return r.dropLatched }

// FrameMessage wraps body (a full wire message: header+trace+d1+d2+payload)
// in the dual-length transport prefix, ready to write to a connection.
// The inverse of River's length recovery.
func FrameMessage(body []byte) []byte {
	out := make([]byte, tpSzFieldLen+len(body))
	encodeTransportPrefix(out, uint32(len(body)))
	copy(out[tpSzFieldLen:], body)
	return out
}
