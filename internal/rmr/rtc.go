// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sandia-minimega/rmr-go/pkg/minilog"
)

// RTC message types exchanged with the route manager: a
// private context is not a new context type, just a connection dedicated
// to this traffic.
const (
	mtReqTable   int32 = 20 // RMRRM_REQ_TABLE
	mtTableState int32 = 21 // RMRRM_TABLE_STATE
)

const (
	EnvRTGSvc     = "RMR_RTG_SVC"
	EnvSeedRT     = "RMR_SEED_RT"
	EnvVctlFile   = "RMR_VCTL_FILE"
	EnvRTReqFreq  = "RMR_RTREQ_FREQ"
	EnvRTReqFreqTypo = "RMR_RTREQ_FREA" // documented misspelling in the source; intentionally NOT honoured
	EnvCtlPort    = "RMR_CTL_PORT"

	defaultRTReqFreqSec = 60
	defaultCtlPort       = "4561"
)

// Collector is the route-table collector task:
// it opens its own connection to the route manager, requests a table on
// a cadence, and feeds whatever it receives to an Assembler, which
// publishes completed tables and reports ACK/NACK back over this same
// connection. Grounded on internal/meshage/client.go's periodic
// solicitation loop (the same "dial, request, read, repeat" shape meshage
// uses for its degree-checking heartbeat), generalized from meshage's
// fixed-interval heartbeat to RMR's configurable RMR_RTREQ_FREQ cadence
// plus a live-verbosity side channel mirroring the reference library.
type Collector struct {
	registry  *Registry
	routes    *RouteTable
	assembler *Assembler

	svcAddr  string
	selfName string
	freq     time.Duration
	vctlPath string

	ackEP *Endpoint // the route-manager connection ACK/NACK is sent back over
	stop  chan struct{}
}

// NewCollector builds a collector reading its configuration from the
// environment. selfIPs feeds the assembler's self-filter
// and self-endpoint exclusion rules.
func NewCollector(registry *Registry, routes *RouteTable, selfName string, selfIPs []string) *Collector {
	freqSec := defaultRTReqFreqSec
	if s := os.Getenv(EnvRTReqFreq); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			freqSec = n
		}
	}
	c := &Collector{
		registry: registry,
		routes:   routes,
		svcAddr:  os.Getenv(EnvRTGSvc),
		selfName: selfName,
		freq:     time.Duration(freqSec) * time.Second,
		vctlPath: os.Getenv(EnvVctlFile),
		stop:     make(chan struct{}),
	}
	c.assembler = NewAssembler(registry, routes, selfName, selfIPs, c.ack)
	return c
}

func (c *Collector) ack(tableID string, ok bool, reason string) {
	if c.ackEP != nil {
		c.sendTableState(c.ackEP, tableID, ok, reason)
	}
}

// Enabled reports whether RMR_RTG_SVC names a route manager
// "RMR_RTG_SVC < 1 => static-file mode only" rule, generalized to
// "empty or unparseable => disabled").
func Enabled() bool {
	v := os.Getenv(EnvRTGSvc)
	if v == "" {
		return false
	}
	// A bare numeric value below 1 (the C source's sentinel convention)
	// also disables the collector even if RMR_RTG_SVC happens to be set.
	if n, err := strconv.Atoi(v); err == nil && n < 1 {
		return false
	}
	return true
}

// Stop signals the collector's goroutines to exit at their next
// iteration boundary (a cooperative shutdown-flag model).
func (c *Collector) Stop() { close(c.stop) }

// Run drives the request/receive loop until Stop is called. Intended to
// run in its own goroutine.
func (c *Collector) Run() {
	if c.svcAddr == "" {
		log.Warn("route-table collector: RMR_RTG_SVC not set, nothing to do")
		return
	}

	ep, err := c.registry.EnsureLinked(c.svcAddr)
	if err != nil {
		log.Warn("route-table collector: cannot reach route manager %v: %v", c.svcAddr, err)
		ep = c.registry.Ensure(c.svcAddr)
	}
	c.ackEP = ep

	river := NewRiver(-1, 64*1024)
	ticker := time.NewTicker(c.freq)
	defer ticker.Stop()

	c.requestTable(ep)

	readBuf := make([]byte, 16*1024)
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.requestTable(ep)
		default:
		}

		if !ep.Open() {
			linked, lerr := c.registry.EnsureLinked(c.svcAddr)
			if lerr != nil {
				time.Sleep(time.Second)
				continue
			}
			ep = linked
			c.ackEP = ep
		}

		ep.mu.Lock()
		conn := ep.conn
		ep.mu.Unlock()
		if conn == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, rerr := conn.Read(readBuf)
		if n > 0 {
			for _, body := range river.Feed(readBuf[:n]) {
				c.ingest(body, ep)
			}
		}
		if rerr != nil && !isTimeout(rerr) {
			ep.disconnect(c.registry)
		}
	}
}

func (c *Collector) requestTable(ep *Endpoint) {
	m := Alloc(128, 0, c.selfName, "")
	m.Mtype = mtReqTable
	payload := fmt.Sprintf("%s ts=%d\n", c.selfName, time.Now().Unix())
	m.Str2Payload(payload)
	m.syncHeader()

	frame := FrameMessage(m.buf[:HeaderLen(m.buf)+int(m.Len)])
	if err := ep.writeFrame(frame); err != nil {
		log.Warn("route-table collector: request to %v failed: %v", c.svcAddr, err)
	}
}

// ingest feeds every received frame that carries a header to the
// assembler, which answers ACK/NACK for completed transactions; the
// assembler's ack callback was wired to this same connection at
// construction time.
func (c *Collector) ingest(body []byte, ep *Endpoint) {
	m := wrap(body, -1)
	if m.State == StateNoHeader {
		return
	}
	if err := c.assembler.Feed(newPayloadReader(m)); err != nil {
		log.Warn("route-table collector: malformed feed from %v: %v", c.svcAddr, err)
	}
}

func (c *Collector) sendTableState(ep *Endpoint, tableID string, ok bool, reason string) {
	var payload string
	if ok {
		payload = fmt.Sprintf("OK %s\n", tableID)
	} else {
		payload = fmt.Sprintf("ERR %s %s\n", tableID, reason)
	}
	m := Alloc(len(payload)+1, 0, c.selfName, "")
	m.Mtype = mtTableState
	m.Str2Payload(payload)
	m.syncHeader()
	frame := FrameMessage(m.buf[:HeaderLen(m.buf)+int(m.Len)])
	if err := ep.writeFrame(frame); err != nil {
		log.Warn("route-table collector: ACK/NACK to %v failed: %v", c.svcAddr, err)
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}

// newPayloadReader adapts an Mbuf's payload to an io.Reader for the
// assembler's line scanner.
func newPayloadReader(m *Mbuf) *payloadReader {
	return &payloadReader{data: append([]byte(nil), m.Payload()...)}
}

type payloadReader struct {
	data []byte
	pos  int
}

func (r *payloadReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// VerbosityPoller re-reads RMR_VCTL_FILE on a cadence and applies the
// contained integer as the active minilog level, mirroring the reference
// library's rmr_set_vlevel live-verbosity mechanism.
type VerbosityPoller struct {
	path string
	freq time.Duration
	stop chan struct{}
}

func NewVerbosityPoller(path string, freq time.Duration) *VerbosityPoller {
	return &VerbosityPoller{path: path, freq: freq, stop: make(chan struct{})}
}

func (v *VerbosityPoller) Stop() { close(v.stop) }

func (v *VerbosityPoller) Run() {
	if v.path == "" {
		return
	}
	ticker := time.NewTicker(v.freq)
	defer ticker.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			b, err := os.ReadFile(v.path)
			if err != nil {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(string(b)))
			if err != nil {
				continue
			}
			for _, name := range log.Loggers() {
				log.SetLevel(name, log.Level(n))
			}
		}
	}
}
