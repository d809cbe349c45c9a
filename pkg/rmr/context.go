// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

// Package rmr is the public API surface: the package an
// application imports to exchange discrete, typed messages with peers
// over TCP via a dynamically updated route table.
package rmr

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	internal "github.com/sandia-minimega/rmr-go/internal/rmr"
	log "github.com/sandia-minimega/rmr-go/pkg/minilog"
)

// Init flags (the supplemented "MT-call-disable"
// bit, recovered from the reference library's context flags word).
const (
	MTCallDisable uint32 = 1 << iota
)

const (
	DefaultPort         = 4560
	defaultMaxMsgSize   = 4096
	defaultRetryEpochs  = 1 // send_msg's context-default retry budget, in 1000-attempt epochs
	envBindIf           = "RMR_BIND_IF"
	envSrcID            = "RMR_SRC_ID"
	envSrcNameOnly      = "RMR_SRC_NAMEONLY"
)

// Context is the library handle an application holds for the life of
// its process: the listen socket, route table, endpoint registry,
// dispatcher, and (depending on configuration) either a route-table
// collector goroutine or a static-file seeder. Grounded on
// internal/meshage's top-level Mesh/Node struct, generalized from
// meshage's decentralized mesh membership model to RMR's single-process,
// route-table-driven transport handle.
type Context struct {
	registry   *internal.Registry
	routes     *internal.RouteTable
	ring       *internal.Ring
	chutes     *internal.ChuteTable
	dispatcher *internal.Dispatcher
	engine     *internal.Engine
	wormholes  *internal.Wormholes
	metrics    *internal.Metrics

	collector *internal.Collector
	seeder    *internal.Seeder
	vctl      *internal.VerbosityPoller

	src        string
	srcIP      string
	selfIPs    []string
	maxInbound int
	flags      uint32

	listener net.Listener
	shutdown chan struct{}
}

// New implements init(port, max_msg_size, flags).
// port == 0 selects DefaultPort.
func New(port, maxMsgSize int, flags uint32) (*Context, error) {
	if port == 0 {
		port = DefaultPort
	}
	if maxMsgSize <= 0 {
		maxMsgSize = defaultMaxMsgSize
	}

	bindIP := resolveBindIP()
	selfIPs := interfaceIPs()

	src, srcIP := identity(bindIP, port)

	registry := internal.NewRegistry(5_000_000_000) // 5s dial timeout
	routes := internal.NewRouteTable()
	ring := internal.NewRing(2048)
	chutes := internal.NewChuteTable()
	engine := internal.NewEngine(registry, routes, src, srcIP, defaultRetryEpochs)
	dispatcher := internal.NewDispatcher(ring, chutes)
	wormholes := internal.NewWormholes(registry)
	metrics := internal.NewMetrics(prometheus.NewRegistry())

	ctx := &Context{
		registry:   registry,
		routes:     routes,
		ring:       ring,
		chutes:     chutes,
		dispatcher: dispatcher,
		engine:     engine,
		wormholes:  wormholes,
		metrics:    metrics,
		src:        src,
		srcIP:      srcIP,
		selfIPs:    selfIPs,
		maxInbound: maxMsgSize,
		flags:      flags,
		shutdown:   make(chan struct{}),
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindIP, port))
	if err != nil {
		return nil, newError(KindInitFailed, 0, err)
	}
	ctx.listener = ln

	if internal.Enabled() {
		ctx.collector = internal.NewCollector(registry, routes, src, selfIPs)
		go ctx.collector.Run()
	} else {
		assembler := internal.NewAssembler(registry, routes, src, selfIPs, nil)
		ctx.seeder = internal.NewSeeder(os.Getenv(internal.EnvSeedRT), assembler)
		go ctx.seeder.Run()
	}

	if vctlPath := os.Getenv(internal.EnvVctlFile); vctlPath != "" {
		ctx.vctl = internal.NewVerbosityPoller(vctlPath, 5_000_000_000)
		go ctx.vctl.Run()
	}

	go ctx.acceptLoop()

	return ctx, nil
}

// acceptLoop is the receive task: one goroutine per accepted connection,
// each owning a River that feeds complete frames to the shared
// Dispatcher, with the registry's disconnect hook firing on read error.
func (c *Context) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
				log.Warn("accept: %v", err)
				continue
			}
		}
		go c.serve(conn)
	}
}

func (c *Context) serve(conn net.Conn) {
	ep := c.registry.Adopt(conn.RemoteAddr().String(), conn)
	fd := ep.Fd()

	river := internal.NewRiver(fd, c.maxInbound)
	buf := make([]byte, 16*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, body := range river.Feed(buf[:n]) {
				c.dispatcher.Dispatch(body, fd)
			}
		}
		if err != nil {
			conn.Close()
			if fd >= 0 {
				c.registry.OnDisconnect(fd)
			}
			return
		}
	}
}

// Shutdown closes the listen socket, so the accept loop exits (a
// shutdown flag model), and stops the collector, seeder and verbosity
// poller. Connections already accepted are not closed; their read loops
// run until a read on the connection fails.
func (c *Context) Shutdown() {
	close(c.shutdown)
	c.listener.Close()
	if c.collector != nil {
		c.collector.Stop()
	}
	if c.seeder != nil {
		c.seeder.Stop()
	}
	if c.vctl != nil {
		c.vctl.Stop()
	}
}

// Ready reports whether the route table currently holds at least one
// entry, mirroring the reference library's rmr_ready().
func (c *Context) Ready() bool {
	t, release := c.routes.Acquire()
	defer release()
	return !t.Empty()
}

// Source returns this context's own identity string, recovered from
// the reference library's rmr_get_src().
func (c *Context) Source() string { return c.src }

// Consts exposes a handful of protocol constants for diagnostic tooling,
// recovered from the reference library's rmr_get_consts().
func (c *Context) Consts() map[string]int {
	return map[string]int{
		"RMR_MAX_RCV_BYTES": c.maxInbound,
		"RMRFL_MTC_DISABLE": int(MTCallDisable),
	}
}

func resolveBindIP() string {
	v := os.Getenv(envBindIf)
	if v == "" {
		return "0.0.0.0"
	}
	if ip := net.ParseIP(v); ip != nil {
		return v
	}
	if iface, err := net.InterfaceByName(v); err == nil {
		if addrs, err := iface.Addrs(); err == nil {
			for _, a := range addrs {
				if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
					return ipNet.IP.String()
				}
			}
		}
	}
	return "0.0.0.0"
}

func interfaceIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			ips = append(ips, ipNet.IP.String())
		}
	}
	return ips
}

func identity(bindIP string, port int) (src, srcIP string) {
	nameOnly := os.Getenv(envSrcNameOnly) == "1"

	if v := os.Getenv(envSrcID); v != "" {
		if nameOnly {
			return v, ""
		}
		return v, hostOfIdentity(v)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if nameOnly {
		return fmt.Sprintf("%s:%d", host, port), ""
	}
	ip := bindIP
	if ip == "0.0.0.0" {
		if ips := interfaceIPs(); len(ips) > 0 {
			ip = ips[0]
		}
	}
	return fmt.Sprintf("%s:%d", host, port), ip
}

func hostOfIdentity(v string) string {
	if i := strings.LastIndex(v, ":"); i >= 0 {
		return v[:i]
	}
	return v
}
