// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/higebu/netfd"
	log "github.com/sandia-minimega/rmr-go/pkg/minilog"
)

// connFd recovers the real OS file descriptor behind a net.Conn so the
// dispatcher's (buf, size, fd) tuple and an mbuf's RtsFd refer to the same
// integer the wire-level spec describes, not a Go-side surrogate.
// Falls back to -1 (valid: "unknown fd", rts then falls back to name/ip
// lookup) if the underlying conn isn't a *net.TCPConn.
func connFd(conn net.Conn) int {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return -1
	}
	fd, err := netfd.GetFdFromConn(tc)
	if err != nil {
		return -1
	}
	return int(fd)
}

// ConnFd exports connFd for the receive task's accept loop, which lives
// in pkg/rmr and needs the same fd recovery connFd uses.
func ConnFd(conn net.Conn) int { return connFd(conn) }

// Endpoint is a remote host:port with a lazily-opened TCP connection.
// Referenced (never owned) from route-table entries; owned by the
// Registry. Grounded on internal/meshage/client.go's client struct and
// its per-connection mutex discipline, generalized from meshage's always
// bidirectional gob link to a lazy, unidirectional dial with explicit
// open/closed state and per-endpoint send counters.
type Endpoint struct {
	Name string // immutable after creation

	mu     sync.Mutex
	addr   *net.TCPAddr
	conn   net.Conn
	fd     int
	open   bool
	notify bool // log-once latch for a failure streak

	good      uint64
	hardFail  uint64
	transient uint64
}

func newEndpoint(name string) *Endpoint {
	return &Endpoint{Name: name, fd: -1}
}

func (e *Endpoint) Open() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

func (e *Endpoint) Fd() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fd
}

func (e *Endpoint) Counters() (good, hardFail, transient uint64) {
	return atomic.LoadUint64(&e.good), atomic.LoadUint64(&e.hardFail), atomic.LoadUint64(&e.transient)
}

func (e *Endpoint) noteGood()      { atomic.AddUint64(&e.good, 1) }
func (e *Endpoint) noteHardFail()  { atomic.AddUint64(&e.hardFail, 1) }
func (e *Endpoint) noteTransient() { atomic.AddUint64(&e.transient, 1) }

// link ensures the endpoint has an open connection, dialing it on first
// use or after a disconnect. Adapted from clientSend's "look it up, lock,
// connect if needed" shape in internal/meshage/client.go.
func (e *Endpoint) link(registry *Registry, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open {
		return nil
	}

	if e.addr == nil {
		addr, err := net.ResolveTCPAddr("tcp", e.Name)
		if err != nil {
			if !e.notify {
				log.Warn("endpoint %v: resolve failed: %v", e.Name, err)
				e.notify = true
			}
			return err
		}
		e.addr = addr
	}

	conn, err := net.DialTimeout("tcp", e.addr.String(), timeout)
	if err != nil {
		if !e.notify {
			log.Warn("endpoint %v: connect failed: %v", e.Name, err)
			e.notify = true
		}
		return err
	}

	if e.notify {
		log.Info("endpoint %v: connection restored", e.Name)
		e.notify = false
	}

	e.conn = conn
	e.fd = connFd(conn)
	e.open = true

	registry.registerFd(e.fd, e)
	return nil
}

// disconnect marks the endpoint closed and drops the fd mapping; called
// from the receive loop's per-fd disconnect callback.
func (e *Endpoint) disconnect(registry *Registry) {
	e.mu.Lock()
	conn := e.conn
	fd := e.fd
	e.conn = nil
	e.fd = -1
	e.open = false
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if fd >= 0 {
		registry.unregisterFd(fd)
	}
}

func (e *Endpoint) writeFrame(frame []byte) error {
	e.mu.Lock()
	conn := e.conn
	open := e.open
	e.mu.Unlock()

	if !open || conn == nil {
		return fmt.Errorf("endpoint %v not open", e.Name)
	}
	_, err := conn.Write(frame)
	return err
}

// WriteFrame exports writeFrame for rts_msg's direct, no-retry reply
// write in pkg/rmr.
func (e *Endpoint) WriteFrame(frame []byte) error { return e.writeFrame(frame) }

// Registry is the endpoint name registry: name→Endpoint,
// fd→Endpoint, created lazily and never torn down while any live route
// table may still reference an entry.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Endpoint
	byFd     map[int]*Endpoint
	dialTO   time.Duration
}

func NewRegistry(dialTimeout time.Duration) *Registry {
	return &Registry{
		byName: make(map[string]*Endpoint),
		byFd:   make(map[int]*Endpoint),
		dialTO: dialTimeout,
	}
}

// Ensure returns the named endpoint, creating it if this is the first
// reference (from a route-table record or a wormhole open).
func (r *Registry) Ensure(name string) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byName[name]; ok {
		return e
	}
	e := newEndpoint(name)
	r.byName[name] = e
	return e
}

func (r *Registry) Get(name string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

func (r *Registry) ByFd(fd int) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byFd[fd]
	return e, ok
}

func (r *Registry) registerFd(fd int, e *Endpoint) {
	if fd < 0 {
		return
	}
	r.mu.Lock()
	r.byFd[fd] = e
	r.mu.Unlock()
}

func (r *Registry) unregisterFd(fd int) {
	r.mu.Lock()
	delete(r.byFd, fd)
	r.mu.Unlock()
}

// OnDisconnect is the sockets-library disconnect callback (the framed-TCP
// treats the framed-TCP transport as an external collaborator; this is
// its one hook into the core).
func (r *Registry) OnDisconnect(fd int) {
	if e, ok := r.ByFd(fd); ok {
		e.disconnect(r)
	}
}

// EnsureLinked resolves and connects name, returning the live endpoint.
func (r *Registry) EnsureLinked(name string) (*Endpoint, error) {
	e := r.Ensure(name)
	if err := e.link(r, r.dialTO); err != nil {
		return nil, err
	}
	return e, nil
}

// Adopt registers an already-connected conn (one the receive task just
// accepted) as an endpoint under name, so a later rts() can find it again
// by the fd the original message arrived on without a fresh dial.
func (r *Registry) Adopt(name string, conn net.Conn) *Endpoint {
	fd := connFd(conn)
	e := &Endpoint{Name: name, conn: conn, fd: fd, open: true}

	r.mu.Lock()
	r.byName[name] = e
	r.mu.Unlock()

	r.registerFd(fd, e)
	return e
}
