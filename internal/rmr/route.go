// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// key packs (mtype, sub_id) into the route table's lookup key. sub_id
// SubIDUnset collapses to the "no subscription" row, looked up only after
// an exact (mtype, sub_id) miss -- the MT/SID fallback lookup.
type key struct {
	mtype int32
	subID int32
}

// RTE is a route table entry: an mtype/sub_id's ordered list of
// round-robin groups. A send goes to one member of every group, in group
// order; within a group, successive sends rotate across members.
type RTE struct {
	mtype  int32
	subID  int32
	groups [][]*Endpoint
	ctr    []uint64 // one rotation counter per group, indexed with groups
}

func newRTE(mtype, subID int32) *RTE {
	return &RTE{mtype: mtype, subID: subID}
}

func (r *RTE) addGroup(members []*Endpoint) {
	r.groups = append(r.groups, members)
	r.ctr = append(r.ctr, 0)
}

// pick returns the groupIdx'th group's next round-robin member. The send
// engine calls it once per group for each message.
func (r *RTE) pick(groupIdx int) (*Endpoint, bool) {
	if groupIdx < 0 || groupIdx >= len(r.groups) {
		return nil, false
	}
	g := r.groups[groupIdx]
	if len(g) == 0 {
		return nil, false
	}
	n := atomic.AddUint64(&r.ctr[groupIdx], 1)
	return g[(n-1)%uint64(len(g))], true
}

func (r *RTE) groupCount() int { return len(r.groups) }

// Table is one generation of the route table: the (mtype, sub_id)→RTE
// map and the meid→Endpoint override map (RT_ME namespace) assembled
// together by a single newrt/end pair.
type Table struct {
	id      string // generation id, for logs/diagnostics only
	entries map[key]*RTE
	meid    map[string]*Endpoint
}

func newTable() *Table {
	return &Table{
		id:      xid.New().String(),
		entries: make(map[key]*RTE),
		meid:    make(map[string]*Endpoint),
	}
}

func (t *Table) put(mtype, subID int32, groups [][]*Endpoint) {
	rte := newRTE(mtype, subID)
	for _, g := range groups {
		rte.addGroup(g)
	}
	t.entries[key{mtype, subID}] = rte
}

func (t *Table) putMeid(meid string, ep *Endpoint) {
	t.meid[meid] = ep
}

// lookup implements the MT/SID fallback: an exact (mtype,sub_id) match,
// falling back to (mtype, SubIDUnset) on miss.
func (t *Table) lookup(mtype, subID int32) (*RTE, bool) {
	if rte, ok := t.entries[key{mtype, subID}]; ok {
		return rte, true
	}
	if subID != SubIDUnset {
		if rte, ok := t.entries[key{mtype, SubIDUnset}]; ok {
			return rte, true
		}
	}
	return nil, false
}

func (t *Table) lookupMeid(meid string) (*Endpoint, bool) {
	ep, ok := t.meid[meid]
	return ep, ok
}

// Empty reports whether this table carries any routing information at
// all, used by Context.Ready (the supplemented rmr_ready() check).
func (t *Table) Empty() bool {
	return len(t.entries) == 0 && len(t.meid) == 0
}

// generation wraps a Table with the reference count that makes safe,
// lock-free swap-then-drain possible: the active table is read under a
// brief RLock but held (via refcount) for the life of whatever send/call
// is using it, so Activate never blocks a sender and never frees a
// table a sender still holds.
type generation struct {
	table *Table
	refs  int64
}

// RouteTable owns the current/old generation pair (keeping only "one
// generation of history"): a newrt activation demotes
// the current generation to old and installs the new one as current;
// the previous old generation (if still referenced) is abandoned to be
// garbage collected once its last holder releases it, never force-freed
// out from under an in-flight send. Grounded on internal/meshage/route.go's
// copy-on-write table swap, generalized from meshage's single
// always-current table to RMR's explicit current/old pair.
type RouteTable struct {
	mu      sync.RWMutex
	current *generation
	old     *generation
}

func NewRouteTable() *RouteTable {
	return &RouteTable{current: &generation{table: newTable()}}
}

// Acquire returns the current table and a release func the caller must
// invoke exactly once when done consulting it.
func (rt *RouteTable) Acquire() (*Table, func()) {
	rt.mu.RLock()
	g := rt.current
	atomic.AddInt64(&g.refs, 1)
	rt.mu.RUnlock()
	return g.table, func() { atomic.AddInt64(&g.refs, -1) }
}

// Activate installs t as the new current table, demoting the previous
// current to old. Any still-outstanding reference to the previous old
// table is simply dropped -- only one generation of
// history, not an unbounded chain.
func (rt *RouteTable) Activate(t *Table) {
	rt.mu.Lock()
	rt.old = rt.current
	rt.current = &generation{table: t}
	rt.mu.Unlock()
}

// AcquireOld returns the previous generation's table, if one still
// exists, and a matching release func. Sends and the route-table
// collector consult only the current generation; this accessor is the
// one way to reach the retained old one.
func (rt *RouteTable) AcquireOld() (*Table, func(), bool) {
	rt.mu.RLock()
	g := rt.old
	rt.mu.RUnlock()
	if g == nil {
		return nil, nil, false
	}
	atomic.AddInt64(&g.refs, 1)
	return g.table, func() { atomic.AddInt64(&g.refs, -1) }, true
}

// CurrentID reports the active generation's id, for RMRRM_TABLE_STATE.
func (rt *RouteTable) CurrentID() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.current.table.id
}

// Resolve performs the full route lookup used by the send engine: exact
// (mtype,sub_id), MT/SID fallback, against the current generation. The
// caller owns the returned release func.
func (rt *RouteTable) Resolve(mtype, subID int32) (*RTE, func(), bool) {
	t, release := rt.Acquire()
	rte, ok := t.lookup(mtype, subID)
	if !ok {
		release()
		return nil, nil, false
	}
	return rte, release, true
}

// ResolveMeid looks an endpoint override up by managed-entity id against
// the current generation.
func (rt *RouteTable) ResolveMeid(meid string) (*Endpoint, func(), bool) {
	t, release := rt.Acquire()
	ep, ok := t.lookupMeid(meid)
	if !ok {
		release()
		return nil, nil, false
	}
	return ep, release, true
}
