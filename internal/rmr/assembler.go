// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sandia-minimega/rmr-go/pkg/minilog"
)

// Record grammar (pipe-delimited, '\n'-terminated; '#' and blank lines
// ignored; leading/trailing whitespace trimmed):
//
//	newrt    | start | <table_id>
//	newrt    | end   | <expected_record_count>
//	rte      | <mtype>[,sender_filter] | <ep_list>[;<ep_list>...]
//	mse      | <mtype>[,sender_filter] | <sub_id> | <ep_list>[;<ep_list>...]
//	del      | <mtype>[,sender_filter] | <sub_id>
//	update   | start | <table_id>
//	update   | end   | <expected_record_count>
//	meid_map | start | <table_id>
//	meid_map | end   | <expected_record_count>[ | <md5>]
//	mme_ar   | <owner_ep> | <meid0> <meid1> ... <meidn>
//	mme_del  | <meid0> <meid1> ... <meidn>
//
// ep_list is comma-separated host:port; a ';'-separated list of ep_lists
// defines multiple round-robin groups for one record. The literal
// ep_list "%meid" means "route by the message's MEID field instead of a
// round-robin group" (no group is built). Grounded on
// internal/meshage/message.go's switch-over-message-type dispatch loop,
// generalized from meshage's in-memory message router to this
// line-oriented static feed, with the exact record shapes cross-checked
// against the reference route-table-manager protocol.
type Assembler struct {
	registry *Registry
	routes   *RouteTable
	selfName string
	selfIPs  map[string]bool
	ack      func(tableID string, ok bool, reason string)

	building    *Table
	buildID     string
	buildWanted int
	buildCount  int

	meidBuilding *Table
	meidID       string
	meidWanted   int
	meidCount    int
}

// NewAssembler builds an assembler that applies transactions to routes,
// self-filtering rte/mse/del records against selfName/selfIPs (the
// "skip self-endpoints" and sender-filter rules), and reporting each
// completed transaction's ACK/NACK via ack.
func NewAssembler(registry *Registry, routes *RouteTable, selfName string, selfIPs []string, ack func(tableID string, ok bool, reason string)) *Assembler {
	ips := make(map[string]bool, len(selfIPs))
	for _, ip := range selfIPs {
		ips[ip] = true
	}
	return &Assembler{registry: registry, routes: routes, selfName: selfName, selfIPs: ips, ack: ack}
}

// Feed parses every line of r, applying transactions to the live route
// table as they complete.
func (a *Assembler) Feed(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := a.line(line); err != nil {
			log.Warn("route table record rejected: %v: %q", err, line)
			return err
		}
	}
	return scanner.Err()
}

func (a *Assembler) line(line string) error {
	fields := strings.Split(line, "|")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	switch fields[0] {
	case "newrt":
		return a.txnDirective(fields, false)
	case "update":
		return a.txnDirective(fields, true)
	case "meid_map":
		return a.meidDirective(fields)
	case "rte":
		return a.rte(fields, false)
	case "mse":
		return a.rte(fields, true)
	case "del":
		return a.del(fields)
	case "mme_ar":
		return a.mmeAr(fields)
	case "mme_del":
		return a.mmeDel(fields)
	}
	return fmt.Errorf("unrecognized record type %q", fields[0])
}

// txnDirective handles newrt|start|update|start and their matching |end,
// for both newrt and update (isUpdate selects clone_all vs fresh RTEs).
func (a *Assembler) txnDirective(fields []string, isUpdate bool) error {
	if len(fields) < 2 {
		return fmt.Errorf("%s: missing start/end", fields[0])
	}
	switch fields[1] {
	case "start":
		if a.building != nil {
			a.ackFail(a.buildID, "superseded by a new transaction before it completed")
		}
		current, release := a.routes.Acquire()
		t := cloneTable(current, isUpdate)
		release()

		a.building = t
		a.buildID = field(fields, 2)
		a.buildWanted = -1
		a.buildCount = 0
		return nil

	case "end":
		if a.building == nil {
			return fmt.Errorf("%s|end without a matching start", fields[0])
		}
		wanted := -1
		if s := field(fields, 2); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("%s|end: bad expected_record_count %q: %w", fields[0], s, err)
			}
			wanted = n
		}
		t, id, count := a.building, a.buildID, a.buildCount
		a.building = nil

		if wanted >= 0 && wanted != count {
			a.ackFail(id, fmt.Sprintf("expected %d records, ingested %d", wanted, count))
			return nil
		}
		a.routes.Activate(t)
		a.ackOK(id)
		return nil
	}
	return fmt.Errorf("%s: unknown directive %q", fields[0], fields[1])
}

func (a *Assembler) meidDirective(fields []string) error {
	if len(fields) < 2 {
		return fmt.Errorf("meid_map: missing start/end")
	}
	switch fields[1] {
	case "start":
		current, release := a.routes.Acquire()
		a.meidBuilding = cloneTable(current, true)
		release()
		a.meidID = field(fields, 2)
		a.meidWanted = -1
		a.meidCount = 0
		return nil

	case "end":
		if a.meidBuilding == nil {
			return fmt.Errorf("meid_map|end without meid_map|start")
		}
		if s := field(fields, 2); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("meid_map|end: bad expected_record_count %q: %w", s, err)
			}
			a.meidWanted = n
		}
		// field(fields, 3) is the optional md5 checksum; not verified here,
		// there being no content hash worth checking against a feed we
		// already parsed record-by-record.
		t, id, count := a.meidBuilding, a.meidID, a.meidCount
		a.meidBuilding = nil

		if a.meidWanted >= 0 && a.meidWanted != count {
			a.ackFail(id, fmt.Sprintf("expected %d meid updates, ingested %d", a.meidWanted, count))
			return nil
		}
		a.routes.Activate(t)
		a.ackOK(id)
		return nil
	}
	return fmt.Errorf("meid_map: unknown directive %q", fields[1])
}

// rte handles both "rte" (sub_id always unset) and "mse" (explicit
// sub_id field) records.
func (a *Assembler) rte(fields []string, hasSubID bool) error {
	wantFields := 3
	if hasSubID {
		wantFields = 4
	}
	if len(fields) != wantFields {
		return fmt.Errorf("%s: want %d fields, got %d", fields[0], wantFields, len(fields))
	}

	mtype, filter, err := parseMtypeFilter(fields[1])
	if err != nil {
		return err
	}
	a.buildCount++

	if !a.filterMatches(filter) {
		return nil
	}

	subID := SubIDUnset
	epField := fields[2]
	if hasSubID {
		epField = fields[3]
		sid, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("%s: bad sub_id %q: %w", fields[0], fields[2], err)
		}
		subID = int32(sid)
	}

	t := a.target()

	if epField == "%meid" {
		// Route-by-MEID: no RR group is built here; resolution happens via
		// the mbuf's own meid field against t.meid (populated by mme_ar).
		t.put(mtype, subID, nil)
		return nil
	}

	groups, err := a.parseGroups(epField)
	if err != nil {
		return err
	}
	t.put(mtype, subID, groups)
	return nil
}

func (a *Assembler) del(fields []string) error {
	if len(fields) != 3 {
		return fmt.Errorf("del: want mtype[,filter]|sub_id, got %q", strings.Join(fields, "|"))
	}
	mtype, filter, err := parseMtypeFilter(fields[1])
	if err != nil {
		return err
	}
	a.buildCount++
	if !a.filterMatches(filter) {
		return nil
	}
	subID := SubIDUnset
	if fields[2] != "" && fields[2] != "-1" {
		sid, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("del: bad sub_id %q: %w", fields[2], err)
		}
		subID = int32(sid)
	}
	delete(a.target().entries, key{mtype, subID})
	return nil
}

func (a *Assembler) mmeAr(fields []string) error {
	if len(fields) != 3 {
		return fmt.Errorf("mme_ar: want owner_ep|meid-list, got %q", strings.Join(fields, "|"))
	}
	ep := a.registry.Ensure(fields[1])
	t := a.meidTarget()
	for _, meid := range strings.Fields(fields[2]) {
		t.putMeid(meid, ep)
		a.meidCount++
	}
	return nil
}

func (a *Assembler) mmeDel(fields []string) error {
	if len(fields) != 2 {
		return fmt.Errorf("mme_del: want meid-list, got %q", strings.Join(fields, "|"))
	}
	t := a.meidTarget()
	for _, meid := range strings.Fields(fields[1]) {
		delete(t.meid, meid)
		a.meidCount++
	}
	return nil
}

// target is the table rte/mse/del apply to: the in-progress newrt/update
// transaction if one is open, else meidTarget's choice (an open meid_map
// transaction, or failing that the live table, changed in place).
func (a *Assembler) target() *Table {
	if a.building != nil {
		return a.building
	}
	return a.meidTarget()
}

func (a *Assembler) meidTarget() *Table {
	if a.meidBuilding != nil {
		return a.meidBuilding
	}
	if a.building != nil {
		return a.building
	}
	t, release := a.routes.Acquire()
	release()
	return t
}

func (a *Assembler) ackOK(tableID string) {
	if a.ack != nil {
		a.ack(tableID, true, "")
	}
}

func (a *Assembler) ackFail(tableID, reason string) {
	if a.ack != nil {
		a.ack(tableID, false, reason)
	}
}

// filterMatches implements the record grammar's sender filter: absent
// filter always matches; a "%meid" filter token is a wildcard (ingest
// regardless of identity); otherwise the record applies only if our
// name or one of our interface IPs appears in the comma-separated
// filter token list.
func (a *Assembler) filterMatches(filter string) bool {
	if filter == "" {
		return true
	}
	for _, tok := range strings.Split(filter, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "%meid" || tok == a.selfName || a.selfIPs[tok] {
			return true
		}
	}
	return false
}

func (a *Assembler) parseGroups(s string) ([][]*Endpoint, error) {
	groupStrs := strings.Split(s, ";")
	groups := make([][]*Endpoint, 0, len(groupStrs))
	for _, gs := range groupStrs {
		gs = strings.TrimSpace(gs)
		if gs == "" {
			continue
		}
		members := strings.Split(gs, ",")
		eps := make([]*Endpoint, 0, len(members))
		for _, m := range members {
			m = strings.TrimSpace(m)
			if m == "" || a.selfIPs[hostOf(m)] || m == a.selfName {
				continue // self-endpoints are dropped from RR groups
			}
			eps = append(eps, a.registry.Ensure(m))
		}
		if len(eps) > 0 {
			groups = append(groups, eps)
		}
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("rte: no non-self endpoints in %q", s)
	}
	return groups, nil
}

func hostOf(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 {
		return hostport[:i]
	}
	return hostport
}

func parseMtypeFilter(s string) (mtype int32, filter string, err error) {
	parts := strings.SplitN(s, ",", 2)
	m, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", fmt.Errorf("bad mtype %q: %w", parts[0], err)
	}
	if len(parts) == 2 {
		filter = strings.TrimSpace(parts[1])
	}
	return int32(m), filter, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// cloneTable copies an existing table's meid namespace always, and its
// RTE entries too when full (update's clone_all); newrt starts RTE
// empty -- unreferenced mtype/sub_id entries do not survive a newrt, only
// an update.
func cloneTable(src *Table, full bool) *Table {
	t := newTable()
	for k, v := range src.meid {
		t.meid[k] = v
	}
	if full {
		for k, v := range src.entries {
			t.entries[k] = v
		}
	}
	return t
}
