// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"os"
	"time"

	log "github.com/sandia-minimega/rmr-go/pkg/minilog"
)

// seedPollInterval matches RMR_SEED_RT's polling cadence.
const seedPollInterval = 60 * time.Second

// Seeder is the static-file route-table source used when RMR_RTG_SVC is
// unset or disabled ("if RMR_RTG_SVC < 1, uses
// static-file mode only (reads RMR_SEED_RT once per minute)"). ACKs are
// suppressed in this mode since there's no sender to address them to.
type Seeder struct {
	path      string
	assembler *Assembler
	lastMod   time.Time
	stop      chan struct{}
}

func NewSeeder(path string, assembler *Assembler) *Seeder {
	return &Seeder{path: path, assembler: assembler, stop: make(chan struct{})}
}

func (s *Seeder) Stop() { close(s.stop) }

// Run polls the seed file every seedPollInterval, re-ingesting it only
// when its mtime has advanced, and polls once immediately on entry.
func (s *Seeder) Run() {
	if s.path == "" {
		log.Warn("route-table seeder: RMR_SEED_RT not set")
		return
	}

	s.poll()
	ticker := time.NewTicker(seedPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Seeder) poll() {
	info, err := os.Stat(s.path)
	if err != nil {
		log.Warn("route-table seeder: %v", err)
		return
	}
	if !info.ModTime().After(s.lastMod) {
		return
	}
	s.lastMod = info.ModTime()

	f, err := os.Open(s.path)
	if err != nil {
		log.Warn("route-table seeder: %v", err)
		return
	}
	defer f.Close()

	if err := s.assembler.Feed(f); err != nil {
		log.Warn("route-table seeder: %v: %v", s.path, err)
	}
}
