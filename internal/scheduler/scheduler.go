// Package scheduler drives the periodic upstream sync of the git index.
package scheduler

import (
	"context"
	"log"
	"time"

	"mirrorregistry/internal/admin"
	"mirrorregistry/internal/gitdriver"
)

// Scheduler periodically pulls the upstream index into the working clone
// and pushes the result to the served bare repo, once per tick. Unlike
// the original, which calls sync_upstream twice in a row (a copy-paste
// bug where the second call is mislabeled "sync index"), this runs one
// pull followed by one push.
type Scheduler struct {
	driver      *gitdriver.Driver
	gate        *admin.Gate
	workingPath func() string
	interval    func() time.Duration
	log         *log.Logger
}

func New(driver *gitdriver.Driver, gate *admin.Gate, workingPath func() string, interval func() time.Duration, logger *log.Logger) *Scheduler {
	return &Scheduler{driver: driver, gate: gate, workingPath: workingPath, interval: interval, log: logger}
}

// Run blocks, ticking at the configured interval (re-read every iteration
// so an admin-updated interval takes effect on the next wait) until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(s.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !s.gate.Inited() {
			continue
		}
		wp := s.workingPath()
		if err := s.driver.SyncUpstream(ctx, wp); err != nil {
			s.log.Printf("scheduler: sync upstream failed: %v", err)
			continue
		}
		if err := s.driver.SyncIndex(ctx, wp); err != nil {
			s.log.Printf("scheduler: sync index failed: %v", err)
		}
	}
}
