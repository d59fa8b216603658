package caseactor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 5m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper retires idle actors on a cron schedule.
type Sweeper struct {
	registry *Registry
	idle     time.Duration
	cron     *cron.Cron
}

// NewSweeper creates a Sweeper for r. schedule is a cron expression; idle
// is how long an actor must have been quiet with no sessions.
func NewSweeper(r *Registry, schedule string, idle time.Duration) (*Sweeper, error) {
	if r == nil {
		return nil, fmt.Errorf("caseactor: registry is required")
	}
	if idle <= 0 {
		return nil, fmt.Errorf("caseactor: idle timeout must be positive")
	}
	s := &Sweeper{
		registry: r,
		idle:     idle,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("caseactor: sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Next returns the next scheduled sweep after now.
func (s *Sweeper) Next(now time.Time) time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(now)
}

// Run sweeps on schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	s.registry.Sweep(s.idle)
}
