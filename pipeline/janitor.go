package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chaos-io/cutout/logging"
	"github.com/chaos-io/cutout/store"
)

// Evicter drops finished progress entries; *registry.Registry implements it.
type Evicter interface {
	Evict(now time.Time, ttl time.Duration) int
}

// Janitor periodically forgets finished jobs and deletes their artifacts once
// they are older than the retention TTL.
type Janitor struct {
	registry  Evicter
	artifacts store.Artifacts
	ttl       time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

func NewJanitor(reg Evicter, artifacts store.Artifacts, ttl time.Duration) *Janitor {
	return &Janitor{
		registry:  reg,
		artifacts: artifacts,
		ttl:       ttl,
		cron:      cron.New(),
		now:       time.Now,
	}
}

// Start schedules Sweep every interval. A non-positive TTL disables retention
// and Start does nothing.
func (j *Janitor) Start(interval time.Duration) error {
	logger := logging.Component("janitor")
	if j.ttl <= 0 {
		logger.Info().Msg("retention disabled")
		return nil
	}
	if interval <= 0 {
		return fmt.Errorf("janitor: invalid sweep interval %s", interval)
	}
	if _, err := j.cron.AddFunc("@every "+interval.String(), func() { j.Sweep() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	j.cron.Start()
	logger.Info().
		Dur("ttl", j.ttl).
		Dur("interval", interval).
		Msg("retention sweeps scheduled")
	return nil
}

// Stop halts scheduling and waits for a running sweep or ctx.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep runs one retention pass and reports what it removed.
func (j *Janitor) Sweep() (evicted, removed int) {
	logger := logging.Component("janitor")
	now := j.now()
	evicted = j.registry.Evict(now, j.ttl)

	removed, err := j.artifacts.Sweep(now, j.ttl)
	if err != nil {
		logger.Warn().Err(err).Msg("artifact sweep incomplete")
	}
	if evicted > 0 || removed > 0 {
		logger.Info().
			Int("evicted", evicted).
			Int("removed", removed).
			Msg("retention sweep")
	}
	return evicted, removed
}
