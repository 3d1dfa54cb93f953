// Package scheduler runs the cron maintenance jobs: pruning aged historical
// day files and snapshotting the live instance set.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// Persister writes the live instance set to disk. The instance manager
// satisfies this.
type Persister interface {
	Persist(ctx context.Context) error
}

// Deps are the scheduler's job targets.
type Deps struct {
	Historical interfaces.HistoricalStorage
	Instances  Persister
	Logger     arbor.ILogger
}

// jobEntry tracks one registered cron job.
type jobEntry struct {
	name     string
	schedule string
	handler  func(ctx context.Context) error
	enabled  bool
	cronID   cron.EntryID
	lastRun  time.Time
	lastErr  string
}

// Service wires the maintenance jobs into a cron runner. A blank schedule
// disables its job; scheduler.enabled=false disables the whole runner while
// keeping the jobs visible in Jobs().
type Service struct {
	deps          Deps
	enabled       bool
	retentionDays int
	cron          *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	order   []string
	started bool

	// runMu serializes job execution so prune and snapshot never overlap.
	runMu sync.Mutex
}

// NewService registers the maintenance jobs. Invalid cron expressions fail
// construction so a bad config surfaces at boot, not at 3am.
func NewService(cfg common.SchedulerConfig, retentionDays int, d Deps) (*Service, error) {
	s := &Service{
		deps:          d,
		enabled:       cfg.Enabled,
		retentionDays: retentionDays,
		cron:          cron.New(),
		jobs:          make(map[string]*jobEntry),
	}

	if err := s.register("historical-prune", cfg.HistoricalPrune, s.pruneHistorical); err != nil {
		return nil, err
	}
	if err := s.register("state-snapshot", cfg.SnapshotInterval, s.snapshotInstances); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) register(name, schedule string, handler func(ctx context.Context) error) error {
	entry := &jobEntry{
		name:     name,
		schedule: schedule,
		handler:  handler,
	}
	if schedule != "" {
		cronID, err := s.cron.AddFunc(schedule, func() { s.runJob(name) })
		if err != nil {
			return common.ValidationError("invalid %s schedule %q: %v", name, schedule, err)
		}
		entry.cronID = cronID
		entry.enabled = s.enabled
	}

	s.mu.Lock()
	s.jobs[name] = entry
	s.order = append(s.order, name)
	s.mu.Unlock()
	return nil
}

// Start begins the cron runner. A disabled scheduler starts as a no-op so
// the rest of the application never special-cases it.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return common.ConflictError("scheduler already running")
	}
	if !s.enabled {
		s.deps.Logger.Info().Msg("Scheduler disabled by configuration")
		return nil
	}

	s.cron.Start()
	s.started = true
	for _, name := range s.order {
		job := s.jobs[name]
		if job.enabled {
			s.deps.Logger.Info().Str("job", job.name).Str("schedule", job.schedule).Msg("Maintenance job scheduled")
		}
	}
	return nil
}

// Stop halts the cron runner and waits for an in-flight job to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.deps.Logger.Info().Msg("Scheduler stopped")
	return nil
}

// Jobs reports every registered job in registration order.
func (s *Service) Jobs() []interfaces.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]interfaces.JobStatus, 0, len(s.order))
	for _, name := range s.order {
		job := s.jobs[name]
		status := interfaces.JobStatus{
			Name:      job.name,
			Schedule:  job.schedule,
			Enabled:   job.enabled,
			LastRun:   job.lastRun,
			LastError: job.lastErr,
		}
		if s.started && job.enabled {
			status.NextRun = s.cron.Entry(job.cronID).Next
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// runJob executes one job with panic recovery and records its outcome.
func (s *Service) runJob(name string) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.recordRun(name, fmt.Errorf("panic: %v", r))
			s.deps.Logger.Error().Str("job", name).Str("panic", fmt.Sprintf("%v", r)).Msg("Recovered from panic in maintenance job")
		}
	}()

	err := job.handler(context.Background())
	s.recordRun(name, err)
	if err != nil {
		s.deps.Logger.Error().Str("job", name).Err(err).Msg("Maintenance job failed")
	}
}

func (s *Service) recordRun(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok {
		return
	}
	job.lastRun = time.Now().UTC()
	job.lastErr = ""
	if err != nil {
		job.lastErr = err.Error()
	}
}

// pruneHistorical deletes day files older than the retention window.
func (s *Service) pruneHistorical(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	removed, err := s.deps.Historical.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.deps.Logger.Info().
			Int("removed", removed).
			Str("cutoff", cutoff.Format(models.DateLayout)).
			Msg("Historical day files pruned")
	}
	return nil
}

// snapshotInstances persists the live instance set. The write is a whole-file
// replace, so running it on a quiet set is harmless.
func (s *Service) snapshotInstances(ctx context.Context) error {
	if s.deps.Instances == nil {
		return nil
	}
	return s.deps.Instances.Persist(ctx)
}
