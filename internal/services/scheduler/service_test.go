package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/models"
)

// fakeHistorical records Prune calls.
type fakeHistorical struct {
	mu       sync.Mutex
	cutoffs  []time.Time
	removed  int
	pruneErr error
}

func (f *fakeHistorical) StoreDay(context.Context, string, time.Time, []models.Bar) error {
	return nil
}

func (f *fakeHistorical) GetDay(context.Context, string, time.Time) ([]models.Bar, error) {
	return nil, nil
}

func (f *fakeHistorical) GetRange(context.Context, string, time.Time, time.Time) ([]models.Bar, error) {
	return nil, nil
}

func (f *fakeHistorical) ListDays(context.Context, string) ([]time.Time, error) { return nil, nil }
func (f *fakeHistorical) DeleteDay(context.Context, string, time.Time) error    { return nil }
func (f *fakeHistorical) DeleteSymbol(context.Context, string) error            { return nil }

func (f *fakeHistorical) Prune(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.pruneErr != nil {
		return 0, f.pruneErr
	}
	return f.removed, nil
}

func (f *fakeHistorical) pruneCalls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cutoffs...)
}

// fakePersister counts Persist calls.
type fakePersister struct {
	mu         sync.Mutex
	persists   int
	persistErr error
}

func (f *fakePersister) Persist(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persists++
	return f.persistErr
}

func (f *fakePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persists
}

func schedulerConfig() common.SchedulerConfig {
	return common.SchedulerConfig{
		Enabled:          true,
		HistoricalPrune:  "0 3 * * *",
		SnapshotInterval: "*/5 * * * *",
	}
}

func newTestService(t *testing.T, cfg common.SchedulerConfig) (*Service, *fakeHistorical, *fakePersister) {
	t.Helper()
	historical := &fakeHistorical{removed: 3}
	persister := &fakePersister{}
	service, err := NewService(cfg, 30, Deps{
		Historical: historical,
		Instances:  persister,
		Logger:     common.GetLogger(),
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() { _ = service.Stop() })
	return service, historical, persister
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	cfg := schedulerConfig()
	cfg.HistoricalPrune = "not a cron line"
	_, err := NewService(cfg, 30, Deps{Logger: common.GetLogger()})
	if !common.IsValidation(err) {
		t.Fatalf("invalid schedule error = %v, want validation", err)
	}
}

func TestSchedulerJobsListing(t *testing.T) {
	service, _, _ := newTestService(t, schedulerConfig())

	jobs := service.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[0].Name != "historical-prune" || jobs[1].Name != "state-snapshot" {
		t.Fatalf("job order = %s, %s", jobs[0].Name, jobs[1].Name)
	}
	if jobs[0].Schedule != "0 3 * * *" || !jobs[0].Enabled {
		t.Fatalf("prune job = %+v", jobs[0])
	}
	if !jobs[0].NextRun.IsZero() {
		t.Fatalf("next run before start = %s, want zero", jobs[0].NextRun)
	}

	if err := service.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	jobs = service.Jobs()
	for _, job := range jobs {
		if job.NextRun.IsZero() {
			t.Fatalf("job %s has no next run after start", job.Name)
		}
	}
}

func TestSchedulerBlankScheduleDisablesJob(t *testing.T) {
	cfg := schedulerConfig()
	cfg.SnapshotInterval = ""
	service, _, persister := newTestService(t, cfg)

	jobs := service.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if jobs[1].Name != "state-snapshot" || jobs[1].Enabled {
		t.Fatalf("snapshot job = %+v, want disabled", jobs[1])
	}
	if err := service.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if jobs := service.Jobs(); !jobs[1].NextRun.IsZero() {
		t.Fatalf("disabled job scheduled a run: %s", jobs[1].NextRun)
	}
	if persister.count() != 0 {
		t.Fatalf("persists = %d, want 0", persister.count())
	}
}

func TestSchedulerDisabledStartIsNoOp(t *testing.T) {
	cfg := schedulerConfig()
	cfg.Enabled = false
	service, _, _ := newTestService(t, cfg)

	if err := service.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	jobs := service.Jobs()
	for _, job := range jobs {
		if job.Enabled {
			t.Fatalf("job %s enabled under a disabled scheduler", job.Name)
		}
		if !job.NextRun.IsZero() {
			t.Fatalf("job %s scheduled under a disabled scheduler", job.Name)
		}
	}
	if err := service.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestSchedulerStartTwice(t *testing.T) {
	service, _, _ := newTestService(t, schedulerConfig())

	if err := service.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := service.Start(); !common.IsKind(err, common.KindConflict) {
		t.Fatalf("second Start() error = %v, want conflict", err)
	}
	if err := service.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := service.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestSchedulerPruneJob(t *testing.T) {
	service, historical, _ := newTestService(t, schedulerConfig())

	before := time.Now().UTC().AddDate(0, 0, -30)
	service.runJob("historical-prune")
	after := time.Now().UTC().AddDate(0, 0, -30)

	calls := historical.pruneCalls()
	if len(calls) != 1 {
		t.Fatalf("prune calls = %d, want 1", len(calls))
	}
	if calls[0].Before(before) || calls[0].After(after) {
		t.Fatalf("cutoff = %s, want now minus 30 days", calls[0])
	}

	jobs := service.Jobs()
	if jobs[0].LastRun.IsZero() {
		t.Fatal("prune job has no last run recorded")
	}
	if jobs[0].LastError != "" {
		t.Fatalf("prune job error = %q, want none", jobs[0].LastError)
	}
}

func TestSchedulerRecordsJobFailure(t *testing.T) {
	service, historical, _ := newTestService(t, schedulerConfig())
	historical.pruneErr = errors.New("disk gone")

	service.runJob("historical-prune")

	jobs := service.Jobs()
	if jobs[0].LastError != "disk gone" {
		t.Fatalf("prune job error = %q, want disk gone", jobs[0].LastError)
	}

	// The next successful run clears the error.
	historical.pruneErr = nil
	service.runJob("historical-prune")
	if jobs := service.Jobs(); jobs[0].LastError != "" {
		t.Fatalf("prune job error after recovery = %q, want none", jobs[0].LastError)
	}
}

func TestSchedulerSnapshotJob(t *testing.T) {
	service, _, persister := newTestService(t, schedulerConfig())

	service.runJob("state-snapshot")
	service.runJob("state-snapshot")
	if persister.count() != 2 {
		t.Fatalf("persists = %d, want 2", persister.count())
	}
}

func TestSchedulerRecoversFromJobPanic(t *testing.T) {
	service, _, _ := newTestService(t, schedulerConfig())
	service.jobs["state-snapshot"].handler = func(context.Context) error {
		panic("snapshot exploded")
	}

	service.runJob("state-snapshot")

	jobs := service.Jobs()
	if jobs[1].LastError != "panic: snapshot exploded" {
		t.Fatalf("snapshot job error = %q, want recovered panic", jobs[1].LastError)
	}
}
