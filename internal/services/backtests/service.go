// Package backtests owns backtest definitions and their runs. Definitions
// persist as documents; each run replays cached history on a background
// goroutine and its terminal snapshot is appended to the results file.
package backtests

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/backtest"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// Defaults is the capital model applied to every run. Definitions carry no
// capital fields, so all runs of a definition share these values.
type Defaults struct {
	StartingCapital float64
	Commission      float64
}

func (d Defaults) withFallbacks() Defaults {
	if d.StartingCapital <= 0 {
		d.StartingCapital = 50000
	}
	if d.Commission < 0 {
		d.Commission = 0
	}
	return d
}

// DefaultsFromConfig maps the backtest configuration section.
func DefaultsFromConfig(cfg common.BacktestConfig) Defaults {
	return Defaults{
		StartingCapital: cfg.StartingCapital,
		Commission:      cfg.Commission,
	}
}

// Deps are the service's collaborators.
type Deps struct {
	MarketData interfaces.MarketDataService
	Catalog    interfaces.AlgorithmCatalog
	Storage    interfaces.BacktestStorage
	Events     interfaces.EventService
	Logger     arbor.ILogger
}

// deps is Deps after construction, kept unexported so the fields cannot be
// swapped under a live service.
type deps struct {
	market  interfaces.MarketDataService
	catalog interfaces.AlgorithmCatalog
	storage interfaces.BacktestStorage
	events  interfaces.EventService
	logger  arbor.ILogger
}

// activeRun pairs an in-flight runner with its run ID so Stop can route to
// the right goroutine.
type activeRun struct {
	runID  string
	runner *backtest.Runner
}

// Service executes backtest definitions. At most one run per definition is
// in flight at a time; finished runs stay queryable and survive restarts
// through the results file.
type Service struct {
	deps     deps
	defaults Defaults

	mu       sync.Mutex
	runs     map[string]*models.BacktestInstance
	runOrder []string
	active   map[string]*activeRun // definition ID -> in-flight run
	closed   bool

	wg  sync.WaitGroup
	now func() time.Time
}

// NewService seeds the run history from the results file.
func NewService(ctx context.Context, d Deps, defaults Defaults) (*Service, error) {
	s := &Service{
		deps: deps{
			market:  d.MarketData,
			catalog: d.Catalog,
			storage: d.Storage,
			events:  d.Events,
			logger:  d.Logger,
		},
		defaults: defaults.withFallbacks(),
		runs:     make(map[string]*models.BacktestInstance),
		active:   make(map[string]*activeRun),
		now:      time.Now,
	}

	stored, err := s.deps.storage.LoadResults(ctx)
	if err != nil {
		return nil, err
	}
	for _, run := range stored {
		snapshot := *run
		s.runs[run.ID] = &snapshot
		s.runOrder = append(s.runOrder, run.ID)
	}
	s.deps.logger.Info().Int("runs", len(s.runs)).Msg("Backtest history loaded")
	return s, nil
}

// CreateDefinition validates and persists a new definition. A caller-supplied
// ID must not collide with an existing definition.
func (s *Service) CreateDefinition(ctx context.Context, def *models.BacktestDefinition) (*models.BacktestDefinition, error) {
	if def == nil {
		return nil, common.ValidationError("backtest definition is required")
	}

	stored := *def
	if stored.ID == "" {
		stored.ID = common.NewBacktestDefinitionID()
	} else if _, err := s.deps.storage.GetDefinition(ctx, stored.ID); err == nil {
		return nil, common.ConflictError("backtest %q already exists", stored.ID)
	}
	if err := stored.Validate(); err != nil {
		return nil, common.ValidationError("invalid backtest definition: %v", err)
	}

	now := s.now().UTC()
	stored.CreatedAt = now
	stored.LastModifiedAt = now
	if err := s.deps.storage.StoreDefinition(ctx, &stored); err != nil {
		return nil, err
	}
	s.deps.logger.Info().Str("backtest", stored.ID).Str("name", stored.Name).Msg("Backtest definition created")
	return &stored, nil
}

// UpdateDefinition replaces the definition's fields, preserving its creation
// time. Updating while a run is active is allowed; the active run keeps the
// binding it started with.
func (s *Service) UpdateDefinition(ctx context.Context, id string, def *models.BacktestDefinition) (*models.BacktestDefinition, error) {
	if def == nil {
		return nil, common.ValidationError("backtest definition is required")
	}
	existing, err := s.deps.storage.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *def
	updated.ID = id
	updated.CreatedAt = existing.CreatedAt
	updated.LastModifiedAt = s.now().UTC()
	if err := updated.Validate(); err != nil {
		return nil, common.ValidationError("invalid backtest definition: %v", err)
	}
	if err := s.deps.storage.StoreDefinition(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) GetDefinition(ctx context.Context, id string) (*models.BacktestDefinition, error) {
	return s.deps.storage.GetDefinition(ctx, id)
}

func (s *Service) GetAllDefinitions(ctx context.Context) ([]*models.BacktestDefinition, error) {
	return s.deps.storage.GetAllDefinitions(ctx)
}

// DeleteDefinition removes the definition document. Its historical runs stay
// queryable until deleted individually.
func (s *Service) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		return common.ConflictError("backtest %q has an active run", id)
	}
	s.mu.Unlock()
	return s.deps.storage.DeleteDefinition(ctx, id)
}

// Run assembles the definition's replay series and starts it on a background
// goroutine, returning the run's CREATED snapshot. The goroutine outlives the
// request context; Stop terminates it cooperatively.
func (s *Service) Run(ctx context.Context, definitionID string) (*models.BacktestInstance, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, common.ConflictError("backtest service is closed")
	}
	if _, ok := s.active[definitionID]; ok {
		s.mu.Unlock()
		return nil, common.ConflictError("backtest %q already has an active run", definitionID)
	}
	s.mu.Unlock()

	def, err := s.deps.storage.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	algorithm, err := s.deps.catalog.Get(def.AlgorithmName)
	if err != nil {
		return nil, common.ValidationError("unknown algorithm %q", def.AlgorithmName)
	}
	series, err := s.loadSeries(ctx, def)
	if err != nil {
		return nil, err
	}

	run := models.BacktestInstance{
		ID:              common.NewBacktestID(),
		DefinitionID:    def.ID,
		Name:            def.Name,
		Symbol:          def.Symbol,
		AlgorithmName:   def.AlgorithmName,
		StartDate:       def.StartDate,
		EndDate:         def.EndDate,
		LagTicks:        def.LagTicks,
		Status:          models.BacktestCreated,
		StartingCapital: s.defaults.StartingCapital,
		Commission:      s.defaults.Commission,
		CreatedAt:       s.now().UTC(),
	}
	runner := backtest.NewRunner(run, algorithm, series, s.deps.logger, backtest.Hooks{
		OnProgress: func(snapshot models.BacktestInstance) {
			s.storeSnapshot(snapshot)
			s.publish(snapshot)
		},
		OnComplete: func(snapshot models.BacktestInstance) {
			s.finishRun(def.ID, snapshot)
			s.publish(snapshot)
		},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, common.ConflictError("backtest service is closed")
	}
	if _, ok := s.active[definitionID]; ok {
		s.mu.Unlock()
		return nil, common.ConflictError("backtest %q already has an active run", definitionID)
	}
	stored := run
	s.runs[run.ID] = &stored
	s.runOrder = append(s.runOrder, run.ID)
	s.active[definitionID] = &activeRun{runID: run.ID, runner: runner}
	s.mu.Unlock()

	s.deps.logger.Info().
		Str("backtest", def.ID).
		Str("run", run.ID).
		Int("bars", series.Count()).
		Msg("Backtest run starting")

	s.wg.Add(1)
	common.SafeGo(s.deps.logger, "backtest-"+run.ID, func() {
		defer s.wg.Done()
		defer s.clearActive(def.ID, run.ID)
		runner.Run(context.Background())
	})

	snapshot := run
	return &snapshot, nil
}

// Stop requests cooperative termination of the definition's active run. The
// run finishes the bar it is on and lands in STOPPED.
func (s *Service) Stop(ctx context.Context, definitionID string) error {
	s.mu.Lock()
	run, ok := s.active[definitionID]
	s.mu.Unlock()
	if !ok {
		return common.NotFoundError("no active run for backtest %q", definitionID)
	}
	run.runner.Stop()
	s.deps.logger.Info().Str("backtest", definitionID).Str("run", run.runID).Msg("Backtest stop requested")
	return nil
}

// Status returns the definition's most recent run.
func (s *Service) Status(ctx context.Context, definitionID string) (*models.BacktestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if run.DefinitionID == definitionID {
			snapshot := *run
			return &snapshot, nil
		}
	}
	return nil, common.NotFoundError("no runs for backtest %q", definitionID)
}

// Runs returns every known run, newest first.
func (s *Service) Runs(ctx context.Context) ([]*models.BacktestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]*models.BacktestInstance, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		snapshot := *s.runs[s.runOrder[i]]
		runs = append(runs, &snapshot)
	}
	return runs, nil
}

func (s *Service) GetRun(ctx context.Context, runID string) (*models.BacktestInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, common.NotFoundError("backtest run %q not found", runID)
	}
	snapshot := *run
	return &snapshot, nil
}

// DeleteRun removes a finished run from the history and rewrites the results
// file.
func (s *Service) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return common.NotFoundError("backtest run %q not found", runID)
	}
	switch run.Status {
	case models.BacktestCreated, models.BacktestRunning:
		s.mu.Unlock()
		return common.ConflictError("backtest run %q is still active", runID)
	}
	delete(s.runs, runID)
	for i, id := range s.runOrder {
		if id == runID {
			s.runOrder = append(s.runOrder[:i], s.runOrder[i+1:]...)
			break
		}
	}
	err := s.saveResultsLocked(ctx)
	s.mu.Unlock()
	return err
}

// Close stops all active runs and waits for their goroutines to finish.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	runners := make([]*backtest.Runner, 0, len(s.active))
	for _, run := range s.active {
		runners = append(runners, run.runner)
	}
	s.mu.Unlock()

	for _, runner := range runners {
		runner.Stop()
	}
	s.wg.Wait()
	s.deps.logger.Info().Msg("Backtest service closed")
	return nil
}

// loadSeries resolves the definition's contract and assembles 1-minute bars
// for its inclusive date range.
func (s *Service) loadSeries(ctx context.Context, def *models.BacktestDefinition) (*models.Series, error) {
	start, end, err := def.DateRange()
	if err != nil {
		return nil, common.ValidationError("invalid backtest dates: %v", err)
	}

	contracts, err := s.deps.market.Contracts(ctx, def.Symbol, false)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, common.NotFoundError("no contract matches symbol %q", def.Symbol)
	}
	contractID := contracts[0].ID

	bars, err := s.deps.market.GetBars(ctx, def.Symbol, contractID, start, end.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	series := models.NewSeries(contractID)
	for _, bar := range bars {
		if err := series.Append(bar); err != nil {
			return nil, common.InternalError("replay series assembly", err)
		}
	}
	return series, nil
}

func (s *Service) storeSnapshot(snapshot models.BacktestInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeSnapshotLocked(snapshot)
}

func (s *Service) storeSnapshotLocked(snapshot models.BacktestInstance) {
	stored := snapshot
	s.runs[snapshot.ID] = &stored
}

// finishRun records the terminal snapshot, frees the definition for its next
// run and rewrites the results file.
func (s *Service) finishRun(definitionID string, snapshot models.BacktestInstance) {
	s.mu.Lock()
	s.storeSnapshotLocked(snapshot)
	if run, ok := s.active[definitionID]; ok && run.runID == snapshot.ID {
		delete(s.active, definitionID)
	}
	err := s.saveResultsLocked(context.Background())
	s.mu.Unlock()
	if err != nil {
		s.deps.logger.Warn().Str("backtest", snapshot.ID).Err(err).Msg("Backtest history write failed")
	}
}

// clearActive is the backstop for a runner goroutine that never reached its
// completion hook. Normal completion already freed the slot.
func (s *Service) clearActive(definitionID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.active[definitionID]; ok && run.runID == runID {
		delete(s.active, definitionID)
	}
}

// saveResultsLocked rewrites the results file with every terminal run, oldest
// first. Callers hold s.mu.
func (s *Service) saveResultsLocked(ctx context.Context) error {
	finished := make([]*models.BacktestInstance, 0, len(s.runOrder))
	for _, id := range s.runOrder {
		run := s.runs[id]
		switch run.Status {
		case models.BacktestCompleted, models.BacktestFailed, models.BacktestStopped:
			finished = append(finished, run)
		}
	}
	return s.deps.storage.SaveResults(ctx, finished)
}

func (s *Service) publish(snapshot models.BacktestInstance) {
	if s.deps.events == nil {
		return
	}
	event := interfaces.Event{Type: interfaces.EventBacktestUpdate, Payload: snapshot}
	if err := s.deps.events.Publish(context.Background(), event); err != nil {
		s.deps.logger.Warn().Str("backtest", snapshot.ID).Err(err).Msg("Event publish failed")
	}
}
