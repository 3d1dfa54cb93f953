package instances

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/engine"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
)

// DefaultPollInterval is how often the state poller snapshots instances when
// the configuration does not override it.
const DefaultPollInterval = time.Second

// Deps are the manager's collaborators. MarketData, Broker and Events are
// handed to every runtime it constructs.
type Deps struct {
	MarketData interfaces.MarketDataService
	Broker     interfaces.BrokerClient
	Events     interfaces.EventService
	Storage    interfaces.InstanceStorage
	Catalog    interfaces.AlgorithmCatalog
	Logger     arbor.ILogger
}

// Manager owns the instance set: one engine runtime per persisted definition,
// created eagerly at load so state reads never race construction.
type Manager struct {
	deps deps
	opts engine.Options

	mu       sync.RWMutex
	runtimes map[string]*engine.Runtime
	order    []string
	closed   bool

	pollInterval time.Duration
	pollStop     chan struct{}
	pollDone     chan struct{}

	now func() time.Time
}

// deps is Deps after validation, kept unexported so the fields cannot be
// swapped under a live manager.
type deps struct {
	market  interfaces.MarketDataService
	broker  interfaces.BrokerClient
	events  interfaces.EventService
	storage interfaces.InstanceStorage
	catalog interfaces.AlgorithmCatalog
	logger  arbor.ILogger
}

// NewManager loads the persisted instance set, builds a stopped runtime for
// each definition and starts the state poller. Definitions whose algorithm
// is missing from the catalog still load; they refuse their next start.
func NewManager(ctx context.Context, d Deps, opts engine.Options, pollInterval time.Duration) (*Manager, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	m := &Manager{
		deps: deps{
			market:  d.MarketData,
			broker:  d.Broker,
			events:  d.Events,
			storage: d.Storage,
			catalog: d.Catalog,
			logger:  d.Logger,
		},
		opts:         opts,
		runtimes:     make(map[string]*engine.Runtime),
		pollInterval: pollInterval,
		pollStop:     make(chan struct{}),
		pollDone:     make(chan struct{}),
		now:          time.Now,
	}

	set, err := m.deps.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, config := range set.Instances {
		algorithm, algErr := m.deps.catalog.Get(config.AlgorithmName)
		if algErr != nil {
			m.deps.logger.Warn().
				Str("instance", config.Name).
				Str("algorithm", config.AlgorithmName).
				Msg("Stored instance references a missing algorithm")
			algorithm = nil
		}
		m.runtimes[config.ID] = engine.New(config, algorithm, m.engineDeps(), m.opts)
		m.order = append(m.order, config.ID)
	}
	metrics.InstancesTotal.Set(float64(len(m.runtimes)))
	m.deps.logger.Info().Int("instances", len(m.runtimes)).Msg("Instance set loaded")

	common.SafeGo(m.deps.logger, "instance-state-poller", m.pollLoop)
	return m, nil
}

func (m *Manager) engineDeps() engine.Deps {
	return engine.Deps{
		MarketData: m.deps.market,
		Broker:     m.deps.broker,
		Events:     m.deps.events,
		Logger:     m.deps.logger,
	}
}

// CreateInstance validates the definition, binds its algorithm and adds a
// stopped runtime to the set. With save the whole set is persisted before
// the create is acknowledged; a failed write rolls the instance back out.
func (m *Manager) CreateInstance(ctx context.Context, config models.InstanceConfig, save bool) (*models.InstanceState, error) {
	if config.ID == "" {
		config.ID = common.NewInstanceID()
	}
	if err := config.Validate(); err != nil {
		return nil, common.ValidationError("invalid instance: %v", err)
	}
	algorithm, err := m.deps.catalog.Get(config.AlgorithmName)
	if err != nil {
		return nil, common.ValidationError("unknown algorithm %q", config.AlgorithmName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, common.ConflictError("instance manager is closed")
	}
	if _, ok := m.runtimes[config.ID]; ok {
		return nil, common.ConflictError("instance %q already exists", config.ID)
	}
	for _, id := range m.order {
		if m.runtimes[id].Config().Name == config.Name {
			return nil, common.ConflictError("instance name %q already in use", config.Name)
		}
	}

	rt := engine.New(config, algorithm, m.engineDeps(), m.opts)
	m.runtimes[config.ID] = rt
	m.order = append(m.order, config.ID)

	if save {
		if err := m.persistLocked(ctx); err != nil {
			delete(m.runtimes, config.ID)
			m.order = m.order[:len(m.order)-1]
			return nil, err
		}
	}
	metrics.InstancesTotal.Set(float64(len(m.runtimes)))

	state := rt.State()
	m.publish(interfaces.EventInstanceCreated, state)
	m.deps.logger.Info().
		Str("instance", config.Name).
		Str("id", config.ID).
		Str("algorithm", config.AlgorithmName).
		Msg("Instance created")
	return &state, nil
}

// UpdateInstance replaces a stopped instance's definition. The runtime is
// rebuilt so the new algorithm and tick economics take effect from scratch.
func (m *Manager) UpdateInstance(ctx context.Context, id string, patch models.InstanceConfig) (*models.InstanceState, error) {
	patch.ID = id
	if err := patch.Validate(); err != nil {
		return nil, common.ValidationError("invalid instance: %v", err)
	}
	algorithm, err := m.deps.catalog.Get(patch.AlgorithmName)
	if err != nil {
		return nil, common.ValidationError("unknown algorithm %q", patch.AlgorithmName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.runtimes[id]
	if !ok {
		return nil, common.NotFoundError("instance %q not found", id)
	}
	if old.State().Status != models.StatusStopped {
		return nil, common.ConflictError("instance %q must be stopped before updating", old.Config().Name)
	}
	for _, otherID := range m.order {
		if otherID != id && m.runtimes[otherID].Config().Name == patch.Name {
			return nil, common.ConflictError("instance name %q already in use", patch.Name)
		}
	}

	rt := engine.New(patch, algorithm, m.engineDeps(), m.opts)
	m.runtimes[id] = rt
	if err := m.persistLocked(ctx); err != nil {
		m.runtimes[id] = old
		return nil, err
	}
	_ = old.Dispose()

	state := rt.State()
	m.publish(interfaces.EventInstanceStateChanged, state)
	m.deps.logger.Info().Str("instance", patch.Name).Str("id", id).Msg("Instance updated")
	return &state, nil
}

// DeleteInstance disposes the runtime, removes the definition from the set
// and persists the remainder.
func (m *Manager) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[id]
	if !ok {
		return common.NotFoundError("instance %q not found", id)
	}

	_ = rt.Dispose()
	delete(m.runtimes, id)
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	metrics.InstancesTotal.Set(float64(len(m.runtimes)))

	if err := m.persistLocked(ctx); err != nil {
		// The runtime is already disposed; surface the write failure rather
		// than resurrecting a half-deleted instance.
		m.deps.logger.Error().Str("id", id).Err(err).Msg("Instance set save failed after delete")
		return err
	}

	m.publish(interfaces.EventInstanceDeleted, models.InstanceRef{InstanceID: id})
	m.deps.logger.Info().Str("instance", rt.Config().Name).Str("id", id).Msg("Instance deleted")
	return nil
}

// StartInstance starts the runtime. The manager lock is released first;
// starting backfills history and touches the network.
func (m *Manager) StartInstance(ctx context.Context, id string) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	return rt.Start(ctx)
}

// StopInstance stops the runtime. Stopping an already stopped instance is a
// no-op.
func (m *Manager) StopInstance(ctx context.Context, id string) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	return rt.Stop()
}

// PauseInstance pauses a running runtime.
func (m *Manager) PauseInstance(ctx context.Context, id string) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	return rt.Pause()
}

// ResumeInstance resumes a paused runtime.
func (m *Manager) ResumeInstance(ctx context.Context, id string) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	return rt.Resume()
}

// GetInstanceState returns a read snapshot of one instance.
func (m *Manager) GetInstanceState(id string) (models.InstanceState, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return models.InstanceState{}, err
	}
	return rt.State(), nil
}

// GetAllInstanceStates returns snapshots of every instance in creation order.
func (m *Manager) GetAllInstanceStates() []models.InstanceState {
	states := make([]models.InstanceState, 0, len(m.order))
	for _, rt := range m.snapshot() {
		states = append(states, rt.State())
	}
	return states
}

// GetAllInstances returns the persisted definitions in creation order.
func (m *Manager) GetAllInstances() []models.InstanceConfig {
	configs := make([]models.InstanceConfig, 0, len(m.order))
	for _, rt := range m.snapshot() {
		configs = append(configs, rt.Config())
	}
	return configs
}

// GetChartData returns the instance's bars and indicator sequences.
func (m *Manager) GetChartData(id string) (*models.ChartData, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return nil, err
	}
	return rt.ChartData(), nil
}

// GetLogs returns the instance log, oldest first.
func (m *Manager) GetLogs(id string) ([]models.InstanceLogEntry, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return nil, err
	}
	return rt.Logs(), nil
}

// GetTrades returns the instance's closed trades.
func (m *Manager) GetTrades(id string) ([]models.Trade, error) {
	rt, err := m.runtime(id)
	if err != nil {
		return nil, err
	}
	return rt.Trades(), nil
}

// Counts returns the total and RUNNING instance counts.
func (m *Manager) Counts() (int, int) {
	running := 0
	runtimes := m.snapshot()
	for _, rt := range runtimes {
		if rt.State().Status == models.StatusRunning {
			running++
		}
	}
	return len(runtimes), running
}

// Close stops the poller and every runtime. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.pollStop)
	<-m.pollDone

	for _, rt := range m.snapshot() {
		if err := rt.Stop(); err != nil {
			m.deps.logger.Warn().Str("instance", rt.Config().Name).Err(err).Msg("Stop on close failed")
		}
	}
	m.deps.logger.Info().Msg("Instance manager closed")
	return nil
}

// runtime returns the runtime for an ID under a read lock.
func (m *Manager) runtime(id string) (*engine.Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[id]
	if !ok {
		return nil, common.NotFoundError("instance %q not found", id)
	}
	return rt, nil
}

// snapshot copies the runtime refs in creation order so callers can take
// per-runtime locks without holding the manager lock.
func (m *Manager) snapshot() []*engine.Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine.Runtime, 0, len(m.order))
	for _, id := range m.order {
		if rt, ok := m.runtimes[id]; ok {
			out = append(out, rt)
		}
	}
	return out
}

// persistLocked writes the whole instance set. Callers hold mu.
func (m *Manager) persistLocked(ctx context.Context) error {
	set := &models.InstanceSet{
		Instances: make([]models.InstanceConfig, 0, len(m.order)),
		LastSaved: m.now().UTC(),
	}
	for _, id := range m.order {
		if rt, ok := m.runtimes[id]; ok {
			set.Instances = append(set.Instances, rt.Config())
		}
	}
	return m.deps.storage.Save(ctx, set)
}

// Persist saves the current instance set. The scheduler's snapshot job calls
// this so definitions survive a crash between explicit saves.
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistLocked(ctx)
}

func (m *Manager) publish(eventType interfaces.EventType, payload interface{}) {
	if m.deps.events == nil {
		return
	}
	if err := m.deps.events.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.deps.logger.Warn().Str("event", string(eventType)).Err(err).Msg("Event publish failed")
	}
}
