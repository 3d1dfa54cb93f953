package backtests

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

var serviceBase = time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

// captureBus records published events and forwards each one to a channel so
// tests can wait for run updates. A gated bus uses an unbuffered channel,
// turning every publish into a rendezvous that parks the runner goroutine
// until the test receives.
type captureBus struct {
	mu     sync.Mutex
	events []interfaces.Event
	ch     chan interfaces.Event
}

func newCaptureBus() *captureBus {
	return &captureBus{ch: make(chan interfaces.Event, 256)}
}

func newGatedBus() *captureBus {
	return &captureBus{ch: make(chan interfaces.Event)}
}

func (b *captureBus) Publish(_ context.Context, event interfaces.Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	b.ch <- event
	return nil
}

func (b *captureBus) PublishSync(ctx context.Context, event interfaces.Event) error {
	return b.Publish(ctx, event)
}

func (b *captureBus) Subscribe(interfaces.EventType, interfaces.EventHandler) (interfaces.Subscription, error) {
	return nil, nil
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) byType(eventType interfaces.EventType) []interfaces.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []interfaces.Event
	for _, event := range b.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func nextEvent(t *testing.T, bus *captureBus) models.BacktestInstance {
	t.Helper()
	select {
	case event := <-bus.ch:
		run, ok := event.Payload.(models.BacktestInstance)
		if !ok {
			t.Fatalf("event payload = %T, want BacktestInstance", event.Payload)
		}
		return run
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a backtest event")
		return models.BacktestInstance{}
	}
}

// waitTerminal receives run updates until the run reaches a terminal status,
// letting a gated runner make progress along the way.
func waitTerminal(t *testing.T, bus *captureBus, runID string) models.BacktestInstance {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-bus.ch:
			run, ok := event.Payload.(models.BacktestInstance)
			if !ok || run.ID != runID {
				continue
			}
			switch run.Status {
			case models.BacktestCompleted, models.BacktestFailed, models.BacktestStopped:
				return run
			}
		case <-deadline:
			t.Fatalf("run %s never reached a terminal status", runID)
		}
	}
}

// fakeBacktestStore is an in-memory BacktestStorage.
type fakeBacktestStore struct {
	mu          sync.Mutex
	definitions map[string]*models.BacktestDefinition
	results     []*models.BacktestInstance
	saveCalls   int
}

func newFakeBacktestStore() *fakeBacktestStore {
	return &fakeBacktestStore{definitions: make(map[string]*models.BacktestDefinition)}
}

func (f *fakeBacktestStore) StoreDefinition(_ context.Context, def *models.BacktestDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *def
	f.definitions[def.ID] = &stored
	return nil
}

func (f *fakeBacktestStore) GetDefinition(_ context.Context, id string) (*models.BacktestDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.definitions[id]
	if !ok {
		return nil, common.NotFoundError("backtest definition %s not found", id)
	}
	snapshot := *def
	return &snapshot, nil
}

func (f *fakeBacktestStore) GetAllDefinitions(context.Context) ([]*models.BacktestDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defs := make([]*models.BacktestDefinition, 0, len(f.definitions))
	for _, def := range f.definitions {
		snapshot := *def
		defs = append(defs, &snapshot)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (f *fakeBacktestStore) DeleteDefinition(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.definitions[id]; !ok {
		return common.NotFoundError("backtest definition %s not found", id)
	}
	delete(f.definitions, id)
	return nil
}

func (f *fakeBacktestStore) SaveResults(_ context.Context, runs []*models.BacktestInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := make([]*models.BacktestInstance, 0, len(runs))
	for _, run := range runs {
		snapshot := *run
		saved = append(saved, &snapshot)
	}
	f.results = saved
	f.saveCalls++
	return nil
}

func (f *fakeBacktestStore) LoadResults(context.Context) ([]*models.BacktestInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.BacktestInstance(nil), f.results...), nil
}

func (f *fakeBacktestStore) savedResults() []*models.BacktestInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.BacktestInstance(nil), f.results...)
}

// fakeCatalog is an in-memory AlgorithmCatalog.
type fakeCatalog struct {
	mu         sync.Mutex
	algorithms map[string]*models.Algorithm
}

func newFakeCatalog(algorithms ...*models.Algorithm) *fakeCatalog {
	c := &fakeCatalog{algorithms: make(map[string]*models.Algorithm)}
	for _, algorithm := range algorithms {
		c.algorithms[algorithm.Name] = algorithm
	}
	return c
}

func (c *fakeCatalog) Save(_ context.Context, algorithm *models.Algorithm) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.algorithms[algorithm.Name] = algorithm.Clone()
	return nil
}

func (c *fakeCatalog) Get(name string) (*models.Algorithm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	algorithm, ok := c.algorithms[name]
	if !ok {
		return nil, common.NotFoundError("algorithm %q not found", name)
	}
	return algorithm.Clone(), nil
}

func (c *fakeCatalog) GetAll() []*models.Algorithm {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := make([]*models.Algorithm, 0, len(c.algorithms))
	for _, algorithm := range c.algorithms {
		all = append(all, algorithm.Clone())
	}
	return all
}

func (c *fakeCatalog) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.algorithms, name)
	return nil
}

func (c *fakeCatalog) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.algorithms[name]
	return ok
}

// fakeMarket serves a fixed contract and bar set.
type fakeMarket struct {
	mu        sync.Mutex
	bars      []models.Bar
	barsErr   error
	contracts []models.Contract
	calls     []barRequest
}

type barRequest struct {
	symbol     string
	contractID string
	start      time.Time
	end        time.Time
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{contracts: []models.Contract{{
		ID:             "CON.F.US.EP.M25",
		Name:           "ESM25",
		TickSize:       0.25,
		TickValue:      12.5,
		ActiveContract: true,
	}}}
}

func (m *fakeMarket) setBars(bars []models.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars = bars
}

func (m *fakeMarket) setBarsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barsErr = err
}

func (m *fakeMarket) setContracts(contracts []models.Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts = contracts
}

func (m *fakeMarket) requests() []barRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]barRequest(nil), m.calls...)
}

func (m *fakeMarket) GetBars(_ context.Context, symbol, contractID string, start, end time.Time) ([]models.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, barRequest{symbol: symbol, contractID: contractID, start: start, end: end})
	if m.barsErr != nil {
		return nil, m.barsErr
	}
	return append([]models.Bar(nil), m.bars...), nil
}

func (m *fakeMarket) Subscribe(context.Context, string, interfaces.TradeConsumer) (interfaces.StreamHandle, error) {
	return nil, nil
}

func (m *fakeMarket) ActiveStreamCount() int               { return 0 }
func (m *fakeMarket) TestConnection(context.Context) error { return nil }

func (m *fakeMarket) Accounts(context.Context, bool) ([]models.Account, error) {
	return nil, nil
}

func (m *fakeMarket) Contracts(context.Context, string, bool) ([]models.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Contract(nil), m.contracts...), nil
}

func (m *fakeMarket) Connected() bool { return true }
func (m *fakeMarket) Close() error    { return nil }

func replayBars(closes ...float64) []models.Bar {
	bars := make([]models.Bar, 0, len(closes))
	for i, price := range closes {
		bars = append(bars, models.Bar{
			ContractID: "CON.F.US.EP.M25",
			Timestamp:  serviceBase.Add(time.Duration(i) * time.Minute),
			Open:       price,
			High:       price,
			Low:        price,
			Close:      price,
			Volume:     10,
		})
	}
	return bars
}

func flatBars(n int, price float64) []models.Bar {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	return replayBars(closes...)
}

// serviceAlgorithm enters LONG on the first bar above 4500 and holds until
// the replay force-closes it.
func serviceAlgorithm() *models.Algorithm {
	return &models.Algorithm{
		Name: "breakout",
		Indicators: []models.IndicatorConfig{
			{Name: "SMA1", Type: models.IndicatorSMA, Parameters: map[string]interface{}{"period": 1}},
		},
		EntryConditions: []models.TradingCondition{{
			Type:       models.ConditionThreshold,
			Side:       models.SideLong,
			Parameters: map[string]interface{}{"indicator": "SMA1", "comparison": ">", "threshold": 4500.0},
		}},
	}
}

func definition(name string) *models.BacktestDefinition {
	return &models.BacktestDefinition{
		Name:          name,
		Symbol:        "ES",
		AlgorithmName: "breakout",
		StartDate:     "2025-03-03",
		EndDate:       "2025-03-03",
	}
}

type harness struct {
	service *Service
	store   *fakeBacktestStore
	market  *fakeMarket
	catalog *fakeCatalog
	bus     *captureBus
}

func newHarness(t *testing.T, bus *captureBus) *harness {
	t.Helper()
	store := newFakeBacktestStore()
	market := newFakeMarket()
	catalog := newFakeCatalog(serviceAlgorithm())
	service, err := NewService(context.Background(), Deps{
		MarketData: market,
		Catalog:    catalog,
		Storage:    store,
		Events:     bus,
		Logger:     common.GetLogger(),
	}, Defaults{StartingCapital: 10000, Commission: 2})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })
	return &harness{service: service, store: store, market: market, catalog: catalog, bus: bus}
}

func runIDs(runs []*models.BacktestInstance) []string {
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	return ids
}

func TestServiceCreateDefinition(t *testing.T) {
	h := newHarness(t, newCaptureBus())
	stamp := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h.service.now = func() time.Time { return stamp }

	created, err := h.service.CreateDefinition(context.Background(), definition("es-breakout"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	if !strings.HasPrefix(created.ID, "btd_") {
		t.Fatalf("definition ID = %q, want btd_ prefix", created.ID)
	}
	if !created.CreatedAt.Equal(stamp) || !created.LastModifiedAt.Equal(stamp) {
		t.Fatalf("timestamps = %s / %s, want %s", created.CreatedAt, created.LastModifiedAt, stamp)
	}

	stored, err := h.service.GetDefinition(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetDefinition() error = %v", err)
	}
	if stored.Name != "es-breakout" || stored.Symbol != "ES" {
		t.Fatalf("stored definition = %+v", stored)
	}

	if _, err := h.service.CreateDefinition(context.Background(), nil); !common.IsValidation(err) {
		t.Fatalf("nil definition error = %v, want validation", err)
	}
	bad := definition("bad-dates")
	bad.EndDate = "2025-02-01"
	if _, err := h.service.CreateDefinition(context.Background(), bad); !common.IsValidation(err) {
		t.Fatalf("reversed dates error = %v, want validation", err)
	}
}

func TestServiceCreateDefinitionConflict(t *testing.T) {
	h := newHarness(t, newCaptureBus())

	pinned := definition("pinned")
	pinned.ID = "btd_fixed"
	if _, err := h.service.CreateDefinition(context.Background(), pinned); err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	duplicate := definition("duplicate")
	duplicate.ID = "btd_fixed"
	if _, err := h.service.CreateDefinition(context.Background(), duplicate); !common.IsKind(err, common.KindConflict) {
		t.Fatalf("duplicate ID error = %v, want conflict", err)
	}
}

func TestServiceUpdateDefinition(t *testing.T) {
	h := newHarness(t, newCaptureBus())
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h.service.now = func() time.Time { return created }

	def, err := h.service.CreateDefinition(context.Background(), definition("original"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}

	modified := created.Add(time.Hour)
	h.service.now = func() time.Time { return modified }
	patch := definition("renamed")
	patch.ID = "btd_ignored"
	patch.EndDate = "2025-03-05"
	updated, err := h.service.UpdateDefinition(context.Background(), def.ID, patch)
	if err != nil {
		t.Fatalf("UpdateDefinition() error = %v", err)
	}
	if updated.ID != def.ID {
		t.Fatalf("updated ID = %q, want %q", updated.ID, def.ID)
	}
	if updated.Name != "renamed" || updated.EndDate != "2025-03-05" {
		t.Fatalf("updated definition = %+v", updated)
	}
	if !updated.CreatedAt.Equal(created) || !updated.LastModifiedAt.Equal(modified) {
		t.Fatalf("timestamps = %s / %s, want created preserved", updated.CreatedAt, updated.LastModifiedAt)
	}

	if _, err := h.service.UpdateDefinition(context.Background(), "btd_missing", definition("x")); !common.IsNotFound(err) {
		t.Fatalf("missing definition error = %v, want not found", err)
	}
	if _, err := h.service.UpdateDefinition(context.Background(), def.ID, nil); !common.IsValidation(err) {
		t.Fatalf("nil update error = %v, want validation", err)
	}
	if _, err := h.service.UpdateDefinition(context.Background(), def.ID, definition("")); !common.IsValidation(err) {
		t.Fatalf("invalid update error = %v, want validation", err)
	}
	current, err := h.service.GetDefinition(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("GetDefinition() error = %v", err)
	}
	if current.Name != "renamed" {
		t.Fatalf("failed update overwrote definition: %+v", current)
	}
}

func TestServiceDeleteDefinition(t *testing.T) {
	h := newHarness(t, newCaptureBus())

	def, err := h.service.CreateDefinition(context.Background(), definition("doomed"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	if err := h.service.DeleteDefinition(context.Background(), def.ID); err != nil {
		t.Fatalf("DeleteDefinition() error = %v", err)
	}
	if _, err := h.service.GetDefinition(context.Background(), def.ID); !common.IsNotFound(err) {
		t.Fatalf("deleted definition error = %v, want not found", err)
	}
	if err := h.service.DeleteDefinition(context.Background(), def.ID); !common.IsNotFound(err) {
		t.Fatalf("second delete error = %v, want not found", err)
	}
}

func TestServiceGetAllDefinitions(t *testing.T) {
	h := newHarness(t, newCaptureBus())
	for _, name := range []string{"alpha", "beta"} {
		if _, err := h.service.CreateDefinition(context.Background(), definition(name)); err != nil {
			t.Fatalf("CreateDefinition(%s) error = %v", name, err)
		}
	}
	defs, err := h.service.GetAllDefinitions(context.Background())
	if err != nil {
		t.Fatalf("GetAllDefinitions() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
}

func TestServiceRunCompletes(t *testing.T) {
	h := newHarness(t, newCaptureBus())
	h.market.setBars(replayBars(4510, 4512, 4514, 4516))

	def, err := h.service.CreateDefinition(context.Background(), definition("es-breakout"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	snapshot, err := h.service.Run(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(snapshot.ID, "bt_") {
		t.Fatalf("run ID = %q, want bt_ prefix", snapshot.ID)
	}
	if snapshot.Status != models.BacktestCreated {
		t.Fatalf("returned status = %s, want CREATED", snapshot.Status)
	}
	if snapshot.DefinitionID != def.ID || snapshot.AlgorithmName != "breakout" {
		t.Fatalf("run snapshot = %+v", snapshot)
	}
	if snapshot.StartingCapital != 10000 || snapshot.Commission != 2 {
		t.Fatalf("capital model = %v / %v, want 10000 / 2", snapshot.StartingCapital, snapshot.Commission)
	}

	terminal := waitTerminal(t, h.bus, snapshot.ID)
	if terminal.Status != models.BacktestCompleted {
		t.Fatalf("terminal status = %s, want COMPLETED", terminal.Status)
	}
	if len(terminal.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(terminal.Trades))
	}
	trade := terminal.Trades[0]
	if trade.Side != models.SideLong || trade.EntryPrice != 4510 || trade.ExitPrice != 4516 {
		t.Fatalf("trade = %+v, want LONG 4510 -> 4516", trade)
	}
	if !almostEqual(trade.PnL, 298) { // 6 points at $50 minus commission
		t.Fatalf("trade pnl = %v, want 298", trade.PnL)
	}
	if trade.ExitSignal != "end of replay" {
		t.Fatalf("exit signal = %q, want end of replay", trade.ExitSignal)
	}
	if terminal.Results == nil || !almostEqual(terminal.Results.EndingCapital, 10298) {
		t.Fatalf("results = %+v, want ending capital 10298", terminal.Results)
	}

	calls := h.market.requests()
	if len(calls) != 1 {
		t.Fatalf("bar requests = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.symbol != "ES" || call.contractID != "CON.F.US.EP.M25" {
		t.Fatalf("bar request = %+v", call)
	}
	wantStart := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	if !call.start.Equal(wantStart) || !call.end.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Fatalf("bar range = %s -> %s, want inclusive end date", call.start, call.end)
	}

	fetched, err := h.service.GetRun(context.Background(), snapshot.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if fetched.Status != models.BacktestCompleted || fetched.Progress != 100 {
		t.Fatalf("stored run = %s %.0f%%, want COMPLETED 100%%", fetched.Status, fetched.Progress)
	}
	latest, err := h.service.Status(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if latest.ID != snapshot.ID {
		t.Fatalf("Status() run = %s, want %s", latest.ID, snapshot.ID)
	}

	saved := h.store.savedResults()
	if len(saved) != 1 || saved[0].ID != snapshot.ID || saved[0].Status != models.BacktestCompleted {
		t.Fatalf("persisted runs = %v", runIDs(saved))
	}
	if got := len(h.bus.byType(interfaces.EventBacktestUpdate)); got != 1 {
		t.Fatalf("backtest events = %d, want the completion event only", got)
	}
}

func TestServiceRunValidation(t *testing.T) {
	h := newHarness(t, newCaptureBus())
	h.market.setBars(replayBars(4510, 4512))

	if _, err := h.service.Run(context.Background(), "btd_missing"); !common.IsNotFound(err) {
		t.Fatalf("missing definition error = %v, want not found", err)
	}

	ghost := definition("ghost-algo")
	ghost.AlgorithmName = "ghost"
	ghostDef, err := h.service.CreateDefinition(context.Background(), ghost)
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	if _, err := h.service.Run(context.Background(), ghostDef.ID); !common.IsValidation(err) {
		t.Fatalf("unknown algorithm error = %v, want validation", err)
	}

	def, err := h.service.CreateDefinition(context.Background(), definition("es-breakout"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	h.market.setBarsError(common.TransientError("bar fetch failed", errors.New("i/o timeout")))
	if _, err := h.service.Run(context.Background(), def.ID); !common.IsTransient(err) {
		t.Fatalf("bar fetch error = %v, want transient", err)
	}
	h.market.setBarsError(nil)

	ordered := replayBars(4510, 4512)
	h.market.setBars([]models.Bar{ordered[1], ordered[0]})
	if _, err := h.service.Run(context.Background(), def.ID); !common.IsKind(err, common.KindInternal) {
		t.Fatalf("unordered bars error = %v, want internal", err)
	}

	h.market.setContracts(nil)
	if _, err := h.service.Run(context.Background(), def.ID); !common.IsNotFound(err) {
		t.Fatalf("no contract error = %v, want not found", err)
	}

	runs, err := h.service.Runs(context.Background())
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("runs recorded after failed starts = %v, want none", runIDs(runs))
	}
}

func TestServiceRunConflictWhileActive(t *testing.T) {
	h := newHarness(t, newGatedBus())
	h.market.setBars(flatBars(250, 4510))

	def, err := h.service.CreateDefinition(context.Background(), definition("long-replay"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	first, err := h.service.Run(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The gated bus holds the runner at its first progress publish, so the
	// run stays active until the test receives.
	if _, err := h.service.Run(context.Background(), def.ID); !common.IsKind(err, common.KindConflict) {
		t.Fatalf("concurrent run error = %v, want conflict", err)
	}
	if err := h.service.DeleteDefinition(context.Background(), def.ID); !common.IsKind(err, common.KindConflict) {
		t.Fatalf("delete with active run error = %v, want conflict", err)
	}
	if err := h.service.DeleteRun(context.Background(), first.ID); !common.IsKind(err, common.KindConflict) {
		t.Fatalf("delete active run error = %v, want conflict", err)
	}

	progress := nextEvent(t, h.bus)
	if progress.ID != first.ID || progress.Status != models.BacktestRunning {
		t.Fatalf("first event = %s %s, want RUNNING progress", progress.ID, progress.Status)
	}
	if !almostEqual(progress.Progress, 40) {
		t.Fatalf("progress = %v, want 40", progress.Progress)
	}

	if err := h.service.Stop(context.Background(), def.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	stopped := waitTerminal(t, h.bus, first.ID)
	if stopped.Status != models.BacktestStopped {
		t.Fatalf("terminal status = %s, want STOPPED", stopped.Status)
	}
	if len(stopped.Trades) != 1 {
		t.Fatalf("trades = %d, want the stop to force-close the open entry", len(stopped.Trades))
	}

	// The definition is free again once the terminal snapshot is visible.
	second, err := h.service.Run(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("rerun error = %v", err)
	}
	completed := waitTerminal(t, h.bus, second.ID)
	if completed.Status != models.BacktestCompleted {
		t.Fatalf("rerun status = %s, want COMPLETED", completed.Status)
	}

	runs, err := h.service.Runs(context.Background())
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Fatalf("runs order = %v, want newest first", runIDs(runs))
	}
}

func TestServiceStopWithoutActiveRun(t *testing.T) {
	h := newHarness(t, newCaptureBus())

	def, err := h.service.CreateDefinition(context.Background(), definition("idle"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	if err := h.service.Stop(context.Background(), def.ID); !common.IsNotFound(err) {
		t.Fatalf("stop idle definition error = %v, want not found", err)
	}
	if err := h.service.Stop(context.Background(), "btd_missing"); !common.IsNotFound(err) {
		t.Fatalf("stop unknown definition error = %v, want not found", err)
	}
}

func TestServiceDeleteRun(t *testing.T) {
	h := newHarness(t, newCaptureBus())
	h.market.setBars(replayBars(4510, 4512, 4514))

	def, err := h.service.CreateDefinition(context.Background(), definition("history"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	run, err := h.service.Run(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	waitTerminal(t, h.bus, run.ID)

	if err := h.service.DeleteRun(context.Background(), run.ID); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := h.service.GetRun(context.Background(), run.ID); !common.IsNotFound(err) {
		t.Fatalf("deleted run error = %v, want not found", err)
	}
	if saved := h.store.savedResults(); len(saved) != 0 {
		t.Fatalf("persisted runs after delete = %d, want 0", len(saved))
	}
	if err := h.service.DeleteRun(context.Background(), run.ID); !common.IsNotFound(err) {
		t.Fatalf("second delete error = %v, want not found", err)
	}
	if _, err := h.service.Status(context.Background(), def.ID); !common.IsNotFound(err) {
		t.Fatalf("status after delete error = %v, want not found", err)
	}
}

func TestServiceResultsSurviveRestart(t *testing.T) {
	h := newHarness(t, newCaptureBus())
	h.market.setBars(replayBars(4510, 4512, 4514))

	def, err := h.service.CreateDefinition(context.Background(), definition("durable"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	run, err := h.service.Run(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	waitTerminal(t, h.bus, run.ID)
	if err := h.service.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewService(context.Background(), Deps{
		MarketData: h.market,
		Catalog:    h.catalog,
		Storage:    h.store,
		Events:     newCaptureBus(),
		Logger:     common.GetLogger(),
	}, Defaults{StartingCapital: 10000, Commission: 2})
	if err != nil {
		t.Fatalf("NewService() after restart error = %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	restored, err := reopened.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun() after restart error = %v", err)
	}
	if restored.Status != models.BacktestCompleted || len(restored.Trades) != 1 {
		t.Fatalf("restored run = %s with %d trades, want COMPLETED with 1", restored.Status, len(restored.Trades))
	}
	latest, err := reopened.Status(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("Status() after restart error = %v", err)
	}
	if latest.ID != run.ID {
		t.Fatalf("Status() run = %s, want %s", latest.ID, run.ID)
	}
}

func TestServiceCloseStopsActiveRuns(t *testing.T) {
	h := newHarness(t, newGatedBus())
	h.market.setBars(flatBars(250, 4510))

	def, err := h.service.CreateDefinition(context.Background(), definition("interrupted"))
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	run, err := h.service.Run(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	closed := make(chan error, 1)
	go func() { closed <- h.service.Close() }()

	terminal := waitTerminal(t, h.bus, run.ID)
	if terminal.Status != models.BacktestStopped {
		t.Fatalf("terminal status = %s, want STOPPED", terminal.Status)
	}
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := h.service.Run(context.Background(), def.ID); !common.IsKind(err, common.KindConflict) {
		t.Fatalf("run after close error = %v, want conflict", err)
	}
	saved := h.store.savedResults()
	if len(saved) != 1 || saved[0].Status != models.BacktestStopped {
		t.Fatalf("persisted runs = %v, want the stopped run", runIDs(saved))
	}
}

func TestServiceDefaultsFallback(t *testing.T) {
	fallback := Defaults{}.withFallbacks()
	if fallback.StartingCapital != 50000 || fallback.Commission != 0 {
		t.Fatalf("fallback defaults = %+v", fallback)
	}
	mapped := DefaultsFromConfig(common.BacktestConfig{StartingCapital: 25000, Commission: 1.25})
	if mapped.StartingCapital != 25000 || mapped.Commission != 1.25 {
		t.Fatalf("mapped defaults = %+v", mapped)
	}
	negative := Defaults{StartingCapital: 1000, Commission: -3}.withFallbacks()
	if negative.Commission != 0 {
		t.Fatalf("negative commission = %v, want clamped to 0", negative.Commission)
	}
}
