// Package engine implements the live instance runtime: the state machine
// that backfills history, folds the trade stream into 1-minute bars,
// recomputes the bound algorithm's indicators and turns condition decisions
// into position transitions, closed trades and events.
//
// A Runtime owns its series, position and totals. All trading state is
// mutated under the runtime lock on the market-data delivery goroutine;
// outside readers get value snapshots via State, ChartData, Logs and Trades.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/bars"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/indicators"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
)

// Default runtime tuning, applied when Options fields are zero.
const (
	DefaultHistoryDays         = 7
	DefaultMinBarsForSignals   = 20
	DefaultTransientErrorLimit = 5
	DefaultLogCapacity         = 1000
)

// Options tunes a runtime.
type Options struct {
	// HistoryDays is how many calendar days of 1-minute bars are backfilled
	// when a runtime starts with an empty series.
	HistoryDays int
	// MinBarsForSignals is the bar count required before indicators are
	// recomputed and conditions evaluated.
	MinBarsForSignals int
	// TransientErrorLimit is the number of consecutive transient broker
	// failures tolerated before the runtime stops itself.
	TransientErrorLimit int
	// LogCapacity bounds the instance log ring.
	LogCapacity int
}

func (o Options) withDefaults() Options {
	if o.HistoryDays <= 0 {
		o.HistoryDays = DefaultHistoryDays
	}
	if o.MinBarsForSignals <= 0 {
		o.MinBarsForSignals = DefaultMinBarsForSignals
	}
	if o.TransientErrorLimit <= 0 {
		o.TransientErrorLimit = DefaultTransientErrorLimit
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = DefaultLogCapacity
	}
	return o
}

// OptionsFromConfig maps the engine section of the server configuration onto
// runtime options.
func OptionsFromConfig(cfg common.EngineConfig) Options {
	return Options{
		HistoryDays:         cfg.HistoryDays,
		MinBarsForSignals:   cfg.MinBarsForSignals,
		TransientErrorLimit: cfg.TransientErrorLimit,
		LogCapacity:         cfg.MaxInstanceLogs,
	}
}

// Deps are the collaborators a runtime drives. All fields are required.
// Broker is only used to mirror orders in live mode; historical bars and
// trade streams go through MarketData.
type Deps struct {
	MarketData interfaces.MarketDataService
	Broker     interfaces.BrokerClient
	Events     interfaces.EventService
	Logger     arbor.ILogger
}

// Runtime drives one trading instance.
type Runtime struct {
	deps Deps
	opts Options

	// lifecycleMu serializes Start/Stop/Pause/Resume/Dispose. mu guards the
	// trading state below and is never held across network calls.
	lifecycleMu sync.Mutex
	mu          sync.Mutex

	config     models.InstanceConfig
	algorithm  *models.Algorithm
	contractID string

	status   models.InstanceStatus
	disposed bool
	handle   interfaces.StreamHandle

	series   *models.Series
	builder  *bars.Builder
	computer *indicators.Computer

	position  models.Position
	entryText string
	totals    models.Totals
	trades    []models.Trade

	currentPrice   float64
	startTime      time.Time
	lastSignalTime time.Time
	lastError      string
	transientCount int

	logs *models.LogRing
	now  func() time.Time
}

// New constructs a stopped runtime for an instance definition. algorithm may
// be nil when the catalog entry is missing; Start refuses to run until one
// is bound.
func New(config models.InstanceConfig, algorithm *models.Algorithm, deps Deps, opts Options) *Runtime {
	if config.TickSize <= 0 || config.TickValue <= 0 {
		// Without tick economics, P&L is one currency unit per point.
		config.TickSize, config.TickValue = 1, 1
	}

	opts = opts.withDefaults()
	series := models.NewSeries(config.ContractID)

	r := &Runtime{
		deps:       deps,
		opts:       opts,
		config:     config,
		algorithm:  algorithm,
		contractID: config.ContractID,
		status:     models.StatusStopped,
		series:     series,
		builder:    bars.NewBuilder(series, deps.Logger),
		computer:   indicators.NewComputer(),
		position:   models.FlatPosition(),
		logs:       models.NewLogRing(opts.LogCapacity),
		now:        time.Now,
	}
	return r
}

// Config returns the instance definition the runtime was built from.
func (r *Runtime) Config() models.InstanceConfig {
	return r.config
}

// Start backfills history when the series is empty, subscribes to the
// contract's trade stream and transitions to RUNNING.
func (r *Runtime) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return common.ConflictError("instance %q is disposed", r.config.Name)
	}
	if r.status != models.StatusStopped {
		r.mu.Unlock()
		return common.ConflictError("instance %q is already %s", r.config.Name, r.status)
	}
	if r.algorithm == nil {
		r.mu.Unlock()
		return common.ValidationError("instance %q has no algorithm bound", r.config.Name)
	}
	needBackfill := r.series.Count() == 0
	r.mu.Unlock()

	if err := r.resolveContract(ctx); err != nil {
		return err
	}
	if needBackfill {
		if err := r.backfill(ctx); err != nil {
			return err
		}
	}

	handle, err := r.deps.MarketData.Subscribe(ctx, r.contractID, r.handleTrades)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.handle = handle
	r.setStatusLocked(models.StatusRunning)
	r.startTime = r.now().UTC()
	r.lastError = ""
	r.transientCount = 0
	r.logLocked("info", "started with algorithm %q on contract %s", r.algorithm.Name, r.contractID)
	r.publishStateLocked()
	r.mu.Unlock()
	return nil
}

// Stop cancels the stream subscription and transitions to STOPPED. Stopping
// a stopped instance is a no-op returning success. The series, totals and
// closed trades survive for a later restart.
func (r *Runtime) Stop() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.stopInternal("stopped")
	return nil
}

// Pause keeps the subscription open but drops incoming trade batches.
func (r *Runtime) Pause() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != models.StatusRunning {
		return common.ConflictError("instance %q is not running", r.config.Name)
	}
	r.setStatusLocked(models.StatusPaused)
	r.logLocked("info", "paused")
	r.publishStateLocked()
	return nil
}

// Resume re-enables trade processing for a paused instance.
func (r *Runtime) Resume() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != models.StatusPaused {
		return common.ConflictError("instance %q is not paused", r.config.Name)
	}
	r.setStatusLocked(models.StatusRunning)
	r.logLocked("info", "resumed")
	r.publishStateLocked()
	return nil
}

// Dispose stops the runtime and marks it terminal. Further lifecycle calls
// fail with a conflict.
func (r *Runtime) Dispose() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.stopInternal("disposed")
	r.mu.Lock()
	r.disposed = true
	r.mu.Unlock()
	return nil
}

// stopInternal performs the idempotent stop transition. Callers hold
// lifecycleMu.
func (r *Runtime) stopInternal(reason string) {
	r.mu.Lock()
	if r.status == models.StatusStopped {
		r.mu.Unlock()
		return
	}
	handle := r.handle
	r.handle = nil
	r.setStatusLocked(models.StatusStopped)
	r.logLocked("info", "%s", reason)
	r.publishStateLocked()
	r.mu.Unlock()

	if handle != nil {
		if err := handle.Unsubscribe(); err != nil {
			r.deps.Logger.Warn().
				Err(err).
				Str("instance", r.config.Name).
				Msg("Stream unsubscribe failed")
		}
	}
}

// resolveContract fills contractID from the symbol when the definition does
// not pin one.
func (r *Runtime) resolveContract(ctx context.Context) error {
	if r.contractID != "" {
		return nil
	}

	contracts, err := r.deps.MarketData.Contracts(ctx, r.config.Symbol, true)
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		return common.NotFoundError("no live contract matches symbol %q", r.config.Symbol)
	}

	r.mu.Lock()
	r.contractID = contracts[0].ID
	r.series.ContractID = contracts[0].ID
	r.logLocked("info", "resolved symbol %s to contract %s", r.config.Symbol, contracts[0].ID)
	r.mu.Unlock()
	return nil
}

// backfill loads recent history so indicators have warmup before live bars
// arrive.
func (r *Runtime) backfill(ctx context.Context) error {
	end := r.now().UTC()
	start := end.AddDate(0, 0, -r.opts.HistoryDays)

	history, err := r.deps.MarketData.GetBars(ctx, r.symbol(), r.contractID, start, end)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for i := range history {
		if err := r.series.Append(history[i]); err != nil {
			r.deps.Logger.Warn().
				Err(err).
				Str("instance", r.config.Name).
				Msg("Skipping backfill bar")
			continue
		}
		loaded++
	}
	if loaded > 0 {
		last, _ := r.series.GetLast()
		r.currentPrice = last.Close
	}
	r.logLocked("info", "backfilled %d bars for %s", loaded, r.contractID)
	return nil
}

// symbol returns the cache key for historical day files.
func (r *Runtime) symbol() string {
	if r.config.Symbol != "" {
		return r.config.Symbol
	}
	return r.contractID
}

// setStatusLocked transitions the lifecycle state and keeps the running
// gauge consistent.
func (r *Runtime) setStatusLocked(next models.InstanceStatus) {
	if r.status == next {
		return
	}
	if r.status == models.StatusRunning {
		metrics.InstancesRunning.Dec()
	}
	if next == models.StatusRunning {
		metrics.InstancesRunning.Inc()
	}
	r.status = next
}

// State returns a read snapshot of the runtime.
func (r *Runtime) State() models.InstanceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Runtime) stateLocked() models.InstanceState {
	state := models.InstanceState{
		ID:             r.config.ID,
		Name:           r.config.Name,
		Symbol:         r.config.Symbol,
		ContractID:     r.contractID,
		AlgorithmName:  r.config.AlgorithmName,
		Status:         r.status,
		SimulationMode: r.config.SimulationMode,
		CurrentPrice:   r.currentPrice,
		Totals:         r.totals,
		Position:       r.position,
		BarCount:       r.series.Count(),
		StartTime:      r.startTime,
		LastSignalTime: r.lastSignalTime,
		LastError:      r.lastError,
	}
	if r.position.IsOpen() {
		state.UnrealizedPnL = r.positionContextLocked().UnrealizedPnL()
	}
	return state
}

// ChartData returns the bars and indicator sequences for charting. Warmup
// NaN values map to JSON null.
func (r *Runtime) ChartData() *models.ChartData {
	r.mu.Lock()
	defer r.mu.Unlock()

	chart := &models.ChartData{
		InstanceID: r.config.ID,
		Symbol:     r.symbol(),
		Bars:       r.series.Bars(),
		Indicators: make(map[string][]*float64),
	}
	for _, name := range r.series.IndicatorNames() {
		seq, _ := r.series.GetIndicator(name)
		chart.Indicators[name] = models.NullableFloats(seq)
	}
	return chart
}

// Logs returns the instance log, oldest first.
func (r *Runtime) Logs() []models.InstanceLogEntry {
	return r.logs.Entries()
}

// Trades returns the closed trades in close order.
func (r *Runtime) Trades() []models.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Trade, len(r.trades))
	copy(out, r.trades)
	return out
}

// publishStateLocked emits the current snapshot as an instanceStateChanged
// event.
func (r *Runtime) publishStateLocked() {
	r.publishLocked(interfaces.EventInstanceStateChanged, r.stateLocked())
}

// publishLocked enqueues an event on the bus. Publish never blocks, so
// holding the runtime lock here preserves per-instance event order.
func (r *Runtime) publishLocked(eventType interfaces.EventType, payload interface{}) {
	err := r.deps.Events.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		r.deps.Logger.Warn().
			Err(err).
			Str("instance", r.config.Name).
			Str("event", string(eventType)).
			Msg("Event publish failed")
	}
}

// logLocked writes one line to the instance ring, prefixed with the instance
// name and timestamped ISO-8601 UTC, mirrors it to the server log and
// publishes it as an instanceLog event.
func (r *Runtime) logLocked(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	entry := models.InstanceLogEntry{
		Timestamp: r.now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   r.config.Name + ": " + msg,
	}
	r.logs.AddEntry(entry)

	r.serverLog(level).Str("instance", r.config.Name).Msg(msg)
	r.publishLocked(interfaces.EventInstanceLog, models.LogEvent{
		InstanceID: r.config.ID,
		Entry:      entry,
	})
}

func (r *Runtime) serverLog(level string) arbor.ILogEvent {
	switch level {
	case "debug":
		return r.deps.Logger.Debug()
	case "warn":
		return r.deps.Logger.Warn()
	case "error":
		return r.deps.Logger.Error()
	default:
		return r.deps.Logger.Info()
	}
}
