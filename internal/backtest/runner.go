// Package backtest replays historical bars through the indicator and
// condition engine, producing the trades and aggregate results a live
// runtime would have generated over the same series.
//
// A replay is deterministic: identical series and algorithm produce
// identical trades, curves and results, bit for bit where float arithmetic
// allows. Wall-clock fields (startedAt, completedAt, log timestamps) are the
// only exceptions.
package backtest

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/conditions"
	"github.com/ternarybob/mercator/internal/indicators"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
)

const (
	// progressInterval is how many bars pass between progress callbacks.
	progressInterval = 100
	// yieldInterval is how many bars pass between cooperative scheduling
	// yields on long replays.
	yieldInterval = 1000
	// tradeQuantity is the fixed replay position size. The definition format
	// carries no sizing field; every entry is one contract.
	tradeQuantity = 1
	// logCapacity bounds a run's log, mirroring the live instance ring.
	logCapacity = 1000
)

// Hooks are the runner's outbound notifications. Both fields are optional;
// snapshots passed to them are value copies safe to retain.
type Hooks struct {
	// OnProgress fires every progressInterval bars with the run's current
	// progress.
	OnProgress func(run models.BacktestInstance)
	// OnComplete fires exactly once with the terminal snapshot, whatever the
	// outcome.
	OnComplete func(run models.BacktestInstance)
}

// Runner replays one backtest run. Construct with NewRunner, drive with Run
// (blocking; callers wanting asynchrony wrap it in a goroutine) and cancel
// with Stop.
type Runner struct {
	run       models.BacktestInstance
	algorithm *models.Algorithm
	series    *models.Series
	spec      common.TickSpec
	logger    arbor.ILogger
	hooks     Hooks

	ring    *models.LogRing
	stopped atomic.Bool
}

// NewRunner binds a run snapshot to its algorithm and pre-loaded series.
// Tick economics are resolved from the run's symbol.
func NewRunner(run models.BacktestInstance, algorithm *models.Algorithm, series *models.Series, logger arbor.ILogger, hooks Hooks) *Runner {
	return &Runner{
		run:       run,
		algorithm: algorithm,
		series:    series,
		spec:      common.TickSpecFor(run.Symbol),
		logger:    logger,
		hooks:     hooks,
		ring:      models.NewLogRing(logCapacity),
	}
}

// Stop requests cooperative termination. The loop observes the flag at the
// next bar; the run finishes as STOPPED with the trades closed so far.
func (r *Runner) Stop() {
	r.stopped.Store(true)
}

// Run executes the replay and returns the terminal snapshot. The context
// cancels the run the same way Stop does.
func (r *Runner) Run(ctx context.Context) models.BacktestInstance {
	count := r.series.Count()
	r.run.Status = models.BacktestRunning
	r.run.StartedAt = time.Now().UTC()
	metrics.BacktestsRunning.Inc()
	defer metrics.BacktestsRunning.Dec()

	if r.algorithm == nil {
		return r.fail(fmt.Errorf("run %s has no algorithm bound", r.run.ID))
	}
	if err := indicators.NewComputer().ComputeAll(r.series, r.algorithm.Indicators); err != nil {
		return r.fail(err)
	}
	r.logf("info", "replaying %d bars with algorithm %q", count, r.algorithm.Name)

	// Every indicator is a forward recursion, so one compute over the full
	// series yields the same value at bar i as a recompute over bars 0..i.
	book := newBook(r.run.StartingCapital, r.run.Commission, r.spec)
	interrupted := false
	lastIndex := -1

	for i := 0; i < count; i++ {
		if r.stopped.Load() || ctx.Err() != nil {
			interrupted = true
			break
		}

		bar, ok := r.series.GetBar(i)
		if !ok {
			break
		}
		r.evaluate(book, i, bar)
		lastIndex = i

		r.run.Progress = float64(i+1) / float64(count) * 100
		if (i+1)%progressInterval == 0 {
			r.notifyProgress()
		}
		if (i+1)%yieldInterval == 0 {
			runtime.Gosched()
		}
	}

	// Force-close at the last bar the replay actually reached; a stopped run
	// never prices against bars it did not process.
	if book.position.IsOpen() && lastIndex >= 0 {
		last, _ := r.series.GetBar(lastIndex)
		trade := book.close("end of replay", last)
		r.logf("info", "EXIT %s %d @ %.2f pnl %.2f (end of replay)", trade.Side, trade.Quantity, trade.ExitPrice, trade.PnL)
	}

	r.run.Trades = book.trades
	r.run.Results = book.results()
	r.run.CompletedAt = time.Now().UTC()
	if interrupted {
		r.run.Status = models.BacktestStopped
		r.logf("info", "stopped after %d of %d bars with %d trades", lastIndex+1, count, len(book.trades))
	} else {
		r.run.Status = models.BacktestCompleted
		r.run.Progress = 100
		r.logf("info", "completed: %d trades, total pnl %.2f", len(book.trades), r.run.Results.TotalPnL)
	}
	r.run.Logs = r.ring.Entries()

	if r.hooks.OnComplete != nil {
		r.hooks.OnComplete(r.run)
	}
	return r.run
}

// evaluate runs the condition engine at bar i with the same transition
// semantics as the live runtime: one action per bar, entries only when flat.
func (r *Runner) evaluate(book *book, i int, bar models.Bar) {
	pos := book.context(bar.Close)

	if !book.position.IsOpen() {
		dec := conditions.EvaluateEntry(r.series, i, r.algorithm.EntryConditions, pos)
		if dec.Side != models.SideLong && dec.Side != models.SideShort {
			return
		}
		book.open(dec.Side, dec.Text, bar)
		r.logf("info", "ENTRY %s %d @ %.2f (%s)", dec.Side, tradeQuantity, bar.Close, dec.Text)
		return
	}

	dec := conditions.EvaluateExit(r.series, i, r.algorithm.ExitConditions, pos)
	if !dec.Met {
		return
	}
	trade := book.close(dec.Text, bar)
	r.logf("info", "EXIT %s %d @ %.2f pnl %.2f (%s)", trade.Side, trade.Quantity, trade.ExitPrice, trade.PnL, dec.Text)
}

// fail marks the run FAILED with the error text and notifies completion.
func (r *Runner) fail(err error) models.BacktestInstance {
	r.logf("error", "run failed: %v", err)
	r.run.Status = models.BacktestFailed
	r.run.Error = err.Error()
	r.run.CompletedAt = time.Now().UTC()
	r.run.Logs = r.ring.Entries()

	if r.hooks.OnComplete != nil {
		r.hooks.OnComplete(r.run)
	}
	return r.run
}

func (r *Runner) notifyProgress() {
	if r.hooks.OnProgress != nil {
		r.hooks.OnProgress(r.run)
	}
}

// logf writes one line to the run log, prefixed with the run name, and
// mirrors it to the server log.
func (r *Runner) logf(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.ring.Add(level, r.run.Name+": "+msg)

	if r.logger == nil {
		return
	}
	var event arbor.ILogEvent
	switch level {
	case "warn":
		event = r.logger.Warn()
	case "error":
		event = r.logger.Error()
	default:
		event = r.logger.Info()
	}
	event.Str("backtest", r.run.ID).Msg(msg)
}
