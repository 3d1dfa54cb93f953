package engine

import (
	"context"
	"fmt"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/conditions"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
)

// entryQuantity is the fixed position size. The definition format carries no
// sizing field; every entry is one contract.
const entryQuantity = 1

// handleTrades is the stream consumer: it folds a trade batch into the
// series and, with enough bars, evaluates the algorithm at the newest bar.
// It runs on the market-data delivery goroutine. Panics are contained per
// batch and never change the lifecycle state.
func (r *Runtime) handleTrades(trades []models.TradeTick) {
	defer func() {
		if rec := recover(); rec != nil {
			r.deps.Logger.Error().
				Str("instance", r.config.Name).
				Str("panic", fmt.Sprintf("%v", rec)).
				Msg("Recovered from panic in trade handler")
			r.mu.Lock()
			r.logLocked("error", "trade handling panic: %v", rec)
			r.mu.Unlock()
		}
	}()

	for _, req := range r.processBatch(trades) {
		r.submitOrder(req)
	}
}

// processBatch folds the trades under the runtime lock and returns any
// orders live mode must mirror to the gateway.
func (r *Runtime) processBatch(trades []models.TradeTick) []models.OrderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != models.StatusRunning {
		return nil
	}

	isNewBar := r.builder.ApplyTicks(trades)
	count := r.series.Count()
	if count == 0 {
		return nil
	}
	last, _ := r.series.GetLast()
	r.currentPrice = last.Close

	// Subscribers see the bar before any signal derived from it.
	r.publishLocked(interfaces.EventInstanceDataUpdate, models.DataUpdate{
		InstanceID: r.config.ID,
		Bar:        last,
		IsNewBar:   isNewBar,
		BarCount:   count,
	})

	if count < r.opts.MinBarsForSignals {
		return nil
	}
	if err := r.computer.ComputeAll(r.series, r.algorithm.Indicators); err != nil {
		r.logLocked("error", "indicator recompute failed: %v", err)
		return nil
	}
	return r.evaluateLocked(count-1, last)
}

// evaluateLocked runs the condition engine at bar i and applies any position
// transition.
func (r *Runtime) evaluateLocked(i int, bar models.Bar) []models.OrderRequest {
	pos := r.positionContextLocked()

	if !r.position.IsOpen() {
		dec := conditions.EvaluateEntry(r.series, i, r.algorithm.EntryConditions, pos)
		if dec.Side != models.SideLong && dec.Side != models.SideShort {
			return nil
		}
		return r.openPositionLocked(dec.Side, dec.Text, bar)
	}

	dec := conditions.EvaluateExit(r.series, i, r.algorithm.ExitConditions, pos)
	if !dec.Met {
		return nil
	}
	return r.closePositionLocked(dec.Text, bar)
}

// openPositionLocked transitions NONE to the decided side at the bar close.
func (r *Runtime) openPositionLocked(side models.Side, text string, bar models.Bar) []models.OrderRequest {
	ts := r.now().UTC()
	r.position = models.Position{
		Side:       side,
		Quantity:   entryQuantity,
		EntryPrice: bar.Close,
		EntryTime:  ts,
	}
	r.entryText = text
	r.lastSignalTime = ts

	signal := models.Signal{
		InstanceID: r.config.ID,
		Type:       models.SignalEntry,
		Side:       side,
		Price:      bar.Close,
		Quantity:   entryQuantity,
		Timestamp:  ts,
		Text:       text,
	}
	metrics.SignalsEmitted.WithLabelValues(string(models.SignalEntry), string(side)).Inc()
	r.publishLocked(interfaces.EventInstanceSignal, signal)
	r.logLocked("info", "ENTRY %s %d @ %.2f (%s)", side, entryQuantity, bar.Close, text)

	if r.config.SimulationMode {
		return nil
	}
	return []models.OrderRequest{{
		AccountID:  r.config.AccountID,
		ContractID: r.contractID,
		Side:       side,
		Quantity:   entryQuantity,
		Type:       models.OrderMarket,
		CustomTag:  r.config.ID,
	}}
}

// closePositionLocked realizes the open position at the bar close and
// records the round trip.
func (r *Runtime) closePositionLocked(text string, bar models.Bar) []models.OrderRequest {
	ts := r.now().UTC()
	closed := r.position
	exitPrice := bar.Close

	pointDiff := exitPrice - closed.EntryPrice
	if closed.Side == models.SideShort {
		pointDiff = closed.EntryPrice - exitPrice
	}
	realized := pointDiff*(r.config.TickValue/r.config.TickSize)*float64(closed.Quantity) - r.config.Commission

	trade := models.Trade{
		ID:          common.NewTradeID(),
		EntryTime:   closed.EntryTime,
		ExitTime:    ts,
		Side:        closed.Side,
		EntryPrice:  closed.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    closed.Quantity,
		PnL:         realized,
		PnLPercent:  pointDiff / closed.EntryPrice * 100,
		Commission:  r.config.Commission,
		EntrySignal: r.entryText,
		ExitSignal:  text,
		Duration:    ts.Sub(closed.EntryTime).Seconds(),
	}
	r.trades = append(r.trades, trade)

	r.totals.PnL += realized
	r.totals.Trades++
	switch {
	case realized > 0:
		r.totals.Wins++
	case realized < 0:
		r.totals.Losses++
	}

	r.position = models.FlatPosition()
	r.entryText = ""
	r.lastSignalTime = ts

	signal := models.Signal{
		InstanceID: r.config.ID,
		Type:       models.SignalExit,
		Side:       closed.Side,
		Price:      exitPrice,
		Quantity:   closed.Quantity,
		Timestamp:  ts,
		Text:       text,
		PnL:        realized,
	}
	metrics.SignalsEmitted.WithLabelValues(string(models.SignalExit), string(closed.Side)).Inc()
	metrics.TradesClosed.WithLabelValues(string(closed.Side), tradeResult(realized)).Inc()
	r.publishLocked(interfaces.EventInstanceSignal, signal)
	r.logLocked("info", "EXIT %s %d @ %.2f pnl %.2f (%s)", closed.Side, closed.Quantity, exitPrice, realized, text)

	if r.config.SimulationMode {
		return nil
	}
	return []models.OrderRequest{{
		AccountID:  r.config.AccountID,
		ContractID: r.contractID,
		Side:       oppositeSide(closed.Side),
		Quantity:   closed.Quantity,
		Type:       models.OrderMarket,
		CustomTag:  r.config.ID,
	}}
}

// submitOrder mirrors a position transition to the gateway. Failures never
// roll back the internal position; they are logged and counted toward the
// transient escalation limit.
func (r *Runtime) submitOrder(req models.OrderRequest) {
	result, err := r.deps.Broker.PlaceOrder(context.Background(), req)
	if err != nil {
		r.noteBrokerFailure("order placement", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.transientCount = 0
	if !result.Success {
		r.logLocked("error", "gateway rejected %s %s order: %s", req.Side, req.Type, result.Error)
		return
	}
	r.logLocked("info", "order %s placed: %s %d %s", result.OrderID, req.Side, req.Quantity, req.Type)
}

// noteBrokerFailure logs a broker error to the instance ring. Consecutive
// transient failures beyond the limit escalate to a permanent error: the
// runtime stops itself and records lastError.
func (r *Runtime) noteBrokerFailure(op string, err error) {
	r.mu.Lock()
	if !common.IsTransient(err) {
		r.logLocked("error", "%s failed: %v", op, err)
		r.mu.Unlock()
		return
	}

	r.transientCount++
	r.logLocked("warn", "%s failed (transient %d of %d): %v", op, r.transientCount, r.opts.TransientErrorLimit, err)
	if r.transientCount < r.opts.TransientErrorLimit {
		r.mu.Unlock()
		return
	}

	escalated := common.PermanentError(
		fmt.Sprintf("%d consecutive transient broker failures", r.transientCount), err)
	r.lastError = escalated.Error()
	handle := r.handle
	r.handle = nil
	r.setStatusLocked(models.StatusStopped)
	r.logLocked("error", "stopping: %s", escalated.Error())
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

// positionContextLocked maps the live position onto the condition engine's
// view of it.
func (r *Runtime) positionContextLocked() *conditions.PositionContext {
	return &conditions.PositionContext{
		Side:         r.position.Side,
		Quantity:     r.position.Quantity,
		EntryPrice:   r.position.EntryPrice,
		CurrentPrice: r.currentPrice,
		TickSize:     r.config.TickSize,
		TickValue:    r.config.TickValue,
	}
}

func tradeResult(pnl float64) string {
	switch {
	case pnl > 0:
		return "win"
	case pnl < 0:
		return "loss"
	}
	return "flat"
}

func oppositeSide(side models.Side) models.Side {
	if side == models.SideLong {
		return models.SideShort
	}
	return models.SideLong
}
