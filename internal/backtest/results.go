package backtest

import (
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/conditions"
	"github.com/ternarybob/mercator/internal/models"
)

// book tracks the replay's open position, closed trades and equity
// accounting. All fields are touched only by the owning runner.
type book struct {
	spec       common.TickSpec
	commission float64

	position  models.Position
	entryText string

	trades  []models.Trade
	capital float64
	peak    float64

	equityCurve    []models.EquityPoint
	drawdownCurve  []models.DrawdownPoint
	maxDrawdown    float64
	maxDrawdownPct float64
}

func newBook(startingCapital, commission float64, spec common.TickSpec) *book {
	return &book{
		spec:       spec,
		commission: commission,
		position:   models.FlatPosition(),
		capital:    startingCapital,
		peak:       startingCapital,
	}
}

// context maps the book's position onto the condition engine's view, marked
// at the given price.
func (b *book) context(price float64) *conditions.PositionContext {
	return &conditions.PositionContext{
		Side:         b.position.Side,
		Quantity:     b.position.Quantity,
		EntryPrice:   b.position.EntryPrice,
		CurrentPrice: price,
		TickSize:     b.spec.TickSize,
		TickValue:    b.spec.TickValue,
	}
}

// open takes a position at the bar close.
func (b *book) open(side models.Side, text string, bar models.Bar) {
	b.position = models.Position{
		Side:       side,
		Quantity:   tradeQuantity,
		EntryPrice: bar.Close,
		EntryTime:  bar.Timestamp,
	}
	b.entryText = text
}

// close realizes the open position at the bar close and folds the result
// into the equity and drawdown curves.
func (b *book) close(text string, bar models.Bar) models.Trade {
	closed := b.position
	exitPrice := bar.Close

	pointDiff := exitPrice - closed.EntryPrice
	if closed.Side == models.SideShort {
		pointDiff = closed.EntryPrice - exitPrice
	}
	realized := pointDiff*b.spec.PointValue()*float64(closed.Quantity) - b.commission

	trade := models.Trade{
		ID:          common.NewTradeID(),
		EntryTime:   closed.EntryTime,
		ExitTime:    bar.Timestamp,
		Side:        closed.Side,
		EntryPrice:  closed.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    closed.Quantity,
		PnL:         realized,
		PnLPercent:  pointDiff / closed.EntryPrice * 100,
		Commission:  b.commission,
		EntrySignal: b.entryText,
		ExitSignal:  text,
		Duration:    bar.Timestamp.Sub(closed.EntryTime).Seconds(),
	}
	b.trades = append(b.trades, trade)

	b.capital += realized
	if b.capital > b.peak {
		b.peak = b.capital
	}
	drawdown := b.peak - b.capital
	if drawdown > b.maxDrawdown {
		b.maxDrawdown = drawdown
	}
	if b.peak > 0 {
		if pct := drawdown / b.peak * 100; pct > b.maxDrawdownPct {
			b.maxDrawdownPct = pct
		}
	}
	b.equityCurve = append(b.equityCurve, models.EquityPoint{Timestamp: bar.Timestamp, Equity: b.capital})
	b.drawdownCurve = append(b.drawdownCurve, models.DrawdownPoint{Timestamp: bar.Timestamp, Drawdown: drawdown})

	b.position = models.FlatPosition()
	b.entryText = ""
	return trade
}

// results aggregates the closed trades into the run summary.
func (b *book) results() *models.BacktestResults {
	res := &models.BacktestResults{
		TotalTrades:        len(b.trades),
		MaxDrawdown:        b.maxDrawdown,
		MaxDrawdownPercent: b.maxDrawdownPct,
		EndingCapital:      b.capital,
		EquityCurve:        b.equityCurve,
		DrawdownCurve:      b.drawdownCurve,
	}
	if len(b.trades) == 0 {
		return res
	}

	var grossProfit, grossLoss, totalDuration float64
	for i := range b.trades {
		t := &b.trades[i]
		res.TotalPnL += t.PnL
		res.TotalCommission += t.Commission
		totalDuration += t.Duration

		switch {
		case t.PnL > 0:
			res.WinningTrades++
			grossProfit += t.PnL
			if t.PnL > res.LargestWin {
				res.LargestWin = t.PnL
			}
		case t.PnL < 0:
			res.LosingTrades++
			grossLoss += -t.PnL
			if t.PnL < res.LargestLoss {
				res.LargestLoss = t.PnL
			}
		}
	}

	res.WinRate = float64(res.WinningTrades) / float64(res.TotalTrades) * 100
	res.AveragePnL = res.TotalPnL / float64(res.TotalTrades)
	res.AverageDuration = totalDuration / float64(res.TotalTrades)
	if grossLoss > 0 {
		res.ProfitFactor = grossProfit / grossLoss
	} else {
		// No losing trades: report gross profit rather than dividing by zero.
		res.ProfitFactor = grossProfit
	}
	return res
}
