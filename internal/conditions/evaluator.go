// Package conditions implements the condition engine: boolean predicates
// over a series at a bar index, qualified by side. A condition fails closed,
// returning no signal, when any referenced indicator is missing or still in
// warmup at the index.
package conditions

import (
	"fmt"

	"github.com/ternarybob/mercator/internal/models"
)

// Tolerance is the absolute tolerance applied by the equality comparisons.
const Tolerance = 1e-4

// Result reports which branches a condition fired for at one bar index.
// Text is a human-readable description of the match, set when either branch
// fired.
type Result struct {
	Long  bool
	Short bool
	Text  string
}

// PositionContext carries the live position fields position-pnl needs.
type PositionContext struct {
	Side         models.Side
	Quantity     int
	EntryPrice   float64
	CurrentPrice float64
	TickSize     float64
	TickValue    float64
}

// UnrealizedPnL returns the open position's mark-to-market result in account
// currency, excluding commission. pointDiff is exit-favorable: current minus
// entry for LONG, entry minus current for SHORT.
func (pc *PositionContext) UnrealizedPnL() float64 {
	if pc.Side != models.SideLong && pc.Side != models.SideShort {
		return 0
	}
	pointDiff := pc.CurrentPrice - pc.EntryPrice
	if pc.Side == models.SideShort {
		pointDiff = pc.EntryPrice - pc.CurrentPrice
	}
	if pc.TickSize == 0 {
		return 0
	}
	return pointDiff * (pc.TickValue / pc.TickSize) * float64(pc.Quantity)
}

// compare applies a comparison operator with the engine tolerance on its
// equality component.
func compare(v, threshold float64, op string) bool {
	switch op {
	case ">":
		return v > threshold
	case "<":
		return v < threshold
	case ">=":
		return v > threshold || equalWithin(v, threshold)
	case "<=":
		return v < threshold || equalWithin(v, threshold)
	case "==":
		return equalWithin(v, threshold)
	case "!=":
		return !equalWithin(v, threshold)
	}
	return false
}

func equalWithin(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= Tolerance
}

// mirrorComparison returns the opposite-side form of an operator. Equality
// operators are their own mirror.
func mirrorComparison(op string) string {
	switch op {
	case ">":
		return "<"
	case "<":
		return ">"
	case ">=":
		return "<="
	case "<=":
		return ">="
	}
	return op
}

// mirrorDirection flips above/below and up/down.
func mirrorDirection(direction string) string {
	switch direction {
	case "above":
		return "below"
	case "below":
		return "above"
	case "up":
		return "down"
	case "down":
		return "up"
	}
	return direction
}

// Evaluate computes one condition at bar index i. For symmetric conditions
// the short branch uses the mirrored predicate; otherwise both branches
// share the given predicate. The condition's side masks the branches.
func Evaluate(series *models.Series, i int, cond *models.TradingCondition, pos *PositionContext) Result {
	switch cond.Type {
	case models.ConditionThreshold:
		return evaluateThreshold(series, i, cond)
	case models.ConditionCrossover:
		return evaluateCrossover(series, i, cond)
	case models.ConditionSlope:
		return evaluateSlope(series, i, cond)
	case models.ConditionPositionPnL:
		return evaluatePositionPnL(cond, pos)
	}
	return Result{}
}

func evaluateThreshold(series *models.Series, i int, cond *models.TradingCondition) Result {
	name := stringParam(cond.Parameters, "indicator", "")
	threshold := floatParam(cond.Parameters, "threshold", 0)
	op := stringParam(cond.Parameters, "comparison", ">")

	v, ok := series.GetIndicatorValue(name, i)
	if !ok {
		return Result{}
	}

	longOK := compare(v, threshold, op)
	shortOp := op
	if cond.Symmetric {
		shortOp = mirrorComparison(op)
	}
	shortOK := compare(v, threshold, shortOp)

	res := maskSides(cond.Side, longOK, shortOK)
	if res.Long {
		res.Text = fmt.Sprintf("%s (%.4f) %s %.4f", name, v, op, threshold)
	} else if res.Short {
		res.Text = fmt.Sprintf("%s (%.4f) %s %.4f", name, v, shortOp, threshold)
	}
	return res
}

func evaluateCrossover(series *models.Series, i int, cond *models.TradingCondition) Result {
	first := stringParam(cond.Parameters, "indicator1", "")
	second := stringParam(cond.Parameters, "indicator2", "")
	direction := stringParam(cond.Parameters, "direction", "above")

	// A crossover needs the previous bar.
	if i < 1 {
		return Result{}
	}
	a0, ok := series.GetIndicatorValue(first, i-1)
	if !ok {
		return Result{}
	}
	a1, ok := series.GetIndicatorValue(first, i)
	if !ok {
		return Result{}
	}
	b0, ok := series.GetIndicatorValue(second, i-1)
	if !ok {
		return Result{}
	}
	b1, ok := series.GetIndicatorValue(second, i)
	if !ok {
		return Result{}
	}

	crossed := func(dir string) bool {
		if dir == "below" {
			return a0 >= b0 && a1 < b1
		}
		return a0 <= b0 && a1 > b1
	}

	longOK := crossed(direction)
	shortDir := direction
	if cond.Symmetric {
		shortDir = mirrorDirection(direction)
	}
	shortOK := crossed(shortDir)

	res := maskSides(cond.Side, longOK, shortOK)
	if res.Long {
		res.Text = fmt.Sprintf("%s crossed %s %s", first, direction, second)
	} else if res.Short {
		res.Text = fmt.Sprintf("%s crossed %s %s", first, shortDir, second)
	}
	return res
}

func evaluateSlope(series *models.Series, i int, cond *models.TradingCondition) Result {
	name := stringParam(cond.Parameters, "indicator", "")
	direction := stringParam(cond.Parameters, "direction", "up")
	threshold := floatParam(cond.Parameters, "threshold", 0)

	v, ok := series.GetIndicatorValue(name, i)
	if !ok {
		return Result{}
	}

	meets := func(dir string) bool {
		if dir == "down" {
			return v < threshold
		}
		return v > threshold
	}

	longOK := meets(direction)
	shortDir := direction
	if cond.Symmetric {
		shortDir = mirrorDirection(direction)
	}
	shortOK := meets(shortDir)

	res := maskSides(cond.Side, longOK, shortOK)
	if res.Long {
		res.Text = fmt.Sprintf("%s slope %s: %.4f vs %.4f", name, direction, v, threshold)
	} else if res.Short {
		res.Text = fmt.Sprintf("%s slope %s: %.4f vs %.4f", name, shortDir, v, threshold)
	}
	return res
}

// evaluatePositionPnL applies the comparison to the live unrealized P&L and,
// when met, fires for the current position side. With no open position it
// never fires; the entry path is unaffected by it.
func evaluatePositionPnL(cond *models.TradingCondition, pos *PositionContext) Result {
	if pos == nil || (pos.Side != models.SideLong && pos.Side != models.SideShort) {
		return Result{}
	}
	threshold := floatParam(cond.Parameters, "threshold", 0)
	op := stringParam(cond.Parameters, "comparison", "<")

	pnl := pos.UnrealizedPnL()
	if !compare(pnl, threshold, op) {
		return Result{}
	}

	res := Result{
		Long:  pos.Side == models.SideLong,
		Short: pos.Side == models.SideShort,
	}
	res.Text = fmt.Sprintf("position P&L (%.2f) %s %.2f", pnl, op, threshold)
	return res
}

// maskSides applies the condition's side to the computed branches.
func maskSides(side models.Side, longOK, shortOK bool) Result {
	switch side {
	case models.SideLong:
		return Result{Long: longOK}
	case models.SideShort:
		return Result{Short: shortOK}
	default: // BOTH or unset
		return Result{Long: longOK, Short: shortOK}
	}
}
