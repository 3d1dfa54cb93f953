package conditions

import (
	"strings"
	"testing"

	"github.com/ternarybob/mercator/internal/models"
)

func thresholdCond(name, cmp string, threshold float64, side models.Side, op models.LogicalOperator) models.TradingCondition {
	return models.TradingCondition{
		Type:            models.ConditionThreshold,
		Side:            side,
		LogicalOperator: op,
		Parameters: map[string]interface{}{
			"indicator":  name,
			"comparison": cmp,
			"threshold":  threshold,
		},
	}
}

func TestEvaluateEntryAndFold(t *testing.T) {
	s := condSeries(t, []float64{100, 100})
	setIndicator(t, s, "RSI", []float64{25, 25})
	setIndicator(t, s, "Trend", []float64{1, -1})

	conds := []models.TradingCondition{
		thresholdCond("RSI", "<", 30, models.SideLong, ""),
		thresholdCond("Trend", ">", 0, models.SideLong, models.LogicalAnd),
	}

	dec := EvaluateEntry(s, 0, conds, nil)
	if dec.Side != models.SideLong {
		t.Fatalf("both conditions hold: side = %v, want LONG", dec.Side)
	}
	if !strings.Contains(dec.Text, "RSI") || !strings.Contains(dec.Text, "; ") {
		t.Fatalf("want joined texts, got %q", dec.Text)
	}

	// Trend flips at index 1, AND kills the entry.
	dec = EvaluateEntry(s, 1, conds, nil)
	if dec.Side != models.SideNone {
		t.Fatalf("failed AND leg still entered: %+v", dec)
	}
}

func TestEvaluateEntryOrFold(t *testing.T) {
	s := condSeries(t, []float64{100})
	setIndicator(t, s, "RSI", []float64{50})
	setIndicator(t, s, "Trend", []float64{1})

	conds := []models.TradingCondition{
		thresholdCond("RSI", "<", 30, models.SideLong, ""),
		thresholdCond("Trend", ">", 0, models.SideLong, models.LogicalOr),
	}

	dec := EvaluateEntry(s, 0, conds, nil)
	if dec.Side != models.SideLong {
		t.Fatalf("OR leg holds: side = %v, want LONG", dec.Side)
	}
	if strings.Contains(dec.Text, "RSI") {
		t.Fatalf("unmatched condition leaked into text: %q", dec.Text)
	}
}

func TestEvaluateEntryDefaultOperatorIsAnd(t *testing.T) {
	s := condSeries(t, []float64{100})
	setIndicator(t, s, "RSI", []float64{50})
	setIndicator(t, s, "Trend", []float64{1})

	conds := []models.TradingCondition{
		thresholdCond("RSI", "<", 30, models.SideLong, ""),
		thresholdCond("Trend", ">", 0, models.SideLong, ""),
	}
	if dec := EvaluateEntry(s, 0, conds, nil); dec.Side != models.SideNone {
		t.Fatalf("unset operator treated as OR: %+v", dec)
	}
}

func TestEvaluateEntryLongWinsTie(t *testing.T) {
	s := condSeries(t, []float64{100})
	setIndicator(t, s, "X", []float64{10})

	// A BOTH-side threshold fires the long and short branches together.
	conds := []models.TradingCondition{
		thresholdCond("X", ">", 0, models.SideBoth, ""),
	}
	dec := EvaluateEntry(s, 0, conds, nil)
	if dec.Side != models.SideLong {
		t.Fatalf("tie-break: side = %v, want LONG", dec.Side)
	}
}

func TestEvaluateEntryShortOnly(t *testing.T) {
	s := condSeries(t, []float64{100})
	setIndicator(t, s, "RSI", []float64{75})

	conds := []models.TradingCondition{
		thresholdCond("RSI", ">", 70, models.SideShort, ""),
	}
	dec := EvaluateEntry(s, 0, conds, nil)
	if dec.Side != models.SideShort {
		t.Fatalf("side = %v, want SHORT", dec.Side)
	}
	if dec.Text == "" {
		t.Fatal("expected short entry text")
	}
}

func TestEvaluateEntryNoConditions(t *testing.T) {
	s := condSeries(t, []float64{100})
	if dec := EvaluateEntry(s, 0, nil, nil); dec.Side != models.SideNone {
		t.Fatalf("empty condition list entered: %+v", dec)
	}
}

func TestEvaluateExitFirstMatchWins(t *testing.T) {
	s := condSeries(t, []float64{100})
	setIndicator(t, s, "A", []float64{10})
	setIndicator(t, s, "B", []float64{10})

	pos := &PositionContext{
		Side:         models.SideLong,
		Quantity:     1,
		EntryPrice:   100,
		CurrentPrice: 100,
		TickSize:     0.25,
		TickValue:    5,
	}

	conds := []models.TradingCondition{
		// Fires, but only for shorts: a long position skips it.
		thresholdCond("A", ">", 0, models.SideShort, ""),
		thresholdCond("A", ">", 5, models.SideBoth, ""),
		thresholdCond("B", ">", 5, models.SideBoth, ""),
	}

	dec := EvaluateExit(s, 0, conds, pos)
	if !dec.Met {
		t.Fatal("expected exit")
	}
	if !strings.Contains(dec.Text, "A") || !strings.Contains(dec.Text, "5.0000") {
		t.Fatalf("want first matching condition's text, got %q", dec.Text)
	}
}

func TestEvaluateExitRequiresOpenPosition(t *testing.T) {
	s := condSeries(t, []float64{100})
	setIndicator(t, s, "A", []float64{10})

	conds := []models.TradingCondition{
		thresholdCond("A", ">", 0, models.SideBoth, ""),
	}
	if dec := EvaluateExit(s, 0, conds, nil); dec.Met {
		t.Fatalf("exit fired without position: %+v", dec)
	}
	flat := &PositionContext{Side: models.SideNone}
	if dec := EvaluateExit(s, 0, conds, flat); dec.Met {
		t.Fatalf("exit fired on flat position: %+v", dec)
	}
}

func TestEvaluateExitPositionPnLStop(t *testing.T) {
	s := condSeries(t, []float64{100})

	conds := []models.TradingCondition{
		{
			Type: models.ConditionPositionPnL,
			Side: models.SideBoth,
			Parameters: map[string]interface{}{
				"comparison": "<",
				"threshold":  -50.0,
			},
		},
	}

	pos := &PositionContext{
		Side:         models.SideShort,
		Quantity:     2,
		EntryPrice:   21000,
		CurrentPrice: 21001, // pnl = -1 * 20 * 2 = -40
		TickSize:     0.25,
		TickValue:    5,
	}
	if dec := EvaluateExit(s, 0, conds, pos); dec.Met {
		t.Fatalf("stop fired at -40 against -50: %+v", dec)
	}

	pos.CurrentPrice = 21002 // pnl = -80
	dec := EvaluateExit(s, 0, conds, pos)
	if !dec.Met {
		t.Fatal("expected stop to fire at -80")
	}
	if !strings.Contains(dec.Text, "-80.00") {
		t.Fatalf("want pnl in text, got %q", dec.Text)
	}
}

// A symmetric exit serves both position sides with mirrored predicates.
func TestEvaluateExitSymmetricServesBothSides(t *testing.T) {
	s := condSeries(t, []float64{100, 100, 100, 100, 100})
	setIndicator(t, s, "Fast", []float64{12, 9, 9, 12, 12})
	setIndicator(t, s, "Slow", []float64{11, 11, 11, 11, 11})

	conds := []models.TradingCondition{
		{
			Type:      models.ConditionCrossover,
			Side:      models.SideBoth,
			Symmetric: true,
			Parameters: map[string]interface{}{
				"indicator1": "Fast",
				"indicator2": "Slow",
				"direction":  "below",
			},
		},
	}

	long := &PositionContext{Side: models.SideLong, Quantity: 1, EntryPrice: 100, CurrentPrice: 100, TickSize: 0.25, TickValue: 5}
	short := &PositionContext{Side: models.SideShort, Quantity: 1, EntryPrice: 100, CurrentPrice: 100, TickSize: 0.25, TickValue: 5}

	// Down-cross at index 1 exits the long but not the short.
	if dec := EvaluateExit(s, 1, conds, long); !dec.Met {
		t.Fatal("down-cross should exit long")
	}
	if dec := EvaluateExit(s, 1, conds, short); dec.Met {
		t.Fatalf("down-cross exited short: %+v", dec)
	}

	// Mirrored up-cross at index 3 exits the short but not the long.
	if dec := EvaluateExit(s, 3, conds, short); !dec.Met {
		t.Fatal("up-cross should exit short")
	}
	if dec := EvaluateExit(s, 3, conds, long); dec.Met {
		t.Fatalf("up-cross exited long: %+v", dec)
	}
}
