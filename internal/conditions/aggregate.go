package conditions

import (
	"strings"

	"github.com/ternarybob/mercator/internal/models"
)

// EntryDecision is the aggregated outcome of an algorithm's entry
// conditions at one bar index. Side is SideNone when no entry fires.
type EntryDecision struct {
	Side models.Side
	Text string
}

// ExitDecision reports whether any exit condition fired for the open
// position, and the matched condition's description.
type ExitDecision struct {
	Met  bool
	Text string
}

// EvaluateEntry folds the entry conditions left to right. Each condition
// after the first is combined with the running result using its own
// LogicalOperator (AND when unset). The long and short branches accumulate
// independently; when both survive the fold, LONG wins.
func EvaluateEntry(series *models.Series, i int, conds []models.TradingCondition, pos *PositionContext) EntryDecision {
	if len(conds) == 0 {
		return EntryDecision{Side: models.SideNone}
	}

	var longOK, shortOK bool
	var longTexts, shortTexts []string

	for idx := range conds {
		cond := &conds[idx]
		res := Evaluate(series, i, cond, pos)

		if idx == 0 {
			longOK, shortOK = res.Long, res.Short
		} else if cond.LogicalOperator == models.LogicalOr {
			longOK = longOK || res.Long
			shortOK = shortOK || res.Short
		} else {
			longOK = longOK && res.Long
			shortOK = shortOK && res.Short
		}

		if res.Long && res.Text != "" {
			longTexts = append(longTexts, res.Text)
		}
		if res.Short && res.Text != "" {
			shortTexts = append(shortTexts, res.Text)
		}
	}

	switch {
	case longOK:
		return EntryDecision{Side: models.SideLong, Text: strings.Join(longTexts, "; ")}
	case shortOK:
		return EntryDecision{Side: models.SideShort, Text: strings.Join(shortTexts, "; ")}
	}
	return EntryDecision{Side: models.SideNone}
}

// EvaluateExit scans the exit conditions in order and returns the first one
// that fires for the open position's side. With no open position nothing
// fires.
func EvaluateExit(series *models.Series, i int, conds []models.TradingCondition, pos *PositionContext) ExitDecision {
	if pos == nil || (pos.Side != models.SideLong && pos.Side != models.SideShort) {
		return ExitDecision{}
	}

	for idx := range conds {
		cond := &conds[idx]
		res := Evaluate(series, i, cond, pos)

		if pos.Side == models.SideLong && res.Long {
			return ExitDecision{Met: true, Text: res.Text}
		}
		if pos.Side == models.SideShort && res.Short {
			return ExitDecision{Met: true, Text: res.Text}
		}
	}
	return ExitDecision{}
}
