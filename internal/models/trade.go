package models

import (
	"time"
)

// Trade is one closed round trip: entry, exit, and the realized result.
type Trade struct {
	ID          string    `json:"id"`
	EntryTime   time.Time `json:"entryTime"`
	ExitTime    time.Time `json:"exitTime"`
	Side        Side      `json:"side"`
	EntryPrice  float64   `json:"entryPrice"`
	ExitPrice   float64   `json:"exitPrice"`
	Quantity    int       `json:"quantity"`
	PnL         float64   `json:"pnl"`
	PnLPercent  float64   `json:"pnlPercent"`
	Commission  float64   `json:"commission"`
	EntrySignal string    `json:"entrySignal,omitempty"`
	ExitSignal  string    `json:"exitSignal,omitempty"`
	// Duration is the round-trip length in seconds.
	Duration float64 `json:"duration"`
}

// PointDiff returns the favorable price movement in points: exit minus entry
// for LONG, entry minus exit for SHORT.
func (t *Trade) PointDiff() float64 {
	if t.Side == SideShort {
		return t.EntryPrice - t.ExitPrice
	}
	return t.ExitPrice - t.EntryPrice
}

// IsWin reports whether the trade realized a positive result.
func (t *Trade) IsWin() bool {
	return t.PnL > 0
}
