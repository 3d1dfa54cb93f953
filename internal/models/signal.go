package models

import (
	"time"
)

// SignalType distinguishes entries from exits.
type SignalType string

// SignalType constants
const (
	SignalEntry SignalType = "ENTRY"
	SignalExit  SignalType = "EXIT"
)

// Signal is an ENTRY or EXIT decision emitted by a runtime at a bar.
type Signal struct {
	InstanceID string     `json:"instanceId"`
	Type       SignalType `json:"type"`
	Side       Side       `json:"side"`
	Price      float64    `json:"price"`
	Quantity   int        `json:"quantity"`
	Timestamp  time.Time  `json:"timestamp"`
	Text       string     `json:"text,omitempty"`
	// PnL carries the realized result on EXIT signals.
	PnL float64 `json:"pnl,omitempty"`
}
