package models

import (
	"errors"
	"fmt"
	"time"
)

// InstanceStatus is the lifecycle state of a trading instance.
type InstanceStatus string

// InstanceStatus constants
const (
	StatusStopped InstanceStatus = "STOPPED"
	StatusRunning InstanceStatus = "RUNNING"
	StatusPaused  InstanceStatus = "PAUSED"
)

// IsValidInstanceStatus checks if a given InstanceStatus is one of the valid constants
func IsValidInstanceStatus(s InstanceStatus) bool {
	switch s {
	case StatusStopped, StatusRunning, StatusPaused:
		return true
	default:
		return false
	}
}

// Position is the open market exposure of one instance. Side is NONE exactly
// when quantity and entry price are zero.
type Position struct {
	Side       Side      `json:"side"`
	Quantity   int       `json:"quantity"`
	EntryPrice float64   `json:"entryPrice"`
	EntryTime  time.Time `json:"entryTime,omitempty"`
}

// FlatPosition returns the canonical no-position value.
func FlatPosition() Position {
	return Position{Side: SideNone}
}

// IsOpen reports whether the position holds contracts.
func (p *Position) IsOpen() bool {
	return p.Side == SideLong || p.Side == SideShort
}

// Validate enforces the no-position invariant.
func (p *Position) Validate() error {
	switch p.Side {
	case SideNone:
		if p.Quantity != 0 || p.EntryPrice != 0 {
			return fmt.Errorf("flat position has quantity %d and entry price %v", p.Quantity, p.EntryPrice)
		}
	case SideLong, SideShort:
		if p.Quantity <= 0 {
			return fmt.Errorf("%s position has quantity %d", p.Side, p.Quantity)
		}
		if p.EntryPrice <= 0 {
			return fmt.Errorf("%s position has entry price %v", p.Side, p.EntryPrice)
		}
	default:
		return fmt.Errorf("invalid position side %q", p.Side)
	}
	return nil
}

// Totals accumulates an instance's realized results.
type Totals struct {
	PnL    float64 `json:"pnl"`
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
}

// InstanceConfig is the persisted definition of a trading instance. Ephemeral
// state (series, position, totals) is never written to the document store.
type InstanceConfig struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Symbol          string  `json:"symbol"`
	ContractID      string  `json:"contractId"`
	AccountID       string  `json:"accountId,omitempty"`
	AlgorithmName   string  `json:"algorithmName"`
	SimulationMode  bool    `json:"simulationMode"`
	StartingCapital float64 `json:"startingCapital"`
	Commission      float64 `json:"commission"`
	TickSize        float64 `json:"tickSize,omitempty"`
	TickValue       float64 `json:"tickValue,omitempty"`
}

// Validate checks the persisted definition.
func (c *InstanceConfig) Validate() error {
	if c.Name == "" {
		return errors.New("instance name is required")
	}
	if c.Symbol == "" && c.ContractID == "" {
		return errors.New("instance requires a symbol or contract ID")
	}
	if c.AlgorithmName == "" {
		return errors.New("instance requires an algorithm name")
	}
	if c.StartingCapital < 0 {
		return fmt.Errorf("starting capital %v is negative", c.StartingCapital)
	}
	if c.Commission < 0 {
		return fmt.Errorf("commission %v is negative", c.Commission)
	}
	return nil
}

// InstanceSet is the document stored at instances.json.
type InstanceSet struct {
	Instances []InstanceConfig `json:"instances"`
	LastSaved time.Time        `json:"lastSaved"`
}

// InstanceState is a read snapshot of one instance, copied out of the
// runtime for API responses and change detection. All fields are plain
// values so snapshots never alias runtime state.
type InstanceState struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Symbol         string         `json:"symbol"`
	ContractID     string         `json:"contractId"`
	AlgorithmName  string         `json:"algorithmName"`
	Status         InstanceStatus `json:"status"`
	SimulationMode bool           `json:"simulationMode"`

	CurrentPrice  float64  `json:"currentPrice"`
	UnrealizedPnL float64  `json:"unrealizedPnL"`
	Totals        Totals   `json:"totals"`
	Position      Position `json:"position"`
	BarCount      int      `json:"barCount"`

	StartTime      time.Time `json:"startTime,omitempty"`
	LastSignalTime time.Time `json:"lastSignalTime,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
}

// ChangedFrom reports whether any field the state poller watches differs
// from a previous snapshot.
func (s InstanceState) ChangedFrom(prev InstanceState) bool {
	return s.Status != prev.Status ||
		s.Totals != prev.Totals ||
		s.UnrealizedPnL != prev.UnrealizedPnL ||
		s.CurrentPrice != prev.CurrentPrice ||
		s.Position != prev.Position ||
		s.BarCount != prev.BarCount ||
		s.LastError != prev.LastError
}
