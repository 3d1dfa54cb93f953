package models

import (
	"errors"
	"fmt"
	"time"
)

// IndicatorType identifies an indicator computation.
type IndicatorType string

// IndicatorType constants
const (
	IndicatorSMA         IndicatorType = "SMA"
	IndicatorEMA         IndicatorType = "EMA"
	IndicatorRSI         IndicatorType = "RSI"
	IndicatorMACD        IndicatorType = "MACD"
	IndicatorStochasticK IndicatorType = "STOCHASTICK"
	IndicatorStochasticD IndicatorType = "STOCHASTICD"
	IndicatorATR         IndicatorType = "ATR"
	IndicatorVWAP        IndicatorType = "VWAP"
	IndicatorMFI         IndicatorType = "MFI"
	IndicatorSD          IndicatorType = "SD"
	IndicatorPO          IndicatorType = "PO"
	IndicatorSlope       IndicatorType = "SLOPE"
	IndicatorDifference  IndicatorType = "DIFFERENCE"
	IndicatorStrength    IndicatorType = "STRENGTH"
)

// IsValidIndicatorType checks if a given IndicatorType is one of the valid constants
func IsValidIndicatorType(t IndicatorType) bool {
	switch t {
	case IndicatorSMA, IndicatorEMA, IndicatorRSI, IndicatorMACD,
		IndicatorStochasticK, IndicatorStochasticD, IndicatorATR, IndicatorVWAP,
		IndicatorMFI, IndicatorSD, IndicatorPO, IndicatorSlope,
		IndicatorDifference, IndicatorStrength:
		return true
	default:
		return false
	}
}

// ConditionType identifies a trading condition predicate.
type ConditionType string

// ConditionType constants
const (
	ConditionThreshold   ConditionType = "threshold"
	ConditionCrossover   ConditionType = "crossover"
	ConditionSlope       ConditionType = "slope"
	ConditionPositionPnL ConditionType = "position-pnl"
)

// IsValidConditionType checks if a given ConditionType is one of the valid constants
func IsValidConditionType(t ConditionType) bool {
	switch t {
	case ConditionThreshold, ConditionCrossover, ConditionSlope, ConditionPositionPnL:
		return true
	default:
		return false
	}
}

// Side qualifies a position direction or the directions a condition applies
// to. Conditions use LONG, SHORT or BOTH; positions use NONE, LONG or SHORT.
type Side string

// Side constants
const (
	SideNone  Side = "NONE"
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideBoth  Side = "BOTH"
)

// LogicalOperator joins a condition to the running entry aggregation.
type LogicalOperator string

// LogicalOperator constants
const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// IndicatorConfig declares one indicator instance within an algorithm.
// Parameters are a scalar bag whose keys depend on the type (§period,
// source, fastPeriod, slowPeriod, signalPeriod, lookback, indicator1,
// indicator2). A MACD config additionally synthesizes the derived sequences
// "<name>_Signal" and "<name>_Histogram".
type IndicatorConfig struct {
	Name        string                 `json:"name"`
	Type        IndicatorType          `json:"type"`
	Parameters  map[string]interface{} `json:"parameters"`
	Description string                 `json:"description,omitempty"`
}

// DerivedNames returns the additional sequence names this config produces
// beyond its own name.
func (c *IndicatorConfig) DerivedNames() []string {
	if c.Type == IndicatorMACD {
		return []string{c.Name + "_Signal", c.Name + "_Histogram"}
	}
	return nil
}

// TradingCondition is one boolean predicate over the series at a bar index.
// Symmetric conditions mirror their predicate for the opposite side.
type TradingCondition struct {
	Type            ConditionType          `json:"type"`
	Side            Side                   `json:"side"`
	Symmetric       bool                   `json:"symmetric"`
	Parameters      map[string]interface{} `json:"parameters"`
	LogicalOperator LogicalOperator        `json:"logicalOperator,omitempty"`
}

// Algorithm is a named trading strategy: an ordered list of indicators and
// the entry and exit conditions evaluated over them.
type Algorithm struct {
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	Version          string             `json:"version,omitempty"`
	Indicators       []IndicatorConfig  `json:"indicators"`
	EntryConditions  []TradingCondition `json:"entryConditions"`
	ExitConditions   []TradingCondition `json:"exitConditions"`
	CreatedTime      time.Time          `json:"createdTime"`
	LastModifiedTime time.Time          `json:"lastModifiedTime"`
	Favorite         bool               `json:"favorite"`
}

// SequenceNames returns every indicator sequence name the algorithm
// produces, including MACD derived names.
func (a *Algorithm) SequenceNames() map[string]bool {
	names := make(map[string]bool, len(a.Indicators))
	for i := range a.Indicators {
		names[a.Indicators[i].Name] = true
		for _, derived := range a.Indicators[i].DerivedNames() {
			names[derived] = true
		}
	}
	return names
}

// Validate checks structural validity: name present, indicator types known,
// indicator names unique, and every condition reference resolvable to an
// indicator name or a derived MACD name.
func (a *Algorithm) Validate() error {
	if a.Name == "" {
		return errors.New("algorithm name is required")
	}

	seen := make(map[string]bool, len(a.Indicators))
	for i := range a.Indicators {
		ind := &a.Indicators[i]
		if ind.Name == "" {
			return fmt.Errorf("indicator %d has no name", i)
		}
		if !IsValidIndicatorType(ind.Type) {
			return fmt.Errorf("indicator %s has unknown type %q", ind.Name, ind.Type)
		}
		if seen[ind.Name] {
			return fmt.Errorf("duplicate indicator name %q", ind.Name)
		}
		seen[ind.Name] = true
	}

	names := a.SequenceNames()
	for i := range a.EntryConditions {
		if err := validateCondition(&a.EntryConditions[i], names); err != nil {
			return fmt.Errorf("entry condition %d: %w", i, err)
		}
	}
	for i := range a.ExitConditions {
		if err := validateCondition(&a.ExitConditions[i], names); err != nil {
			return fmt.Errorf("exit condition %d: %w", i, err)
		}
	}
	return nil
}

// validateCondition checks one condition's type and indicator references.
func validateCondition(c *TradingCondition, names map[string]bool) error {
	if !IsValidConditionType(c.Type) {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	switch c.Side {
	case SideLong, SideShort, SideBoth, "":
	default:
		return fmt.Errorf("unknown side %q", c.Side)
	}
	switch c.LogicalOperator {
	case LogicalAnd, LogicalOr, "":
	default:
		return fmt.Errorf("unknown logical operator %q", c.LogicalOperator)
	}

	for _, key := range []string{"indicator", "indicator1", "indicator2"} {
		raw, ok := c.Parameters[key]
		if !ok {
			continue
		}
		name, ok := raw.(string)
		if !ok || name == "" {
			return fmt.Errorf("parameter %s must be a non-empty indicator name", key)
		}
		if !names[name] {
			return fmt.Errorf("parameter %s references unknown indicator %q", key, name)
		}
	}

	// position-pnl needs no indicator reference; threshold/crossover/slope do.
	switch c.Type {
	case ConditionThreshold, ConditionSlope:
		if _, ok := c.Parameters["indicator"]; !ok {
			return fmt.Errorf("%s condition requires an indicator parameter", c.Type)
		}
	case ConditionCrossover:
		if _, ok := c.Parameters["indicator1"]; !ok {
			return fmt.Errorf("crossover condition requires indicator1")
		}
		if _, ok := c.Parameters["indicator2"]; !ok {
			return fmt.Errorf("crossover condition requires indicator2")
		}
	}
	return nil
}

// Clone returns a deep copy. The catalog hands copies to runtimes so
// concurrent edits never alias a running strategy.
func (a *Algorithm) Clone() *Algorithm {
	clone := *a

	clone.Indicators = make([]IndicatorConfig, len(a.Indicators))
	for i := range a.Indicators {
		clone.Indicators[i] = a.Indicators[i]
		clone.Indicators[i].Parameters = cloneParams(a.Indicators[i].Parameters)
	}
	clone.EntryConditions = cloneConditions(a.EntryConditions)
	clone.ExitConditions = cloneConditions(a.ExitConditions)
	return &clone
}

func cloneConditions(conditions []TradingCondition) []TradingCondition {
	out := make([]TradingCondition, len(conditions))
	for i := range conditions {
		out[i] = conditions[i]
		out[i].Parameters = cloneParams(conditions[i].Parameters)
	}
	return out
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
