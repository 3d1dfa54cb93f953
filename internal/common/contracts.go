// Package common provides shared configuration, logging and contract
// conventions used across the engine.
package common

import (
	"strings"
)

// TickSpec describes the minimum price increment of a futures contract and
// the dollar value of one increment.
type TickSpec struct {
	TickSize  float64
	TickValue float64
}

// tickSpecs maps contract root symbols to their exchange tick conventions.
var tickSpecs = map[string]TickSpec{
	"ENQ": {TickSize: 0.25, TickValue: 5.00},
	"NQ":  {TickSize: 0.25, TickValue: 5.00},
	"MNQ": {TickSize: 0.25, TickValue: 0.50},
	"ES":  {TickSize: 0.25, TickValue: 12.50},
	"MES": {TickSize: 0.25, TickValue: 1.25},
	"YM":  {TickSize: 1.0, TickValue: 5.00},
	"MYM": {TickSize: 1.0, TickValue: 0.50},
	"RTY": {TickSize: 0.10, TickValue: 5.00},
	"M2K": {TickSize: 0.10, TickValue: 0.50},
	"CL":  {TickSize: 0.01, TickValue: 10.00},
	"GC":  {TickSize: 0.10, TickValue: 10.00},
	"SI":  {TickSize: 0.005, TickValue: 25.00},
}

// DefaultTickSpec applies to symbols without a table entry.
var DefaultTickSpec = TickSpec{TickSize: 0.25, TickValue: 5.00}

// PointValue returns the dollar value of a one point move for one contract.
func (s TickSpec) PointValue() float64 {
	if s.TickSize == 0 {
		return 0
	}
	return s.TickValue / s.TickSize
}

// TickSpecFor returns the tick conventions for a symbol or gateway contract ID.
func TickSpecFor(symbol string) TickSpec {
	root := RootSymbol(symbol)
	if spec, ok := tickSpecs[root]; ok {
		return spec
	}
	return DefaultTickSpec
}

// RootSymbol extracts the contract root from a plain symbol or a gateway
// contract ID.
//
// Supported formats:
//   - "CON.F.US.ENQ.Z25" -> "ENQ" (gateway ID, root in the fourth segment)
//   - "MNQZ5"            -> "MNQ" (root plus month/year code)
//   - "es"               -> "ES"
func RootSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}

	if strings.Contains(s, ".") {
		parts := strings.Split(s, ".")
		if len(parts) >= 4 && parts[3] != "" {
			return parts[3]
		}
		return parts[len(parts)-1]
	}

	// Longest known root that prefixes the symbol wins, so "MNQZ5" resolves
	// to MNQ rather than NQ.
	best := ""
	for root := range tickSpecs {
		if strings.HasPrefix(s, root) && len(root) > len(best) {
			best = root
		}
	}
	if best != "" {
		return best
	}

	return strings.TrimRight(s, "0123456789")
}
