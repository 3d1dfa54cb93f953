package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Price source selectors accepted by GetPriceData. Any other value is
// resolved as an indicator name.
const (
	SourceClose    = "close"
	SourceOpen     = "open"
	SourceHigh     = "high"
	SourceLow      = "low"
	SourceMedian   = "median"   // (high + low) / 2
	SourceTypical  = "typical"  // (high + low + close) / 3
	SourceWeighted = "weighted" // (high + low + 2*close) / 4
	SourceVolume   = "volume"
)

// Series holds the bar history for one contract as parallel columns plus
// named indicator sequences aligned to bar index. Indicator values before
// warmup are NaN, never zero.
//
// A Series has a single writer (the owning runtime or backtest). Callers that
// share one across goroutines must synchronize around it.
type Series struct {
	ContractID string

	timestamps []time.Time
	opens      []float64
	highs      []float64
	lows       []float64
	closes     []float64
	volumes    []int64

	indicators map[string][]float64
}

// NewSeries creates an empty series for a contract.
func NewSeries(contractID string) *Series {
	return &Series{
		ContractID: contractID,
		indicators: make(map[string][]float64),
	}
}

// Count returns the number of bars, including the forming bar if present.
func (s *Series) Count() int {
	return len(s.timestamps)
}

// Append adds a bar to the end of the series. The bar's timestamp must be
// strictly after the current last timestamp.
func (s *Series) Append(bar Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}
	if n := len(s.timestamps); n > 0 && !bar.Timestamp.After(s.timestamps[n-1]) {
		return fmt.Errorf("bar timestamp %s is not after last bar %s",
			bar.Timestamp.Format(time.RFC3339), s.timestamps[n-1].Format(time.RFC3339))
	}

	s.timestamps = append(s.timestamps, bar.Timestamp)
	s.opens = append(s.opens, bar.Open)
	s.highs = append(s.highs, bar.High)
	s.lows = append(s.lows, bar.Low)
	s.closes = append(s.closes, bar.Close)
	s.volumes = append(s.volumes, bar.Volume)
	return nil
}

// UpdateLast merges a trade into the forming bar: high and low widen, close
// takes the trade price, volume accumulates.
func (s *Series) UpdateLast(price float64, size int64) error {
	n := len(s.timestamps)
	if n == 0 {
		return fmt.Errorf("cannot update last bar of an empty series")
	}
	i := n - 1
	if price > s.highs[i] {
		s.highs[i] = price
	}
	if price < s.lows[i] {
		s.lows[i] = price
	}
	s.closes[i] = price
	s.volumes[i] += size
	return nil
}

// GetBar returns the bar at index i.
func (s *Series) GetBar(i int) (Bar, bool) {
	if i < 0 || i >= len(s.timestamps) {
		return Bar{}, false
	}
	return Bar{
		Timestamp: s.timestamps[i],
		Open:      s.opens[i],
		High:      s.highs[i],
		Low:       s.lows[i],
		Close:     s.closes[i],
		Volume:    s.volumes[i],
	}, true
}

// GetLast returns the most recent bar.
func (s *Series) GetLast() (Bar, bool) {
	return s.GetBar(len(s.timestamps) - 1)
}

// Slice returns copies of the bars in [lo, hi). Bounds are clamped.
func (s *Series) Slice(lo, hi int) []Bar {
	n := len(s.timestamps)
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if lo >= hi {
		return nil
	}
	bars := make([]Bar, 0, hi-lo)
	for i := lo; i < hi; i++ {
		bar, _ := s.GetBar(i)
		bars = append(bars, bar)
	}
	return bars
}

// Bars returns a copy of every bar in the series.
func (s *Series) Bars() []Bar {
	return s.Slice(0, len(s.timestamps))
}

// Timestamps returns a copy of the time axis.
func (s *Series) Timestamps() []time.Time {
	out := make([]time.Time, len(s.timestamps))
	copy(out, s.timestamps)
	return out
}

// GetPriceData resolves a price source selector to a full-length sequence.
// Unknown selectors are treated as indicator names.
func (s *Series) GetPriceData(source string) ([]float64, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case SourceClose, "":
		return append([]float64(nil), s.closes...), nil
	case SourceOpen:
		return append([]float64(nil), s.opens...), nil
	case SourceHigh:
		return append([]float64(nil), s.highs...), nil
	case SourceLow:
		return append([]float64(nil), s.lows...), nil
	case SourceMedian:
		out := make([]float64, len(s.highs))
		for i := range out {
			out[i] = (s.highs[i] + s.lows[i]) / 2
		}
		return out, nil
	case SourceTypical:
		out := make([]float64, len(s.highs))
		for i := range out {
			out[i] = (s.highs[i] + s.lows[i] + s.closes[i]) / 3
		}
		return out, nil
	case SourceWeighted:
		out := make([]float64, len(s.highs))
		for i := range out {
			out[i] = (s.highs[i] + s.lows[i] + 2*s.closes[i]) / 4
		}
		return out, nil
	case SourceVolume:
		out := make([]float64, len(s.volumes))
		for i := range out {
			out[i] = float64(s.volumes[i])
		}
		return out, nil
	}

	if seq, ok := s.indicators[source]; ok {
		return append([]float64(nil), seq...), nil
	}
	return nil, fmt.Errorf("unknown price source %q", source)
}

// SetIndicator stores a named sequence. Its length must not exceed the bar
// count; shorter sequences are NaN-padded to full length so values stay
// aligned to bar index.
func (s *Series) SetIndicator(name string, seq []float64) error {
	if name == "" {
		return fmt.Errorf("indicator name is empty")
	}
	n := len(s.timestamps)
	if len(seq) > n {
		return fmt.Errorf("indicator %s has %d values for %d bars", name, len(seq), n)
	}
	stored := make([]float64, n)
	pad := n - len(seq)
	for i := 0; i < pad; i++ {
		stored[i] = math.NaN()
	}
	copy(stored[pad:], seq)
	s.indicators[name] = stored
	return nil
}

// GetIndicator returns the stored sequence for name.
func (s *Series) GetIndicator(name string) ([]float64, bool) {
	seq, ok := s.indicators[name]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), seq...), true
}

// GetIndicatorValue returns the indicator value at bar index i. It reports
// false when the indicator is missing, the index is out of range, or the
// value is still in warmup.
func (s *Series) GetIndicatorValue(name string, i int) (float64, bool) {
	seq, ok := s.indicators[name]
	if !ok || i < 0 || i >= len(seq) {
		return 0, false
	}
	v := seq[i]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// HasIndicator reports whether a sequence is stored under name.
func (s *Series) HasIndicator(name string) bool {
	_, ok := s.indicators[name]
	return ok
}

// IndicatorNames returns the stored indicator names in no particular order.
func (s *Series) IndicatorNames() []string {
	names := make([]string, 0, len(s.indicators))
	for name := range s.indicators {
		names = append(names, name)
	}
	return names
}

// Validate checks the structural invariants: equal column lengths, strictly
// increasing timestamps, OHLC ordering, and indicator alignment.
func (s *Series) Validate() error {
	n := len(s.timestamps)
	if len(s.opens) != n || len(s.highs) != n || len(s.lows) != n || len(s.closes) != n || len(s.volumes) != n {
		return fmt.Errorf("series columns have unequal lengths")
	}
	for i := 0; i < n; i++ {
		bar, _ := s.GetBar(i)
		if err := bar.Validate(); err != nil {
			return fmt.Errorf("bar %d: %w", i, err)
		}
		if i > 0 && !s.timestamps[i].After(s.timestamps[i-1]) {
			return fmt.Errorf("bar %d timestamp %s is not after bar %d", i,
				s.timestamps[i].Format(time.RFC3339), i-1)
		}
	}
	for name, seq := range s.indicators {
		if len(seq) > n {
			return fmt.Errorf("indicator %s has %d values for %d bars", name, len(seq), n)
		}
	}
	return nil
}
