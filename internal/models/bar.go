package models

import (
	"fmt"
	"time"
)

// Timeframe identifies a bar aggregation interval.
type Timeframe string

const (
	// TimeframeMinute is the only granularity the engine builds and stores.
	TimeframeMinute Timeframe = "1m"
)

// Bar is a fixed-duration OHLCV summary of trades. Timestamps mark the start
// of the interval and are minute-aligned UTC.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// Validate checks the OHLC ordering invariants.
func (b *Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar timestamp is zero")
	}
	if !b.Timestamp.Truncate(time.Minute).Equal(b.Timestamp) {
		return fmt.Errorf("bar timestamp %s is not minute-aligned", b.Timestamp.Format(time.RFC3339))
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar volume %d is negative", b.Volume)
	}
	lo, hi := b.Open, b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo {
		return fmt.Errorf("bar low %v exceeds min(open, close) %v", b.Low, lo)
	}
	if b.High < hi {
		return fmt.Errorf("bar high %v below max(open, close) %v", b.High, hi)
	}
	return nil
}

// TypicalPrice returns (high + low + close) / 3.
func (b *Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// TradeTick is a single trade received from the market-data stream.
type TradeTick struct {
	ContractID string    `json:"contractId"`
	Price      float64   `json:"price"`
	Size       int64     `json:"size"`
	Timestamp  time.Time `json:"timestamp"`
}
