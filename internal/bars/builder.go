// Package bars turns a stream of trades into 1-minute OHLCV bars on a
// series. The forming bar is the series' last element: a trade in the same
// minute mutates it in place, a trade in a later minute appends a fresh bar
// and thereby seals the previous one. Minutes with no trades produce no bars.
package bars

import (
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/metrics"
	"github.com/ternarybob/mercator/internal/models"
)

// Builder applies trades to one series. Not safe for concurrent use; the
// owning runtime feeds it from a single goroutine.
type Builder struct {
	series  *models.Series
	logger  arbor.ILogger
	dropped int64
}

func NewBuilder(series *models.Series, logger arbor.ILogger) *Builder {
	return &Builder{series: series, logger: logger}
}

// ApplyTick folds one trade into the series and reports whether it opened a
// new bar. Malformed and out-of-order trades are dropped with a log.
func (b *Builder) ApplyTick(tick models.TradeTick) bool {
	if tick.Timestamp.IsZero() || tick.Price <= 0 || tick.Size < 0 {
		b.drop(tick, "malformed trade")
		return false
	}

	minute := tick.Timestamp.UTC().Truncate(time.Minute)

	if b.series.Count() == 0 {
		return b.open(minute, tick)
	}

	last, _ := b.series.GetLast()
	switch {
	case minute.Equal(last.Timestamp):
		b.series.UpdateLast(tick.Price, tick.Size)
		return false
	case minute.After(last.Timestamp):
		return b.open(minute, tick)
	default:
		b.drop(tick, "out-of-order trade")
		return false
	}
}

// ApplyTicks folds a batch and reports whether any trade opened a new bar.
func (b *Builder) ApplyTicks(ticks []models.TradeTick) bool {
	opened := false
	for _, tick := range ticks {
		if b.ApplyTick(tick) {
			opened = true
		}
	}
	return opened
}

// Dropped returns how many trades were discarded since construction.
func (b *Builder) Dropped() int64 {
	return b.dropped
}

func (b *Builder) open(minute time.Time, tick models.TradeTick) bool {
	bar := models.Bar{
		Timestamp: minute,
		Open:      tick.Price,
		High:      tick.Price,
		Low:       tick.Price,
		Close:     tick.Price,
		Volume:    tick.Size,
	}
	if err := b.series.Append(bar); err != nil {
		b.drop(tick, err.Error())
		return false
	}
	return true
}

func (b *Builder) drop(tick models.TradeTick, reason string) {
	b.dropped++
	metrics.TradesDropped.Inc()
	if b.logger != nil {
		b.logger.Debug().
			Str("contract_id", b.series.ContractID).
			Str("price", strconv.FormatFloat(tick.Price, 'f', -1, 64)).
			Str("timestamp", tick.Timestamp.Format(time.RFC3339)).
			Str("reason", reason).
			Msg("Dropping trade")
	}
}
