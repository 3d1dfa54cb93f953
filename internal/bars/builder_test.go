package bars

import (
	"testing"
	"time"

	"github.com/ternarybob/mercator/internal/models"
)

var base = time.Date(2025, 6, 2, 13, 30, 0, 0, time.UTC)

func tick(offset time.Duration, price float64, size int64) models.TradeTick {
	return models.TradeTick{
		ContractID: "CON.F.US.ENQ.Z25",
		Price:      price,
		Size:       size,
		Timestamp:  base.Add(offset),
	}
}

func newBuilder() (*Builder, *models.Series) {
	s := models.NewSeries("CON.F.US.ENQ.Z25")
	return NewBuilder(s, nil), s
}

func TestApplyTickOpensFirstBar(t *testing.T) {
	b, s := newBuilder()

	if !b.ApplyTick(tick(15*time.Second, 21000.25, 3)) {
		t.Fatal("first trade should open a bar")
	}
	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1", s.Count())
	}
	bar, _ := s.GetLast()
	if !bar.Timestamp.Equal(base) {
		t.Fatalf("timestamp = %v, want minute floor %v", bar.Timestamp, base)
	}
	if bar.Open != 21000.25 || bar.High != 21000.25 || bar.Low != 21000.25 || bar.Close != 21000.25 {
		t.Fatalf("first bar not seeded from trade price: %+v", bar)
	}
	if bar.Volume != 3 {
		t.Fatalf("volume = %d, want 3", bar.Volume)
	}
}

func TestApplyTickMergesSameMinute(t *testing.T) {
	b, s := newBuilder()

	b.ApplyTick(tick(0, 100, 1))
	if b.ApplyTick(tick(20*time.Second, 101.5, 2)) {
		t.Fatal("same-minute trade opened a bar")
	}
	b.ApplyTick(tick(40*time.Second, 99.25, 4))

	bar, _ := s.GetLast()
	if bar.Open != 100 || bar.High != 101.5 || bar.Low != 99.25 || bar.Close != 99.25 {
		t.Fatalf("merged bar wrong: %+v", bar)
	}
	if bar.Volume != 7 {
		t.Fatalf("volume = %d, want 7", bar.Volume)
	}
	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1", s.Count())
	}
}

func TestApplyTickRollsToNewMinute(t *testing.T) {
	b, s := newBuilder()

	b.ApplyTick(tick(0, 100, 1))
	b.ApplyTick(tick(30*time.Second, 102, 1))
	if !b.ApplyTick(tick(61*time.Second, 101, 5)) {
		t.Fatal("next-minute trade should open a bar")
	}

	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2", s.Count())
	}
	sealed, _ := s.GetBar(0)
	if sealed.Close != 102 || sealed.Volume != 2 {
		t.Fatalf("sealed bar mutated: %+v", sealed)
	}
	open, _ := s.GetLast()
	if !open.Timestamp.Equal(base.Add(time.Minute)) {
		t.Fatalf("new bar minute = %v", open.Timestamp)
	}
	if open.Open != 101 || open.Volume != 5 {
		t.Fatalf("new bar not seeded: %+v", open)
	}
}

func TestApplyTickGapsProduceNoFillerBars(t *testing.T) {
	b, s := newBuilder()

	b.ApplyTick(tick(0, 100, 1))
	b.ApplyTick(tick(5*time.Minute, 105, 1))

	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2 (no filler bars)", s.Count())
	}
	bar, _ := s.GetLast()
	if !bar.Timestamp.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("gap bar minute = %v", bar.Timestamp)
	}
}

func TestApplyTickDropsOutOfOrder(t *testing.T) {
	b, s := newBuilder()

	b.ApplyTick(tick(2*time.Minute, 100, 1))
	if b.ApplyTick(tick(1*time.Minute, 99, 1)) {
		t.Fatal("stale trade opened a bar")
	}

	if s.Count() != 1 {
		t.Fatalf("count = %d, want 1", s.Count())
	}
	bar, _ := s.GetLast()
	if bar.Close != 100 || bar.Volume != 1 {
		t.Fatalf("stale trade mutated the bar: %+v", bar)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestApplyTickDropsMalformed(t *testing.T) {
	b, s := newBuilder()

	bad := map[string]models.TradeTick{
		"zero timestamp": {ContractID: "X", Price: 100, Size: 1},
		"zero price":     {ContractID: "X", Price: 0, Size: 1, Timestamp: base},
		"negative price": {ContractID: "X", Price: -5, Size: 1, Timestamp: base},
		"negative size":  {ContractID: "X", Price: 100, Size: -1, Timestamp: base},
	}
	for name, tk := range bad {
		if b.ApplyTick(tk) {
			t.Fatalf("%s opened a bar", name)
		}
	}
	if s.Count() != 0 {
		t.Fatalf("count = %d, want 0", s.Count())
	}
	if b.Dropped() != int64(len(bad)) {
		t.Fatalf("dropped = %d, want %d", b.Dropped(), len(bad))
	}
}

func TestApplyTickMergesIntoBackfilledBar(t *testing.T) {
	s := models.NewSeries("CON.F.US.ENQ.Z25")
	historical := models.Bar{Timestamp: base, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 50}
	if err := s.Append(historical); err != nil {
		t.Fatalf("append historical: %v", err)
	}
	b := NewBuilder(s, nil)

	// A live trade inside the last backfilled minute extends that bar.
	if b.ApplyTick(tick(45*time.Second, 101.75, 2)) {
		t.Fatal("in-minute live trade opened a bar")
	}
	bar, _ := s.GetLast()
	if bar.High != 101.75 || bar.Close != 101.75 || bar.Volume != 52 {
		t.Fatalf("backfilled bar not extended: %+v", bar)
	}
}

func TestApplyTicksReportsAnyOpen(t *testing.T) {
	b, s := newBuilder()

	batch := []models.TradeTick{
		tick(0, 100, 1),
		tick(10*time.Second, 100.5, 1),
		tick(70*time.Second, 101, 1),
		tick(80*time.Second, 101.5, 1),
	}
	if !b.ApplyTicks(batch) {
		t.Fatal("batch spanning a rollover should report a new bar")
	}
	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2", s.Count())
	}

	if b.ApplyTicks([]models.TradeTick{tick(85*time.Second, 101.25, 1)}) {
		t.Fatal("in-minute batch reported a new bar")
	}
}
