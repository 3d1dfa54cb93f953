package jsonstore

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/models"
)

func dayBars(day time.Time, startMinute, count int) []models.Bar {
	bars := make([]models.Bar, 0, count)
	for i := 0; i < count; i++ {
		ts := day.Add(time.Duration(startMinute+i) * time.Minute)
		price := 100 + float64(i)
		bars = append(bars, models.Bar{
			Timestamp: ts,
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price + 0.5,
			Volume:    10,
		})
	}
	return bars
}

func TestHistoricalStorageDayRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	storage := manager.HistoricalStorage()
	ctx := context.Background()

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	bars := dayBars(day, 13*60+30, 5)

	if err := storage.StoreDay(ctx, "ENQ", day, bars); err != nil {
		t.Fatalf("store: %v", err)
	}

	loaded, err := storage.GetDay(ctx, "ENQ", day)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(loaded) != 5 {
		t.Fatalf("len = %d, want 5", len(loaded))
	}
	if !loaded[0].Timestamp.Equal(bars[0].Timestamp) || loaded[4].Close != bars[4].Close {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	if _, err := storage.GetDay(ctx, "ENQ", day.Add(24*time.Hour)); !common.IsNotFound(err) {
		t.Fatalf("missing day: got %v, want NotFound", err)
	}
}

func TestHistoricalStorageRejectsUnsortedBars(t *testing.T) {
	manager := newTestManager(t)
	storage := manager.HistoricalStorage()
	ctx := context.Background()

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	bars := dayBars(day, 60, 3)
	bars[1], bars[2] = bars[2], bars[1]

	if err := storage.StoreDay(ctx, "ENQ", day, bars); !common.IsValidation(err) {
		t.Fatalf("got %v, want Validation", err)
	}
}

func TestHistoricalStorageGetRangeSkipsMissingDays(t *testing.T) {
	manager := newTestManager(t)
	storage := manager.HistoricalStorage()
	ctx := context.Background()

	day1 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	day3 := time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)
	if err := storage.StoreDay(ctx, "ENQ", day1, dayBars(day1, 60, 3)); err != nil {
		t.Fatalf("store day1: %v", err)
	}
	if err := storage.StoreDay(ctx, "ENQ", day3, dayBars(day3, 60, 2)); err != nil {
		t.Fatalf("store day3: %v", err)
	}

	bars, err := storage.GetRange(ctx, "ENQ", day1, day3.Add(24*time.Hour-time.Second))
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(bars) != 5 {
		t.Fatalf("len = %d, want 5 (missing day skipped)", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			t.Fatalf("range not ordered at %d", i)
		}
	}
}

func TestHistoricalStorageGetRangeTrimsToWindow(t *testing.T) {
	manager := newTestManager(t)
	storage := manager.HistoricalStorage()
	ctx := context.Background()

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	if err := storage.StoreDay(ctx, "ENQ", day, dayBars(day, 60, 10)); err != nil {
		t.Fatalf("store: %v", err)
	}

	start := day.Add(62 * time.Minute)
	end := day.Add(65 * time.Minute)
	bars, err := storage.GetRange(ctx, "ENQ", start, end)
	if err != nil {
		t.Fatalf("get range: %v", err)
	}
	if len(bars) != 4 {
		t.Fatalf("len = %d, want 4 (inclusive window)", len(bars))
	}
	if bars[0].Timestamp.Before(start) || bars[len(bars)-1].Timestamp.After(end) {
		t.Fatalf("bars outside window: %v .. %v", bars[0].Timestamp, bars[len(bars)-1].Timestamp)
	}

	if _, err := storage.GetRange(ctx, "ENQ", end, start); !common.IsValidation(err) {
		t.Fatalf("inverted range: got %v, want Validation", err)
	}
}

func TestHistoricalStorageListDays(t *testing.T) {
	manager := newTestManager(t)
	storage := manager.HistoricalStorage()
	ctx := context.Background()

	days := []time.Time{
		time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC),
	}
	for _, day := range days {
		if err := storage.StoreDay(ctx, "ENQ", day, dayBars(day, 60, 1)); err != nil {
			t.Fatalf("store %v: %v", day, err)
		}
	}
	// Another symbol must not appear in the listing.
	other := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	if err := storage.StoreDay(ctx, "MES", other, dayBars(other, 60, 1)); err != nil {
		t.Fatalf("store other symbol: %v", err)
	}

	listed, err := storage.ListDays(ctx, "ENQ")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("len = %d, want 3", len(listed))
	}
	for i, want := range []string{"2025-06-02", "2025-06-03", "2025-06-04"} {
		if listed[i].Format(models.DateLayout) != want {
			t.Fatalf("order[%d] = %v, want %s", i, listed[i], want)
		}
	}
}

func TestHistoricalStorageDeleteSymbolIsExact(t *testing.T) {
	manager := newTestManager(t)
	storage := manager.HistoricalStorage()
	ctx := context.Background()

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	if err := storage.StoreDay(ctx, "ES", day, dayBars(day, 60, 1)); err != nil {
		t.Fatalf("store ES: %v", err)
	}
	if err := storage.StoreDay(ctx, "ESX", day, dayBars(day, 60, 1)); err != nil {
		t.Fatalf("store ESX: %v", err)
	}

	if err := storage.DeleteSymbol(ctx, "ES"); err != nil {
		t.Fatalf("delete symbol: %v", err)
	}

	if days, _ := storage.ListDays(ctx, "ES"); len(days) != 0 {
		t.Fatalf("ES days remain: %v", days)
	}
	if days, _ := storage.ListDays(ctx, "ESX"); len(days) != 1 {
		t.Fatalf("ESX days = %v, want 1 entry", days)
	}
}

func TestHistoricalStorageDeleteDay(t *testing.T) {
	manager := newTestManager(t)
	storage := manager.HistoricalStorage()
	ctx := context.Background()

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	if err := storage.StoreDay(ctx, "ENQ", day, dayBars(day, 60, 1)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := storage.DeleteDay(ctx, "ENQ", day); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := storage.DeleteDay(ctx, "ENQ", day); !common.IsNotFound(err) {
		t.Fatalf("second delete: got %v, want NotFound", err)
	}
}

func TestHistoricalStoragePrune(t *testing.T) {
	manager := newTestManager(t)
	storage := manager.HistoricalStorage()
	ctx := context.Background()

	days := []time.Time{
		time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	}
	for _, day := range days {
		if err := storage.StoreDay(ctx, "ENQ", day, dayBars(day, 60, 1)); err != nil {
			t.Fatalf("store %v: %v", day, err)
		}
		if err := storage.StoreDay(ctx, "MES", day, dayBars(day, 60, 1)); err != nil {
			t.Fatalf("store %v: %v", day, err)
		}
	}

	cutoff := time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)
	deleted, err := storage.Prune(ctx, cutoff)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 4 {
		t.Fatalf("deleted = %d, want 4 (two symbols, two old days)", deleted)
	}

	for _, symbol := range []string{"ENQ", "MES"} {
		remaining, err := storage.ListDays(ctx, symbol)
		if err != nil {
			t.Fatalf("list %s: %v", symbol, err)
		}
		if len(remaining) != 1 || remaining[0].Format(models.DateLayout) != "2025-06-02" {
			t.Fatalf("%s remaining = %v", symbol, remaining)
		}
	}

	// Pruning again is a no-op.
	deleted, err = storage.Prune(ctx, cutoff)
	if err != nil || deleted != 0 {
		t.Fatalf("second prune: %d, %v", deleted, err)
	}
}
