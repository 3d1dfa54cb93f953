package jsonstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// HistoricalStorage caches 1-minute bars as one document per symbol and UTC
// day at historical/<symbol>-<YYYY-MM-DD>.json.
type HistoricalStorage struct {
	dir    string
	logger arbor.ILogger
}

// NewHistoricalStorage creates a new HistoricalStorage instance
func NewHistoricalStorage(dataDir string, logger arbor.ILogger) interfaces.HistoricalStorage {
	return &HistoricalStorage{
		dir:    filepath.Join(dataDir, historicalDir),
		logger: logger,
	}
}

func (s *HistoricalStorage) StoreDay(ctx context.Context, symbol string, day time.Time, bars []models.Bar) error {
	if err := safeKey(symbol); err != nil {
		return err
	}
	if bars == nil {
		bars = []models.Bar{}
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return common.ValidationError("bars are not in ascending order at index %d", i)
		}
	}
	return writeDocument(s.path(symbol, day), bars)
}

func (s *HistoricalStorage) GetDay(ctx context.Context, symbol string, day time.Time) ([]models.Bar, error) {
	if err := safeKey(symbol); err != nil {
		return nil, err
	}
	var bars []models.Bar
	if err := readDocument(s.path(symbol, day), &bars); err != nil {
		if common.IsNotFound(err) {
			return nil, common.NotFoundError("no cached bars for %s on %s", symbol, dayKey(day))
		}
		return nil, err
	}
	return bars, nil
}

// GetRange concatenates the cached day files covering [start, end], trimmed
// to the requested window. Days with no cache file are skipped.
func (s *HistoricalStorage) GetRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	if err := safeKey(symbol); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, common.ValidationError("end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	var out []models.Bar
	startDay := dayFloor(start)
	endDay := dayFloor(end)
	for day := startDay; !day.After(endDay); day = day.Add(24 * time.Hour) {
		bars, err := s.GetDay(ctx, symbol, day)
		if err != nil {
			if common.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, bar := range bars {
			if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
				continue
			}
			out = append(out, bar)
		}
	}
	return out, nil
}

func (s *HistoricalStorage) ListDays(ctx context.Context, symbol string) ([]time.Time, error) {
	if err := safeKey(symbol); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var days []time.Time
	for _, entry := range entries {
		fileSymbol, day, ok := parseDayFile(entry.Name())
		if !ok || fileSymbol != symbol {
			continue
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (s *HistoricalStorage) DeleteDay(ctx context.Context, symbol string, day time.Time) error {
	if err := safeKey(symbol); err != nil {
		return err
	}
	if err := removeDocument(s.path(symbol, day)); err != nil {
		if common.IsNotFound(err) {
			return common.NotFoundError("no cached bars for %s on %s", symbol, dayKey(day))
		}
		return err
	}
	return nil
}

func (s *HistoricalStorage) DeleteSymbol(ctx context.Context, symbol string) error {
	if err := safeKey(symbol); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		fileSymbol, _, ok := parseDayFile(entry.Name())
		if !ok || fileSymbol != symbol {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Prune removes day files strictly older than the cutoff day across all
// symbols and returns how many were deleted.
func (s *HistoricalStorage) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoffDay := dayFloor(cutoff)
	deleted := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		_, day, ok := parseDayFile(entry.Name())
		if !ok || !day.Before(cutoffDay) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("failed to prune %s: %w", entry.Name(), err)
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Str("cutoff", dayKey(cutoffDay)).Msg("Pruned historical day files")
	}
	return deleted, nil
}

func (s *HistoricalStorage) path(symbol string, day time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", symbol, dayKey(day)))
}

func dayKey(day time.Time) string {
	return day.UTC().Format(models.DateLayout)
}

func dayFloor(ts time.Time) time.Time {
	u := ts.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// parseDayFile splits "<symbol>-<YYYY-MM-DD>.json" into its parts. The date
// is always the last 10 characters of the stem, so symbols containing
// dashes stay intact.
func parseDayFile(name string) (string, time.Time, bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", time.Time{}, false
	}
	stem := strings.TrimSuffix(name, ".json")
	if len(stem) < len(models.DateLayout)+2 {
		return "", time.Time{}, false
	}
	datePart := stem[len(stem)-len(models.DateLayout):]
	symbolPart := stem[:len(stem)-len(models.DateLayout)-1]
	if stem[len(symbolPart)] != '-' {
		return "", time.Time{}, false
	}
	day, err := time.ParseInLocation(models.DateLayout, datePart, time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	return symbolPart, day, true
}
