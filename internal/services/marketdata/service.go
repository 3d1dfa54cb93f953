// Package marketdata layers the historical day-file cache and the shared
// trade-stream fan-out over the broker client. Runtimes and the backtest
// service go through this service instead of holding the broker directly.
package marketdata

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// Service serves bars cache-first and multiplexes trade streams.
type Service struct {
	broker  interfaces.BrokerClient
	storage interfaces.HistoricalStorage
	logger  arbor.ILogger
	now     func() time.Time
}

// NewService creates a market-data service over a broker client and the
// historical day-file store.
func NewService(broker interfaces.BrokerClient, storage interfaces.HistoricalStorage, logger arbor.ILogger) *Service {
	return &Service{
		broker:  broker,
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// GetBars returns 1-minute bars for [start, end). Cached day files are served
// as-is; missing days are fetched from the broker a full UTC day at a time.
// Fetched days that are already complete are written back to the cache;
// today's partial data is refetched on the next call.
func (s *Service) GetBars(ctx context.Context, symbol, contractID string, start, end time.Time) ([]models.Bar, error) {
	if symbol == "" {
		return nil, common.ValidationError("symbol is required")
	}
	if contractID == "" {
		return nil, common.ValidationError("contractId is required")
	}
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, common.ValidationError("bar range end must be after start")
	}

	var all []models.Bar
	for day := dayFloor(start); day.Before(end); day = day.Add(24 * time.Hour) {
		bars, err := s.dayBars(ctx, symbol, contractID, day)
		if err != nil {
			return nil, err
		}
		all = append(all, bars...)
	}

	trimmed := make([]models.Bar, 0, len(all))
	for _, bar := range all {
		if bar.Timestamp.Before(start) || !bar.Timestamp.Before(end) {
			continue
		}
		trimmed = append(trimmed, bar)
	}
	return trimmed, nil
}

// dayBars returns one UTC day of bars, cache first.
func (s *Service) dayBars(ctx context.Context, symbol, contractID string, day time.Time) ([]models.Bar, error) {
	bars, err := s.storage.GetDay(ctx, symbol, day)
	if err == nil {
		s.logger.Debug().
			Str("symbol", symbol).
			Str("day", day.Format(models.DateLayout)).
			Int("bars", len(bars)).
			Msg("Serving cached day of bars")
		return bars, nil
	}
	if !common.IsNotFound(err) {
		return nil, err
	}

	dayEnd := day.Add(24 * time.Hour)
	fetched, err := s.broker.GetHistoricalBars(ctx, contractID, models.TimeframeMinute, day, dayEnd)
	if err != nil {
		return nil, err
	}

	// Only completed days go into the cache. An empty completed day (weekend,
	// holiday) is cached too so it is not refetched.
	if !dayEnd.After(s.now().UTC()) {
		if err := s.storage.StoreDay(ctx, symbol, day, fetched); err != nil {
			s.logger.Warn().
				Err(err).
				Str("symbol", symbol).
				Str("day", day.Format(models.DateLayout)).
				Msg("Failed to cache day of bars")
		}
	}
	return fetched, nil
}

// Subscribe attaches a consumer to the contract's trade stream. Streams are
// ref-counted inside the broker adapter, so any number of consumers share one
// upstream connection per contract.
func (s *Service) Subscribe(ctx context.Context, contractID string, consumer interfaces.TradeConsumer) (interfaces.StreamHandle, error) {
	return s.broker.SubscribeTrades(ctx, contractID, consumer)
}

// ActiveStreamCount returns the number of open upstream streams.
func (s *Service) ActiveStreamCount() int {
	return s.broker.ActiveStreams()
}

// TestConnection verifies the gateway credentials by authenticating.
func (s *Service) TestConnection(ctx context.Context) error {
	_, err := s.broker.Authenticate(ctx)
	return err
}

// Accounts passes through to the broker.
func (s *Service) Accounts(ctx context.Context, onlyActive bool) ([]models.Account, error) {
	return s.broker.GetAccounts(ctx, onlyActive)
}

// Contracts passes through to the broker.
func (s *Service) Contracts(ctx context.Context, query string, live bool) ([]models.Contract, error) {
	return s.broker.SearchContracts(ctx, query, live)
}

// Connected reports whether the broker session is usable.
func (s *Service) Connected() bool {
	return s.broker.IsConnected()
}

// Close is a no-op; the broker client is owned and closed by the app.
func (s *Service) Close() error {
	return nil
}

func dayFloor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
