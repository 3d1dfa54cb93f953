package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/mercator/internal/models"
)

// TradeConsumer receives batches of trades from a market-data stream.
// Consumers must not block; heavy work belongs on the consumer's side of a
// queue.
type TradeConsumer func(trades []models.TradeTick)

// StreamHandle cancels one trade-stream subscription. Handles are
// ref-counted per contract: the underlying stream closes when the last
// handle for a contract unsubscribes.
type StreamHandle interface {
	// Unsubscribe detaches the consumer. Safe to call more than once.
	Unsubscribe() error
}

// BrokerClient talks to the futures gateway: authentication, account and
// contract lookup, historical bars, live trade streams and order placement.
//
// Authentication is cached; the client refreshes the token five minutes
// before expiry. Network failures surface as Transient errors, auth
// rejections as Permanent.
type BrokerClient interface {
	// Authenticate returns a valid session token, logging in or refreshing
	// as needed.
	Authenticate(ctx context.Context) (*models.AuthToken, error)

	// GetAccounts lists accounts, optionally only active ones.
	GetAccounts(ctx context.Context, onlyActive bool) ([]models.Account, error)

	// SearchContracts finds tradable contracts matching a text query.
	SearchContracts(ctx context.Context, query string, live bool) ([]models.Contract, error)

	// GetHistoricalBars fetches bars for [start, end) in UTC, ordered by
	// timestamp.
	GetHistoricalBars(ctx context.Context, contractID string, timeframe models.Timeframe, start, end time.Time) ([]models.Bar, error)

	// SubscribeTrades attaches a consumer to a contract's trade stream.
	SubscribeTrades(ctx context.Context, contractID string, consumer TradeConsumer) (StreamHandle, error)

	// PlaceOrder submits an order and returns the gateway's result.
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)

	// ActiveStreams reports how many contracts have an open trade stream.
	ActiveStreams() int

	// IsConnected reports whether a usable session token is held.
	IsConnected() bool

	// Close releases all streams and the cached session.
	Close() error
}
