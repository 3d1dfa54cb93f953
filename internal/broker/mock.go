package broker

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/interfaces"
	"github.com/ternarybob/mercator/internal/models"
)

// defaultTradeInterval paces the mock's synthetic trade stream.
const defaultTradeInterval = 500 * time.Millisecond

// mockTick rounds synthetic prices to a quarter point.
const mockTick = 0.25

// MockClient is a gateway stand-in for simulation and tests. Historical bars
// and trade sequences are derived from the contract ID, so the same inputs
// always produce the same data. Failures can be scripted per operation.
type MockClient struct {
	logger        arbor.ILogger
	hub           *subscriptionHub
	tradeInterval time.Duration

	mu       sync.Mutex
	token    *models.AuthToken
	orders   []models.OrderRequest
	failures map[string]error

	streamOpens  int64
	streamCloses int64
}

// NewMockClient creates a mock gateway client.
func NewMockClient(logger arbor.ILogger) *MockClient {
	m := &MockClient{
		logger:        logger,
		tradeInterval: defaultTradeInterval,
		failures:      make(map[string]error),
	}
	m.hub = newSubscriptionHub(m.openStream, logger)
	return m
}

// SetTradeInterval changes how often the synthetic stream emits trades.
// Tests use short intervals; call before subscribing.
func (m *MockClient) SetTradeInterval(interval time.Duration) {
	if interval > 0 {
		m.tradeInterval = interval
	}
}

// ScriptFailure makes the named operation (authenticate, accounts, contracts,
// bars, order, subscribe) return err until cleared with a nil err.
func (m *MockClient) ScriptFailure(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MockClient) scripted(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[op]
}

// Authenticate issues a synthetic session token valid for 24 hours.
func (m *MockClient) Authenticate(ctx context.Context) (*models.AuthToken, error) {
	if err := m.scripted("authenticate"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil || m.token.ExpiresWithin(tokenRefreshWindow) {
		m.token = &models.AuthToken{
			Token:  "mock-" + uuid.NewString(),
			Expiry: time.Now().Add(24 * time.Hour),
		}
	}
	token := *m.token
	return &token, nil
}

// GetAccounts returns the fixture accounts.
func (m *MockClient) GetAccounts(ctx context.Context, onlyActive bool) ([]models.Account, error) {
	if err := m.scripted("accounts"); err != nil {
		return nil, err
	}

	accounts := []models.Account{
		{ID: "mock-sim-1", Name: "Simulation", Balance: 50000, CanTrade: true, IsVisible: true, Simulated: true},
		{ID: "mock-sim-2", Name: "Simulation Small", Balance: 2500, CanTrade: true, IsVisible: true, Simulated: true},
		{ID: "mock-closed", Name: "Closed", Balance: 0, CanTrade: false, IsVisible: false, Simulated: true},
	}
	if !onlyActive {
		return accounts, nil
	}
	active := accounts[:0]
	for _, a := range accounts {
		if a.CanTrade {
			active = append(active, a)
		}
	}
	return active, nil
}

// SearchContracts filters the fixture contracts by a case-insensitive
// substring match on name and description.
func (m *MockClient) SearchContracts(ctx context.Context, query string, live bool) ([]models.Contract, error) {
	if err := m.scripted("contracts"); err != nil {
		return nil, err
	}

	contracts := []models.Contract{
		{ID: "ENQ", Name: "ENQ", Description: "E-mini NASDAQ-100", TickSize: 0.25, TickValue: 5.0, ActiveContract: true},
		{ID: "MNQ", Name: "MNQ", Description: "Micro E-mini NASDAQ-100", TickSize: 0.25, TickValue: 0.5, ActiveContract: true},
		{ID: "EP", Name: "EP", Description: "E-mini S&P 500", TickSize: 0.25, TickValue: 12.5, ActiveContract: true},
		{ID: "MES", Name: "MES", Description: "Micro E-mini S&P 500", TickSize: 0.25, TickValue: 1.25, ActiveContract: true},
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	matched := make([]models.Contract, 0, len(contracts))
	for _, c := range contracts {
		if needle != "" &&
			!strings.Contains(strings.ToLower(c.Name), needle) &&
			!strings.Contains(strings.ToLower(c.Description), needle) {
			continue
		}
		matched = append(matched, c)
	}
	return matched, nil
}

// GetHistoricalBars generates a deterministic 1-minute walk for the contract.
// Each bar depends only on the contract ID and the minute, so overlapping
// ranges agree bar for bar.
func (m *MockClient) GetHistoricalBars(ctx context.Context, contractID string, timeframe models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	if err := m.scripted("bars"); err != nil {
		return nil, err
	}
	if timeframe != models.TimeframeMinute {
		return nil, common.ValidationError("unsupported timeframe %q", timeframe)
	}
	if !end.After(start) {
		return nil, common.ValidationError("historical range end must be after start")
	}

	first := start.UTC().Truncate(time.Minute)
	if first.Before(start.UTC()) {
		first = first.Add(time.Minute)
	}

	var bars []models.Bar
	for minute := first; minute.Before(end.UTC()); minute = minute.Add(time.Minute) {
		bars = append(bars, syntheticBar(contractID, minute))
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// SubscribeTrades attaches a consumer to the synthetic trade stream.
func (m *MockClient) SubscribeTrades(ctx context.Context, contractID string, consumer interfaces.TradeConsumer) (interfaces.StreamHandle, error) {
	if err := m.scripted("subscribe"); err != nil {
		return nil, err
	}
	if contractID == "" {
		return nil, common.ValidationError("contractId is required")
	}
	if consumer == nil {
		return nil, common.ValidationError("consumer is required")
	}
	return m.hub.subscribe(contractID, consumer)
}

// PlaceOrder records the order and reports success.
func (m *MockClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if err := m.scripted("order"); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, common.ValidationError("invalid order: %v", err)
	}

	m.mu.Lock()
	m.orders = append(m.orders, req)
	m.mu.Unlock()

	return &models.OrderResult{Success: true, OrderID: uuid.NewString()}, nil
}

// Orders returns a copy of every order placed so far.
func (m *MockClient) Orders() []models.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := make([]models.OrderRequest, len(m.orders))
	copy(orders, m.orders)
	return orders
}

// StreamOpens counts upstream streams opened since construction.
func (m *MockClient) StreamOpens() int64 {
	return atomic.LoadInt64(&m.streamOpens)
}

// StreamCloses counts upstream streams closed since construction.
func (m *MockClient) StreamCloses() int64 {
	return atomic.LoadInt64(&m.streamCloses)
}

// ActiveStreams reports how many contracts have an open synthetic stream.
func (m *MockClient) ActiveStreams() int {
	return m.hub.activeStreams()
}

// IsConnected reports whether Authenticate has issued a live token.
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != nil && !m.token.ExpiresWithin(0)
}

// Close stops all synthetic streams and drops the session.
func (m *MockClient) Close() error {
	m.hub.closeAll()
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	return nil
}

// openStream starts the synthetic trade generator for one contract.
func (m *MockClient) openStream(contractID string, deliver func([]models.TradeTick)) (func(), error) {
	atomic.AddInt64(&m.streamOpens, 1)

	done := make(chan struct{})
	interval := m.tradeInterval

	common.SafeGo(m.logger, "mock-trade-stream-"+contractID, func() {
		rng := rand.New(rand.NewSource(int64(contractSeed(contractID))))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deliver(syntheticTrades(contractID, rng))
			}
		}
	})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			atomic.AddInt64(&m.streamCloses, 1)
		})
	}
	return stop, nil
}

// contractSeed hashes a contract ID into a stable seed.
func contractSeed(contractID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(contractID))
	return h.Sum64()
}

// priceLevel is the contract's synthetic mid price at a given minute: a slow
// sine swing around a per-contract base plus per-minute noise.
func priceLevel(contractID string, minute time.Time) float64 {
	seed := contractSeed(contractID)
	base := 2000 + float64(seed%20000)
	swing := base * 0.002

	phase := float64(minute.Unix()/60) / 90.0
	rng := rand.New(rand.NewSource(int64(seed) ^ minute.Unix()))
	noise := (rng.Float64() - 0.5) * swing * 0.5

	return roundToTick(base + swing*math.Sin(phase) + noise)
}

// syntheticBar builds the deterministic bar for one minute.
func syntheticBar(contractID string, minute time.Time) models.Bar {
	open := priceLevel(contractID, minute)
	closing := priceLevel(contractID, minute.Add(time.Minute))

	high := math.Max(open, closing) + mockTick
	low := math.Min(open, closing) - mockTick

	rng := rand.New(rand.NewSource(int64(contractSeed(contractID)) + minute.Unix()))
	volume := int64(10 + rng.Intn(90))

	return models.Bar{
		Timestamp: minute,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closing,
		Volume:    volume,
	}
}

// syntheticTrades emits a small batch around the current synthetic level. The
// rng carries per-stream state so the sequence is reproducible for a seed.
func syntheticTrades(contractID string, rng *rand.Rand) []models.TradeTick {
	now := time.Now().UTC()
	level := priceLevel(contractID, now.Truncate(time.Minute))

	count := 1 + rng.Intn(3)
	trades := make([]models.TradeTick, 0, count)
	for i := 0; i < count; i++ {
		jitter := float64(rng.Intn(5)-2) * mockTick
		trades = append(trades, models.TradeTick{
			ContractID: contractID,
			Price:      roundToTick(level + jitter),
			Size:       int64(1 + rng.Intn(5)),
			Timestamp:  now,
		})
	}
	return trades
}

// roundToTick snaps a price to the quarter-point grid.
func roundToTick(price float64) float64 {
	return math.Round(price/mockTick) * mockTick
}
