package models

import (
	"errors"
	"fmt"
	"time"
)

// BacktestStatus is the lifecycle state of one backtest run.
type BacktestStatus string

// BacktestStatus constants
const (
	BacktestCreated   BacktestStatus = "CREATED"
	BacktestRunning   BacktestStatus = "RUNNING"
	BacktestCompleted BacktestStatus = "COMPLETED"
	BacktestFailed    BacktestStatus = "FAILED"
	BacktestStopped   BacktestStatus = "STOPPED"
)

// DateLayout is the wire format for backtest date ranges and historical
// day-file keys.
const DateLayout = "2006-01-02"

// BacktestDefinition is the persisted description of a backtest, stored at
// backtests/<id>.json.
type BacktestDefinition struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Symbol         string    `json:"symbol"`
	AlgorithmName  string    `json:"algorithmName"`
	StartDate      string    `json:"startDate"` // YYYY-MM-DD, inclusive
	EndDate        string    `json:"endDate"`   // YYYY-MM-DD, inclusive
	LagTicks       int       `json:"lagTicks"`  // Reserved for future execution-lag modelling
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// Validate checks the definition fields and date range.
func (d *BacktestDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("backtest name is required")
	}
	if d.Symbol == "" {
		return errors.New("backtest symbol is required")
	}
	if d.AlgorithmName == "" {
		return errors.New("backtest algorithm name is required")
	}
	start, err := time.Parse(DateLayout, d.StartDate)
	if err != nil {
		return fmt.Errorf("invalid start date %q: %w", d.StartDate, err)
	}
	end, err := time.Parse(DateLayout, d.EndDate)
	if err != nil {
		return fmt.Errorf("invalid end date %q: %w", d.EndDate, err)
	}
	if end.Before(start) {
		return fmt.Errorf("end date %s precedes start date %s", d.EndDate, d.StartDate)
	}
	if d.LagTicks < 0 {
		return fmt.Errorf("lag ticks %d is negative", d.LagTicks)
	}
	return nil
}

// DateRange returns the parsed inclusive UTC date bounds.
func (d *BacktestDefinition) DateRange() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DateLayout, d.StartDate, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", d.StartDate, err)
	}
	end, err := time.ParseInLocation(DateLayout, d.EndDate, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", d.EndDate, err)
	}
	return start, end, nil
}

// BacktestInstance is one run of a definition: progress while running, then
// the trades and results. Completed snapshots are persisted to
// backtest-results.json.
type BacktestInstance struct {
	ID            string         `json:"id"`
	DefinitionID  string         `json:"definitionId"`
	Name          string         `json:"name"`
	Symbol        string         `json:"symbol"`
	AlgorithmName string         `json:"algorithmName"`
	StartDate     string         `json:"startDate"`
	EndDate       string         `json:"endDate"`
	LagTicks      int            `json:"lagTicks"`
	Status        BacktestStatus `json:"status"`
	Progress      float64        `json:"progress"` // 0..100

	StartingCapital float64 `json:"startingCapital"`
	Commission      float64 `json:"commission"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	Error       string    `json:"error,omitempty"`

	Trades  []Trade            `json:"trades,omitempty"`
	Results *BacktestResults   `json:"results,omitempty"`
	Logs    []InstanceLogEntry `json:"logs,omitempty"`
}

// EquityPoint samples the running capital after a closed trade.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// DrawdownPoint samples the distance from the equity peak after a closed
// trade.
type DrawdownPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Drawdown  float64   `json:"drawdown"`
}

// BacktestResults aggregates a completed run.
type BacktestResults struct {
	TotalTrades   int     `json:"totalTrades"`
	WinningTrades int     `json:"winningTrades"`
	LosingTrades  int     `json:"losingTrades"`
	WinRate       float64 `json:"winRate"` // Percent of trades with positive P&L

	TotalPnL    float64 `json:"totalPnL"`
	AveragePnL  float64 `json:"averagePnL"`
	LargestWin  float64 `json:"largestWin"`
	LargestLoss float64 `json:"largestLoss"`

	// ProfitFactor is gross profit over gross loss.
	ProfitFactor       float64 `json:"profitFactor"`
	MaxDrawdown        float64 `json:"maxDrawdown"`
	MaxDrawdownPercent float64 `json:"maxDrawdownPercent"`

	// AverageDuration is the mean round-trip length in seconds.
	AverageDuration float64 `json:"averageDuration"`
	TotalCommission float64 `json:"totalCommission"`
	EndingCapital   float64 `json:"endingCapital"`

	EquityCurve   []EquityPoint   `json:"equityCurve"`
	DrawdownCurve []DrawdownPoint `json:"drawdownCurve"`
}
