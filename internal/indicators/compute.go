package indicators

import (
	"fmt"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/models"
)

// Default parameters applied when a config omits them.
const (
	defaultPeriod       = 14
	defaultFastPeriod   = 12
	defaultSlowPeriod   = 26
	defaultSignalPeriod = 9
	defaultStochDPeriod = 3
	defaultLookback     = 1
)

// Computer applies an algorithm's indicator configs to a series. Configs are
// processed in order, so later indicators may reference earlier ones by name
// through their source parameters.
type Computer struct{}

// NewComputer creates an indicator computer.
func NewComputer() *Computer {
	return &Computer{}
}

// ComputeAll computes every config and stores the resulting sequences on the
// series. MACD additionally stores "<name>_Signal" and "<name>_Histogram".
func (c *Computer) ComputeAll(series *models.Series, configs []models.IndicatorConfig) error {
	for i := range configs {
		if err := c.Compute(series, &configs[i]); err != nil {
			return fmt.Errorf("indicator %s: %w", configs[i].Name, err)
		}
	}
	return nil
}

// Compute evaluates one config and stores its sequence(s).
func (c *Computer) Compute(series *models.Series, cfg *models.IndicatorConfig) error {
	switch cfg.Type {
	case models.IndicatorSMA:
		seq, period, err := c.sourceAndPeriod(series, cfg, defaultPeriod)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, SMA(seq, period))

	case models.IndicatorEMA:
		seq, period, err := c.sourceAndPeriod(series, cfg, defaultPeriod)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, EMA(seq, period))

	case models.IndicatorRSI:
		seq, period, err := c.sourceAndPeriod(series, cfg, defaultPeriod)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, RSI(seq, period))

	case models.IndicatorMACD:
		seq, err := c.source(series, cfg)
		if err != nil {
			return err
		}
		fast := intParam(cfg.Parameters, "fastPeriod", defaultFastPeriod)
		slow := intParam(cfg.Parameters, "slowPeriod", defaultSlowPeriod)
		signal := intParam(cfg.Parameters, "signalPeriod", defaultSignalPeriod)
		if fast <= 0 || slow <= 0 || signal <= 0 {
			return common.ValidationError("MACD periods must be positive, got fast=%d slow=%d signal=%d", fast, slow, signal)
		}
		macdLine, signalLine, histogram := MACD(seq, fast, slow, signal)
		if err := series.SetIndicator(cfg.Name, macdLine); err != nil {
			return err
		}
		if err := series.SetIndicator(cfg.Name+"_Signal", signalLine); err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name+"_Histogram", histogram)

	case models.IndicatorStochasticK:
		period := intParam(cfg.Parameters, "period", defaultPeriod)
		if period <= 0 {
			return common.ValidationError("period must be positive, got %d", period)
		}
		high, low, close, _, err := c.ohlcv(series)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, StochasticK(high, low, close, period))

	case models.IndicatorStochasticD:
		// Source names the %K sequence to smooth.
		seq, period, err := c.sourceAndPeriod(series, cfg, defaultStochDPeriod)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, StochasticD(seq, period))

	case models.IndicatorATR:
		period := intParam(cfg.Parameters, "period", defaultPeriod)
		if period <= 0 {
			return common.ValidationError("period must be positive, got %d", period)
		}
		high, low, close, _, err := c.ohlcv(series)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, ATR(high, low, close, period))

	case models.IndicatorVWAP:
		high, low, close, volume, err := c.ohlcv(series)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, VWAP(high, low, close, volume))

	case models.IndicatorMFI:
		period := intParam(cfg.Parameters, "period", defaultPeriod)
		if period <= 0 {
			return common.ValidationError("period must be positive, got %d", period)
		}
		high, low, close, volume, err := c.ohlcv(series)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, MFI(high, low, close, volume, period))

	case models.IndicatorSD:
		seq, period, err := c.sourceAndPeriod(series, cfg, defaultPeriod)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, SD(seq, period))

	case models.IndicatorPO:
		seq, err := c.source(series, cfg)
		if err != nil {
			return err
		}
		fast := intParam(cfg.Parameters, "fastPeriod", defaultFastPeriod)
		slow := intParam(cfg.Parameters, "slowPeriod", defaultSlowPeriod)
		if fast <= 0 || slow <= 0 {
			return common.ValidationError("PO periods must be positive, got fast=%d slow=%d", fast, slow)
		}
		return series.SetIndicator(cfg.Name, PO(seq, fast, slow))

	case models.IndicatorSlope:
		seq, err := c.source(series, cfg)
		if err != nil {
			return err
		}
		lookback := intParam(cfg.Parameters, "lookback", defaultLookback)
		if lookback <= 0 {
			return common.ValidationError("lookback must be positive, got %d", lookback)
		}
		return series.SetIndicator(cfg.Name, Slope(seq, lookback))

	case models.IndicatorDifference:
		first := stringParam(cfg.Parameters, "indicator1", "")
		second := stringParam(cfg.Parameters, "indicator2", "")
		if first == "" || second == "" {
			return common.ValidationError("DIFFERENCE requires indicator1 and indicator2")
		}
		a, err := series.GetPriceData(first)
		if err != nil {
			return common.ValidationError("unknown indicator1 %q", first)
		}
		b, err := series.GetPriceData(second)
		if err != nil {
			return common.ValidationError("unknown indicator2 %q", second)
		}
		return series.SetIndicator(cfg.Name, Difference(a, b))

	case models.IndicatorStrength:
		seq, period, err := c.sourceAndPeriod(series, cfg, defaultPeriod)
		if err != nil {
			return err
		}
		return series.SetIndicator(cfg.Name, Strength(seq, period))
	}

	return common.ValidationError("unknown indicator type %q", cfg.Type)
}

// source resolves the config's price source, defaulting to close.
func (c *Computer) source(series *models.Series, cfg *models.IndicatorConfig) ([]float64, error) {
	source := stringParam(cfg.Parameters, "source", models.SourceClose)
	seq, err := series.GetPriceData(source)
	if err != nil {
		return nil, common.ValidationError("unknown source %q", source)
	}
	return seq, nil
}

// sourceAndPeriod resolves the source sequence and a positive period.
func (c *Computer) sourceAndPeriod(series *models.Series, cfg *models.IndicatorConfig, defPeriod int) ([]float64, int, error) {
	seq, err := c.source(series, cfg)
	if err != nil {
		return nil, 0, err
	}
	period := intParam(cfg.Parameters, "period", defPeriod)
	if period <= 0 {
		return nil, 0, common.ValidationError("period must be positive, got %d", period)
	}
	return seq, period, nil
}

// ohlcv pulls the four raw market columns.
func (c *Computer) ohlcv(series *models.Series) (high, low, close, volume []float64, err error) {
	if high, err = series.GetPriceData(models.SourceHigh); err != nil {
		return nil, nil, nil, nil, err
	}
	if low, err = series.GetPriceData(models.SourceLow); err != nil {
		return nil, nil, nil, nil, err
	}
	if close, err = series.GetPriceData(models.SourceClose); err != nil {
		return nil, nil, nil, nil, err
	}
	if volume, err = series.GetPriceData(models.SourceVolume); err != nil {
		return nil, nil, nil, nil, err
	}
	return high, low, close, volume, nil
}
