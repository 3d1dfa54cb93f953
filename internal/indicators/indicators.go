// Package indicators implements the technical indicator library. Every
// function takes equal-length input sequences and returns a sequence of the
// same length; positions before warmup are NaN, never zero.
//
// Inputs may themselves carry a NaN warmup prefix (an indicator computed
// over another indicator); computation starts at the first defined sample.
package indicators

import (
	"math"
)

// nanSlice returns a sequence of length n filled with NaN.
func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// definedStart returns the index of the first non-NaN sample, or len(x).
func definedStart(x []float64) int {
	for i, v := range x {
		if !math.IsNaN(v) {
			return i
		}
	}
	return len(x)
}

// SMA returns the arithmetic mean of the trailing period samples, defined
// once period samples are available.
func SMA(x []float64, period int) []float64 {
	n := len(x)
	out := nanSlice(n)
	if period <= 0 {
		return out
	}
	start := definedStart(x)
	for i := start + period - 1; i < n; i++ {
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += x[j]
		}
		out[i] = sum / float64(period)
	}
	return out
}

// EMA returns the exponential moving average with multiplier 2/(period+1),
// seeded with the SMA of the first period samples.
func EMA(x []float64, period int) []float64 {
	n := len(x)
	out := nanSlice(n)
	if period <= 0 {
		return out
	}
	start := definedStart(x)
	seed := start + period - 1
	if seed >= n {
		return out
	}

	sum := 0.0
	for j := start; j <= seed; j++ {
		sum += x[j]
	}
	out[seed] = sum / float64(period)

	k := 2.0 / (float64(period) + 1.0)
	for i := seed + 1; i < n; i++ {
		out[i] = x[i]*k + out[i-1]*(1.0-k)
	}
	return out
}

// RSI returns Wilder's relative strength index. Average gain and loss are
// seeded over the first period one-step differences, then smoothed with
// avg = (avg*(period-1) + current) / period. A zero average loss emits 100.
func RSI(x []float64, period int) []float64 {
	n := len(x)
	out := nanSlice(n)
	if period <= 0 {
		return out
	}
	start := definedStart(x)
	first := start + period // index of the first defined RSI value
	if first >= n {
		return out
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := start + 1; i <= first; i++ {
		diff := x[i] - x[i-1]
		if diff > 0 {
			avgGain += diff
		} else {
			avgLoss += -diff
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[first] = rsiValue(avgGain, avgLoss)

	for i := first + 1; i < n; i++ {
		diff := x[i] - x[i-1]
		gain, loss := 0.0, 0.0
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// MACD returns the MACD line, its signal line and the histogram.
// macd = EMA(x, fast) - EMA(x, slow); signal = EMA(macd, signal);
// histogram = macd - signal.
func MACD(x []float64, fast, slow, signal int) (macdLine, signalLine, histogram []float64) {
	n := len(x)
	fastEMA := EMA(x, fast)
	slowEMA := EMA(x, slow)

	macdLine = make([]float64, n)
	for i := 0; i < n; i++ {
		macdLine[i] = fastEMA[i] - slowEMA[i] // NaN until both are defined
	}

	signalLine = EMA(macdLine, signal)

	histogram = make([]float64, n)
	for i := 0; i < n; i++ {
		histogram[i] = macdLine[i] - signalLine[i]
	}
	return macdLine, signalLine, histogram
}

// StochasticK returns 100*(close-lowestLow)/(highestHigh-lowestLow) over the
// trailing period, with 50 when the range is zero.
func StochasticK(high, low, close []float64, period int) []float64 {
	n := len(close)
	out := nanSlice(n)
	if period <= 0 {
		return out
	}
	for i := period - 1; i < n; i++ {
		hh := high[i]
		ll := low[i]
		for j := i - period + 1; j <= i; j++ {
			if high[j] > hh {
				hh = high[j]
			}
			if low[j] < ll {
				ll = low[j]
			}
		}
		if hh == ll {
			out[i] = 50
			continue
		}
		out[i] = 100 * (close[i] - ll) / (hh - ll)
	}
	return out
}

// StochasticD smooths a %K sequence with an SMA.
func StochasticD(k []float64, period int) []float64 {
	return SMA(k, period)
}

// ATR returns the Wilder-smoothed average true range.
// TR[i] = max(high-low, |high-prevClose|, |low-prevClose|).
func ATR(high, low, close []float64, period int) []float64 {
	n := len(close)
	out := nanSlice(n)
	if period <= 0 || n == 0 {
		return out
	}

	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	seed := period - 1
	if seed >= n {
		return out
	}
	sum := 0.0
	for i := 0; i <= seed; i++ {
		sum += tr[i]
	}
	out[seed] = sum / float64(period)
	for i := seed + 1; i < n; i++ {
		out[i] = (out[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return out
}

// VWAP returns the cumulative volume-weighted average of the typical price
// (high+low+close)/3. The accumulation never resets; the live stream carries
// a single session's bars.
func VWAP(high, low, close, volume []float64) []float64 {
	n := len(close)
	out := nanSlice(n)
	cumPV, cumV := 0.0, 0.0
	for i := 0; i < n; i++ {
		typical := (high[i] + low[i] + close[i]) / 3
		cumPV += typical * volume[i]
		cumV += volume[i]
		if cumV > 0 {
			out[i] = cumPV / cumV
		}
	}
	return out
}

// MFI returns the money flow index over the trailing period. Raw flow is
// typical price times volume, split into positive and negative flows by the
// direction of the typical price. A zero negative flow emits 100.
func MFI(high, low, close, volume []float64, period int) []float64 {
	n := len(close)
	out := nanSlice(n)
	if period <= 0 || n == 0 {
		return out
	}

	typical := make([]float64, n)
	for i := 0; i < n; i++ {
		typical[i] = (high[i] + low[i] + close[i]) / 3
	}

	for i := period; i < n; i++ {
		pos, neg := 0.0, 0.0
		for j := i - period + 1; j <= i; j++ {
			flow := typical[j] * volume[j]
			switch {
			case typical[j] > typical[j-1]:
				pos += flow
			case typical[j] < typical[j-1]:
				neg += flow
			}
		}
		if neg == 0 {
			out[i] = 100
			continue
		}
		out[i] = 100 - 100/(1+pos/neg)
	}
	return out
}

// SD returns the population standard deviation over the trailing period.
func SD(x []float64, period int) []float64 {
	n := len(x)
	out := nanSlice(n)
	if period <= 0 {
		return out
	}
	start := definedStart(x)
	for i := start + period - 1; i < n; i++ {
		mean := 0.0
		for j := i - period + 1; j <= i; j++ {
			mean += x[j]
		}
		mean /= float64(period)

		sumSquares := 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := x[j] - mean
			sumSquares += diff * diff
		}
		out[i] = math.Sqrt(sumSquares / float64(period))
	}
	return out
}

// PO returns the percentage oscillator 100*(SMA(x,fast)-SMA(x,slow))/SMA(x,slow).
func PO(x []float64, fast, slow int) []float64 {
	n := len(x)
	fastMA := SMA(x, fast)
	slowMA := SMA(x, slow)

	out := nanSlice(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(fastMA[i]) || math.IsNaN(slowMA[i]) || slowMA[i] == 0 {
			continue
		}
		out[i] = 100 * (fastMA[i] - slowMA[i]) / slowMA[i]
	}
	return out
}

// Slope returns x[i] - x[i-lookback].
func Slope(x []float64, lookback int) []float64 {
	n := len(x)
	out := nanSlice(n)
	if lookback <= 0 {
		return out
	}
	start := definedStart(x)
	for i := start + lookback; i < n; i++ {
		out[i] = x[i] - x[i-lookback]
	}
	return out
}

// Difference returns the element-wise a - b.
func Difference(a, b []float64) []float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := nanSlice(len(a))
	for i := 0; i < n; i++ {
		out[i] = a[i] - b[i] // NaN until both are defined
	}
	return out
}

// Strength returns the share of upward movement in the trailing period's
// one-step changes, as a percentage. Flat windows emit 50.
func Strength(x []float64, period int) []float64 {
	n := len(x)
	out := nanSlice(n)
	if period <= 0 {
		return out
	}
	start := definedStart(x)
	for i := start + period; i < n; i++ {
		pos, neg := 0.0, 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := x[j] - x[j-1]
			if diff > 0 {
				pos += diff
			} else {
				neg += -diff
			}
		}
		if pos+neg == 0 {
			out[i] = 50
			continue
		}
		out[i] = pos / (pos + neg) * 100
	}
	return out
}
