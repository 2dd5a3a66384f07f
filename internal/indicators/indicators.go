// Package indicators implements the technical indicator math used by the
// replay engine: moving averages, MACD, KDJ, RSI and Bollinger Bands over
// full price series. Indices where an indicator is undefined carry NaN so
// callers can emit partial chart points.
package indicators

import "math"

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the simple moving average series over a fixed window.
// Indices before the window fills, or whose window contains NaN, are NaN.
func SMA(values []float64, window int) []float64 {
	result := nanSeries(len(values))
	if window <= 0 {
		return result
	}

	for i := window - 1; i < len(values); i++ {
		sum := 0.0
		valid := true
		for j := i - window + 1; j <= i; j++ {
			if math.IsNaN(values[j]) {
				valid = false
				break
			}
			sum += values[j]
		}
		if valid {
			result[i] = sum / float64(window)
		}
	}

	return result
}

// EMA calculates the exponential moving average series with smoothing
// 2/(span+1), seeded at the first value.
func EMA(values []float64, span int) []float64 {
	return recursiveMean(values, 2.0/float64(span+1))
}

// WilderMA calculates the Wilder smoothed average series with smoothing
// 1/period. Used by RSI.
func WilderMA(values []float64, period int) []float64 {
	return recursiveMean(values, 1.0/float64(period))
}

func recursiveMean(values []float64, alpha float64) []float64 {
	result := make([]float64, len(values))
	if len(values) == 0 {
		return result
	}

	result[0] = values[0]
	for i := 1; i < len(values); i++ {
		result[i] = alpha*values[i] + (1-alpha)*result[i-1]
	}

	return result
}

// ============================================================================
// ROLLING WINDOW HELPERS
// ============================================================================

// RollingMax calculates the rolling maximum over a fixed window; indices
// before the window fills are NaN.
func RollingMax(values []float64, window int) []float64 {
	result := nanSeries(len(values))
	for i := window - 1; i < len(values); i++ {
		max := values[i-window+1]
		for j := i - window + 2; j <= i; j++ {
			if values[j] > max {
				max = values[j]
			}
		}
		result[i] = max
	}
	return result
}

// RollingMin calculates the rolling minimum over a fixed window; indices
// before the window fills are NaN.
func RollingMin(values []float64, window int) []float64 {
	result := nanSeries(len(values))
	for i := window - 1; i < len(values); i++ {
		min := values[i-window+1]
		for j := i - window + 2; j <= i; j++ {
			if values[j] < min {
				min = values[j]
			}
		}
		result[i] = min
	}
	return result
}

// RollingStd calculates the rolling sample standard deviation (ddof=1) over
// a fixed window; indices before the window fills are NaN.
func RollingStd(values []float64, window int) []float64 {
	result := nanSeries(len(values))
	if window < 2 {
		return result
	}

	for i := window - 1; i < len(values); i++ {
		sum := 0.0
		for j := i - window + 1; j <= i; j++ {
			sum += values[j]
		}
		mean := sum / float64(window)

		variance := 0.0
		for j := i - window + 1; j <= i; j++ {
			diff := values[j] - mean
			variance += diff * diff
		}
		result[i] = math.Sqrt(variance / float64(window-1))
	}

	return result
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACD calculates the DIF, DEA and histogram series. DIF is the fast EMA
// minus the slow EMA, DEA is the EMA of DIF, and the histogram is
// 2*(DIF-DEA). Every index carries a value.
func MACD(closes []float64, fast, slow, signal int) (dif, dea, histogram []float64) {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)

	dif = make([]float64, len(closes))
	for i := range dif {
		dif[i] = emaFast[i] - emaSlow[i]
	}

	dea = EMA(dif, signal)

	histogram = make([]float64, len(closes))
	for i := range histogram {
		histogram[i] = 2 * (dif[i] - dea[i])
	}

	return dif, dea, histogram
}

// ============================================================================
// KDJ (Stochastic Oscillator)
// ============================================================================

// KDJ calculates the K, D and J series for the (n, m1, m2) parameterisation.
// RSV is 100*(close-LL)/(HH-LL) over the n-bar window; a short or flat
// window yields the neutral 50. K and D are simple moving averages, so the
// leading indices are NaN until both windows fill.
func KDJ(highs, lows, closes []float64, n, m1, m2 int) (k, d, j []float64) {
	hh := RollingMax(highs, n)
	ll := RollingMin(lows, n)

	rsv := make([]float64, len(closes))
	for i := range closes {
		span := hh[i] - ll[i]
		if math.IsNaN(hh[i]) || math.IsNaN(ll[i]) || span == 0 {
			rsv[i] = 50
			continue
		}
		rsv[i] = 100 * (closes[i] - ll[i]) / span
	}

	k = SMA(rsv, m1)
	d = SMA(k, m2)

	j = make([]float64, len(k))
	for i := range k {
		j[i] = 3*k[i] - 2*d[i]
	}

	return k, d, j
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the Wilder RSI series for one period. Index 0 has no delta
// and is NaN; an index with average gain but zero average loss is 100; an
// index where both averages are zero is NaN.
func RSI(closes []float64, period int) []float64 {
	result := nanSeries(len(closes))
	if len(closes) == 0 {
		return result
	}

	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains[i] = delta
		} else {
			losses[i] = -delta
		}
	}

	avgGain := WilderMA(gains, period)
	avgLoss := WilderMA(losses, period)

	for i := range closes {
		switch {
		case avgLoss[i] > 0:
			rs := avgGain[i] / avgLoss[i]
			result[i] = 100 - 100/(1+rs)
		case avgGain[i] > 0:
			result[i] = 100
		}
	}

	return result
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BOLL calculates the middle, upper and lower Bollinger Band series. The
// middle band is the window SMA and the outer bands sit width sample
// standard deviations away; indices before the window fills are NaN.
func BOLL(closes []float64, window int, width float64) (middle, upper, lower []float64) {
	middle = SMA(closes, window)
	std := RollingStd(closes, window)

	upper = make([]float64, len(closes))
	lower = make([]float64, len(closes))
	for i := range closes {
		upper[i] = middle[i] + width*std[i]
		lower[i] = middle[i] - width*std[i]
	}

	return middle, upper, lower
}

func nanSeries(n int) []float64 {
	result := make([]float64, n)
	for i := range result {
		result[i] = math.NaN()
	}
	return result
}
