// Package analytics computes technical indicators over recent price history.
//
// All computations are stateless and on-demand: the API layer pulls the last
// N ticks from storage, sorts them ascending by time, and feeds the price
// sequence to these functions. A nil result means the series is too short
// for the indicator's period.
package analytics

import (
	"math"
)

// Standard indicator periods served by the indicators endpoint.
const (
	RSIPeriod        = 14
	BollingerPeriod  = 20
	BollingerK       = 2.0
	MACDFastPeriod   = 12
	MACDSlowPeriod   = 26
	MACDSignalPeriod = 9
)

// MACDResult bundles the three MACD outputs.
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerResult holds the three Bollinger band levels.
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// IndicatorSet is the full response of the indicators endpoint.
type IndicatorSet struct {
	SMA20     *float64         `json:"sma20"`
	SMA50     *float64         `json:"sma50"`
	EMA12     *float64         `json:"ema12"`
	EMA26     *float64         `json:"ema26"`
	RSI14     *float64         `json:"rsi14"`
	MACD      *MACDResult      `json:"macd"`
	Bollinger *BollingerResult `json:"bollinger"`
}

// SMA returns the mean of the last period prices, or nil when the series is
// shorter than the period.
func SMA(prices []float64, period int) *float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}
	sum := 0.0
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	v := sum / float64(period)
	return &v
}

// EMA returns the exponential moving average with smoothing k = 2/(period+1),
// seeded with the price at index len-period.
func EMA(prices []float64, period int) *float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}
	k := 2.0 / (float64(period) + 1.0)
	ema := prices[len(prices)-period]
	for _, p := range prices[len(prices)-period+1:] {
		ema = p*k + ema*(1.0-k)
	}
	return &ema
}

// RSI computes the relative strength index over the last period+1 prices
// using simple averages of gains and losses.
//
// Flat series (no gains, no losses) report 50; all-gain series report 100.
func RSI(prices []float64, period int) *float64 {
	if period <= 0 || len(prices) < period+1 {
		return nil
	}

	window := prices[len(prices)-period-1:]
	gains, losses := 0.0, 0.0
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	var v float64
	switch {
	case avgLoss == 0 && avgGain == 0:
		v = 50
	case avgLoss == 0:
		v = 100
	default:
		v = 100 - 100/(1+avgGain/avgLoss)
	}
	return &v
}

// MACD computes the moving average convergence divergence with the given
// fast, slow, and signal periods. The signal line is the EMA of the MACD
// series computed at each index from slow to len. Requires
// len > slow + signal.
func MACD(prices []float64, fast, slow, signal int) *MACDResult {
	if len(prices) <= slow+signal {
		return nil
	}

	macdHistory := make([]float64, 0, len(prices)-slow+1)
	for i := slow; i <= len(prices); i++ {
		window := prices[:i]
		fastEMA := EMA(window, fast)
		slowEMA := EMA(window, slow)
		if fastEMA == nil || slowEMA == nil {
			return nil
		}
		macdHistory = append(macdHistory, *fastEMA-*slowEMA)
	}

	signalLine := EMA(macdHistory, signal)
	if signalLine == nil {
		return nil
	}

	macd := macdHistory[len(macdHistory)-1]
	return &MACDResult{
		MACD:      macd,
		Signal:    *signalLine,
		Histogram: macd - *signalLine,
	}
}

// Bollinger computes the Bollinger bands: the middle band is the SMA over
// period, the outer bands sit k population standard deviations away.
func Bollinger(prices []float64, period int, k float64) *BollingerResult {
	middle := SMA(prices, period)
	if middle == nil {
		return nil
	}

	sumSq := 0.0
	for _, p := range prices[len(prices)-period:] {
		d := p - *middle
		sumSq += d * d
	}
	sigma := math.Sqrt(sumSq / float64(period))

	return &BollingerResult{
		Upper:  *middle + k*sigma,
		Middle: *middle,
		Lower:  *middle - k*sigma,
	}
}

// AllIndicators computes the full indicator set served by the indicators
// endpoint.
func AllIndicators(prices []float64) IndicatorSet {
	return IndicatorSet{
		SMA20:     SMA(prices, 20),
		SMA50:     SMA(prices, 50),
		EMA12:     EMA(prices, MACDFastPeriod),
		EMA26:     EMA(prices, MACDSlowPeriod),
		RSI14:     RSI(prices, RSIPeriod),
		MACD:      MACD(prices, MACDFastPeriod, MACDSlowPeriod, MACDSignalPeriod),
		Bollinger: Bollinger(prices, BollingerPeriod, BollingerK),
	}
}

// Correlation computes the pairwise Pearson correlation matrix for the given
// price series. Series of unequal length are truncated to the shortest,
// keeping the newest values; a zero denominator yields 0. The diagonal is
// always 1.
func Correlation(series [][]float64) [][]float64 {
	n := len(series)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := pearson(series[i], series[j])
			matrix[i][j] = r
			matrix[j][i] = r
		}
	}
	return matrix
}

// pearson computes the correlation of two series truncated to equal length.
// Series are ascending by time, so truncation keeps the newest overlap.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}

	denom := math.Sqrt(varA * varB)
	if denom == 0 {
		return 0
	}
	return cov / denom
}
