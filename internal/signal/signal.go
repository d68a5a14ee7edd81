// Package signal computes pair-trading signals: OLS hedge ratio, spread
// z-score, OU half-life and RSI, plus the entry/exit decision rules.
// All functions are pure computation with no I/O.
package signal

import "math"

// Result holds all signal values for a single point in time.
type Result struct {
	ZScore     float64
	HedgeRatio float64
	HalfLife   float64
	RSI        float64
	Spread     float64
	SpreadMean float64
	SpreadStd  float64
}

// Entry is the entry decision for a pair without an open position.
type Entry struct {
	Enter bool
	// 1 = long spread (long A, short B), -1 = short spread.
	Direction  int
	SkipReason string // "no_signal", "half_life", "rsi", "equity_floor"
	Notional   float64
}

// Exit is the exit decision for a pair with an open position.
type Exit struct {
	Exit          bool
	Reason        string // "signal", "stop_loss", "stop_z"
	UnrealizedPNL float64
	UnrealizedPct float64
}

// HedgeRatio computes the OLS hedge ratio beta for a = beta*b + alpha.
// Returns 1.0 when there are fewer than two observations.
func HedgeRatio(pricesA, pricesB []float64) float64 {
	if len(pricesA) < 2 {
		return 1.0
	}
	return olsSlope(pricesB, pricesA)
}

// ZScore computes the current z-score of the spread a - beta*b over the
// last window values. Returns (z, currentSpread, mean, std). A zero or
// non-finite standard deviation yields z = 0.
func ZScore(pricesA, pricesB []float64, hedgeRatio float64, window int) (float64, float64, float64, float64) {
	spread := make([]float64, len(pricesA))
	for i := range pricesA {
		spread[i] = pricesA[i] - hedgeRatio*pricesB[i]
	}
	windowSpread := spread
	if len(spread) > window {
		windowSpread = spread[len(spread)-window:]
	}
	mean := mean(windowSpread)
	std := sampleStd(windowSpread, mean)
	current := spread[len(spread)-1]

	if std == 0 || math.IsNaN(std) {
		return 0, current, mean, std
	}
	return (current - mean) / std, current, mean, std
}

// HalfLife computes the Ornstein-Uhlenbeck half-life of a spread series.
// Returns +Inf when the series is too short or not mean-reverting.
func HalfLife(spread []float64) float64 {
	if len(spread) < 5 {
		return math.Inf(1)
	}
	lag := spread[:len(spread)-1]
	delta := make([]float64, len(spread)-1)
	for i := 1; i < len(spread); i++ {
		delta[i-1] = spread[i] - spread[i-1]
	}
	beta := olsSlope(lag, delta)
	if beta >= 0 {
		return math.Inf(1)
	}
	return -math.Ln2 / beta
}

// RSI computes the current Wilder-smoothed RSI. Returns NaN when fewer
// than period+2 values are available, and 100 when there are no losses.
func RSI(values []float64, period int) float64 {
	n := len(values)
	if n < period+2 {
		return math.NaN()
	}

	deltas := make([]float64, n-1)
	for i := 1; i < n; i++ {
		deltas[i-1] = values[i] - values[i-1]
	}

	var gainSum, lossSum float64
	for _, d := range deltas[:period] {
		gainSum += math.Max(d, 0)
		lossSum += math.Max(-d, 0)
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period; i < len(deltas); i++ {
		gain := math.Max(deltas[i], 0)
		loss := math.Max(-deltas[i], 0)
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Compute calculates all signal values for the current moment. The hedge
// ratio is fit on the training arrays, the z-score and half-life on the
// trading window, and RSI on the full A/B price ratio.
func Compute(pricesA, pricesB, trainA, trainB []float64, windowCandles, trainCandles, rsiPeriod int) Result {
	hr := HedgeRatio(tail(trainA, trainCandles), tail(trainB, trainCandles))

	wa := tail(pricesA, windowCandles)
	wb := tail(pricesB, windowCandles)
	z, spreadNow, spreadMean, spreadStd := ZScore(wa, wb, hr, windowCandles)

	spreadWindow := make([]float64, len(wa))
	for i := range wa {
		spreadWindow[i] = wa[i] - hr*wb[i]
	}
	hl := HalfLife(spreadWindow)

	n := len(pricesA)
	if len(pricesB) < n {
		n = len(pricesB)
	}
	ratio := make([]float64, n)
	for i := 0; i < n; i++ {
		ratio[i] = pricesA[len(pricesA)-n+i] / pricesB[len(pricesB)-n+i]
	}
	rsi := RSI(ratio, rsiPeriod)

	return Result{
		ZScore:     z,
		HedgeRatio: hr,
		HalfLife:   hl,
		RSI:        rsi,
		Spread:     spreadNow,
		SpreadMean: spreadMean,
		SpreadStd:  spreadStd,
	}
}

// EntryParams are the per-pair thresholds evaluated against a Result.
type EntryParams struct {
	EntryZ        float64
	MaxHalfLife   float64 // 0 disables the half-life filter
	RSIUpper      float64 // bounds of (0,100) disable the RSI filter
	RSILower      float64
	CurrentEquity float64
	EquityFloor   float64
	Leverage      float64
}

// EvaluateEntry decides whether to open a position. The gates are checked
// in order: signal strength, half-life regime, RSI regime, equity floor.
func EvaluateEntry(signals Result, p EntryParams) Entry {
	z := signals.ZScore

	if math.Abs(z) <= p.EntryZ {
		return Entry{SkipReason: "no_signal"}
	}

	if p.MaxHalfLife > 0 && !(signals.HalfLife > 0 && signals.HalfLife <= p.MaxHalfLife) {
		return Entry{SkipReason: "half_life"}
	}

	useRSI := p.RSILower > 0 || p.RSIUpper < 100
	if useRSI && !math.IsNaN(signals.RSI) {
		if signals.RSI < p.RSILower || signals.RSI > p.RSIUpper {
			return Entry{SkipReason: "rsi"}
		}
	}

	if p.CurrentEquity < p.EquityFloor {
		return Entry{SkipReason: "equity_floor"}
	}

	// z above the entry band means the spread is rich: short it.
	direction := 1
	if z > p.EntryZ {
		direction = -1
	}

	return Entry{
		Enter:     true,
		Direction: direction,
		Notional:  p.CurrentEquity * p.Leverage,
	}
}

// ExitParams describe the open position and the pair's exit thresholds.
type ExitParams struct {
	Direction       int
	EntrySpread     float64
	EntryPriceA     float64
	EntryPriceB     float64
	EntryHedgeRatio float64
	EntryNotional   float64
	CurrentEquity   float64
	ExitZ           float64
	StopZ           float64
	StopLossPct     float64 // 0 disables the stop loss
	PriceA          float64
	PriceB          float64
}

// EvaluateExit decides whether to close a position. The stop loss takes
// precedence over the z-score rules.
func EvaluateExit(signals Result, p ExitParams) Exit {
	z := signals.ZScore

	exitSpread := p.PriceA - p.EntryHedgeRatio*p.PriceB
	spreadChange := exitSpread - p.EntrySpread
	dollarPerUnit := p.EntryPriceA + math.Abs(p.EntryHedgeRatio)*p.EntryPriceB
	var units float64
	if dollarPerUnit != 0 {
		units = p.EntryNotional / dollarPerUnit
	}
	unrealPNL := float64(p.Direction) * spreadChange * units
	var unrealPct float64
	if p.CurrentEquity != 0 {
		unrealPct = unrealPNL / p.CurrentEquity * 100
	}

	if p.StopLossPct > 0 && unrealPct <= -p.StopLossPct {
		return Exit{Exit: true, Reason: "stop_loss", UnrealizedPNL: unrealPNL, UnrealizedPct: unrealPct}
	}

	if p.Direction == 1 && (z > -p.ExitZ || z > p.StopZ) {
		reason := "stop_z"
		if z > -p.ExitZ {
			reason = "signal"
		}
		return Exit{Exit: true, Reason: reason, UnrealizedPNL: unrealPNL, UnrealizedPct: unrealPct}
	}

	if p.Direction == -1 && (z < p.ExitZ || z < -p.StopZ) {
		reason := "stop_z"
		if z < p.ExitZ {
			reason = "signal"
		}
		return Exit{Exit: true, Reason: reason, UnrealizedPNL: unrealPNL, UnrealizedPct: unrealPct}
	}

	return Exit{UnrealizedPNL: unrealPNL, UnrealizedPct: unrealPct}
}

// olsSlope returns the least-squares slope of y on x. A degenerate x
// (zero variance) yields 0.
func olsSlope(x, y []float64) float64 {
	n := float64(len(x))
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var sxx, sxy float64
	for i := range x {
		dx := x[i] - meanX
		sxx += dx * dx
		sxy += dx * (y[i] - meanY)
	}
	if sxx == 0 {
		return 0
	}
	return sxy / sxx
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStd is the ddof=1 standard deviation. NaN for a single value.
func sampleStd(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}
