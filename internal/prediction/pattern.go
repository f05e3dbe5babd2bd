package prediction

import (
	"math"
	"time"
)

// PatternKind classifies recent load behavior.
type PatternKind int

const (
	PatternSteady PatternKind = iota
	PatternPeriodic
	PatternBursty
	PatternTrending
	PatternRandom
)

func (k PatternKind) String() string {
	switch k {
	case PatternSteady:
		return "steady"
	case PatternPeriodic:
		return "periodic"
	case PatternBursty:
		return "bursty"
	case PatternTrending:
		return "trending"
	default:
		return "random"
	}
}

// Pattern is one detected load pattern. Only the fields relevant to Kind
// are populated.
type Pattern struct {
	Kind           PatternKind   `json:"kind"`
	Period         int           `json:"period,omitempty"`           // periodic: lag in samples
	Amplitude      float64       `json:"amplitude,omitempty"`        // periodic: max relative deviation
	BurstDuration  time.Duration `json:"burst_duration,omitempty"`   // bursty: average excursion length
	PeakMultiplier float64       `json:"peak_multiplier,omitempty"`  // bursty: peak/mean ratio
	GrowthRatePct  float64       `json:"growth_rate_pct,omitempty"`  // trending: % per sample
}

const (
	minPatternSamples = 50

	steadyCVThreshold      = 0.2
	periodicACFThreshold   = 0.7
	trendingSlopeThreshold = 1.0 // percent of mean per sample
	burstThreshold         = 1.5 // multiple of the mean
	burstFractionLow       = 0.10
	burstFractionHigh      = 0.30
	maxPeriodLag           = 144
)

// detectPatterns classifies the load series. Runs only once the history
// holds minPatternSamples; the result replaces any previously detected set.
func detectPatterns(series []float64, sampleInterval time.Duration) []Pattern {
	if len(series) < minPatternSamples {
		return nil
	}

	mean, std := meanStd(series)
	if mean == 0 {
		return []Pattern{{Kind: PatternRandom}}
	}

	var patterns []Pattern

	if std/mean < steadyCVThreshold {
		patterns = append(patterns, Pattern{Kind: PatternSteady})
	}

	slope, intercept := leastSquares(series)

	// Autocorrelation runs on detrended residuals so a plain ramp does not
	// masquerade as a cycle.
	residuals := make([]float64, len(series))
	for i, v := range series {
		residuals[i] = v - (intercept + slope*float64(i))
	}
	if p, ok := detectPeriodic(residuals, series, mean); ok {
		patterns = append(patterns, p)
	}

	growthPct := slope / mean * 100
	if math.Abs(growthPct) > trendingSlopeThreshold {
		patterns = append(patterns, Pattern{Kind: PatternTrending, GrowthRatePct: growthPct})
	}

	if p, ok := detectBursty(series, mean, sampleInterval); ok {
		patterns = append(patterns, p)
	}

	if len(patterns) == 0 {
		patterns = append(patterns, Pattern{Kind: PatternRandom})
	}
	return patterns
}

// detectPeriodic scans autocorrelation at lags [2, min(n/4, 144)] over the
// residual series and keeps the strongest lag above the threshold. The
// amplitude is read off the raw series.
func detectPeriodic(residuals, series []float64, mean float64) (Pattern, bool) {
	n := len(series)
	maxLag := n / 4
	if maxLag > maxPeriodLag {
		maxLag = maxPeriodLag
	}

	bestLag, bestACF := 0, periodicACFThreshold
	for lag := 2; lag <= maxLag; lag++ {
		if acf := autocorrelation(residuals, lag); acf > bestACF {
			bestLag, bestACF = lag, acf
		}
	}
	if bestLag == 0 {
		return Pattern{}, false
	}

	// Amplitude: max relative deviation of same-phase averages from the
	// global mean.
	sums := make([]float64, bestLag)
	counts := make([]float64, bestLag)
	for i, v := range series {
		sums[i%bestLag] += v
		counts[i%bestLag]++
	}
	var amplitude float64
	for b := 0; b < bestLag; b++ {
		if counts[b] == 0 {
			continue
		}
		dev := math.Abs(sums[b]/counts[b]-mean) / mean
		if dev > amplitude {
			amplitude = dev
		}
	}

	return Pattern{Kind: PatternPeriodic, Period: bestLag, Amplitude: amplitude}, true
}

// detectBursty checks whether 10-30% of samples spike above 1.5x the mean
// and, if so, measures the average excursion length and the peak ratio.
func detectBursty(series []float64, mean float64, sampleInterval time.Duration) (Pattern, bool) {
	threshold := burstThreshold * mean
	var above, excursions, runLen, runTotal int
	var peak float64

	for _, v := range series {
		if v > peak {
			peak = v
		}
		if v > threshold {
			above++
			runLen++
			continue
		}
		if runLen > 0 {
			excursions++
			runTotal += runLen
			runLen = 0
		}
	}
	if runLen > 0 {
		excursions++
		runTotal += runLen
	}

	fraction := float64(above) / float64(len(series))
	if fraction < burstFractionLow || fraction > burstFractionHigh {
		return Pattern{}, false
	}

	avgRun := float64(runTotal) / float64(excursions)
	return Pattern{
		Kind:           PatternBursty,
		BurstDuration:  time.Duration(avgRun * float64(sampleInterval)),
		PeakMultiplier: peak / mean,
	}, true
}

func meanStd(series []float64) (mean, std float64) {
	n := float64(len(series))
	for _, v := range series {
		mean += v
	}
	mean /= n

	var variance float64
	for _, v := range series {
		d := v - mean
		variance += d * d
	}
	variance /= n
	return mean, math.Sqrt(variance)
}

func autocorrelation(series []float64, lag int) float64 {
	n := len(series)
	if lag >= n {
		return 0
	}
	mean, _ := meanStd(series)

	var num, denom float64
	for i := 0; i < n; i++ {
		d := series[i] - mean
		denom += d * d
		if i+lag < n {
			num += d * (series[i+lag] - mean)
		}
	}
	if denom == 0 {
		return 0
	}
	return num / denom
}
