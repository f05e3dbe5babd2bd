package assessor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Trend classifies how a metric moved relative to the previous assessment.
type Trend int

const (
	TrendStable Trend = iota
	TrendImproving
	TrendDegrading
	TrendVolatile
)

func (t Trend) String() string {
	switch t {
	case TrendImproving:
		return "improving"
	case TrendDegrading:
		return "degrading"
	case TrendVolatile:
		return "volatile"
	default:
		return "stable"
	}
}

// Snapshot is one point-in-time measurement of the submission network,
// supplied by an external poller. Immutable once recorded.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	P99LatencyMs    float64   `json:"p99_latency_ms"`
	ThroughputOPS   float64   `json:"throughput_ops"`
	PendingBacklog  int       `json:"pending_backlog"`
	UtilizationPct  float64   `json:"utilization_pct"`
	CongestionScore float64   `json:"congestion_score"` // 0-100
	SuccessRateBps  int       `json:"success_rate_bps"` // 0-10000
	FeeLevel        float64   `json:"fee_level"`
	FeeTrend        string    `json:"fee_trend"` // "rising", "falling", "flat"
}

// Assessment is a Snapshot enriched with derived sizing signals.
type Assessment struct {
	Snapshot           Snapshot      `json:"snapshot"`
	HealthScore        float64       `json:"health_score"` // 0-100
	OptimalBatchSize   int           `json:"optimal_batch_size"`
	RecommendedTimeout time.Duration `json:"recommended_timeout"`
	LatencyTrend       Trend         `json:"latency_trend"`
	ThroughputTrend    Trend         `json:"throughput_trend"`
	CongestionTrend    Trend         `json:"congestion_trend"`
}

const (
	minBatchSize = 1
	maxBatchSize = 15

	baseTimeoutMs = 3000.0
	maxTimeoutMs  = 30000.0

	// trendBand is the relative change below which a metric is considered
	// stable; volatileBand marks swings too large to act on directionally.
	trendBand    = 0.10
	volatileBand = 0.50
)

// Assess derives an Assessment from one snapshot, using the previous
// assessment (may be nil) only for trend labels. Pure aside from reading
// the wall clock already embedded in the snapshot.
func Assess(snap Snapshot, prev *Assessment) (*Assessment, error) {
	if err := validate(snap); err != nil {
		return nil, err
	}

	a := &Assessment{
		Snapshot:           snap,
		OptimalBatchSize:   optimalBatchSize(snap),
		RecommendedTimeout: recommendedTimeout(snap),
		HealthScore:        healthScore(snap),
	}

	if prev != nil {
		// Lower is better for latency and congestion, higher for throughput.
		a.LatencyTrend = trendOf(prev.Snapshot.AvgLatencyMs, snap.AvgLatencyMs, false)
		a.ThroughputTrend = trendOf(prev.Snapshot.ThroughputOPS, snap.ThroughputOPS, true)
		a.CongestionTrend = trendOf(prev.Snapshot.CongestionScore, snap.CongestionScore, false)
	}

	return a, nil
}

// SupportsLargerBatches reports whether conditions allow the batch optimizer
// to grow toward its upper bound. Advisory only.
func (a *Assessment) SupportsLargerBatches() bool {
	return a.HealthScore > 70 &&
		a.Snapshot.CongestionScore < 50 &&
		a.Snapshot.SuccessRateBps > 9500
}

// RequiresSmallerBatches reports whether conditions call for shrinking
// batches regardless of configured bounds.
func (a *Assessment) RequiresSmallerBatches() bool {
	return a.HealthScore < 40 ||
		a.Snapshot.CongestionScore > 80 ||
		a.Snapshot.SuccessRateBps < 9000
}

func validate(snap Snapshot) error {
	fields := map[string]float64{
		"avg_latency_ms":   snap.AvgLatencyMs,
		"p95_latency_ms":   snap.P95LatencyMs,
		"p99_latency_ms":   snap.P99LatencyMs,
		"throughput_ops":   snap.ThroughputOPS,
		"utilization_pct":  snap.UtilizationPct,
		"congestion_score": snap.CongestionScore,
		"fee_level":        snap.FeeLevel,
	}
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidSnapshot, name, v)
		}
	}
	if snap.PendingBacklog < 0 {
		return fmt.Errorf("%w: pending_backlog=%d", ErrInvalidSnapshot, snap.PendingBacklog)
	}
	if snap.SuccessRateBps < 0 || snap.SuccessRateBps > 10000 {
		return fmt.Errorf("%w: success_rate_bps=%d", ErrInvalidSnapshot, snap.SuccessRateBps)
	}
	return nil
}

// optimalBatchSize maps the congestion score to a base batch size, then
// shaves it for poor success rate and high tail latency.
func optimalBatchSize(snap Snapshot) int {
	var size int
	switch c := snap.CongestionScore; {
	case c <= 20:
		size = 10
	case c <= 40:
		size = 8
	case c <= 60:
		size = 6
	case c <= 80:
		size = 4
	case c <= 100:
		size = 2
	default:
		size = 1
	}

	if snap.SuccessRateBps < 9500 {
		size -= 2
	}
	if snap.P95LatencyMs > 5000 {
		size--
	}

	if size < minBatchSize {
		size = minBatchSize
	}
	if size > maxBatchSize {
		size = maxBatchSize
	}
	return size
}

// recommendedTimeout starts from a fixed base and widens with congestion
// tier and average latency.
func recommendedTimeout(snap Snapshot) time.Duration {
	timeout := baseTimeoutMs

	switch c := snap.CongestionScore; {
	case c <= 20:
		// no offset
	case c <= 40:
		timeout += 1000
	case c <= 60:
		timeout += 2000
	case c <= 80:
		timeout += 4000
	case c <= 100:
		timeout += 8000
	default:
		timeout += 10000
	}

	if snap.AvgLatencyMs > 1000 {
		timeout += 2 * snap.AvgLatencyMs
	}
	if timeout > maxTimeoutMs {
		timeout = maxTimeoutMs
	}

	return time.Duration(timeout) * time.Millisecond
}

// healthScore combines congestion, failures, latency and throughput into
// a 0-100 composite.
func healthScore(snap Snapshot) float64 {
	score := 100.0

	score -= snap.CongestionScore

	failurePenalty := float64(10000-snap.SuccessRateBps) / 100
	if failurePenalty > 50 {
		failurePenalty = 50
	}
	score -= failurePenalty

	latencyPenalty := snap.AvgLatencyMs / 100
	if latencyPenalty > 30 {
		latencyPenalty = 30
	}
	score -= latencyPenalty

	if snap.ThroughputOPS > 1000 {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// trendOf compares a metric to its previous value using fixed relative
// bands. higherIsBetter flips the direction for throughput-like metrics.
func trendOf(prev, curr float64, higherIsBetter bool) Trend {
	if prev == 0 {
		if curr == 0 {
			return TrendStable
		}
		// No baseline to compare against.
		return TrendVolatile
	}

	change := (curr - prev) / prev
	if math.Abs(change) >= volatileBand {
		return TrendVolatile
	}
	if math.Abs(change) <= trendBand {
		return TrendStable
	}

	improved := change < 0
	if higherIsBetter {
		improved = change > 0
	}
	if improved {
		return TrendImproving
	}
	return TrendDegrading
}
