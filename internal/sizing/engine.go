// Package sizing turns load forecasts into bounded, confidence-scored pool
// sizing recommendations.
package sizing

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/terminal-bench/txflow/internal/prediction"
)

// PerformanceImpactKind tags the expected performance effect of applying a
// recommendation.
type PerformanceImpactKind int

const (
	ImpactNeutral PerformanceImpactKind = iota
	ImpactPositive
	ImpactNegative
)

func (k PerformanceImpactKind) String() string {
	switch k {
	case ImpactPositive:
		return "positive"
	case ImpactNegative:
		return "negative"
	default:
		return "neutral"
	}
}

// PerformanceImpact is the expected effect and its magnitude in percent.
type PerformanceImpact struct {
	Kind PerformanceImpactKind `json:"kind"`
	Pct  float64               `json:"pct"`
}

// Recommendation is one sizing decision, produced on demand and never
// persisted past the caller's use.
type Recommendation struct {
	CurrentSize      int               `json:"current_size"`
	RecommendedSize  int               `json:"recommended_size"`
	Confidence       float64           `json:"confidence"` // 0-1
	Reason           string            `json:"reason"`
	CostImpactPct    float64           `json:"cost_impact_pct"`
	Performance      PerformanceImpact `json:"performance"`
	NextEligibleIn   time.Duration     `json:"next_eligible_in"`
	PredictedLoad    float64           `json:"predicted_load"`
	WithinMaxChange  bool              `json:"within_max_change"`
}

// Stats are rolling adjustment statistics updated by Apply.
type Stats struct {
	Adjustments           int     `json:"adjustments"`
	PredictionSuccessRate float64 `json:"prediction_success_rate"`
	CostSavingsPct        float64 `json:"cost_savings_pct"`
	PerformanceGainsPct   float64 `json:"performance_gains_pct"`
}

// Config holds sizing engine configuration.
type Config struct {
	Enabled           bool
	Cooldown          time.Duration // minimum gap between applied adjustments
	SafetyBufferPct   float64       // forecast headroom, percent
	PredictionHorizon time.Duration
	PredictiveScaling bool    // when off, forecast only the immediate next sample
	Sensitivity       float64 // 0.1-1.0, how hard to chase the target
	MaxChangePct      float64 // clamp on a single adjustment
	CostWeight        float64 // 0-1, bias toward smaller pools
	UnitCostPerHour   float64 // cost of one connection per hour
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Cooldown:          5 * time.Minute,
		SafetyBufferPct:   20,
		PredictionHorizon: 5 * time.Minute,
		PredictiveScaling: true,
		Sensitivity:       0.5,
		MaxChangePct:      30,
		UnitCostPerHour:   0.05,
	}
}

const (
	confidenceRampSamples = 100
	successConfidenceBar  = 0.8
	costBlendFraction     = 0.1
)

// Engine produces sizing recommendations from one prediction engine's
// forecast. One engine per monitored resource.
type Engine struct {
	cfg       Config
	predictor *prediction.Engine

	mu          sync.Mutex
	lastApplied time.Time
	successes   int
	stats       Stats

	now func() time.Time
}

// NewEngine creates a sizing engine on top of the given predictor.
func NewEngine(cfg Config, predictor *prediction.Engine) *Engine {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Sensitivity < 0.1 || cfg.Sensitivity > 1.0 {
		cfg.Sensitivity = def.Sensitivity
	}
	if cfg.MaxChangePct <= 0 {
		cfg.MaxChangePct = def.MaxChangePct
	}
	if cfg.PredictionHorizon <= 0 {
		cfg.PredictionHorizon = def.PredictionHorizon
	}
	return &Engine{cfg: cfg, predictor: predictor, now: time.Now}
}

// Recommend produces a recommendation for the given current pool size.
// Returns nil while disabled, cooling down, or short on history — "not
// yet", not an error.
func (e *Engine) Recommend(currentSize int) *Recommendation {
	if !e.cfg.Enabled || currentSize < 1 {
		return nil
	}

	e.mu.Lock()
	lastApplied := e.lastApplied
	e.mu.Unlock()

	now := e.now()
	if remaining := e.cfg.Cooldown - now.Sub(lastApplied); !lastApplied.IsZero() && remaining > 0 {
		return nil
	}

	offset := 0
	if e.cfg.PredictiveScaling {
		offset = int(e.cfg.PredictionHorizon / e.predictor.SampleInterval())
	}
	load, ok := e.predictor.Predict(offset)
	if !ok {
		return nil
	}

	buffered := load * (1 + e.cfg.SafetyBufferPct/100)
	target := e.cfg.Sensitivity*buffered + (1-e.cfg.Sensitivity)*float64(currentSize)

	if e.cfg.CostWeight > 0 {
		// Nudge toward a cost-biased smaller size.
		smaller := target * (1 - costBlendFraction*e.cfg.CostWeight)
		target = (1-costBlendFraction)*target + costBlendFraction*smaller
	}

	maxDelta := math.Ceil(float64(currentSize) * e.cfg.MaxChangePct / 100)
	withinMaxChange := true
	if target > float64(currentSize)+maxDelta {
		target = float64(currentSize) + maxDelta
		withinMaxChange = false
	}
	if target < float64(currentSize)-maxDelta {
		target = float64(currentSize) - maxDelta
		withinMaxChange = false
	}

	recommended := int(math.Round(target))
	if recommended < 1 {
		recommended = 1
	}

	return &Recommendation{
		CurrentSize:     currentSize,
		RecommendedSize: recommended,
		Confidence:      e.confidence(),
		Reason:          reason(currentSize, recommended, load),
		CostImpactPct:   e.costImpact(currentSize, recommended),
		Performance:     performanceImpact(currentSize, recommended),
		NextEligibleIn:  nextEligible(lastApplied, now, e.cfg.Cooldown),
		PredictedLoad:   load,
		WithinMaxChange: withinMaxChange,
	}
}

// Apply marks a recommendation as acted on: resets the cooldown clock and
// folds the recommendation into the rolling statistics.
func (e *Engine) Apply(rec *Recommendation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastApplied = e.now()
	e.stats.Adjustments++
	if rec.Confidence > successConfidenceBar {
		e.successes++
	}
	e.stats.PredictionSuccessRate = float64(e.successes) / float64(e.stats.Adjustments)

	if rec.CostImpactPct < 0 {
		e.stats.CostSavingsPct += -rec.CostImpactPct
	}
	if rec.Performance.Kind == ImpactPositive {
		e.stats.PerformanceGainsPct += rec.Performance.Pct
	}
}

// Stats returns a copy of the rolling adjustment statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// confidence starts from the model's own confidence, ramps down on thin
// history and adjusts for detected patterns.
func (e *Engine) confidence() float64 {
	c := e.predictor.Model().Confidence

	if n := e.predictor.HistoryLen(); n < confidenceRampSamples {
		c *= float64(n) / confidenceRampSamples
	}
	if e.predictor.HasPattern(prediction.PatternRandom) {
		c *= 0.7
	}
	if e.predictor.HasPattern(prediction.PatternSteady) {
		c *= 1.1
	}

	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// costImpact is the monthly cost delta of the size change, as a percentage
// of the current monthly spend.
func (e *Engine) costImpact(current, recommended int) float64 {
	if current == 0 || e.cfg.UnitCostPerHour == 0 {
		return 0
	}
	delta := float64(recommended - current)
	monthlyDelta := delta * e.cfg.UnitCostPerHour * 24 * 30
	currentMonthly := float64(current) * e.cfg.UnitCostPerHour * 24 * 30
	return monthlyDelta / currentMonthly * 100
}

func performanceImpact(current, recommended int) PerformanceImpact {
	ratio := float64(recommended) / float64(current)
	switch {
	case ratio > 1.1:
		return PerformanceImpact{Kind: ImpactPositive, Pct: math.Min(30, (ratio-1)*50)}
	case ratio < 0.9:
		return PerformanceImpact{Kind: ImpactNegative, Pct: math.Min(20, (1-ratio)*30)}
	default:
		return PerformanceImpact{Kind: ImpactNeutral}
	}
}

func nextEligible(lastApplied, now time.Time, cooldown time.Duration) time.Duration {
	if lastApplied.IsZero() {
		return 0
	}
	remaining := cooldown - now.Sub(lastApplied)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func reason(current, recommended int, load float64) string {
	switch {
	case recommended > current:
		return fmt.Sprintf("predicted load %.1f exceeds comfortable headroom at size %d", load, current)
	case recommended < current:
		return fmt.Sprintf("predicted load %.1f leaves size %d underutilized", load, current)
	default:
		return fmt.Sprintf("size %d already matches predicted load %.1f", current, load)
	}
}
