package sizing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/txflow/internal/assessor"
	"github.com/terminal-bench/txflow/internal/prediction"
)

// predictorWithLoad builds a prediction engine whose flat forecast equals
// load.
func predictorWithLoad(t *testing.T, load float64, samples int) *prediction.Engine {
	t.Helper()
	p := prediction.NewEngine(prediction.Config{
		MinSamples: 5,
		Model:      prediction.ModelSpec{Kind: prediction.ModelMovingAverage, Window: samples},
	})
	for i := 0; i < samples; i++ {
		cond, err := assessor.Assess(assessor.Snapshot{
			Timestamp:       time.Now(),
			AvgLatencyMs:    200,
			P95LatencyMs:    400,
			ThroughputOPS:   500,
			CongestionScore: 30,
			SuccessRateBps:  9800,
		}, nil)
		require.NoError(t, err)
		p.Ingest(cond, load)
	}
	return p
}

func TestRecommendGating(t *testing.T) {
	t.Run("disabled engine recommends nothing", func(t *testing.T) {
		e := NewEngine(Config{Enabled: false}, predictorWithLoad(t, 10, 20))
		assert.Nil(t, e.Recommend(10))
	})

	t.Run("insufficient history recommends nothing", func(t *testing.T) {
		e := NewEngine(Config{Enabled: true, Sensitivity: 0.5}, predictorWithLoad(t, 10, 3))
		assert.Nil(t, e.Recommend(10))
	})

	t.Run("cooldown gates until elapsed", func(t *testing.T) {
		e := NewEngine(Config{
			Enabled:     true,
			Cooldown:    time.Minute,
			Sensitivity: 0.5,
		}, predictorWithLoad(t, 10, 20))

		clock := time.Now()
		e.now = func() time.Time { return clock }

		rec := e.Recommend(10)
		require.NotNil(t, rec)
		e.Apply(rec)

		assert.Nil(t, e.Recommend(10), "inside cooldown")

		clock = clock.Add(61 * time.Second)
		assert.NotNil(t, e.Recommend(10), "after cooldown")
	})
}

func TestRecommendScaleUp(t *testing.T) {
	e := NewEngine(Config{
		Enabled:         true,
		SafetyBufferPct: 20,
		Sensitivity:     1.0,
		MaxChangePct:    30,
		UnitCostPerHour: 0.05,
	}, predictorWithLoad(t, 20, 20))

	rec := e.Recommend(10)
	require.NotNil(t, rec)

	// buffered target 24 clamps to 10 + ceil(10*30%) = 13
	assert.Equal(t, 13, rec.RecommendedSize)
	assert.False(t, rec.WithinMaxChange)
	assert.InDelta(t, 20.0, rec.PredictedLoad, 1e-9)

	assert.Equal(t, ImpactPositive, rec.Performance.Kind)
	assert.InDelta(t, 15.0, rec.Performance.Pct, 1e-9) // (1.3-1)*50

	// +3 connections on a base of 10
	assert.InDelta(t, 30.0, rec.CostImpactPct, 1e-9)
}

func TestRecommendScaleDown(t *testing.T) {
	e := NewEngine(Config{
		Enabled:         true,
		Sensitivity:     1.0,
		MaxChangePct:    50,
		UnitCostPerHour: 0.05,
	}, predictorWithLoad(t, 4, 20))

	rec := e.Recommend(10)
	require.NotNil(t, rec)

	assert.Less(t, rec.RecommendedSize, 10)
	assert.Negative(t, rec.CostImpactPct)
	assert.Equal(t, ImpactNegative, rec.Performance.Kind)
	assert.LessOrEqual(t, rec.Performance.Pct, 20.0)
}

func TestMaxChangeBound(t *testing.T) {
	for _, current := range []int{1, 3, 10, 47, 200} {
		for _, load := range []float64{0, 1, 25, 900} {
			e := NewEngine(Config{
				Enabled:      true,
				Sensitivity:  1.0,
				MaxChangePct: 25,
			}, predictorWithLoad(t, load, 20))

			rec := e.Recommend(current)
			require.NotNil(t, rec)

			bound := int(math.Ceil(float64(current) * 25 / 100))
			delta := rec.RecommendedSize - current
			if delta < 0 {
				delta = -delta
			}
			assert.LessOrEqual(t, delta, bound,
				"current=%d load=%v rec=%d", current, load, rec.RecommendedSize)
			assert.GreaterOrEqual(t, rec.RecommendedSize, 1)
		}
	}
}

func TestCostWeightShrinksTarget(t *testing.T) {
	base := NewEngine(Config{
		Enabled:      true,
		Sensitivity:  1.0,
		MaxChangePct: 100,
	}, predictorWithLoad(t, 100, 20))
	biased := NewEngine(Config{
		Enabled:      true,
		Sensitivity:  1.0,
		MaxChangePct: 100,
		CostWeight:   1.0,
	}, predictorWithLoad(t, 100, 20))

	recBase := base.Recommend(80)
	recBiased := biased.Recommend(80)
	require.NotNil(t, recBase)
	require.NotNil(t, recBiased)

	assert.Less(t, recBiased.RecommendedSize, recBase.RecommendedSize)
}

func TestConfidenceAdjustments(t *testing.T) {
	// 20 samples of a constant series: accurate model, thin history.
	e := NewEngine(Config{Enabled: true, Sensitivity: 0.5}, predictorWithLoad(t, 10, 20))

	rec := e.Recommend(10)
	require.NotNil(t, rec)

	// Model confidence 1.0 ramped by 20/100 history.
	assert.InDelta(t, 0.2, rec.Confidence, 0.05)
	assert.GreaterOrEqual(t, rec.Confidence, 0.0)
	assert.LessOrEqual(t, rec.Confidence, 1.0)
}

func TestApplyUpdatesStats(t *testing.T) {
	e := NewEngine(Config{Enabled: true, Sensitivity: 1.0, MaxChangePct: 50}, predictorWithLoad(t, 4, 20))

	rec := e.Recommend(10)
	require.NotNil(t, rec)
	e.Apply(rec)

	stats := e.Stats()
	assert.Equal(t, 1, stats.Adjustments)
	assert.Positive(t, stats.CostSavingsPct, "shrinking records savings")
	// Thin history keeps confidence below the success bar.
	assert.Zero(t, stats.PredictionSuccessRate)
}
