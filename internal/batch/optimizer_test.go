package batch

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/txflow/internal/assessor"
)

func congestedAssessment(t *testing.T) *assessor.Assessment {
	t.Helper()
	a, err := assessor.Assess(assessor.Snapshot{
		Timestamp:       time.Now(),
		AvgLatencyMs:    5000,
		P95LatencyMs:    8000,
		P99LatencyMs:    12000,
		ThroughputOPS:   100,
		CongestionScore: 90,
		SuccessRateBps:  9000,
		FeeLevel:        1,
		FeeTrend:        "rising",
	}, nil)
	require.NoError(t, err)
	return a
}

func healthyAssessment(t *testing.T) *assessor.Assessment {
	t.Helper()
	a, err := assessor.Assess(assessor.Snapshot{
		Timestamp:       time.Now(),
		AvgLatencyMs:    300,
		P95LatencyMs:    500,
		P99LatencyMs:    800,
		ThroughputOPS:   2000,
		CongestionScore: 10,
		SuccessRateBps:  9900,
		FeeLevel:        1,
		FeeTrend:        "flat",
	}, nil)
	require.NoError(t, err)
	return a
}

func TestAddOperationValidation(t *testing.T) {
	o := NewOptimizer(DefaultConfig())

	t.Run("priority out of range", func(t *testing.T) {
		_, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 0})
		assert.ErrorIs(t, err, ErrInvalidOperation)

		_, err = o.AddOperation(Operation{Type: OpVoteCast, Priority: 11})
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})

	t.Run("operation over compute ceiling", func(t *testing.T) {
		_, err := o.AddOperation(Operation{Type: OpLogAppend, CostUnits: 2_000_000, Priority: 5})
		assert.ErrorIs(t, err, ErrOperationTooLarge)
	})

	t.Run("operation over write ceiling", func(t *testing.T) {
		_, err := o.AddOperation(Operation{Type: OpLogAppend, CostUnits: 1000, ResourceWrites: 100, Priority: 5})
		assert.ErrorIs(t, err, ErrOperationTooLarge)
	})
}

func TestAddOperationFillsDefaultEstimates(t *testing.T) {
	o := NewOptimizer(DefaultConfig())

	id, err := o.AddOperation(Operation{Type: OpAppealSubmit, Priority: 5})
	require.NoError(t, err)

	b := o.batches[id]
	require.Len(t, b.Operations, 1)
	assert.Equal(t, uint64(85000), b.TotalCostUnits)
	assert.Equal(t, 4, b.TotalResourceWrites)
}

func TestAdmissionBySizeBound(t *testing.T) {
	o := NewOptimizer(DefaultConfig())

	first, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		id, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
		require.NoError(t, err)
		assert.Equal(t, first, id)
	}

	// Eleventh operation overflows into a fresh batch.
	next, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
	assert.Equal(t, 2, o.OpenBatches())
}

func TestAdmissionByComputeCeiling(t *testing.T) {
	o := NewOptimizer(DefaultConfig())
	op := Operation{Type: OpLogAppend, CostUnits: 500_000, ResourceWrites: 1, Priority: 5}

	first, err := o.AddOperation(op)
	require.NoError(t, err)
	second, err := o.AddOperation(op)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A third 500k-unit operation would push past the ceiling.
	third, err := o.AddOperation(op)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, uint64(1_000_000), o.batches[first].TotalCostUnits)
}

func TestAdmissionByWriteCeiling(t *testing.T) {
	o := NewOptimizer(DefaultConfig())
	op := Operation{Type: OpLogAppend, CostUnits: 1000, ResourceWrites: 30, Priority: 5}

	first, err := o.AddOperation(op)
	require.NoError(t, err)
	second, err := o.AddOperation(op)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := o.AddOperation(op)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestRejectionLeavesBatchUntouched(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 2
	o := NewOptimizer(cfg)

	first, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
	require.NoError(t, err)
	_, err = o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
	require.NoError(t, err)

	b := o.batches[first]
	units, writes, cost := b.TotalCostUnits, b.TotalResourceWrites, b.EstimatedCost

	overflow, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
	require.NoError(t, err)
	require.NotEqual(t, first, overflow)

	assert.Len(t, b.Operations, 2)
	assert.Equal(t, units, b.TotalCostUnits)
	assert.Equal(t, writes, b.TotalResourceWrites)
	assert.True(t, cost.Equal(b.EstimatedCost))
}

func TestReadiness(t *testing.T) {
	t.Run("unknown batch", func(t *testing.T) {
		o := NewOptimizer(DefaultConfig())
		_, err := o.IsReady(uuid.New())
		assert.ErrorIs(t, err, ErrBatchNotFound)
	})

	t.Run("full batch is ready", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxBatchSize = 2
		o := NewOptimizer(cfg)

		id, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
		require.NoError(t, err)
		ready, err := o.IsReady(id)
		require.NoError(t, err)
		assert.False(t, ready)

		_, err = o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
		require.NoError(t, err)
		ready, err = o.IsReady(id)
		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("timeout makes a partial batch ready", func(t *testing.T) {
		o := NewOptimizer(DefaultConfig())
		current := time.Now()
		o.now = func() time.Time { return current }

		id, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
		require.NoError(t, err)

		ready, err := o.IsReady(id)
		require.NoError(t, err)
		assert.False(t, ready)

		current = current.Add(6 * time.Second)
		ready, err = o.IsReady(id)
		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("cost target makes a batch ready early", func(t *testing.T) {
		cfg := DefaultConfig()
		// Vote casts amortize to 5000/n + 5505.075 per operation: one
		// alone sits above this target, two together drop below it.
		cfg.CostTargetPerOp = decimal.NewFromInt(8100)
		o := NewOptimizer(cfg)

		id, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
		require.NoError(t, err)
		ready, err := o.IsReady(id)
		require.NoError(t, err)
		assert.False(t, ready)

		_, err = o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
		require.NoError(t, err)
		ready, err = o.IsReady(id)
		require.NoError(t, err)
		assert.True(t, ready)
	})
}

func TestTakeReady(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 3
	o := NewOptimizer(cfg)

	id, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 3})
	require.NoError(t, err)
	_, err = o.AddOperation(Operation{Type: OpAppealSubmit, Priority: 9})
	require.NoError(t, err)
	_, err = o.AddOperation(Operation{Type: OpAppealReview, Priority: 5})
	require.NoError(t, err)

	// A fourth operation opens a second, not-yet-ready batch.
	_, err = o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
	require.NoError(t, err)

	ready := o.TakeReady()
	require.Len(t, ready, 1)
	require.Equal(t, id, ready[0].ID)

	priorities := make([]int, 0, len(ready[0].Operations))
	for _, op := range ready[0].Operations {
		priorities = append(priorities, op.Priority)
	}
	assert.Equal(t, []int{9, 5, 3}, priorities)

	// Taken batches are gone; the open one stays.
	assert.Equal(t, 1, o.OpenBatches())
	_, err = o.IsReady(id)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestAdaptiveSizing(t *testing.T) {
	t.Run("healthy network keeps parameters at configured values", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Adaptive = true
		o := NewOptimizer(cfg)

		o.ObserveNetwork(healthyAssessment(t))
		assert.Equal(t, 10, o.EffectiveBatchSize())
		assert.Equal(t, 5*time.Second, o.EffectiveTimeout())
	})

	t.Run("congestion shrinks batches and extends the timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Adaptive = true
		o := NewOptimizer(cfg)
		current := time.Now()
		o.now = func() time.Time { return current }

		o.ObserveNetwork(congestedAssessment(t))
		assert.Equal(t, 6, o.EffectiveBatchSize())
		assert.Greater(t, o.EffectiveTimeout(), 5*time.Second)

		// A second observation inside the check interval is a no-op.
		o.ObserveNetwork(congestedAssessment(t))
		assert.Equal(t, 6, o.EffectiveBatchSize())

		current = current.Add(61 * time.Second)
		o.ObserveNetwork(congestedAssessment(t))
		assert.Equal(t, 4, o.EffectiveBatchSize())
	})

	t.Run("sustained congestion clamps at the floor", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Adaptive = true
		o := NewOptimizer(cfg)
		current := time.Now()
		o.now = func() time.Time { return current }

		for i := 0; i < 20; i++ {
			o.ObserveNetwork(congestedAssessment(t))
			current = current.Add(61 * time.Second)
		}
		assert.Equal(t, cfg.MinBatchSize, o.EffectiveBatchSize())
		assert.LessOrEqual(t, o.EffectiveTimeout(), 30*time.Second)
	})

	t.Run("recovery grows batches back", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Adaptive = true
		o := NewOptimizer(cfg)
		current := time.Now()
		o.now = func() time.Time { return current }

		for i := 0; i < 20; i++ {
			o.ObserveNetwork(congestedAssessment(t))
			current = current.Add(61 * time.Second)
		}
		require.Equal(t, cfg.MinBatchSize, o.EffectiveBatchSize())

		for i := 0; i < 20; i++ {
			o.ObserveNetwork(healthyAssessment(t))
			current = current.Add(61 * time.Second)
		}
		assert.Equal(t, cfg.MaxBatchSize, o.EffectiveBatchSize())
	})

	t.Run("static mode ignores network conditions", func(t *testing.T) {
		o := NewOptimizer(DefaultConfig())
		o.ObserveNetwork(congestedAssessment(t))
		assert.Equal(t, 10, o.EffectiveBatchSize())
		assert.Equal(t, 5*time.Second, o.EffectiveTimeout())
	})
}

func TestCostOptimization(t *testing.T) {
	o := NewOptimizer(DefaultConfig())

	id, err := o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = o.AddOperation(Operation{Type: OpVoteCast, Priority: 5})
		require.NoError(t, err)
	}

	// Three vote casts share one base fee: 10000 saved on a 31500.225
	// standalone total.
	savings, err := o.CostOptimization(id)
	require.NoError(t, err)
	assert.InDelta(t, 31.75, savings, 0.1)

	_, err = o.CostOptimization(uuid.New())
	assert.ErrorIs(t, err, ErrBatchNotFound)
}
