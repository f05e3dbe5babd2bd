package batch

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/txflow/internal/assessor"
)

var (
	ErrBatchNotFound     = errors.New("batch not found")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrOperationTooLarge = errors.New("operation exceeds submission ceilings")
)

// AdaptiveThresholds are the deviation points past which network
// conditions start pushing the effective batch parameters around.
type AdaptiveThresholds struct {
	CongestionScore float64
	LatencyMs       float64
	SuccessRateBps  int
}

// Config holds batch optimizer configuration.
type Config struct {
	MinBatchSize int
	MaxBatchSize int
	BatchTimeout time.Duration

	// CostTargetPerOp closes a batch early once amortization has pushed
	// the per-operation cost this low. Zero disables the trigger.
	CostTargetPerOp decimal.Decimal

	Adaptive             bool
	Thresholds           AdaptiveThresholds
	AdaptiveSensitivity  float64 // 0.1-1.0 smoothing toward the new target
	NetworkCheckInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinBatchSize: 1,
		MaxBatchSize: 10,
		BatchTimeout: 5 * time.Second,
		Thresholds: AdaptiveThresholds{
			CongestionScore: 50,
			LatencyMs:       2000,
			SuccessRateBps:  9500,
		},
		AdaptiveSensitivity:  0.3,
		NetworkCheckInterval: time.Minute,
	}
}

// Adaptive clamps.
const (
	minAdaptiveTimeoutMs = 1000.0
	maxAdaptiveTimeoutMs = 30000.0
)

// Optimizer accumulates operations into open batches. Single mutex: batch
// churn is cheap next to submission, and admission must see consistent
// totals.
type Optimizer struct {
	cfg       Config
	costTable map[OperationType]costEstimate

	mu      sync.Mutex
	batches map[uuid.UUID]*Batch
	order   []uuid.UUID // open batches, oldest first

	adaptiveSize      float64
	adaptiveTimeoutMs float64
	lastNetworkCheck  time.Time

	now func() time.Time
}

// NewOptimizer creates a batch optimizer. Zero-valued config fields fall
// back to defaults.
func NewOptimizer(cfg Config) *Optimizer {
	def := DefaultConfig()
	if cfg.MinBatchSize < 1 {
		cfg.MinBatchSize = def.MinBatchSize
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.AdaptiveSensitivity < 0.1 || cfg.AdaptiveSensitivity > 1.0 {
		cfg.AdaptiveSensitivity = def.AdaptiveSensitivity
	}
	if cfg.NetworkCheckInterval <= 0 {
		cfg.NetworkCheckInterval = def.NetworkCheckInterval
	}
	if cfg.Thresholds == (AdaptiveThresholds{}) {
		cfg.Thresholds = def.Thresholds
	}

	return &Optimizer{
		cfg:               cfg,
		costTable:         defaultCostTable(),
		batches:           make(map[uuid.UUID]*Batch),
		adaptiveSize:      float64(cfg.MaxBatchSize),
		adaptiveTimeoutMs: float64(cfg.BatchTimeout / time.Millisecond),
		now:               time.Now,
	}
}

// AddOperation estimates the operation's cost (falling back to the
// per-type table), then places it in the first open batch that admits it,
// opening a new batch when none does. Returns the id of the batch the
// operation landed in.
func (o *Optimizer) AddOperation(op Operation) (uuid.UUID, error) {
	if op.Priority < 1 || op.Priority > 10 {
		return uuid.Nil, fmt.Errorf("%w: priority %d outside [1,10]", ErrInvalidOperation, op.Priority)
	}

	if est, ok := o.costTable[op.Type]; ok {
		if op.CostUnits == 0 {
			op.CostUnits = est.costUnits
		}
		if op.ResourceWrites == 0 {
			op.ResourceWrites = est.resourceWrites
		}
	}

	if op.CostUnits > computeUnitCeiling || op.ResourceWrites > resourceWriteCeiling {
		return uuid.Nil, fmt.Errorf("%w: %d cost units, %d writes", ErrOperationTooLarge, op.CostUnits, op.ResourceWrites)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range o.order {
		if o.tryAdd(o.batches[id], op) {
			return id, nil
		}
	}

	b := &Batch{
		ID:            uuid.New(),
		CreatedAt:     o.now(),
		EstimatedCost: estimatedCost(0, 0, 0),
	}
	b.ExpiresAt = b.CreatedAt.Add(o.effectiveTimeoutLocked())
	o.tryAdd(b, op) // a single in-ceiling operation always fits an empty batch
	o.batches[b.ID] = b
	o.order = append(o.order, b.ID)
	return b.ID, nil
}

// tryAdd is the admission test: effective size bound, compute ceiling,
// write ceiling. Totals are only touched on acceptance. Caller holds the
// lock.
func (o *Optimizer) tryAdd(b *Batch, op Operation) bool {
	if len(b.Operations)+1 > o.effectiveBatchSizeLocked() {
		return false
	}
	if b.TotalCostUnits+op.CostUnits > computeUnitCeiling {
		return false
	}
	if b.TotalResourceWrites+op.ResourceWrites > resourceWriteCeiling {
		return false
	}

	b.Operations = append(b.Operations, op)
	b.TotalCostUnits += op.CostUnits
	b.TotalResourceWrites += op.ResourceWrites
	b.EstimatedCost = estimatedCost(len(b.Operations), b.TotalCostUnits, b.TotalResourceWrites)
	return true
}

// IsReady reports whether a batch should be handed to the submission
// layer: full to the effective bound, past the effective timeout, or
// already amortized below the per-operation cost target.
func (o *Optimizer) IsReady(id uuid.UUID) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.batches[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return o.readyLocked(b), nil
}

// TakeReady removes and returns every ready batch, operations ordered by
// descending priority within each.
func (o *Optimizer) TakeReady() []*Batch {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ready []*Batch
	remaining := o.order[:0]
	for _, id := range o.order {
		b := o.batches[id]
		if !o.readyLocked(b) {
			remaining = append(remaining, id)
			continue
		}
		sort.SliceStable(b.Operations, func(i, j int) bool {
			return b.Operations[i].Priority > b.Operations[j].Priority
		})
		ready = append(ready, b)
		delete(o.batches, id)
	}
	o.order = remaining
	return ready
}

func (o *Optimizer) readyLocked(b *Batch) bool {
	if len(b.Operations) >= o.effectiveBatchSizeLocked() {
		return true
	}
	if o.now().Sub(b.CreatedAt) > o.effectiveTimeoutLocked() {
		return true
	}
	if !o.cfg.CostTargetPerOp.IsZero() && len(b.Operations) > 0 {
		perOp := b.EstimatedCost.Div(decimal.NewFromInt(int64(len(b.Operations))))
		if perOp.LessThanOrEqual(o.cfg.CostTargetPerOp) {
			return true
		}
	}
	return false
}

// ObserveNetwork feeds one assessed condition in. Recalculation runs on
// the configured check interval, not on every sample: deviation terms are
// computed per metric, smoothed toward the previous adaptive values, then
// clamped.
func (o *Optimizer) ObserveNetwork(a *assessor.Assessment) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if !o.lastNetworkCheck.IsZero() && now.Sub(o.lastNetworkCheck) < o.cfg.NetworkCheckInterval {
		return
	}
	o.lastNetworkCheck = now

	snap := a.Snapshot
	thr := o.cfg.Thresholds

	var sizeDelta, timeoutDeltaMs float64
	if snap.CongestionScore > thr.CongestionScore {
		sizeDelta -= (snap.CongestionScore - thr.CongestionScore) / 10
		timeoutDeltaMs += (snap.CongestionScore - thr.CongestionScore) * 100
	}
	if snap.AvgLatencyMs > thr.LatencyMs {
		sizeDelta -= (snap.AvgLatencyMs - thr.LatencyMs) / 1000
		timeoutDeltaMs += 2 * (snap.AvgLatencyMs - thr.LatencyMs)
	}
	if snap.SuccessRateBps < thr.SuccessRateBps {
		sizeDelta -= float64(thr.SuccessRateBps-snap.SuccessRateBps) / 100
		timeoutDeltaMs += float64(thr.SuccessRateBps-snap.SuccessRateBps) / 2
	}

	targetSize := float64(o.cfg.MaxBatchSize) + sizeDelta
	if a.RequiresSmallerBatches() && targetSize > float64(a.OptimalBatchSize) {
		targetSize = float64(a.OptimalBatchSize)
	}
	targetTimeout := float64(o.cfg.BatchTimeout/time.Millisecond) + timeoutDeltaMs

	s := o.cfg.AdaptiveSensitivity
	o.adaptiveSize += s * (targetSize - o.adaptiveSize)
	o.adaptiveTimeoutMs += s * (targetTimeout - o.adaptiveTimeoutMs)

	o.adaptiveSize = clampFloat(o.adaptiveSize, float64(o.cfg.MinBatchSize), float64(o.cfg.MaxBatchSize))
	o.adaptiveTimeoutMs = clampFloat(o.adaptiveTimeoutMs, minAdaptiveTimeoutMs, maxAdaptiveTimeoutMs)
}

// EffectiveBatchSize is the current admission bound: network-adaptive
// when enabled, else the static maximum.
func (o *Optimizer) EffectiveBatchSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.effectiveBatchSizeLocked()
}

// EffectiveTimeout is the current readiness timeout: network-adaptive
// when enabled, else the static timeout.
func (o *Optimizer) EffectiveTimeout() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.effectiveTimeoutLocked()
}

func (o *Optimizer) effectiveBatchSizeLocked() int {
	if !o.cfg.Adaptive {
		return o.cfg.MaxBatchSize
	}
	size := int(math.Round(o.adaptiveSize))
	if size < o.cfg.MinBatchSize {
		size = o.cfg.MinBatchSize
	}
	if size > o.cfg.MaxBatchSize {
		size = o.cfg.MaxBatchSize
	}
	return size
}

func (o *Optimizer) effectiveTimeoutLocked() time.Duration {
	if !o.cfg.Adaptive {
		return o.cfg.BatchTimeout
	}
	return time.Duration(o.adaptiveTimeoutMs) * time.Millisecond
}

// CostOptimization returns the percentage saved by the batch versus
// submitting each of its operations alone.
func (o *Optimizer) CostOptimization(id uuid.UUID) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.batches[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b.SavingsPct(), nil
}

// OpenBatches returns how many batches are currently accumulating.
func (o *Optimizer) OpenBatches() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.batches)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
