// Package controller runs the adaptive control loop: assess incoming
// network snapshots, feed the prediction engines, apply sizing
// recommendations to the pool manager, and dispatch ready batches through
// a circuit breaker.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/txflow/internal/assessor"
	"github.com/terminal-bench/txflow/internal/batch"
	"github.com/terminal-bench/txflow/internal/pool"
	"github.com/terminal-bench/txflow/internal/prediction"
	"github.com/terminal-bench/txflow/internal/sizing"
	"github.com/terminal-bench/txflow/pkg/circuit"
	"github.com/terminal-bench/txflow/pkg/messaging"
)

var (
	ErrResourceTracked = errors.New("resource already tracked")
	ErrNotTracked      = errors.New("resource not tracked")
)

// Dispatcher hands a ready batch to the submission layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, b *batch.Batch) error
}

// Publisher emits control-loop events. *messaging.Client satisfies it.
type Publisher interface {
	PublishEvent(subject, eventType string, data interface{}, meta messaging.EventMetadata) error
}

// AssessmentRecorder persists assessments. *history.AssessmentSink
// satisfies it.
type AssessmentRecorder interface {
	Record(ctx context.Context, a *assessor.Assessment) error
}

// Config holds control-loop configuration.
type Config struct {
	SizingInterval   time.Duration
	DispatchInterval time.Duration

	// MinApplyConfidence gates automatic application of sizing
	// recommendations; lower-confidence ones are only reported.
	MinApplyConfidence float64

	// SubmissionPoolID, when set, receives a connection-failure mark for
	// every failed batch dispatch.
	SubmissionPoolID string

	Source string // event metadata source tag
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SizingInterval:     30 * time.Second,
		DispatchInterval:   time.Second,
		MinApplyConfidence: 0.5,
		Source:             "txflow-controller",
	}
}

// Deps are the collaborators the controller drives. Publisher and
// Recorder may be nil; everything else is required.
type Deps struct {
	Pools      *pool.Manager
	Optimizer  *batch.Optimizer
	Dispatcher Dispatcher
	Breakers   *circuit.BreakerGroup
	Publisher  Publisher
	Recorder   AssessmentRecorder
}

// resource couples one managed pool with its prediction and sizing
// engines.
type resource struct {
	poolID    string
	predictor *prediction.Engine
	sizer     *sizing.Engine
}

// Controller is the control loop.
type Controller struct {
	cfg  Config
	deps Deps

	mu        sync.RWMutex
	prev      *assessor.Assessment
	resources map[string]*resource

	dispatched  int
	dispatchErr int
}

// New creates a controller. Zero-valued config fields fall back to
// defaults.
func New(cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.SizingInterval <= 0 {
		cfg.SizingInterval = def.SizingInterval
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.MinApplyConfidence <= 0 {
		cfg.MinApplyConfidence = def.MinApplyConfidence
	}
	if cfg.Source == "" {
		cfg.Source = def.Source
	}
	return &Controller{
		cfg:       cfg,
		deps:      deps,
		resources: make(map[string]*resource),
	}
}

// Track starts predictive sizing for a registered pool.
func (c *Controller) Track(poolID string, predCfg prediction.Config, sizeCfg sizing.Config) error {
	if _, _, err := c.deps.Pools.Snapshot(poolID); err != nil {
		return fmt.Errorf("cannot track %s: %w", poolID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.resources[poolID]; exists {
		return fmt.Errorf("%w: %s", ErrResourceTracked, poolID)
	}

	predictor := prediction.NewEngine(predCfg)
	c.resources[poolID] = &resource{
		poolID:    poolID,
		predictor: predictor,
		sizer:     sizing.NewEngine(sizeCfg, predictor),
	}
	return nil
}

// ObserveSnapshot assesses one network measurement and fans it out:
// batch optimizer adaptation, per-resource load history, optional
// persistence, optional event publication.
func (c *Controller) ObserveSnapshot(ctx context.Context, snap assessor.Snapshot) (*assessor.Assessment, error) {
	c.mu.Lock()
	a, err := assessor.Assess(snap, c.prev)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.prev = a
	resources := c.resourceList()
	c.mu.Unlock()

	c.deps.Optimizer.ObserveNetwork(a)

	for _, r := range resources {
		metrics, _, err := c.deps.Pools.Snapshot(r.poolID)
		if err != nil {
			log.Printf("controller: pool %s vanished: %v", r.poolID, err)
			continue
		}
		r.predictor.Ingest(a, float64(metrics.ActiveConnections))
	}

	if c.deps.Recorder != nil {
		if err := c.deps.Recorder.Record(ctx, a); err != nil {
			log.Printf("controller: failed to record assessment: %v", err)
		}
	}
	c.publish(messaging.SubjectSnapshots, messaging.EventTypeNetworkAssessed, a)

	return a, nil
}

// Run drives the sizing and dispatch tickers until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.SizingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.RunSizing(ctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.DispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.DispatchReady(ctx)
			}
		}
	})

	return g.Wait()
}

// RunSizing asks each tracked resource's sizing engine for a
// recommendation and applies the confident ones to the pool manager.
func (c *Controller) RunSizing(ctx context.Context) []sizing.Recommendation {
	c.mu.RLock()
	resources := c.resourceList()
	c.mu.RUnlock()

	var applied []sizing.Recommendation
	for _, r := range resources {
		metrics, _, err := c.deps.Pools.Snapshot(r.poolID)
		if err != nil {
			continue
		}

		rec := r.sizer.Recommend(metrics.TotalConnections)
		if rec == nil {
			continue
		}

		c.publish(messaging.SubjectScaling, messaging.EventTypeSizingRecommended, messaging.SizingRecommendedEvent{
			PoolID:          r.poolID,
			CurrentSize:     rec.CurrentSize,
			RecommendedSize: rec.RecommendedSize,
			Confidence:      rec.Confidence,
			Reason:          rec.Reason,
			CostImpactPct:   rec.CostImpactPct,
		})

		if rec.Confidence < c.cfg.MinApplyConfidence || rec.RecommendedSize == rec.CurrentSize {
			continue
		}
		if err := c.deps.Pools.ApplySize(r.poolID, rec.RecommendedSize); err != nil {
			log.Printf("controller: failed to resize pool %s: %v", r.poolID, err)
			continue
		}
		r.sizer.Apply(rec)
		applied = append(applied, *rec)
		c.publish(messaging.SubjectScaling, messaging.EventTypeSizingApplied, messaging.PoolScaledEvent{
			PoolID: r.poolID,
			From:   rec.CurrentSize,
			To:     rec.RecommendedSize,
			Reason: rec.Reason,
			At:     time.Now(),
		})
	}
	return applied
}

// DispatchReady takes every ready batch from the optimizer and submits
// it through the circuit breaker.
func (c *Controller) DispatchReady(ctx context.Context) (dispatched, failed int) {
	for _, b := range c.deps.Optimizer.TakeReady() {
		err := c.deps.Breakers.Execute(ctx, "submission", func() error {
			return c.deps.Dispatcher.Dispatch(ctx, b)
		})
		if err != nil {
			failed++
			log.Printf("controller: batch %s dispatch failed: %v", b.ID, err)
			if c.cfg.SubmissionPoolID != "" {
				if err := c.deps.Pools.RecordConnectionFailure(c.cfg.SubmissionPoolID); err != nil {
					log.Printf("controller: failed to mark submission pool: %v", err)
				}
			}
			continue
		}

		dispatched++
		c.publish(messaging.SubjectBatches, messaging.EventTypeBatchDispatched, messaging.BatchDispatchedEvent{
			BatchID:        b.ID,
			Operations:     len(b.Operations),
			TotalCostUnits: b.TotalCostUnits,
			EstimatedCost:  b.EstimatedCost.String(),
			SavingsPct:     b.SavingsPct(),
			DispatchedAt:   time.Now(),
		})
	}

	c.mu.Lock()
	c.dispatched += dispatched
	c.dispatchErr += failed
	c.mu.Unlock()
	return dispatched, failed
}

// ResourceStatus is one tracked resource's sizing view.
type ResourceStatus struct {
	PoolID     string                 `json:"pool_id"`
	Metrics    pool.Metrics           `json:"metrics"`
	Model      prediction.Model       `json:"model"`
	Patterns   []prediction.Pattern   `json:"patterns"`
	Preview    *sizing.Recommendation `json:"preview,omitempty"`
	Adjustment sizing.Stats           `json:"adjustment_stats"`
}

// Status is the controller's operational snapshot, served by the
// gateway.
type Status struct {
	Assessment         *assessor.Assessment     `json:"assessment,omitempty"`
	Resources          []ResourceStatus         `json:"resources"`
	Breakers           map[string]circuit.State `json:"breakers"`
	EffectiveBatchSize int                      `json:"effective_batch_size"`
	EffectiveTimeoutMs int64                    `json:"effective_timeout_ms"`
	OpenBatches        int                      `json:"open_batches"`
	Dispatched         int                      `json:"dispatched"`
	DispatchFailures   int                      `json:"dispatch_failures"`
}

// Status reports the current state of every moving part, without
// mutating any of it.
func (c *Controller) Status() Status {
	c.mu.RLock()
	prev := c.prev
	resources := c.resourceList()
	dispatched, dispatchErr := c.dispatched, c.dispatchErr
	c.mu.RUnlock()

	st := Status{
		Assessment:         prev,
		Breakers:           c.deps.Breakers.States(),
		EffectiveBatchSize: c.deps.Optimizer.EffectiveBatchSize(),
		EffectiveTimeoutMs: c.deps.Optimizer.EffectiveTimeout().Milliseconds(),
		OpenBatches:        c.deps.Optimizer.OpenBatches(),
		Dispatched:         dispatched,
		DispatchFailures:   dispatchErr,
	}

	for _, r := range resources {
		metrics, _, err := c.deps.Pools.Snapshot(r.poolID)
		if err != nil {
			continue
		}
		st.Resources = append(st.Resources, ResourceStatus{
			PoolID:     r.poolID,
			Metrics:    metrics,
			Model:      r.predictor.Model(),
			Patterns:   r.predictor.Patterns(),
			Preview:    r.sizer.Recommend(metrics.TotalConnections),
			Adjustment: r.sizer.Stats(),
		})
	}
	return st
}

// resourceList returns tracked resources in stable order. Caller holds
// at least a read lock.
func (c *Controller) resourceList() []*resource {
	out := make([]*resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].poolID < out[j].poolID })
	return out
}

func (c *Controller) publish(subject, eventType string, data interface{}) {
	if c.deps.Publisher == nil {
		return
	}
	meta := messaging.EventMetadata{Source: c.cfg.Source}
	if err := c.deps.Publisher.PublishEvent(subject, eventType, data, meta); err != nil {
		log.Printf("controller: failed to publish %s: %v", eventType, err)
	}
}
