package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/txflow/internal/assessor"
	"github.com/terminal-bench/txflow/internal/batch"
	"github.com/terminal-bench/txflow/internal/pool"
	"github.com/terminal-bench/txflow/internal/prediction"
	"github.com/terminal-bench/txflow/internal/sizing"
	"github.com/terminal-bench/txflow/pkg/circuit"
	"github.com/terminal-bench/txflow/pkg/messaging"
)

type stubDispatcher struct {
	mu      sync.Mutex
	batches []*batch.Batch
	err     error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, b *batch.Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.batches = append(d.batches, b)
	return nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events map[string]int
}

func (p *stubPublisher) PublishEvent(subject, eventType string, data interface{}, meta messaging.EventMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string]int)
	}
	p.events[eventType]++
	return nil
}

func (p *stubPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[eventType]
}

type stubRecorder struct {
	mu       sync.Mutex
	recorded int
}

func (r *stubRecorder) Record(ctx context.Context, a *assessor.Assessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded++
	return nil
}

func healthySnapshot() assessor.Snapshot {
	return assessor.Snapshot{
		Timestamp:       time.Now(),
		AvgLatencyMs:    300,
		P95LatencyMs:    500,
		P99LatencyMs:    800,
		ThroughputOPS:   2000,
		CongestionScore: 10,
		SuccessRateBps:  9900,
		FeeLevel:        1,
		FeeTrend:        "flat",
	}
}

func newTestController(t *testing.T) (*Controller, *pool.Manager, *stubDispatcher, *stubPublisher, *stubRecorder) {
	t.Helper()

	pools := pool.NewManager(pool.ManagerConfig{DynamicSizing: false})
	_, err := pools.Register("rpc-main", pool.TypeRPCEndpoint, "submitter")
	require.NoError(t, err)

	dispatcher := &stubDispatcher{}
	publisher := &stubPublisher{}
	recorder := &stubRecorder{}

	cfg := batch.DefaultConfig()
	cfg.MaxBatchSize = 2
	c := New(Config{SubmissionPoolID: "rpc-main"}, Deps{
		Pools:      pools,
		Optimizer:  batch.NewOptimizer(cfg),
		Dispatcher: dispatcher,
		Breakers:   circuit.NewBreakerGroup(circuit.Config{MaxFailures: 5, Timeout: time.Minute}),
		Publisher:  publisher,
		Recorder:   recorder,
	})
	return c, pools, dispatcher, publisher, recorder
}

func trackRPCMain(t *testing.T, c *Controller) {
	t.Helper()
	err := c.Track("rpc-main",
		prediction.Config{
			RetentionHours: 1,
			SampleInterval: 30 * time.Second,
			MinSamples:     3,
			Model:          prediction.ModelSpec{Kind: prediction.ModelMovingAverage, Window: 5},
		},
		sizing.Config{
			Enabled:           true,
			Cooldown:          time.Minute,
			SafetyBufferPct:   20,
			PredictiveScaling: false,
			Sensitivity:       1.0,
			MaxChangePct:      100,
		},
	)
	require.NoError(t, err)
}

func TestTrackValidation(t *testing.T) {
	c, _, _, _, _ := newTestController(t)

	err := c.Track("missing", prediction.DefaultConfig(), sizing.DefaultConfig())
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)

	trackRPCMain(t, c)
	err = c.Track("rpc-main", prediction.DefaultConfig(), sizing.DefaultConfig())
	assert.ErrorIs(t, err, ErrResourceTracked)
}

func TestObserveSnapshotFansOut(t *testing.T) {
	c, pools, _, publisher, recorder := newTestController(t)
	trackRPCMain(t, c)

	_, err := pools.UpdateMetrics("rpc-main", 3, 0, 100)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		a, err := c.ObserveSnapshot(context.Background(), healthySnapshot())
		require.NoError(t, err)
		require.NotNil(t, a)
	}

	assert.Equal(t, 3, recorder.recorded)
	assert.Equal(t, 3, publisher.count(messaging.EventTypeNetworkAssessed))

	st := c.Status()
	require.NotNil(t, st.Assessment)
	require.Len(t, st.Resources, 1)
	assert.Equal(t, "rpc-main", st.Resources[0].PoolID)
	// Three samples meet the prediction minimum, so a preview exists.
	require.NotNil(t, st.Resources[0].Preview)
	assert.InDelta(t, 3.0, st.Resources[0].Preview.PredictedLoad, 0.001)
}

func TestObserveSnapshotRejectsInvalid(t *testing.T) {
	c, _, _, _, recorder := newTestController(t)

	snap := healthySnapshot()
	snap.CongestionScore = -1
	_, err := c.ObserveSnapshot(context.Background(), snap)
	assert.ErrorIs(t, err, assessor.ErrInvalidSnapshot)
	assert.Zero(t, recorder.recorded)
}

func TestRunSizingAppliesConfidentRecommendation(t *testing.T) {
	c, pools, _, publisher, _ := newTestController(t)
	trackRPCMain(t, c)

	require.NoError(t, pools.ApplySize("rpc-main", 25))
	_, err := pools.UpdateMetrics("rpc-main", 20, 0, 100)
	require.NoError(t, err)

	// A long steady run gives the sizing engine full confidence.
	for i := 0; i < 100; i++ {
		_, err := c.ObserveSnapshot(context.Background(), healthySnapshot())
		require.NoError(t, err)
	}

	applied := c.RunSizing(context.Background())
	require.Len(t, applied, 1)
	// Load 20 with a 20% buffer targets 24 connections.
	assert.Equal(t, 25, applied[0].CurrentSize)
	assert.Equal(t, 24, applied[0].RecommendedSize)
	assert.GreaterOrEqual(t, applied[0].Confidence, 0.5)

	metrics, _, err := pools.Snapshot("rpc-main")
	require.NoError(t, err)
	assert.Equal(t, 24, metrics.TotalConnections)

	assert.Equal(t, 1, publisher.count(messaging.EventTypeSizingApplied))
	assert.GreaterOrEqual(t, publisher.count(messaging.EventTypeSizingRecommended), 1)

	// The sizing cooldown blocks an immediate second adjustment.
	assert.Empty(t, c.RunSizing(context.Background()))
}

func TestDispatchReady(t *testing.T) {
	c, pools, dispatcher, publisher, _ := newTestController(t)

	fill := func() {
		for i := 0; i < 2; i++ {
			_, err := c.deps.Optimizer.AddOperation(batch.Operation{Type: batch.OpVoteCast, Priority: 5})
			require.NoError(t, err)
		}
	}

	t.Run("dispatches full batches", func(t *testing.T) {
		fill()
		dispatched, failed := c.DispatchReady(context.Background())
		assert.Equal(t, 1, dispatched)
		assert.Zero(t, failed)
		require.Len(t, dispatcher.batches, 1)
		assert.Len(t, dispatcher.batches[0].Operations, 2)
		assert.Equal(t, 1, publisher.count(messaging.EventTypeBatchDispatched))
	})

	t.Run("failure marks the submission pool", func(t *testing.T) {
		dispatcher.err = errors.New("endpoint unavailable")
		fill()
		dispatched, failed := c.DispatchReady(context.Background())
		assert.Zero(t, dispatched)
		assert.Equal(t, 1, failed)

		metrics, _, err := pools.Snapshot("rpc-main")
		require.NoError(t, err)
		assert.Equal(t, 1, metrics.ConnectionFailures)
	})

	st := c.Status()
	assert.Equal(t, 1, st.Dispatched)
	assert.Equal(t, 1, st.DispatchFailures)
	assert.Equal(t, circuit.StateClosed, st.Breakers["submission"])
}
