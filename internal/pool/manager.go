package pool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var (
	ErrPoolNotFound = errors.New("pool not found")
	ErrPoolExists   = errors.New("pool already registered")
)

const defaultScaleCooldown = 60 * time.Second

// Fast reactive scaling rule: grow hard, shrink gently.
const (
	scaleUpFactor   = 1.5
	scaleDownFactor = 0.8
)

// ManagerConfig configures the unified pool manager.
type ManagerConfig struct {
	DynamicSizing    bool
	ScaleCooldown    time.Duration     // gap between reactive scale actions per pool
	ServiceOverrides map[string]Config // per-owning-service template overrides
	OnScale          func(ScaleAction) // invoked after every applied size change
}

// Manager owns all registered pools. The registry is guarded by an RWMutex;
// each pool serializes its own updates under a per-pool lock so distinct
// pools update in parallel.
type Manager struct {
	cfg ManagerConfig

	mu    sync.RWMutex
	pools map[string]*poolEntry

	now func() time.Time
}

type poolEntry struct {
	mu   sync.Mutex
	pool Pool
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ScaleCooldown <= 0 {
		cfg.ScaleCooldown = defaultScaleCooldown
	}
	return &Manager{
		cfg:   cfg,
		pools: make(map[string]*poolEntry),
		now:   time.Now,
	}
}

// Register creates a pool under the given id. The configuration starts
// from the owning service's override (or the default template), has
// resource-type tuning applied, then the cost-mode adjustment.
func (m *Manager) Register(id string, rt ResourceType, service string) (Config, error) {
	template := defaultTemplate()
	if override, ok := m.cfg.ServiceOverrides[service]; ok {
		template = override
	}
	cfg := tuneForCostMode(tuneForType(template, rt))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[id]; exists {
		return Config{}, fmt.Errorf("%w: %s", ErrPoolExists, id)
	}

	m.pools[id] = &poolEntry{pool: Pool{
		ID:      id,
		Type:    rt,
		Service: service,
		config:  cfg,
		metrics: Metrics{
			TotalConnections: cfg.InitialConnections,
			IdleConnections:  cfg.InitialConnections,
			LastUpdated:      m.now(),
		},
	}}
	return cfg, nil
}

// UpdateMetrics ingests one live sample from the external pool
// implementation, recomputes utilization and cost efficiency from the
// updated totals, and evaluates reactive scaling if dynamic sizing is
// enabled and the cooldown has elapsed. Returns the fresh snapshot.
func (m *Manager) UpdateMetrics(id string, active, queueDepth int, responseTimeMs float64) (Metrics, error) {
	entry, err := m.entry(id)
	if err != nil {
		return Metrics{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	p := &entry.pool
	p.metrics.ActiveConnections = active
	p.metrics.QueueDepth = queueDepth
	p.metrics.ResponseTimeMs = responseTimeMs
	p.metrics.LastUpdated = m.now()
	m.refreshDerived(p)

	if m.cfg.DynamicSizing && m.now().Sub(p.lastScale) >= m.cfg.ScaleCooldown {
		m.evaluateScaling(p)
	}

	return p.metrics, nil
}

// RecordConnectionFailure counts one failed connection attempt against the
// pool's cost-efficiency score.
func (m *Manager) RecordConnectionFailure(id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.pool.metrics.ConnectionFailures++
	m.refreshDerived(&entry.pool)
	return nil
}

// ApplySize sets a pool's total to the given size, clamped to the pool's
// configured bounds. This is the slow predictive path driven by the sizing
// engine; it stamps the scale cooldown like any other action.
func (m *Manager) ApplySize(id string, size int) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	p := &entry.pool
	if size < p.config.MinConnections {
		size = p.config.MinConnections
	}
	if size > p.config.MaxConnections {
		size = p.config.MaxConnections
	}
	if size == p.metrics.TotalConnections {
		return nil
	}

	m.scaleTo(p, size, "predictive sizing recommendation")
	return nil
}

// EmergencyScaleDown forces every pool to max(current*factor, min),
// bypassing cooldowns. Used for cost emergencies.
func (m *Manager) EmergencyScaleDown(factor float64) []ScaleAction {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}

	var actions []ScaleAction
	for _, entry := range m.entries() {
		entry.mu.Lock()
		p := &entry.pool
		from := p.metrics.TotalConnections
		target := int(math.Floor(float64(from) * factor))
		if target < p.config.MinConnections {
			target = p.config.MinConnections
		}
		if target != from {
			m.scaleTo(p, target, fmt.Sprintf("emergency scale-down by factor %.2f", factor))
			actions = append(actions, ScaleAction{
				PoolID: p.ID,
				From:   from,
				To:     target,
				Reason: "emergency scale-down",
				At:     p.lastScale,
			})
		}
		entry.mu.Unlock()
	}
	return actions
}

// Snapshot returns a copy of one pool's live metrics and configuration.
func (m *Manager) Snapshot(id string) (Metrics, Config, error) {
	entry, err := m.entry(id)
	if err != nil {
		return Metrics{}, Config{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.pool.metrics, entry.pool.Config(), nil
}

// IDs lists registered pool ids in stable order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) entry(id string) (*poolEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	return entry, nil
}

func (m *Manager) entries() []*poolEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*poolEntry, 0, len(m.pools))
	for _, e := range m.pools {
		out = append(out, e)
	}
	return out
}

// refreshDerived recomputes utilization and the cost-efficiency score from
// the pool's current totals. Caller holds the pool lock.
func (m *Manager) refreshDerived(p *Pool) {
	if p.metrics.TotalConnections > 0 {
		p.metrics.UtilizationPct = float64(p.metrics.ActiveConnections) /
			float64(p.metrics.TotalConnections) * 100
	} else {
		p.metrics.UtilizationPct = 0
	}
	p.metrics.IdleConnections = p.metrics.TotalConnections - p.metrics.ActiveConnections
	if p.metrics.IdleConnections < 0 {
		p.metrics.IdleConnections = 0
	}

	eff := 100.0
	eff -= math.Abs(p.metrics.UtilizationPct - p.config.TargetUtilizationPct)
	if p.config.ResponseTimeAlertMs > 0 && p.metrics.ResponseTimeMs > p.config.ResponseTimeAlertMs {
		eff -= 20
	}
	failurePenalty := float64(p.metrics.ConnectionFailures) * 3
	if failurePenalty > 30 {
		failurePenalty = 30
	}
	eff -= failurePenalty

	if eff < 0 {
		eff = 0
	}
	p.metrics.CostEfficiency = eff
}

// evaluateScaling applies the fast reactive rule. Caller holds the pool
// lock and has already checked the cooldown.
func (m *Manager) evaluateScaling(p *Pool) {
	util := p.metrics.UtilizationPct
	total := p.metrics.TotalConnections

	switch {
	case util > p.config.ScaleUpThresholdPct:
		target := int(float64(total) * scaleUpFactor)
		if target == total {
			target = total + 1
		}
		if target > p.config.MaxConnections {
			target = p.config.MaxConnections
		}
		if target != total {
			m.scaleTo(p, target, fmt.Sprintf("utilization %.1f%% above scale-up threshold", util))
		}

	case util < p.config.ScaleDownThresholdPct:
		target := int(float64(total) * scaleDownFactor)
		if target < p.config.MinConnections {
			target = p.config.MinConnections
		}
		if target != total {
			m.scaleTo(p, target, fmt.Sprintf("utilization %.1f%% below scale-down threshold", util))
		}
	}
}

// scaleTo applies a size change and re-derives metrics from the new total.
// Caller holds the pool lock.
func (m *Manager) scaleTo(p *Pool, target int, reason string) {
	from := p.metrics.TotalConnections
	p.metrics.TotalConnections = target
	p.lastScale = m.now()
	m.refreshDerived(p)

	if m.cfg.OnScale != nil {
		m.cfg.OnScale(ScaleAction{
			PoolID: p.ID,
			From:   from,
			To:     target,
			Reason: reason,
			At:     p.lastScale,
		})
	}
}
