package pool

import "fmt"

// Recommendation trigger lines. Kept coarse on purpose: the report is for
// operators, not machines.
const (
	lowEfficiencyBelow  = 50.0
	lowUtilizationBelow = 20.0
	highUtilizationPast = 85.0
)

// PoolStatus is one pool's row in the aggregate report.
type PoolStatus struct {
	ID      string       `json:"id"`
	Type    ResourceType `json:"type"`
	Service string       `json:"service"`
	Metrics Metrics      `json:"metrics"`
}

// Report aggregates the state of every registered pool.
type Report struct {
	Pools             int          `json:"pools"`
	TotalConnections  int          `json:"total_connections"`
	AvgUtilizationPct float64      `json:"avg_utilization_pct"`
	AvgCostEfficiency float64      `json:"avg_cost_efficiency"`
	Statuses          []PoolStatus `json:"statuses"`
	Recommendations   []string     `json:"recommendations"`
}

// Report builds the aggregate view. It can run concurrently with pool
// updates; each pool is copied under its own lock, so rows are never
// half-updated.
func (m *Manager) Report() Report {
	var report Report

	for _, id := range m.IDs() {
		entry, err := m.entry(id)
		if err != nil {
			continue
		}

		entry.mu.Lock()
		p := entry.pool
		entry.mu.Unlock()

		report.Pools++
		report.TotalConnections += p.metrics.TotalConnections
		report.AvgUtilizationPct += p.metrics.UtilizationPct
		report.AvgCostEfficiency += p.metrics.CostEfficiency
		report.Statuses = append(report.Statuses, PoolStatus{
			ID:      p.ID,
			Type:    p.Type,
			Service: p.Service,
			Metrics: p.metrics,
		})
		report.Recommendations = append(report.Recommendations, recommendationsFor(&p)...)
	}

	if report.Pools > 0 {
		report.AvgUtilizationPct /= float64(report.Pools)
		report.AvgCostEfficiency /= float64(report.Pools)
	}
	return report
}

func recommendationsFor(p *Pool) []string {
	var recs []string

	if p.metrics.CostEfficiency < lowEfficiencyBelow {
		recs = append(recs, fmt.Sprintf(
			"pool %s: cost efficiency %.0f is low, review sizing or failure rate",
			p.ID, p.metrics.CostEfficiency))
	}
	if p.metrics.UtilizationPct < lowUtilizationBelow && p.metrics.TotalConnections > p.config.MinConnections {
		recs = append(recs, fmt.Sprintf(
			"pool %s: utilization %.0f%% is low, consider shrinking below %d connections",
			p.ID, p.metrics.UtilizationPct, p.metrics.TotalConnections))
	}
	if p.metrics.UtilizationPct > highUtilizationPast {
		recs = append(recs, fmt.Sprintf(
			"pool %s: utilization %.0f%% is high, consider raising the ceiling past %d",
			p.ID, p.metrics.UtilizationPct, p.config.MaxConnections))
	}
	if p.config.ResponseTimeAlertMs > 0 && p.metrics.ResponseTimeMs > p.config.ResponseTimeAlertMs {
		recs = append(recs, fmt.Sprintf(
			"pool %s: response time %.0fms exceeds the %.0fms alert threshold",
			p.ID, p.metrics.ResponseTimeMs, p.config.ResponseTimeAlertMs))
	}
	return recs
}
