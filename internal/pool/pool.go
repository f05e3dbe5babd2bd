// Package pool manages named connection pools: per-resource-type tuning,
// cost-mode adjustment, live metric ingestion and bounded scaling.
package pool

import (
	"time"
)

// ResourceType tags what kind of backing resource a pool connects to.
type ResourceType int

const (
	TypeCacheStore ResourceType = iota
	TypeRelationalStore
	TypeRPCEndpoint
	TypeHTTP
	TypeMessageStream
	TypeRPCChannel
)

func (rt ResourceType) String() string {
	switch rt {
	case TypeCacheStore:
		return "cache_store"
	case TypeRelationalStore:
		return "relational_store"
	case TypeRPCEndpoint:
		return "rpc_endpoint"
	case TypeHTTP:
		return "http"
	case TypeMessageStream:
		return "message_stream"
	case TypeRPCChannel:
		return "rpc_channel"
	default:
		return "unknown"
	}
}

// CostMode selects how aggressively a pool trades reliability for cost.
type CostMode int

const (
	ModeBalanced CostMode = iota
	ModeConservative
	ModeAggressive
	ModeCustom
)

func (m CostMode) String() string {
	switch m {
	case ModeConservative:
		return "conservative"
	case ModeAggressive:
		return "aggressive"
	case ModeCustom:
		return "custom"
	default:
		return "balanced"
	}
}

// CustomParams carries the explicit thresholds used by ModeCustom.
type CustomParams struct {
	TargetUtilizationPct  float64
	ScaleUpThresholdPct   float64
	ScaleDownThresholdPct float64
	MaxConnections        int // optional ceiling override, 0 keeps the tuned value
}

// Config is one pool's effective configuration after tuning.
type Config struct {
	MinConnections     int
	MaxConnections     int
	InitialConnections int

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration

	CostMode CostMode
	Custom   *CustomParams

	TargetUtilizationPct  float64
	ScaleUpThresholdPct   float64
	ScaleDownThresholdPct float64
	ResponseTimeAlertMs   float64
}

// Metrics is the live state reported by the external pool implementation,
// enriched with derived utilization and cost-efficiency.
type Metrics struct {
	ActiveConnections  int       `json:"active_connections"`
	IdleConnections    int       `json:"idle_connections"`
	TotalConnections   int       `json:"total_connections"`
	QueueDepth         int       `json:"queue_depth"`
	ResponseTimeMs     float64   `json:"response_time_ms"`
	UtilizationPct     float64   `json:"utilization_pct"`
	CostEfficiency     float64   `json:"cost_efficiency"` // 0-100
	ConnectionFailures int       `json:"connection_failures"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Pool is one registered, managed pool. All mutation happens under the
// manager's per-pool lock; the exported snapshot accessors copy.
type Pool struct {
	ID      string
	Type    ResourceType
	Service string

	config    Config
	metrics   Metrics
	lastScale time.Time
}

// Config returns a copy of the pool's effective configuration.
func (p *Pool) Config() Config {
	cfg := p.config
	if cfg.Custom != nil {
		custom := *cfg.Custom
		cfg.Custom = &custom
	}
	return cfg
}

// ScaleAction records one applied size change, for auditing.
type ScaleAction struct {
	PoolID string    `json:"pool_id"`
	From   int       `json:"from"`
	To     int       `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
