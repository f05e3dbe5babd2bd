// Package history is the optional persistence layer: assessment time
// series in InfluxDB, scale-action audit rows in Postgres, and the latest
// engine state cached in Redis for restart continuity. The control loop
// works without any of it.
package history

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/terminal-bench/txflow/internal/assessor"
)

// InfluxConfig holds the connection parameters for the time-series sink.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// AssessmentSink writes network assessments as InfluxDB points.
type AssessmentSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewAssessmentSink connects to InfluxDB.
func NewAssessmentSink(cfg InfluxConfig) *AssessmentSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &AssessmentSink{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// Record writes one assessment point.
func (s *AssessmentSink) Record(ctx context.Context, a *assessor.Assessment) error {
	p := influxdb2.NewPoint(
		"network_assessment",
		assessmentTags(a),
		assessmentFields(a),
		a.Snapshot.Timestamp,
	)
	return s.write.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *AssessmentSink) Close() {
	s.client.Close()
}

func assessmentTags(a *assessor.Assessment) map[string]string {
	return map[string]string{
		"latency_trend":    a.LatencyTrend.String(),
		"throughput_trend": a.ThroughputTrend.String(),
		"congestion_trend": a.CongestionTrend.String(),
		"fee_trend":        a.Snapshot.FeeTrend,
	}
}

func assessmentFields(a *assessor.Assessment) map[string]interface{} {
	return map[string]interface{}{
		"health_score":        a.HealthScore,
		"avg_latency_ms":      a.Snapshot.AvgLatencyMs,
		"p95_latency_ms":      a.Snapshot.P95LatencyMs,
		"p99_latency_ms":      a.Snapshot.P99LatencyMs,
		"throughput_ops":      a.Snapshot.ThroughputOPS,
		"pending_backlog":     a.Snapshot.PendingBacklog,
		"utilization_pct":     a.Snapshot.UtilizationPct,
		"congestion_score":    a.Snapshot.CongestionScore,
		"success_rate_bps":    a.Snapshot.SuccessRateBps,
		"fee_level":           a.Snapshot.FeeLevel,
		"optimal_batch_size":  a.OptimalBatchSize,
		"recommended_timeout": a.RecommendedTimeout.Milliseconds(),
	}
}
