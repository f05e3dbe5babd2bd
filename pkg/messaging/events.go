package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeNetworkSnapshot = "network.snapshot"
	EventTypeNetworkAssessed = "network.assessed"

	EventTypeBatchDispatched = "batch.dispatched"
	EventTypeBatchRejected   = "batch.rejected"

	EventTypePoolScaled    = "pool.scaled"
	EventTypePoolEmergency = "pool.emergency_scale_down"

	EventTypeSizingRecommended = "sizing.recommended"
	EventTypeSizingApplied     = "sizing.applied"
)

// Subjects the control loop publishes to and consumes from.
const (
	SubjectSnapshots = "txflow.network.snapshots"
	SubjectBatches   = "txflow.batches"
	SubjectScaling   = "txflow.pools.scaling"
)

// Event is the base event structure.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  EventMetadata   `json:"metadata"`
}

// EventMetadata contains event metadata.
type EventMetadata struct {
	CorrelationID string `json:"correlation_id"`
	Source        string `json:"source"`
}

// BatchDispatchedEvent describes a batch handed to the submission layer.
type BatchDispatchedEvent struct {
	BatchID        uuid.UUID `json:"batch_id"`
	Operations     int       `json:"operations"`
	TotalCostUnits uint64    `json:"total_cost_units"`
	EstimatedCost  string    `json:"estimated_cost"`
	SavingsPct     float64   `json:"savings_pct"`
	DispatchedAt   time.Time `json:"dispatched_at"`
}

// PoolScaledEvent describes one pool resize, reactive or predictive.
type PoolScaledEvent struct {
	PoolID string    `json:"pool_id"`
	From   int       `json:"from"`
	To     int       `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// SizingRecommendedEvent carries a predictive sizing recommendation.
type SizingRecommendedEvent struct {
	PoolID          string  `json:"pool_id"`
	CurrentSize     int     `json:"current_size"`
	RecommendedSize int     `json:"recommended_size"`
	Confidence      float64 `json:"confidence"`
	Reason          string  `json:"reason"`
	CostImpactPct   float64 `json:"cost_impact_pct"`
}

// NewEvent wraps a payload in the event envelope.
func NewEvent(eventType string, data interface{}, metadata EventMetadata) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      dataBytes,
		Metadata:  metadata,
	}, nil
}

// ParseEventData parses event data into the specified type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
