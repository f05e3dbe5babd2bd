// Package batch accumulates governance operations into cost-bounded
// batches and adapts its own limits to observed network conditions.
package batch

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationType tags the kind of governance work an operation performs.
type OperationType int

const (
	OpAppealSubmit OperationType = iota
	OpAppealReview
	OpVoteCast
	OpProposalCreate
	OpLogAppend
)

func (ot OperationType) String() string {
	switch ot {
	case OpAppealSubmit:
		return "appeal_submit"
	case OpAppealReview:
		return "appeal_review"
	case OpVoteCast:
		return "vote_cast"
	case OpProposalCreate:
		return "proposal_create"
	case OpLogAppend:
		return "log_append"
	default:
		return "unknown"
	}
}

// Operation is one unit of governance work. Immutable once enqueued.
type Operation struct {
	Type           OperationType `json:"type"`
	CostUnits      uint64        `json:"cost_units"`      // estimated compute consumption
	ResourceWrites int           `json:"resource_writes"` // estimated account writes
	Priority       int           `json:"priority"`        // 1-10, higher runs first
}

// costEstimate is the per-type default used when an operation carries no
// estimates of its own.
type costEstimate struct {
	costUnits      uint64
	resourceWrites int
}

// defaultCostTable maps operation types to conservative estimates.
func defaultCostTable() map[OperationType]costEstimate {
	return map[OperationType]costEstimate{
		OpAppealSubmit:   {costUnits: 85000, resourceWrites: 4},
		OpAppealReview:   {costUnits: 60000, resourceWrites: 3},
		OpVoteCast:       {costUnits: 30000, resourceWrites: 2},
		OpProposalCreate: {costUnits: 120000, resourceWrites: 6},
		OpLogAppend:      {costUnits: 15000, resourceWrites: 1},
	}
}

// Hard ceilings per submission. The compute ceiling is a conservative 80%
// of the platform's per-submission budget; the write ceiling tracks
// submission size limits.
const (
	computeUnitCeiling   = 1_120_000
	resourceWriteCeiling = 64
)

// Fee schedule for the estimated monetary cost of a submission.
var (
	baseFee        = decimal.NewFromInt(5000)        // flat, paid once per batch
	signatureFee   = decimal.NewFromInt(5000)        // per operation
	perWriteFee    = decimal.NewFromInt(250)         // per resource write
	computeUnitFee = decimal.NewFromFloat(0.0000025) // per compute unit
)

// Batch accumulates operations until it is ready for submission.
type Batch struct {
	ID                  uuid.UUID       `json:"id"`
	Operations          []Operation     `json:"operations"`
	TotalCostUnits      uint64          `json:"total_cost_units"`
	TotalResourceWrites int             `json:"total_resource_writes"`
	EstimatedCost       decimal.Decimal `json:"estimated_cost"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// estimatedCost prices a set of totals: base fee, compute-proportional
// fee, per-write fee and one signature fee per operation.
func estimatedCost(ops int, costUnits uint64, writes int) decimal.Decimal {
	cost := baseFee
	cost = cost.Add(computeUnitFee.Mul(decimal.NewFromInt(int64(costUnits))))
	cost = cost.Add(perWriteFee.Mul(decimal.NewFromInt(int64(writes))))
	cost = cost.Add(signatureFee.Mul(decimal.NewFromInt(int64(ops))))
	return cost
}

// SavingsPct returns the percentage saved versus submitting each of the
// batch's operations alone.
func (b *Batch) SavingsPct() float64 {
	if len(b.Operations) == 0 {
		return 0
	}
	standalone := standaloneCost(b.Operations)
	if standalone.IsZero() {
		return 0
	}
	savings := standalone.Sub(b.EstimatedCost).Div(standalone).Mul(decimal.NewFromInt(100))
	f, _ := savings.Float64()
	return f
}

// standaloneCost prices every operation as if submitted alone.
func standaloneCost(ops []Operation) decimal.Decimal {
	total := decimal.Zero
	for _, op := range ops {
		total = total.Add(estimatedCost(1, op.CostUnits, op.ResourceWrites))
	}
	return total
}
