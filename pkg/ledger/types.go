package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
)

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// newID identifies a single transaction or interaction
func newID() string {
	return uuid.NewString()
}

// Run binds transactions, interactions and checkpoints to one simulation execution.
type Run struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	Quote     string    `json:"quote"`
	Assets    []string  `json:"assets"`
	Label     string    `json:"label,omitempty"`
}

// Transaction is one completed trade. Never mutated after it is recorded.
type Transaction struct {
	ID          string       `json:"id"`
	RunID       string       `json:"runId"`
	Asset       string       `json:"asset"`
	BuyerID     string       `json:"buyerId"`
	SellerID    string       `json:"sellerId"`
	BuyOrderID  string       `json:"buyOrderId"`
	SellOrderID string       `json:"sellOrderId"`
	Price       market.Price `json:"price"`
	Qty         int64        `json:"qty"`
	Tick        uint64       `json:"tick"`
	Seq         uint64       `json:"seq"`
	Timestamp   time.Time    `json:"timestamp"`
}

// InteractionKind classifies non-trade audit events
type InteractionKind string

const (
	KindPlaced         InteractionKind = "placed"
	KindRejected       InteractionKind = "rejected"
	KindCancelled      InteractionKind = "cancelled"
	KindCancelRejected InteractionKind = "cancel_rejected"
	KindNegotiation    InteractionKind = "negotiation"
	KindHold           InteractionKind = "hold"
	KindAction         InteractionKind = "action" // raw decision, one per participant per tick
)

// Interaction is an audit record of a non-trade event
type Interaction struct {
	ID           string          `json:"id"`
	RunID        string          `json:"runId"`
	Kind         InteractionKind `json:"kind"`
	Participant  string          `json:"participant"`
	Counterparty string          `json:"counterparty,omitempty"`
	Asset        string          `json:"asset,omitempty"`
	Action       string          `json:"action,omitempty"`
	OrderID      string          `json:"orderId,omitempty"`
	Price        market.Price    `json:"price,omitempty"`
	Qty          int64           `json:"qty,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Tick         uint64          `json:"tick"`
	Seq          uint64          `json:"seq"`
	Timestamp    time.Time       `json:"timestamp"`
}

// TransactionLess orders transactions by tick then sequence
func TransactionLess(a, b Transaction) bool {
	if a.Tick != b.Tick {
		return a.Tick < b.Tick
	}
	return a.Seq < b.Seq
}

// InteractionLess orders interactions by tick then sequence
func InteractionLess(a, b Interaction) bool {
	if a.Tick != b.Tick {
		return a.Tick < b.Tick
	}
	return a.Seq < b.Seq
}
