package api

import (
	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/checkpoint"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo summarizes one asset's book
type MarketInfo struct {
	Symbol    string        `json:"symbol"`     // e.g., "AAPL"
	Quote     string        `json:"quoteAsset"` // e.g., "BTC"
	LastPrice market.Price  `json:"lastPrice"`
	BestBid   *market.Price `json:"bestBid"`
	BestAsk   *market.Price `json:"bestAsk"`
	BidOrders int           `json:"bidOrders"`
	AskOrders int           `json:"askOrders"`
	Trades    uint64        `json:"trades"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// PriceLevel is the aggregated resting size at one price
type PriceLevel struct {
	Price  market.Price `json:"price"`
	Size   int64        `json:"size"`
	Orders int          `json:"orders"`
}

// TradeInfo represents one recorded transaction
type TradeInfo struct {
	ID        string       `json:"id"`
	Symbol    string       `json:"symbol"`
	Price     market.Price `json:"price"`
	Size      int64        `json:"size"`
	Buyer     string       `json:"buyer"`
	Seller    string       `json:"seller"`
	Tick      uint64       `json:"tick"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

func tradeInfo(tx ledger.Transaction) TradeInfo {
	return TradeInfo{
		ID:        tx.ID,
		Symbol:    tx.Asset,
		Price:     tx.Price,
		Size:      tx.Qty,
		Buyer:     tx.BuyerID,
		Seller:    tx.SellerID,
		Tick:      tx.Tick,
		Timestamp: tx.Timestamp.UnixMilli(),
	}
}

// RunStatus is returned by /health
type RunStatus struct {
	Status string `json:"status"`
	RunID  string `json:"runId,omitempty"`
	Tick   uint64 `json:"tick"` // tick of the latest checkpoint
}

// ==============================
// WebSocket Message Types
// ==============================

const (
	ChannelCheckpoints = "checkpoints"
	ChannelTrades      = "trades"
)

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["checkpoints", "trades"]
}

// CheckpointUpdate is broadcast on every checkpoint
type CheckpointUpdate struct {
	Type       string                `json:"type"` // "checkpoint"
	Checkpoint checkpoint.Checkpoint `json:"checkpoint"`
}

// TradeUpdate is broadcast for every trade not sent before
type TradeUpdate struct {
	Type  string    `json:"type"` // "trade"
	Trade TradeInfo `json:"trade"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
