package checkpoint

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/app/core/orderbook"
	"github.com/patrickpassosb/agent-market/pkg/app/core/portfolio"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
)

// Trend is the direction of an asset's price over the recent trades
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Market is one asset's state at a checkpoint
type Market struct {
	Asset  string             `json:"asset"`
	Book   orderbook.Snapshot `json:"book"`
	Trend  Trend              `json:"trend"`
	Volume int64              `json:"volume"` // units traded in RecentTransactions
	Trades int                `json:"trades"` // count in RecentTransactions
}

// Checkpoint is a periodic snapshot of a run
type Checkpoint struct {
	RunID              string                  `json:"runId"`
	Tick               uint64                  `json:"tick"`
	Timestamp          time.Time               `json:"timestamp"`
	StateHash          string                  `json:"stateHash"`
	Quote              string                  `json:"quote"`
	Prices             map[string]market.Price `json:"prices"`
	Markets            []Market                `json:"markets"`
	Participants       []portfolio.Metrics     `json:"participants"`
	RecentTransactions []ledger.Transaction    `json:"recentTransactions"` // oldest first
}

// Build assembles a checkpoint from the tick's market state
func Build(run string, ts time.Time, stateHash string, state engine.MarketState,
	participants []portfolio.Metrics, recent []ledger.Transaction) Checkpoint {
	cp := Checkpoint{
		RunID:              run,
		Tick:               state.Tick,
		Timestamp:          ts.UTC(),
		StateHash:          stateHash,
		Quote:              state.Quote,
		Prices:             state.Prices,
		Participants:       participants,
		RecentTransactions: recent,
	}
	for _, book := range state.Books {
		m := Market{Asset: book.Asset, Book: book}
		m.Trend, m.Trades, m.Volume = TrendOf(book.Asset, recent)
		cp.Markets = append(cp.Markets, m)
	}
	return cp
}

// TrendOf compares the first and last price of asset's trades in txs (oldest first)
func TrendOf(asset string, txs []ledger.Transaction) (Trend, int, int64) {
	var first, last market.Price
	var trades int
	var volume int64
	for _, tx := range txs {
		if tx.Asset != asset {
			continue
		}
		if trades == 0 {
			first = tx.Price
		}
		last = tx.Price
		trades++
		volume += tx.Qty
	}
	switch {
	case last > first:
		return TrendRising, trades, volume
	case last < first:
		return TrendFalling, trades, volume
	}
	return TrendStable, trades, volume
}

// Reporter receives every checkpoint
type Reporter interface {
	Report(ctx context.Context, cp Checkpoint) error
}

type ReporterFunc func(ctx context.Context, cp Checkpoint) error

func (f ReporterFunc) Report(ctx context.Context, cp Checkpoint) error {
	return f(ctx, cp)
}

// Multi reports to every reporter, even when an earlier one fails
type Multi []Reporter

func (m Multi) Report(ctx context.Context, cp Checkpoint) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Report(ctx, cp))
	}
	return err
}
