package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/app/core/orderbook"
)

// RandomCaller is a local router.Provider that trades randomly around the
// last price. Each (participant, tick) pair draws from its own seeded source,
// so a run is reproducible whatever order calls arrive in.
type RandomCaller struct {
	Seed   int64
	MaxQty int64   // per order, default 10
	Spread float64 // max relative distance from the reference price, default 0.05
}

func NewRandomCaller(seed int64) *RandomCaller {
	return &RandomCaller{Seed: seed, MaxQty: 10, Spread: 0.05}
}

func (c *RandomCaller) rng(participant string, tick uint64) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(participant))
	return rand.New(rand.NewSource(c.Seed ^ int64(h.Sum64()) ^ int64(tick)))
}

func (c *RandomCaller) Call(ctx context.Context, model string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode decision request: %w", err)
	}
	action, reason := c.decide(req)
	return EncodeAction(action, reason)
}

func (c *RandomCaller) decide(req Request) (engine.Action, string) {
	rng := c.rng(req.Participant, req.Tick)
	if len(req.Market.Books) == 0 || req.Portfolio == nil {
		return engine.Hold{}, "no market"
	}

	// 10% cancels when something is resting, 10% holds
	r := rng.Intn(100)
	if r < 10 && len(req.OpenOrders) > 0 {
		o := req.OpenOrders[rng.Intn(len(req.OpenOrders))]
		return engine.Cancel{OrderID: o.ID}, "stale order"
	}
	if r < 20 {
		return engine.Hold{}, "waiting"
	}

	book := req.Market.Books[rng.Intn(len(req.Market.Books))]
	ref := reference(book)
	if ref <= 0 {
		return engine.Hold{}, "no reference price for " + book.Asset
	}

	maxQty := c.MaxQty
	if maxQty <= 0 {
		maxQty = 10
	}
	spread := c.Spread
	if spread <= 0 {
		spread = 0.05
	}
	qty := rng.Int63n(maxQty) + 1

	available := req.Portfolio.AvailableHoldings(book.Asset)
	if rng.Intn(2) == 1 && available > 0 {
		// sellers lean above the reference
		px := jitter(ref, rng.Float64()*spread*1.4-spread*0.4)
		return engine.Sell{Asset: book.Asset, Price: px, Qty: min(qty, available)}, "random sell"
	}

	// buyers lean below the reference
	px := jitter(ref, rng.Float64()*spread*1.4-spread)
	affordable := req.Portfolio.AvailableCash() / int64(px)
	if affordable <= 0 {
		return engine.Hold{}, "no cash"
	}
	return engine.Buy{Asset: book.Asset, Price: px, Qty: min(qty, affordable)}, "random buy"
}

// reference is the last trade, else the mid of the quotes, else one side
func reference(s orderbook.Snapshot) market.Price {
	switch {
	case s.LastPrice > 0:
		return s.LastPrice
	case s.BestBid != nil && s.BestAsk != nil:
		return (*s.BestBid + *s.BestAsk) / 2
	case s.BestBid != nil:
		return *s.BestBid
	case s.BestAsk != nil:
		return *s.BestAsk
	}
	return 0
}

func jitter(ref market.Price, rel float64) market.Price {
	p, err := market.PriceFromFloat(ref.Float64() * (1 + rel))
	if err != nil || p <= 0 {
		return ref
	}
	return p
}
