package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/app/core/orderbook"
)

var (
	ErrNegativeBalance     = errors.New("balance would go negative")
	ErrOverReserved        = errors.New("reservation exceeds balance")
	ErrParticipantMismatch = errors.New("delta is for another participant")
	ErrAmountOverflow      = errors.New("amount overflows int64")
)

// Portfolio is one participant's holdings. Cash and prices are quote minor units
// (see market.PriceDecimals); asset quantities are whole units.
type Portfolio struct {
	Participant string `json:"participant"`

	Cash         int64 `json:"cash"`
	ReservedCash int64 `json:"reservedCash"` // locked by resting buy orders

	Holdings         map[string]int64 `json:"holdings"`
	ReservedHoldings map[string]int64 `json:"reservedHoldings"` // locked by resting sell orders

	// CostBasis is the total cost of the units currently held, per asset
	CostBasis map[string]int64 `json:"costBasis"`

	InitialCapital int64 `json:"initialCapital"`
	RealizedPnL    int64 `json:"realizedPnl"`
	TradeCount     int64 `json:"tradeCount"`
}

func New(participant string, cash int64) *Portfolio {
	return &Portfolio{
		Participant:      participant,
		Cash:             cash,
		InitialCapital:   cash,
		Holdings:         make(map[string]int64),
		ReservedHoldings: make(map[string]int64),
		CostBasis:        make(map[string]int64),
	}
}

func (p *Portfolio) initMaps() {
	if p.Holdings == nil {
		p.Holdings = make(map[string]int64)
	}
	if p.ReservedHoldings == nil {
		p.ReservedHoldings = make(map[string]int64)
	}
	if p.CostBasis == nil {
		p.CostBasis = make(map[string]int64)
	}
}

// AvailableCash returns cash not locked by resting buys
func (p *Portfolio) AvailableCash() int64 {
	return p.Cash - p.ReservedCash
}

// AvailableHoldings returns units of asset not locked by resting sells
func (p *Portfolio) AvailableHoldings(asset string) int64 {
	return p.Holdings[asset] - p.ReservedHoldings[asset]
}

// AverageCost returns the average cost per held unit (0 when flat)
func (p *Portfolio) AverageCost(asset string) market.Price {
	qty := p.Holdings[asset]
	if qty <= 0 {
		return 0
	}
	return market.Price(p.CostBasis[asset] / qty)
}

// Clone returns a deep copy
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Holdings = cloneMap(p.Holdings)
	c.ReservedHoldings = cloneMap(p.ReservedHoldings)
	c.CostBasis = cloneMap(p.CostBasis)
	return &c
}

func cloneMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Trade is one executed fill from the participant's point of view
type Trade struct {
	Asset string         `json:"asset"`
	Side  orderbook.Side `json:"side"`
	Price market.Price   `json:"price"`
	Qty   int64          `json:"qty"`
}

// Delta is a change to one portfolio produced by the matching engine.
// Trades move cash and holdings; the Reserved fields move locks.
type Delta struct {
	Participant      string           `json:"participant"`
	ReservedCash     int64            `json:"reservedCash,omitempty"`
	ReservedHoldings map[string]int64 `json:"reservedHoldings,omitempty"`
	Trades           []Trade          `json:"trades,omitempty"`
}

// IsZero reports whether applying d would change nothing
func (d Delta) IsZero() bool {
	if d.ReservedCash != 0 || len(d.Trades) > 0 {
		return false
	}
	for _, v := range d.ReservedHoldings {
		if v != 0 {
			return false
		}
	}
	return true
}

// Apply applies d atomically: either every field changes or none does.
// It fails if any balance, holding or reservation would go negative
// or if a reservation would exceed what it locks.
func (p *Portfolio) Apply(d Delta) error {
	if d.Participant != "" && d.Participant != p.Participant {
		return fmt.Errorf("%w: %s != %s", ErrParticipantMismatch, d.Participant, p.Participant)
	}
	p.initMaps()
	next := p.Clone()

	next.ReservedCash += d.ReservedCash
	for asset, v := range d.ReservedHoldings {
		next.ReservedHoldings[asset] += v
	}

	for _, t := range d.Trades {
		notional, err := market.Notional(t.Price, t.Qty)
		if err != nil {
			return fmt.Errorf("trade %s: %w", t.Asset, err)
		}
		switch t.Side {
		case orderbook.Buy:
			next.Cash -= notional
			if next.Holdings[t.Asset], err = addAmount(next.Holdings[t.Asset], t.Qty); err != nil {
				return fmt.Errorf("trade %s holdings: %w", t.Asset, err)
			}
			if next.CostBasis[t.Asset], err = addAmount(next.CostBasis[t.Asset], notional); err != nil {
				return fmt.Errorf("trade %s cost basis: %w", t.Asset, err)
			}
		case orderbook.Sell:
			held := next.Holdings[t.Asset]
			if held < t.Qty {
				return fmt.Errorf("%w: sell %d %s with %d held", ErrNegativeBalance, t.Qty, t.Asset, held)
			}
			cost := shareOf(next.CostBasis[t.Asset], t.Qty, held)
			if next.RealizedPnL, err = addAmount(next.RealizedPnL, notional-cost); err != nil {
				return fmt.Errorf("trade %s realized pnl: %w", t.Asset, err)
			}
			if next.Cash, err = addAmount(next.Cash, notional); err != nil {
				return fmt.Errorf("trade %s cash: %w", t.Asset, err)
			}
			next.CostBasis[t.Asset] -= cost
			next.Holdings[t.Asset] = held - t.Qty
		default:
			return fmt.Errorf("trade %s: bad side %d", t.Asset, t.Side)
		}
		next.TradeCount++
	}

	if err := next.Validate(); err != nil {
		return err
	}
	next.prune()
	*p = *next
	return nil
}

// prune drops flat positions, mirroring how closed positions disappear from reports
func (p *Portfolio) prune() {
	for asset, qty := range p.Holdings {
		if qty == 0 && p.ReservedHoldings[asset] == 0 {
			delete(p.Holdings, asset)
			delete(p.CostBasis, asset)
		}
	}
	for asset, qty := range p.ReservedHoldings {
		if qty == 0 {
			delete(p.ReservedHoldings, asset)
		}
	}
}

// Validate checks portfolio invariants
func (p *Portfolio) Validate() error {
	if p.Cash < 0 {
		return fmt.Errorf("%w: cash %d", ErrNegativeBalance, p.Cash)
	}
	if p.ReservedCash < 0 {
		return fmt.Errorf("%w: reserved cash %d", ErrNegativeBalance, p.ReservedCash)
	}
	if p.ReservedCash > p.Cash {
		return fmt.Errorf("%w: reserved cash %d > cash %d", ErrOverReserved, p.ReservedCash, p.Cash)
	}
	for asset, qty := range p.Holdings {
		if qty < 0 {
			return fmt.Errorf("%w: %s holdings %d", ErrNegativeBalance, asset, qty)
		}
	}
	for asset, r := range p.ReservedHoldings {
		if r < 0 {
			return fmt.Errorf("%w: %s reserved %d", ErrNegativeBalance, asset, r)
		}
		if r > p.Holdings[asset] {
			return fmt.Errorf("%w: %s reserved %d > held %d", ErrOverReserved, asset, r, p.Holdings[asset])
		}
	}
	return nil
}

// Seed converts cash into initial inventory at price, preserving total value.
// Invalid or unaffordable seeds are ignored and reported as false.
func (p *Portfolio) Seed(asset string, qty int64, price market.Price) bool {
	if qty <= 0 || price <= 0 {
		return false
	}
	cost, err := market.Notional(price, qty)
	if err != nil || p.AvailableCash() < cost {
		return false
	}
	p.initMaps()
	basis, err := addAmount(p.CostBasis[asset], cost)
	if err != nil {
		return false
	}
	p.Cash -= cost
	p.Holdings[asset] += qty
	p.CostBasis[asset] = basis
	return true
}

// Position is one held asset valued at a reference price
type Position struct {
	Asset      string       `json:"asset"`
	Qty        int64        `json:"qty"`
	Reserved   int64        `json:"reserved"`
	AvgCost    market.Price `json:"avgCost"`
	Price      market.Price `json:"price"`
	Value      int64        `json:"value"`
	Unrealized int64        `json:"unrealizedPnl"`
}

// Metrics is the performance summary used by checkpoints and reporting
type Metrics struct {
	Participant   string     `json:"participant"`
	Cash          int64      `json:"cash"`
	ReservedCash  int64      `json:"reservedCash"`
	Positions     []Position `json:"positions"`
	RealizedPnL   int64      `json:"realizedPnl"`
	UnrealizedPnL int64      `json:"unrealizedPnl"`
	TotalPnL      int64      `json:"totalPnl"`
	Value         int64      `json:"portfolioValue"`
	ROI           float64    `json:"roi"` // percent of initial capital
	Trades        int64      `json:"tradesCount"`
}

// Metrics values the portfolio at prices. Assets without a price are
// valued at their average cost for unrealized PnL and at zero for value.
func (p *Portfolio) Metrics(prices map[string]market.Price) Metrics {
	m := Metrics{
		Participant:  p.Participant,
		Cash:         p.Cash,
		ReservedCash: p.ReservedCash,
		RealizedPnL:  p.RealizedPnL,
		Trades:       p.TradeCount,
		Value:        p.Cash,
	}

	assets := make([]string, 0, len(p.Holdings))
	for asset := range p.Holdings {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		qty := p.Holdings[asset]
		pos := Position{
			Asset:    asset,
			Qty:      qty,
			Reserved: p.ReservedHoldings[asset],
			AvgCost:  p.AverageCost(asset),
		}
		if px, ok := prices[asset]; ok && px > 0 {
			pos.Price = px
			v, err := market.Notional(px, qty)
			if err != nil {
				v = math.MaxInt64
			}
			pos.Value = v
			pos.Unrealized = pos.Value - p.CostBasis[asset]
		}
		m.Value = saturatingAdd(m.Value, pos.Value)
		m.UnrealizedPnL = saturatingAdd(m.UnrealizedPnL, pos.Unrealized)
		m.Positions = append(m.Positions, pos)
	}

	m.TotalPnL = saturatingAdd(m.RealizedPnL, m.UnrealizedPnL)
	if p.InitialCapital > 0 {
		m.ROI = float64(m.TotalPnL) * 100 / float64(p.InitialCapital)
	}
	return m
}

// shareOf returns basis*qty/held without an intermediate int64 product.
// qty <= held keeps the result within basis.
func shareOf(basis, qty, held int64) int64 {
	if qty == held {
		return basis
	}
	q, _ := decimal.NewFromInt(basis).Mul(decimal.NewFromInt(qty)).QuoRem(decimal.NewFromInt(held), 0)
	return q.IntPart()
}

func addAmount(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("%w: %d + %d", ErrAmountOverflow, a, b)
	}
	return a + b, nil
}

// saturatingAdd clamps at the int64 bounds
func saturatingAdd(a, b int64) int64 {
	s, err := addAmount(a, b)
	if err == nil {
		return s
	}
	if b > 0 {
		return math.MaxInt64
	}
	return math.MinInt64
}
