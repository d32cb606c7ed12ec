package orderbook

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrCrossedBook    = errors.New("crossed book after matching")
)

// DefaultSnapshotDepth is the number of aggregated price levels per side in a Snapshot
const DefaultSnapshotDepth = 5

// Quotes holds the top of book. HasBid/HasAsk are false when a side is empty.
type Quotes struct {
	Bid    market.Price
	HasBid bool
	Ask    market.Price
	HasAsk bool
}

// Snapshot is an immutable, owner-free view of one book.
type Snapshot struct {
	Asset     string        `json:"asset"`
	BestBid   *market.Price `json:"bestBid"` // nil when no bids
	BestAsk   *market.Price `json:"bestAsk"` // nil when no asks
	BidOrders int           `json:"bidOrders"`
	AskOrders int           `json:"askOrders"`
	BidVolume int64         `json:"bidVolume"`
	AskVolume int64         `json:"askVolume"`
	Bids      []PriceLevel  `json:"bids"` // best first
	Asks      []PriceLevel  `json:"asks"` // best first
	LastPrice market.Price  `json:"lastPrice"`
	Trades    uint64        `json:"trades"`
}

// SubmitResult is the outcome of one Submit call
type SubmitResult struct {
	Order Order  // state of the incoming order after matching
	Fills []Fill // in execution order
}

// OrderBook is a price-time priority limit order book for a single asset.
type OrderBook struct {
	mu sync.RWMutex

	asset string

	// Heap-based priority queues (O(1) peek)
	bids *orderHeap
	asks *orderHeap

	// Order index for O(log n) cancellation
	index map[string]*Order

	seq       uint64       // last assigned/accepted submission sequence
	lastPrice market.Price // most recent fill price
	trades    uint64
	depth     int
}

func NewOrderBook(asset string) *OrderBook {
	return &OrderBook{
		asset: asset,
		bids:  newBidHeap(),
		asks:  newAskHeap(),
		index: make(map[string]*Order),
		depth: DefaultSnapshotDepth,
	}
}

// Asset returns the symbol this book trades
func (ob *OrderBook) Asset() string {
	return ob.asset
}

// SetSnapshotDepth changes the number of levels reported per side by Snapshot
func (ob *OrderBook) SetSnapshotDepth(n int) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if n > 0 {
		ob.depth = n
	}
}

func (ob *OrderBook) validate(o *Order) error {
	if o == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	}
	if o.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidOrder)
	}
	if o.Asset != "" && o.Asset != ob.asset {
		return fmt.Errorf("%w: asset %s submitted to %s book", ErrInvalidOrder, o.Asset, ob.asset)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: bad side %d", ErrInvalidOrder, o.Side)
	}
	if o.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if _, err := market.Notional(o.Price, o.Qty); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if o.Seq != 0 && o.Seq <= ob.seq {
		return fmt.Errorf("%w: sequence %d not after %d", ErrInvalidOrder, o.Seq, ob.seq)
	}
	if _, exists := ob.index[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	return nil
}

func crosses(taker, maker *Order) bool {
	if taker.Side == Buy {
		return taker.Price >= maker.Price
	}
	return taker.Price <= maker.Price
}

// Submit admits an order and matches it against the opposite side by price-time priority.
// Fills execute at the resting order's price. Any remainder rests in the book.
// If the caller leaves Seq at zero the book assigns the next sequence number.
func (ob *OrderBook) Submit(in *Order) (SubmitResult, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if err := ob.validate(in); err != nil {
		return SubmitResult{}, err
	}

	o := *in // the book owns its copy
	o.Asset = ob.asset
	if o.Seq == 0 {
		o.Seq = ob.seq + 1
	}
	ob.seq = o.Seq
	o.Remaining = o.Qty
	o.Status = Open
	o.index = -1

	opposite := ob.asks
	own := ob.bids
	if o.Side == Sell {
		opposite, own = ob.bids, ob.asks
	}

	var fills []Fill
	for o.Remaining > 0 && opposite.Len() > 0 {
		maker := opposite.Peek()
		if !crosses(&o, maker) {
			break
		}
		qty := min(o.Remaining, maker.Remaining)
		o.fill(qty)
		maker.fill(qty)
		fills = append(fills, Fill{
			TakerID:          o.ID,
			MakerID:          maker.ID,
			TakerParticipant: o.Participant,
			MakerParticipant: maker.Participant,
			TakerSide:        o.Side,
			TakerPrice:       o.Price,
			Price:            maker.Price,
			Qty:              qty,
		})
		ob.lastPrice = maker.Price
		ob.trades++

		// zero-remaining makers leave the book immediately
		if maker.Remaining == 0 {
			heap.Pop(opposite)
			delete(ob.index, maker.ID)
		}
	}

	if o.Remaining > 0 {
		resting := o
		heap.Push(own, &resting)
		ob.index[resting.ID] = &resting
		o.index = resting.index
	}

	res := SubmitResult{Order: o, Fills: fills}
	if err := ob.checkInvariantLocked(); err != nil {
		return res, err
	}
	return res, nil
}

// Cancel removes an open or partially filled order.
// Returns ErrOrderNotFound if the order is absent, filled or already cancelled.
func (ob *OrderBook) Cancel(id string) (Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.index[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}

	side := ob.bids
	if o.Side == Sell {
		side = ob.asks
	}
	heap.Remove(side, o.index)
	delete(ob.index, id)

	o.Status = Cancelled
	return *o, nil
}

// Get returns a copy of a resting order
func (ob *OrderBook) Get(id string) (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.index[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Orders returns the resting orders of one participant ordered by sequence
func (ob *OrderBook) Orders(participant string) []Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var out []Order
	for _, o := range ob.index {
		if o.Participant == participant {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// BestQuotes returns the best bid and ask without mutation (O(1) heap peek)
func (ob *OrderBook) BestQuotes() Quotes {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bestQuotesLocked()
}

func (ob *OrderBook) bestQuotesLocked() Quotes {
	var q Quotes
	if top := ob.bids.Peek(); top != nil {
		q.Bid, q.HasBid = top.Price, true
	}
	if top := ob.asks.Peek(); top != nil {
		q.Ask, q.HasAsk = top.Price, true
	}
	return q
}

// CheckInvariant returns ErrCrossedBook if best bid >= best ask
func (ob *OrderBook) CheckInvariant() error {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.checkInvariantLocked()
}

func (ob *OrderBook) checkInvariantLocked() error {
	q := ob.bestQuotesLocked()
	if q.HasBid && q.HasAsk && q.Bid >= q.Ask {
		return fmt.Errorf("%w: %s bid %s >= ask %s", ErrCrossedBook, ob.asset, q.Bid, q.Ask)
	}
	return nil
}

// Len returns the number of resting bids and asks
func (ob *OrderBook) Len() (bids, asks int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.Len(), ob.asks.Len()
}

// LastPrice returns the price of the most recent fill (0 if none)
func (ob *OrderBook) LastPrice() market.Price {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastPrice
}

// SetLastPrice seeds the reference price before any trade has happened
func (ob *OrderBook) SetLastPrice(p market.Price) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if ob.trades == 0 {
		ob.lastPrice = p
	}
}

// BidLevels returns all bid price levels sorted high to low (best bid first).
func (ob *OrderBook) BidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return levels(ob.bids, 0)
}

// AskLevels returns all ask price levels sorted low to high (best ask first).
func (ob *OrderBook) AskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return levels(ob.asks, 0)
}

// levels aggregates qty per price, best first. limit <= 0 means all levels.
func levels(h *orderHeap, limit int) []PriceLevel {
	byPrice := make(map[market.Price]*PriceLevel)
	for _, o := range h.orders {
		lv, ok := byPrice[o.Price]
		if !ok {
			lv = &PriceLevel{Price: o.Price}
			byPrice[o.Price] = lv
		}
		lv.Qty += o.Remaining
		lv.Orders++
	}

	out := make([]PriceLevel, 0, len(byPrice))
	for _, lv := range byPrice {
		out = append(out, *lv)
	}
	// same ordering as the heap, on prices only
	sort.Slice(out, func(i, j int) bool {
		return h.less(&Order{Price: out[i].Price}, &Order{Price: out[j].Price})
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func volume(h *orderHeap) int64 {
	var total int64
	for _, o := range h.orders {
		total += o.Remaining
	}
	return total
}

// Snapshot returns an immutable view of the book. Order ids and owners are not exposed.
func (ob *OrderBook) Snapshot() Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	s := Snapshot{
		Asset:     ob.asset,
		BidOrders: ob.bids.Len(),
		AskOrders: ob.asks.Len(),
		BidVolume: volume(ob.bids),
		AskVolume: volume(ob.asks),
		Bids:      levels(ob.bids, ob.depth),
		Asks:      levels(ob.asks, ob.depth),
		LastPrice: ob.lastPrice,
		Trades:    ob.trades,
	}
	q := ob.bestQuotesLocked()
	if q.HasBid {
		bid := q.Bid
		s.BestBid = &bid
	}
	if q.HasAsk {
		ask := q.Ask
		s.BestAsk = &ask
	}
	return s
}
