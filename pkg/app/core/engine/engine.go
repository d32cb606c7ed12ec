package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/app/core/orderbook"
	"github.com/patrickpassosb/agent-market/pkg/app/core/portfolio"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
	"github.com/patrickpassosb/agent-market/pkg/metrics"
	"github.com/patrickpassosb/agent-market/pkg/util"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidAction        = errors.New("invalid action")
	// ErrBookCorrupted means a book invariant broke. Continuing would make every later trade meaningless.
	ErrBookCorrupted = errors.New("order book corrupted")
)

// Rejection reasons recorded on audit interactions
const (
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonInsufficientHoldings = "insufficient_holdings"
	ReasonInvalidOrder         = "invalid_order"
	ReasonUnknownAsset         = "unknown_asset"
	ReasonOrderNotFound        = "order_not_found"
	ReasonInvalidAction        = "invalid_action"
)

// Holdings is the read side of participant portfolios used for admission checks
type Holdings interface {
	AvailableCash(participant string) int64
	AvailableHoldings(participant, asset string) int64
}

// Sink receives every transaction and interaction. Implementations must not block
// and return the record as stamped (id, sequence, run).
type Sink interface {
	RecordTransaction(tx ledger.Transaction) ledger.Transaction
	RecordInteraction(ix ledger.Interaction) ledger.Interaction
}

// Request is one participant action in one tick
type Request struct {
	Tick        uint64
	Participant string
	Action      Action
}

// Result is everything an action produced. Deltas must be applied by the
// portfolio owner in order before the participant's next action.
type Result struct {
	Participant  string
	Action       Action
	Order        *orderbook.Order // state after matching (buy/sell) or as cancelled
	Transactions []ledger.Transaction
	Interactions []ledger.Interaction
	Deltas       []portfolio.Delta
	Rejection    string // reason code when the action was rejected
}

type assetBook struct {
	mu     sync.Mutex // one in-flight action per asset
	book   *orderbook.OrderBook
	nextID uint64
}

type orderRef struct {
	asset       string
	participant string
}

// Engine owns one order book per registered asset and is the single entry point
// for participant actions. Actions on different assets run in parallel.
type Engine struct {
	registry *market.Registry
	holdings Holdings
	sink     Sink

	books map[string]*assetBook // fixed after New

	ordersMu sync.RWMutex
	orders   map[string]orderRef // resting order id → owner

	negotiation  bool
	initialPrice market.Price
	depth        int

	clock util.Clock
	log   *zap.SugaredLogger
	m     *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.m = m }
}

func WithClock(c util.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithNegotiation enables counter-offers: a buy below the best ask (or a sell
// above the best bid) is repriced to the midpoint before admission.
func WithNegotiation(enabled bool) Option {
	return func(e *Engine) { e.negotiation = enabled }
}

// WithInitialPrice seeds every book's reference price before the first trade
func WithInitialPrice(p market.Price) Option {
	return func(e *Engine) { e.initialPrice = p }
}

// WithSnapshotDepth sets the number of levels per side in market snapshots
func WithSnapshotDepth(n int) Option {
	return func(e *Engine) { e.depth = n }
}

// New builds an engine with one empty book per asset in registry
func New(registry *market.Registry, holdings Holdings, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		holdings: holdings,
		sink:     sink,
		books:    make(map[string]*assetBook),
		orders:   make(map[string]orderRef),
		clock:    util.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = util.OrNop(e.log)
	e.m = metrics.OrNop(e.m)

	for _, a := range registry.List() {
		ob := orderbook.NewOrderBook(a.Symbol)
		if e.depth > 0 {
			ob.SetSnapshotDepth(e.depth)
		}
		if e.initialPrice > 0 {
			ob.SetLastPrice(e.initialPrice)
			e.m.LastPrice.WithLabelValues(a.Symbol).Set(e.initialPrice.Float64())
		}
		e.books[a.Symbol] = &assetBook{book: ob}
	}
	return e
}

// ProcessAction validates an action against the participant's available
// holdings, applies it to the asset's book and reports what happened.
// Rejected actions return an error wrapping the cause and leave books and
// portfolios untouched; the rejection is still audited in Result.Interactions.
// ErrBookCorrupted is the only error that should stop a run.
func (e *Engine) ProcessAction(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Participant: req.Participant, Action: req.Action}
	if req.Action != nil {
		e.m.Actions.WithLabelValues(string(req.Action.Kind())).Inc()
	}

	switch a := req.Action.(type) {
	case Hold:
		e.audit(&res, ledger.Interaction{
			Kind:        ledger.KindHold,
			Participant: req.Participant,
			Action:      string(KindHold),
			Reason:      a.Reason,
			Tick:        req.Tick,
		})
		return res, nil
	case Buy:
		return e.place(req, res, orderbook.Buy, a.Asset, a.Price, a.Qty)
	case Sell:
		return e.place(req, res, orderbook.Sell, a.Asset, a.Price, a.Qty)
	case Cancel:
		return e.cancel(req, res, a.OrderID)
	default:
		return e.reject(req, res, ledger.KindRejected, "", ReasonInvalidAction,
			fmt.Errorf("%w: %T", ErrInvalidAction, req.Action))
	}
}

func (e *Engine) audit(res *Result, ix ledger.Interaction) {
	if ix.Timestamp.IsZero() {
		ix.Timestamp = e.clock.Now()
	}
	res.Interactions = append(res.Interactions, e.sink.RecordInteraction(ix))
}

func (e *Engine) reject(req Request, res Result, kind ledger.InteractionKind, asset, reason string, err error) (Result, error) {
	res.Rejection = reason
	ix := ledger.Interaction{
		Kind:        kind,
		Participant: req.Participant,
		Asset:       asset,
		Reason:      reason,
		Tick:        req.Tick,
	}
	switch a := req.Action.(type) {
	case Buy:
		ix.Action, ix.Price, ix.Qty = string(KindBuy), a.Price, a.Qty
	case Sell:
		ix.Action, ix.Price, ix.Qty = string(KindSell), a.Price, a.Qty
	case Cancel:
		ix.Action, ix.OrderID = string(KindCancel), a.OrderID
	}
	e.audit(&res, ix)
	e.m.Rejections.WithLabelValues(reason).Inc()
	e.log.Debugw("action_rejected",
		"participant", req.Participant,
		"tick", req.Tick,
		"reason", reason,
		"err", err,
	)
	return res, err
}

func (e *Engine) place(req Request, res Result, side orderbook.Side, asset string, price market.Price, qty int64) (Result, error) {
	ab, ok := e.books[asset]
	if !ok {
		return e.reject(req, res, ledger.KindRejected, asset, ReasonUnknownAsset,
			fmt.Errorf("%w: %s", market.ErrUnknownAsset, asset))
	}
	if price <= 0 || qty <= 0 {
		return e.reject(req, res, ledger.KindRejected, asset, ReasonInvalidOrder,
			fmt.Errorf("%w: price %s qty %d", orderbook.ErrInvalidOrder, price, qty))
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()

	if e.negotiation {
		price = e.negotiate(req, &res, ab.book, side, asset, price)
	}

	notional, err := market.Notional(price, qty)
	if err != nil {
		return e.reject(req, res, ledger.KindRejected, asset, ReasonInvalidOrder,
			fmt.Errorf("%w: %v", orderbook.ErrInvalidOrder, err))
	}

	// admission pre-check against unreserved balances
	if side == orderbook.Buy {
		if avail := e.holdings.AvailableCash(req.Participant); avail < notional {
			return e.reject(req, res, ledger.KindRejected, asset, ReasonInsufficientFunds,
				fmt.Errorf("%w: need %s have %s", ErrInsufficientFunds, market.FormatAmount(notional), market.FormatAmount(avail)))
		}
	} else {
		if avail := e.holdings.AvailableHoldings(req.Participant, asset); avail < qty {
			return e.reject(req, res, ledger.KindRejected, asset, ReasonInsufficientHoldings,
				fmt.Errorf("%w: need %d %s have %d", ErrInsufficientHoldings, qty, asset, avail))
		}
	}

	ab.nextID++
	order := &orderbook.Order{
		ID:          fmt.Sprintf("%s-%06d", asset, ab.nextID),
		Participant: req.Participant,
		Asset:       asset,
		Side:        side,
		Price:       price,
		Qty:         qty,
	}

	sub, err := ab.book.Submit(order)
	if errors.Is(err, orderbook.ErrCrossedBook) {
		e.log.Errorw("book_corrupted", "asset", asset, "order", order.ID, "err", err)
		return res, fmt.Errorf("%w: %v", ErrBookCorrupted, err)
	}
	if err != nil {
		return e.reject(req, res, ledger.KindRejected, asset, ReasonInvalidOrder, err)
	}

	// reserve the full order first; fills then consume the reservation
	reserve := portfolio.Delta{Participant: req.Participant}
	if side == orderbook.Buy {
		reserve.ReservedCash = notional
	} else {
		reserve.ReservedHoldings = map[string]int64{asset: qty}
	}
	res.Deltas = append(res.Deltas, reserve)

	now := e.clock.Now()
	var filledMakers []string
	for _, f := range sub.Fills {
		tx := e.sink.RecordTransaction(ledger.Transaction{
			Asset:       asset,
			BuyerID:     f.Buyer(),
			SellerID:    f.Seller(),
			BuyOrderID:  f.BuyOrderID(),
			SellOrderID: f.SellOrderID(),
			Price:       f.Price,
			Qty:         f.Qty,
			Tick:        req.Tick,
			Timestamp:   now,
		})
		res.Transactions = append(res.Transactions, tx)
		res.Deltas = append(res.Deltas, settle(asset, f)...)

		if _, resting := ab.book.Get(f.MakerID); !resting {
			filledMakers = append(filledMakers, f.MakerID)
		}
		e.m.Trades.WithLabelValues(asset).Inc()
		e.m.TradedQty.WithLabelValues(asset).Add(float64(f.Qty))
	}

	e.ordersMu.Lock()
	for _, id := range filledMakers {
		delete(e.orders, id)
	}
	if sub.Order.Remaining > 0 {
		e.orders[sub.Order.ID] = orderRef{asset: asset, participant: req.Participant}
	}
	e.ordersMu.Unlock()

	placed := sub.Order
	res.Order = &placed
	e.audit(&res, ledger.Interaction{
		Kind:        ledger.KindPlaced,
		Participant: req.Participant,
		Asset:       asset,
		Action:      side.String(),
		OrderID:     placed.ID,
		Price:       placed.Price,
		Qty:         placed.Qty,
		Reason:      placed.Status.String(),
		Tick:        req.Tick,
	})

	e.observeBook(asset, ab.book)
	return res, nil
}

// settle returns the buyer and seller deltas of one fill. The buyer's lock was
// taken at its own limit, so the whole lock for the filled quantity is released
// and only the execution price is spent.
func settle(asset string, f orderbook.Fill) []portfolio.Delta {
	buyLimit := f.Price // maker buys were locked at their own price
	if f.TakerSide == orderbook.Buy {
		buyLimit = f.TakerPrice
	}
	return []portfolio.Delta{
		{
			Participant:  f.Buyer(),
			ReservedCash: -int64(buyLimit) * f.Qty,
			Trades:       []portfolio.Trade{{Asset: asset, Side: orderbook.Buy, Price: f.Price, Qty: f.Qty}},
		},
		{
			Participant:      f.Seller(),
			ReservedHoldings: map[string]int64{asset: -f.Qty},
			Trades:           []portfolio.Trade{{Asset: asset, Side: orderbook.Sell, Price: f.Price, Qty: f.Qty}},
		},
	}
}

func (e *Engine) negotiate(req Request, res *Result, book *orderbook.OrderBook, side orderbook.Side, asset string, price market.Price) market.Price {
	q := book.BestQuotes()
	counter := price
	var detail string
	switch {
	case side == orderbook.Buy && q.HasAsk && price < q.Ask:
		counter = (price + q.Ask) / 2
		detail = fmt.Sprintf("counter-offer between bid %s and ask %s", price, q.Ask)
	case side == orderbook.Sell && q.HasBid && price > q.Bid:
		counter = (price + q.Bid) / 2
		detail = fmt.Sprintf("counter-offer between ask %s and bid %s", price, q.Bid)
	default:
		return price
	}
	if counter <= 0 || counter == price {
		return price
	}
	e.audit(res, ledger.Interaction{
		Kind:        ledger.KindNegotiation,
		Participant: req.Participant,
		Asset:       asset,
		Action:      side.String(),
		Price:       counter,
		Reason:      detail,
		Tick:        req.Tick,
	})
	return counter
}

func (e *Engine) cancel(req Request, res Result, orderID string) (Result, error) {
	e.ordersMu.RLock()
	ref, ok := e.orders[orderID]
	e.ordersMu.RUnlock()

	// other participants' orders are reported exactly like missing ones
	if !ok || ref.participant != req.Participant {
		return e.reject(req, res, ledger.KindCancelRejected, "", ReasonOrderNotFound,
			fmt.Errorf("%w: %s", orderbook.ErrOrderNotFound, orderID))
	}

	ab := e.books[ref.asset]
	ab.mu.Lock()
	defer ab.mu.Unlock()

	o, err := ab.book.Cancel(orderID)
	if err != nil {
		return e.reject(req, res, ledger.KindCancelRejected, ref.asset, ReasonOrderNotFound, err)
	}

	e.ordersMu.Lock()
	delete(e.orders, orderID)
	e.ordersMu.Unlock()

	release := portfolio.Delta{Participant: req.Participant}
	if o.Side == orderbook.Buy {
		release.ReservedCash = -int64(o.Price) * o.Remaining
	} else {
		release.ReservedHoldings = map[string]int64{o.Asset: -o.Remaining}
	}
	res.Deltas = append(res.Deltas, release)
	res.Order = &o

	e.audit(&res, ledger.Interaction{
		Kind:        ledger.KindCancelled,
		Participant: req.Participant,
		Asset:       o.Asset,
		Action:      string(KindCancel),
		OrderID:     o.ID,
		Price:       o.Price,
		Qty:         o.Remaining,
		Tick:        req.Tick,
	})

	e.observeBook(o.Asset, ab.book)
	return res, nil
}

func (e *Engine) observeBook(asset string, book *orderbook.OrderBook) {
	bids, asks := book.Len()
	e.m.RestingOrders.WithLabelValues(asset, "buy").Set(float64(bids))
	e.m.RestingOrders.WithLabelValues(asset, "sell").Set(float64(asks))
	if p := book.LastPrice(); p > 0 {
		e.m.LastPrice.WithLabelValues(asset).Set(p.Float64())
	}
}

// MarketState is the view every participant sees for one tick
type MarketState struct {
	Tick   uint64                  `json:"tick"`
	Quote  string                  `json:"quote"`
	Books  []orderbook.Snapshot    `json:"books"` // registry order
	Prices map[string]market.Price `json:"prices"`
}

// Book returns the snapshot of one asset
func (s MarketState) Book(asset string) (orderbook.Snapshot, bool) {
	for _, b := range s.Books {
		if b.Asset == asset {
			return b, true
		}
	}
	return orderbook.Snapshot{}, false
}

// MarketState snapshots every book
func (e *Engine) MarketState(tick uint64) MarketState {
	st := MarketState{
		Tick:   tick,
		Quote:  e.registry.Quote(),
		Prices: make(map[string]market.Price, len(e.books)),
	}
	for _, a := range e.registry.List() {
		ab, ok := e.books[a.Symbol]
		if !ok {
			continue
		}
		snap := ab.book.Snapshot()
		st.Books = append(st.Books, snap)
		st.Prices[a.Symbol] = snap.LastPrice
	}
	return st
}

// Book returns a snapshot of one asset's book
func (e *Engine) Book(asset string) (orderbook.Snapshot, error) {
	ab, ok := e.books[asset]
	if !ok {
		return orderbook.Snapshot{}, fmt.Errorf("%w: %s", market.ErrUnknownAsset, asset)
	}
	return ab.book.Snapshot(), nil
}

// Prices returns the last trade (or seed) price of every asset
func (e *Engine) Prices() map[string]market.Price {
	out := make(map[string]market.Price, len(e.books))
	for sym, ab := range e.books {
		out[sym] = ab.book.LastPrice()
	}
	return out
}

// OpenOrders lists a participant's resting orders across all assets
func (e *Engine) OpenOrders(participant string) []orderbook.Order {
	var out []orderbook.Order
	for _, a := range e.registry.List() {
		if ab, ok := e.books[a.Symbol]; ok {
			out = append(out, ab.book.Orders(participant)...)
		}
	}
	return out
}

// CheckInvariants verifies no book is crossed
func (e *Engine) CheckInvariants() error {
	for sym, ab := range e.books {
		if err := ab.book.CheckInvariant(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBookCorrupted, sym, err)
		}
	}
	return nil
}

// StateHash is a Keccak-256 digest over every book's aggregated levels,
// symbols in sorted order. Equal books give equal hashes.
func (e *Engine) StateHash() common.Hash {
	symbols := make([]string, 0, len(e.books))
	for sym := range e.books {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var buf []byte
	for _, sym := range symbols {
		book := e.books[sym].book
		buf = append(buf, sym...)
		for _, lv := range book.BidLevels() {
			buf = binary.BigEndian.AppendUint64(buf, uint64(lv.Price))
			buf = binary.BigEndian.AppendUint64(buf, uint64(lv.Qty))
		}
		// separator so bid and ask levels cannot alias
		buf = append(buf, '|')
		for _, lv := range book.AskLevels() {
			buf = binary.BigEndian.AppendUint64(buf, uint64(lv.Price))
			buf = binary.BigEndian.AppendUint64(buf, uint64(lv.Qty))
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(book.LastPrice()))
	}
	return crypto.Keccak256Hash(buf)
}
