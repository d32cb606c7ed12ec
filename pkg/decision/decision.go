package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/app/core/orderbook"
	"github.com/patrickpassosb/agent-market/pkg/app/core/portfolio"
)

// ErrInvalidDecision marks a provider response that is not exactly one action
var ErrInvalidDecision = errors.New("invalid decision")

// Request is what a participant is shown when asked to act
type Request struct {
	Participant string               `json:"participant"`
	Tier        string               `json:"tier"`
	Tick        uint64               `json:"tick"`
	Market      engine.MarketState   `json:"market"`
	Portfolio   *portfolio.Portfolio `json:"portfolio"`
	Metrics     portfolio.Metrics    `json:"metrics"`
	OpenOrders  []orderbook.Order    `json:"openOrders"`
}

// Decider produces one action for one participant per tick
type Decider interface {
	Decide(ctx context.Context, req Request) (engine.Action, error)
}

type DeciderFunc func(ctx context.Context, req Request) (engine.Action, error)

func (f DeciderFunc) Decide(ctx context.Context, req Request) (engine.Action, error) {
	return f(ctx, req)
}

// wireAction is the JSON shape of a decision:
//
//	{"action":"buy","asset":"AAPL","price":"0.005","qty":10,"reasoning":"..."}
//	{"action":"cancel","orderId":"AAPL-000001"}
//	{"action":"hold","reasoning":"..."}
type wireAction struct {
	Action    string           `json:"action"`
	Asset     string           `json:"asset,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Qty       *int64           `json:"qty,omitempty"`
	OrderID   string           `json:"orderId,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDecision, fmt.Sprintf(format, args...))
}

// ParseAction decodes exactly one JSON action. Unknown fields, trailing data,
// missing required fields and fields that belong to another variant are rejected.
func ParseAction(b []byte) (engine.Action, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var w wireAction
	if err := dec.Decode(&w); err != nil {
		return nil, invalid("%v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalid("trailing data after action")
	}

	switch kind := engine.Kind(w.Action); kind {
	case engine.KindBuy, engine.KindSell:
		if w.OrderID != "" {
			return nil, invalid("%s must not carry orderId", kind)
		}
		if w.Asset == "" {
			return nil, invalid("%s requires asset", kind)
		}
		if w.Price == nil {
			return nil, invalid("%s requires price", kind)
		}
		if w.Qty == nil || *w.Qty <= 0 {
			return nil, invalid("%s requires a positive qty", kind)
		}
		price, err := market.PriceFromDecimal(*w.Price)
		if err != nil {
			return nil, invalid("%s price: %v", kind, err)
		}
		if kind == engine.KindBuy {
			return engine.Buy{Asset: w.Asset, Price: price, Qty: *w.Qty}, nil
		}
		return engine.Sell{Asset: w.Asset, Price: price, Qty: *w.Qty}, nil

	case engine.KindCancel:
		if w.OrderID == "" {
			return nil, invalid("cancel requires orderId")
		}
		if w.Price != nil || w.Qty != nil {
			return nil, invalid("cancel must not carry price or qty")
		}
		return engine.Cancel{OrderID: w.OrderID}, nil

	case engine.KindHold:
		// a hold may echo zero trade fields, anything else is ambiguous
		if (w.Price != nil && !w.Price.IsZero()) || (w.Qty != nil && *w.Qty != 0) || w.OrderID != "" {
			return nil, invalid("hold must not carry order fields")
		}
		return engine.Hold{Reason: w.Reasoning}, nil

	case "":
		return nil, invalid("missing action")
	default:
		return nil, invalid("unknown action %q", w.Action)
	}
}

// EncodeAction is the inverse of ParseAction
func EncodeAction(a engine.Action, reasoning string) ([]byte, error) {
	w := wireAction{Action: string(a.Kind()), Reasoning: reasoning}
	switch a := a.(type) {
	case engine.Buy:
		w.Asset, w.Price, w.Qty = a.Asset, decimalPtr(a.Price), &a.Qty
	case engine.Sell:
		w.Asset, w.Price, w.Qty = a.Asset, decimalPtr(a.Price), &a.Qty
	case engine.Cancel:
		w.OrderID = a.OrderID
	case engine.Hold:
		if w.Reasoning == "" {
			w.Reasoning = a.Reason
		}
	default:
		return nil, fmt.Errorf("%w: %T", engine.ErrInvalidAction, a)
	}
	return json.Marshal(w)
}

func decimalPtr(p market.Price) *decimal.Decimal {
	d := p.Decimal()
	return &d
}
