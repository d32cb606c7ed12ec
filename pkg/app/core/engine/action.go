package engine

import (
	"fmt"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
)

// Kind names an action variant
type Kind string

const (
	KindBuy    Kind = "buy"
	KindSell   Kind = "sell"
	KindCancel Kind = "cancel"
	KindHold   Kind = "hold"
)

// Action is the closed set of things a participant can do in one tick:
// Buy, Sell, Cancel or Hold. No other implementations exist.
type Action interface {
	Kind() Kind
	String() string
	isAction()
}

// Buy places a limit bid
type Buy struct {
	Asset string
	Price market.Price
	Qty   int64
}

// Sell places a limit ask
type Sell struct {
	Asset string
	Price market.Price
	Qty   int64
}

// Cancel withdraws one of the participant's resting orders
type Cancel struct {
	OrderID string
}

// Hold does nothing. Reason is informational (e.g. "timeout").
type Hold struct {
	Reason string
}

func (Buy) Kind() Kind    { return KindBuy }
func (Sell) Kind() Kind   { return KindSell }
func (Cancel) Kind() Kind { return KindCancel }
func (Hold) Kind() Kind   { return KindHold }

func (Buy) isAction()    {}
func (Sell) isAction()   {}
func (Cancel) isAction() {}
func (Hold) isAction()   {}

func (a Buy) String() string  { return fmt.Sprintf("buy %d %s @ %s", a.Qty, a.Asset, a.Price) }
func (a Sell) String() string { return fmt.Sprintf("sell %d %s @ %s", a.Qty, a.Asset, a.Price) }
func (a Cancel) String() string {
	return "cancel " + a.OrderID
}
func (a Hold) String() string {
	if a.Reason == "" {
		return "hold"
	}
	return "hold (" + a.Reason + ")"
}

// AssetOf returns the asset an action touches, or "" for Hold.
// Cancels are resolved through the engine's order index.
func (e *Engine) AssetOf(a Action) string {
	switch a := a.(type) {
	case Buy:
		return a.Asset
	case Sell:
		return a.Asset
	case Cancel:
		e.ordersMu.RLock()
		defer e.ordersMu.RUnlock()
		if ref, ok := e.orders[a.OrderID]; ok {
			return ref.asset
		}
	}
	return ""
}
