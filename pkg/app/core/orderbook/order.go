package orderbook

import (
	"encoding/json"
	"fmt"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an incoming order of side s matches against
func (s Side) Opposite() Side {
	return -s
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "buy":
		*s = Buy
	case "sell":
		*s = Sell
	default:
		return fmt.Errorf("unknown side %q", v)
	}
	return nil
}

type Status int8

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

func (st Status) String() string {
	switch st {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (st Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(st.String())
}

// Resting reports whether an order in this status may sit in the book
func (st Status) Resting() bool {
	return st == Open || st == PartiallyFilled
}

// Order is one limit instruction. Once filled or cancelled it leaves the book for good.
type Order struct {
	ID          string       `json:"id"`
	Participant string       `json:"participant"`
	Asset       string       `json:"asset"`
	Side        Side         `json:"side"`
	Price       market.Price `json:"price"`     // limit price
	Qty         int64        `json:"qty"`       // original quantity
	Remaining   int64        `json:"remaining"` // unfilled quantity
	Seq         uint64       `json:"seq"`       // submission sequence, time-priority tie-break
	Status      Status       `json:"status"`

	index int // position in the side heap, -1 when not resting
}

// Filled returns the executed quantity
func (o *Order) Filled() int64 {
	return o.Qty - o.Remaining
}

func (o *Order) fill(qty int64) {
	o.Remaining -= qty
	if o.Remaining == 0 {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
}

// Fill is one match between an incoming (taker) and a resting (maker) order.
// Price is always the maker's limit price.
type Fill struct {
	TakerID          string       `json:"takerId"`
	MakerID          string       `json:"makerId"`
	TakerParticipant string       `json:"takerParticipant"`
	MakerParticipant string       `json:"makerParticipant"`
	TakerSide        Side         `json:"takerSide"`
	TakerPrice       market.Price `json:"takerPrice"` // taker limit, used to release surplus reservations
	Price            market.Price `json:"price"`
	Qty              int64        `json:"qty"`
}

// Buyer returns the participant on the buy side of the fill
func (f Fill) Buyer() string {
	if f.TakerSide == Buy {
		return f.TakerParticipant
	}
	return f.MakerParticipant
}

// Seller returns the participant on the sell side of the fill
func (f Fill) Seller() string {
	if f.TakerSide == Sell {
		return f.TakerParticipant
	}
	return f.MakerParticipant
}

// BuyOrderID returns the id of the buy order in the fill
func (f Fill) BuyOrderID() string {
	if f.TakerSide == Buy {
		return f.TakerID
	}
	return f.MakerID
}

// SellOrderID returns the id of the sell order in the fill
func (f Fill) SellOrderID() string {
	if f.TakerSide == Sell {
		return f.TakerID
	}
	return f.MakerID
}

type PriceLevel struct {
	Price  market.Price `json:"price"`
	Qty    int64        `json:"qty"`    // total remaining qty at this price level
	Orders int          `json:"orders"` // resting orders at this price level
}
