package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the number of fractional digits carried by Price and cash amounts.
// 1 unit = 0.00000001 of the quote currency (a satoshi when the quote is BTC).
const PriceDecimals = 8

var (
	ErrNonPositivePrice = errors.New("price must be positive")
	ErrPricePrecision   = errors.New("price has more precision than supported")
	ErrPriceRange       = errors.New("price out of range")
	ErrNotionalOverflow = errors.New("notional overflows int64")
)

var maxPrice = decimal.NewFromInt(math.MaxInt64)

// Price is a fixed-point limit or execution price in quote minor units.
type Price int64

// ParsePrice parses a decimal string such as "0.005"
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return PriceFromDecimal(d)
}

// PriceFromDecimal converts an exact decimal into a Price.
// Rejects zero, negative and sub-unit values instead of rounding them.
func PriceFromDecimal(d decimal.Decimal) (Price, error) {
	if d.Sign() <= 0 {
		return 0, ErrNonPositivePrice
	}
	scaled := d.Shift(PriceDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrPricePrecision, d.String())
	}
	if scaled.GreaterThan(maxPrice) {
		return 0, fmt.Errorf("%w: %s", ErrPriceRange, d.String())
	}
	return Price(scaled.IntPart()), nil
}

// PriceFromFloat converts a float, rounding to PriceDecimals.
// NaN and infinities are rejected.
func PriceFromFloat(f float64) (Price, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrPriceRange, f)
	}
	return PriceFromDecimal(decimal.NewFromFloat(f).Round(PriceDecimals))
}

// MustPrice is PriceFromFloat for constants and tests
func MustPrice(f float64) Price {
	p, err := PriceFromFloat(f)
	if err != nil {
		panic(err)
	}
	return p
}

// Decimal returns the exact decimal value of p
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceDecimals)
}

func (p Price) String() string {
	return p.Decimal().String()
}

// Float64 is for display and metrics only
func (p Price) Float64() float64 {
	f, _ := p.Decimal().Float64()
	return f
}

// MarshalJSON encodes the price as a decimal string ("0.005")
func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts a decimal string or number. Zero is accepted here
// (e.g. "no last trade yet"); admission checks reject zero limit prices.
func (p *Price) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	if d.IsZero() {
		*p = 0
		return nil
	}
	v, err := PriceFromDecimal(d)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Notional returns price*qty in quote minor units
func Notional(p Price, qty int64) (int64, error) {
	if p < 0 || qty < 0 {
		return 0, fmt.Errorf("negative notional inputs: price=%d qty=%d", p, qty)
	}
	if qty != 0 && int64(p) > math.MaxInt64/qty {
		return 0, ErrNotionalOverflow
	}
	return int64(p) * qty, nil
}

// FormatAmount renders a quote minor-unit amount as a decimal string
func FormatAmount(v int64) string {
	return decimal.New(v, -PriceDecimals).String()
}

// AmountFromFloat converts a whole-currency float (e.g. 10000.0) to minor units
func AmountFromFloat(f float64) int64 {
	return decimal.NewFromFloat(f).Shift(PriceDecimals).Round(0).IntPart()
}
