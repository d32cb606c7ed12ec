package market

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrDuplicateAsset = errors.New("asset already registered")
	ErrQuoteMismatch  = errors.New("asset quote differs from registry quote")
)

// Asset is a tradable symbol denominated in the registry's quote currency.
type Asset struct {
	Symbol string `json:"symbol"` // "AAPL"
	Quote  string `json:"quote"`  // "BTC"
}

// Pair returns the "SYMBOL/QUOTE" form used in logs and reports
func (a Asset) Pair() string {
	return a.Symbol + "/" + a.Quote
}

// Registry holds the tradable assets of a process.
// The quote currency is fixed at construction; every asset must use it.
type Registry struct {
	mu     sync.RWMutex
	quote  string
	assets map[string]Asset // symbol -> asset
	order  []string         // registration order, used for deterministic listings
}

// NewRegistry creates an empty registry for the given quote currency
func NewRegistry(quote string) *Registry {
	return &Registry{
		quote:  strings.ToUpper(strings.TrimSpace(quote)),
		assets: make(map[string]Asset),
	}
}

// NewRegistryWithSymbols creates a registry and registers every symbol in order
func NewRegistryWithSymbols(quote string, symbols ...string) (*Registry, error) {
	r := NewRegistry(quote)
	for _, s := range symbols {
		if _, err := r.RegisterSymbol(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Quote returns the process-wide quote currency
func (r *Registry) Quote() string {
	return r.quote
}

// RegisterSymbol registers symbol against the registry quote
func (r *Registry) RegisterSymbol(symbol string) (Asset, error) {
	a := Asset{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Quote: r.quote}
	if err := r.Register(a); err != nil {
		return Asset{}, err
	}
	return a, nil
}

// Register adds an asset to the registry
// Returns error if the symbol is empty, already registered, or quoted in another currency
func (r *Registry) Register(a Asset) error {
	if a.Symbol == "" {
		return fmt.Errorf("cannot register asset with empty symbol")
	}
	if a.Quote != r.quote {
		return fmt.Errorf("%w: %s quoted in %q, registry quote is %q", ErrQuoteMismatch, a.Symbol, a.Quote, r.quote)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[a.Symbol]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAsset, a.Symbol)
	}

	r.assets[a.Symbol] = a
	r.order = append(r.order, a.Symbol)
	return nil
}

// Get retrieves an asset by symbol
func (r *Registry) Get(symbol string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.assets[symbol]
	if !exists {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return a, nil
}

// List returns all assets in registration order
func (r *Registry) List() []Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Asset, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, r.assets[s])
	}
	return out
}

// Symbols returns all symbols in registration order
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of registered assets
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets)
}

// Exists checks if an asset is registered
func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.assets[symbol]
	return exists
}
