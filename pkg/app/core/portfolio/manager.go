package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
)

var (
	ErrUnknownParticipant   = errors.New("unknown participant")
	ErrDuplicateParticipant = errors.New("participant already exists")
)

// Manager owns every participant's portfolio in a thread-safe manner.
// It is the holdings reader the matching engine checks at admission
// and the place engine deltas are applied.
type Manager struct {
	mu         sync.RWMutex
	portfolios map[string]*Portfolio
	dirty      map[string]struct{}

	store *Store // optional
	run   string
}

// NewManager creates an in-memory manager
func NewManager() *Manager {
	return &Manager{
		portfolios: make(map[string]*Portfolio),
		dirty:      make(map[string]struct{}),
	}
}

// NewManagerWithStore creates a manager that persists to store under run
func NewManagerWithStore(store *Store, run string) *Manager {
	m := NewManager()
	m.store = store
	m.run = run
	return m
}

// Open creates a portfolio funded with cash
func (m *Manager) Open(participant string, cash int64) (*Portfolio, error) {
	if cash < 0 {
		return nil, fmt.Errorf("%w: opening cash %d", ErrNegativeBalance, cash)
	}
	p := New(participant, cash)
	if err := m.Add(p); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Add registers an existing portfolio (e.g. restored from the store)
func (m *Manager) Add(p *Portfolio) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.portfolios[p.Participant]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateParticipant, p.Participant)
	}
	c := p.Clone()
	c.initMaps()
	m.portfolios[p.Participant] = c
	m.dirty[p.Participant] = struct{}{}
	return nil
}

// Seed converts cash into starting inventory (see Portfolio.Seed)
func (m *Manager) Seed(participant, asset string, qty int64, price market.Price) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.portfolios[participant]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownParticipant, participant)
	}
	seeded := p.Seed(asset, qty, price)
	if seeded {
		m.dirty[participant] = struct{}{}
	}
	return seeded, nil
}

// Get returns a copy of a participant's portfolio
func (m *Manager) Get(participant string) (*Portfolio, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.portfolios[participant]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// AvailableCash returns unreserved cash. Unknown participants have none.
func (m *Manager) AvailableCash(participant string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.portfolios[participant]
	if !ok {
		return 0
	}
	return p.AvailableCash()
}

// AvailableHoldings returns unreserved units of asset. Unknown participants have none.
func (m *Manager) AvailableHoldings(participant, asset string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.portfolios[participant]
	if !ok {
		return 0
	}
	return p.AvailableHoldings(asset)
}

// Apply applies a single delta atomically
func (m *Manager) Apply(d Delta) error {
	return m.ApplyAll([]Delta{d})
}

// ApplyAll applies deltas in order. Either all of them apply or none do.
func (m *Manager) ApplyAll(deltas []Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]*Portfolio)
	for i, d := range deltas {
		if d.IsZero() {
			continue
		}
		p, ok := staged[d.Participant]
		if !ok {
			cur, exists := m.portfolios[d.Participant]
			if !exists {
				return fmt.Errorf("delta %d: %w: %s", i, ErrUnknownParticipant, d.Participant)
			}
			p = cur.Clone()
			staged[d.Participant] = p
		}
		if err := p.Apply(d); err != nil {
			return fmt.Errorf("delta %d for %s: %w", i, d.Participant, err)
		}
	}

	for id, p := range staged {
		m.portfolios[id] = p
		m.dirty[id] = struct{}{}
	}
	return nil
}

// Participants returns participant ids in sorted order
func (m *Manager) Participants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.portfolios))
	for id := range m.portfolios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns copies of all portfolios ordered by participant id
func (m *Manager) Snapshot() []*Portfolio {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Portfolio, 0, len(m.portfolios))
	for _, p := range m.portfolios {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

// Metrics values every portfolio at prices, ordered by participant id
func (m *Manager) Metrics(prices map[string]market.Price) []Metrics {
	snap := m.Snapshot()
	out := make([]Metrics, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.Metrics(prices))
	}
	return out
}

// Count returns the number of portfolios
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.portfolios)
}

// Persist writes portfolios changed since the last call. No-op without a store.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store == nil || len(m.dirty) == 0 {
		return nil
	}
	changed := make([]*Portfolio, 0, len(m.dirty))
	for id := range m.dirty {
		if p, ok := m.portfolios[id]; ok {
			changed = append(changed, p)
		}
	}
	if err := m.store.SavePortfolios(m.run, changed); err != nil {
		return err
	}
	m.dirty = make(map[string]struct{})
	return nil
}

// Restore loads every stored portfolio of the manager's run
func (m *Manager) Restore() (int, error) {
	if m.store == nil {
		return 0, nil
	}
	ps, err := m.store.LoadPortfolios(m.run)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		m.portfolios[p.Participant] = p
	}
	return len(ps), nil
}

// Close closes the underlying store, if any
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
