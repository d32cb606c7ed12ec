package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/patrickpassosb/agent-market/pkg/ledger"
)

const btreeDegree = 16

type runRecords struct {
	txs *btree.BTreeG[ledger.Transaction]
	ixs *btree.BTreeG[ledger.Interaction]
}

func newRunRecords() *runRecords {
	return &runRecords{
		txs: btree.NewG(btreeDegree, ledger.TransactionLess),
		ixs: btree.NewG(btreeDegree, ledger.InteractionLess),
	}
}

// MemoryStore is an ordered in-memory ledger for tests and throwaway runs.
// Records of each run are kept in B-trees ordered by (tick, seq).
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]ledger.Run
	records map[string]*runRecords
	ids     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]ledger.Run),
		records: make(map[string]*runRecords),
		ids:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) recordsFor(run string) *runRecords {
	r, ok := s.records[run]
	if !ok {
		r = newRunRecords()
		s.records[run] = r
	}
	return r
}

func (s *MemoryStore) RecordRun(_ context.Context, run ledger.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s", ledger.ErrDuplicateRecord, run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) RecordTransaction(_ context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[tx.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ledger.ErrDuplicateRecord, tx.ID)
	}
	r := s.recordsFor(tx.RunID)
	if r.txs.Has(tx) {
		return fmt.Errorf("%w: transaction at tick %d seq %d", ledger.ErrDuplicateRecord, tx.Tick, tx.Seq)
	}
	r.txs.ReplaceOrInsert(tx)
	s.ids[tx.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) RecordInteraction(_ context.Context, ix ledger.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[ix.ID]; ok {
		return fmt.Errorf("%w: interaction %s", ledger.ErrDuplicateRecord, ix.ID)
	}
	r := s.recordsFor(ix.RunID)
	if r.ixs.Has(ix) {
		return fmt.Errorf("%w: interaction at tick %d seq %d", ledger.ErrDuplicateRecord, ix.Tick, ix.Seq)
	}
	r.ixs.ReplaceOrInsert(ix)
	s.ids[ix.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) TransactionsForRun(_ context.Context, runID string) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok {
		return nil, nil
	}
	out := make([]ledger.Transaction, 0, r.txs.Len())
	r.txs.Ascend(func(tx ledger.Transaction) bool {
		out = append(out, tx)
		return true
	})
	return out, nil
}

func (s *MemoryStore) InteractionsForRun(_ context.Context, runID string) ([]ledger.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok {
		return nil, nil
	}
	out := make([]ledger.Interaction, 0, r.ixs.Len())
	r.ixs.Ascend(func(ix ledger.Interaction) bool {
		out = append(out, ix)
		return true
	})
	return out, nil
}

func (s *MemoryStore) RecentTransactions(_ context.Context, runID string, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[runID]
	if !ok || limit <= 0 {
		return nil, nil
	}
	out := make([]ledger.Transaction, 0, limit)
	r.txs.Descend(func(tx ledger.Transaction) bool {
		out = append(out, tx)
		return len(out) < limit
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MemoryStore) Runs(_ context.Context) ([]ledger.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

var _ ledger.Store = (*MemoryStore)(nil)
