package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/patrickpassosb/agent-market/pkg/ledger"
)

// PebbleStore is the embedded on-disk ledger
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes exists-check + write
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble ledger at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// appendOnly writes val under key unless key already exists
func (s *PebbleStore) appendOnly(key []byte, v any) error {
	val, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ledger.ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateRecord, key)
	}
	if err != pebble.ErrNotFound {
		return fmt.Errorf("%w: %v", ledger.ErrPersistence, err)
	}
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrPersistence, err)
	}
	return nil
}

func (s *PebbleStore) RecordRun(_ context.Context, run ledger.Run) error {
	return s.appendOnly(runKey(run.ID), run)
}

func (s *PebbleStore) RecordTransaction(_ context.Context, tx ledger.Transaction) error {
	return s.appendOnly(recordKey(prefixTransaction, tx.RunID, tx.Tick, tx.Seq), tx)
}

func (s *PebbleStore) RecordInteraction(_ context.Context, ix ledger.Interaction) error {
	return s.appendOnly(recordKey(prefixInteraction, ix.RunID, ix.Tick, ix.Seq), ix)
}

// scan decodes every value under prefix in key order
func scan[T any](db *pebble.DB, prefix []byte) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []T
	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := decodeJSON(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

func (s *PebbleStore) TransactionsForRun(_ context.Context, runID string) ([]ledger.Transaction, error) {
	return scan[ledger.Transaction](s.db, runScope(prefixTransaction, runID))
}

func (s *PebbleStore) InteractionsForRun(_ context.Context, runID string) ([]ledger.Interaction, error) {
	return scan[ledger.Interaction](s.db, runScope(prefixInteraction, runID))
}

func (s *PebbleStore) RecentTransactions(_ context.Context, runID string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	prefix := runScope(prefixTransaction, runID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// walk backwards from the newest key
	out := make([]ledger.Transaction, 0, limit)
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var tx ledger.Transaction
		if err := decodeJSON(iter.Value(), &tx); err != nil {
			return nil, fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		out = append(out, tx)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PebbleStore) Runs(_ context.Context) ([]ledger.Run, error) {
	runs, err := scan[ledger.Run](s.db, []byte(prefixRun))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, nil
}

var _ ledger.Store = (*PebbleStore)(nil)
