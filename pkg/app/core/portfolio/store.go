package portfolio

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Store provides Pebble-based persistence for portfolios, partitioned by run.
// Thread-safe: callers go through Manager's mutex.
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20), // 32MB cache
		MemTableSize: 16 << 20,
		MaxOpenFiles: 500,
		BytesPerSync: 512 << 10, // 512KB
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePortfolios writes all given portfolios for run in a single synced batch
func (s *Store) SavePortfolios(run string, ps []*Portfolio) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, p := range ps {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal portfolio %s: %w", p.Participant, err)
		}
		if err := batch.Set(portfolioKey(run, p.Participant), data, nil); err != nil {
			return fmt.Errorf("failed to stage portfolio %s: %w", p.Participant, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save portfolios: %w", err)
	}
	return nil
}

// LoadPortfolio loads one portfolio. Returns nil if it doesn't exist.
func (s *Store) LoadPortfolio(run, participant string) (*Portfolio, error) {
	data, closer, err := s.db.Get(portfolioKey(run, participant))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	defer closer.Close()

	var p Portfolio
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal portfolio: %w", err)
	}
	p.initMaps()
	return &p, nil
}

// LoadPortfolios loads every portfolio stored for run, ordered by participant id
func (s *Store) LoadPortfolios(run string) ([]*Portfolio, error) {
	prefix := portfolioPrefix(run)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []*Portfolio
	for iter.First(); iter.Valid(); iter.Next() {
		var p Portfolio
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal portfolio at %s: %w", iter.Key(), err)
		}
		p.initMaps()
		out = append(out, &p)
	}
	return out, iter.Error()
}
