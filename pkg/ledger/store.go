package ledger

import (
	"context"
	"errors"
)

var (
	// ErrPersistence wraps every write failure of a Store
	ErrPersistence = errors.New("ledger persistence failed")
	// ErrDuplicateRecord is returned when a record id was already written
	ErrDuplicateRecord = errors.New("record already exists")
)

// Store is the durable append-only ledger. Records are never updated or deleted.
// Implementations must be safe for concurrent use.
type Store interface {
	RecordRun(ctx context.Context, run Run) error
	RecordTransaction(ctx context.Context, tx Transaction) error
	RecordInteraction(ctx context.Context, ix Interaction) error

	// TransactionsForRun returns all transactions of a run ordered by tick then sequence
	TransactionsForRun(ctx context.Context, runID string) ([]Transaction, error)
	// InteractionsForRun returns all interactions of a run ordered by tick then sequence
	InteractionsForRun(ctx context.Context, runID string) ([]Interaction, error)
	// RecentTransactions returns up to limit of the latest transactions, oldest first
	RecentTransactions(ctx context.Context, runID string, limit int) ([]Transaction, error)
	// Runs returns every recorded run ordered by start time
	Runs(ctx context.Context) ([]Run, error)

	Close() error
}
