package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/patrickpassosb/agent-market/pkg/metrics"
	"github.com/patrickpassosb/agent-market/pkg/util"
)

// record is a queued transaction or interaction
type record struct {
	tx *Transaction
	ix *Interaction
}

func (r record) kind() string {
	if r.tx != nil {
		return "transaction"
	}
	return "interaction"
}

// Journal is the engine-facing side of the ledger. Record calls stamp and
// queue in memory and never fail; Flush writes the queue to the Store in
// order. Records that fail to persist stay queued for the next Flush.
type Journal struct {
	store Store
	run   string
	clock util.Clock
	log   *zap.SugaredLogger
	m     *metrics.Metrics

	newBackOff func() backoff.BackOff
	maxRetries uint64

	mu      sync.Mutex
	seq     uint64
	pending []record

	flushMu sync.Mutex
}

type JournalOption func(*Journal)

func WithClock(c util.Clock) JournalOption {
	return func(j *Journal) { j.clock = c }
}

func WithLogger(log *zap.SugaredLogger) JournalOption {
	return func(j *Journal) { j.log = log }
}

func WithMetrics(m *metrics.Metrics) JournalOption {
	return func(j *Journal) { j.m = m }
}

// WithRetry sets the backoff policy used for each record during Flush
func WithRetry(newBackOff func() backoff.BackOff, maxRetries uint64) JournalOption {
	return func(j *Journal) {
		j.newBackOff = newBackOff
		j.maxRetries = maxRetries
	}
}

func NewJournal(store Store, run string, opts ...JournalOption) *Journal {
	j := &Journal{
		store: store,
		run:   run,
		clock: util.RealClock{},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = util.OrNop(j.log)
	j.m = metrics.OrNop(j.m)
	return j
}

// RunID returns the run this journal writes under
func (j *Journal) RunID() string {
	return j.run
}

// RecordTransaction stamps tx with run, id, sequence and timestamp (when unset) and queues it
func (j *Journal) RecordTransaction(tx Transaction) Transaction {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	tx.RunID = j.run
	tx.Seq = j.seq
	if tx.ID == "" {
		tx.ID = newID()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = j.clock.Now()
	}
	stamped := tx
	j.pending = append(j.pending, record{tx: &stamped})
	j.m.LedgerPending.Set(float64(len(j.pending)))
	return tx
}

// RecordInteraction stamps ix like RecordTransaction and queues it
func (j *Journal) RecordInteraction(ix Interaction) Interaction {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	ix.RunID = j.run
	ix.Seq = j.seq
	if ix.ID == "" {
		ix.ID = newID()
	}
	if ix.Timestamp.IsZero() {
		ix.Timestamp = j.clock.Now()
	}
	stamped := ix
	j.pending = append(j.pending, record{ix: &stamped})
	j.m.LedgerPending.Set(float64(len(j.pending)))
	return ix
}

// Pending returns the number of queued records
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

func (j *Journal) write(ctx context.Context, r record) error {
	if r.tx != nil {
		return j.store.RecordTransaction(ctx, *r.tx)
	}
	return j.store.RecordInteraction(ctx, *r.ix)
}

// Flush persists queued records in order. It stops at the first record that
// still fails after retries; that record and everything after it stay queued.
// Records already present in the store count as written.
func (j *Journal) Flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	batch := make([]record, len(j.pending))
	copy(batch, j.pending)
	j.mu.Unlock()

	written := 0
	var flushErr error
	for _, r := range batch {
		op := func() error {
			err := j.write(ctx, r)
			if errors.Is(err, ErrDuplicateRecord) {
				return nil
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(j.newBackOff(), j.maxRetries), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			flushErr = err
			break
		}
		written++
		j.m.LedgerWritten.WithLabelValues(r.kind()).Inc()
	}

	j.mu.Lock()
	j.pending = j.pending[written:]
	remaining := len(j.pending)
	j.mu.Unlock()
	j.m.LedgerPending.Set(float64(remaining))

	if flushErr != nil {
		j.m.LedgerFlushFailures.Inc()
		j.log.Warnw("ledger_flush_failed",
			"run", j.run,
			"written", written,
			"pending", remaining,
			"err", flushErr,
		)
		if !errors.Is(flushErr, ErrPersistence) {
			flushErr = fmt.Errorf("%w: %v", ErrPersistence, flushErr)
		}
		return flushErr
	}
	return nil
}
