package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/patrickpassosb/agent-market/pkg/ledger"
)

// backends returns every store implementation available in this environment
func backends(t *testing.T) map[string]func(t *testing.T) ledger.Store {
	b := map[string]func(t *testing.T) ledger.Store{
		"memory": func(t *testing.T) ledger.Store {
			return NewMemoryStore()
		},
		"pebble": func(t *testing.T) ledger.Store {
			s, err := NewPebbleStore(filepath.Join(t.TempDir(), "ledger"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) ledger.Store {
			s := openSQLite(t, filepath.Join(t.TempDir(), "ledger.db"))
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) ledger.Store {
			s, err := OpenPostgres(PostgresOption{ConnString: dsn})
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return b
}

// openSQLite runs SQLStore on an embedded database with a single writer connection
func openSQLite(t *testing.T, path string) *SQLStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := NewSQLStore(db)
	require.NoError(t, err)
	return s
}

func tx(run string, tick, seq uint64) ledger.Transaction {
	return ledger.Transaction{
		ID:        fmt.Sprintf("%s-tx-%d-%d", run, tick, seq),
		RunID:     run,
		Asset:     "AAPL",
		BuyerID:   "alice",
		SellerID:  "bob",
		Price:     500_000,
		Qty:       int64(seq),
		Tick:      tick,
		Seq:       seq,
		Timestamp: time.Unix(int64(tick), 0).UTC(),
	}
}

func TestStore_OrderedByTickThenSeq(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			run := ledger.NewRunID()

			// written out of order on purpose
			for _, k := range [][2]uint64{{2, 5}, {1, 3}, {2, 4}, {1, 1}, {10, 2}} {
				require.NoError(t, s.RecordTransaction(ctx, tx(run, k[0], k[1])))
			}
			require.NoError(t, s.RecordTransaction(ctx, tx(ledger.NewRunID(), 1, 2)))

			got, err := s.TransactionsForRun(ctx, run)
			require.NoError(t, err)
			require.Len(t, got, 5)

			want := [][2]uint64{{1, 1}, {1, 3}, {2, 4}, {2, 5}, {10, 2}}
			for i, w := range want {
				assert.Equal(t, w[0], got[i].Tick, "tick at %d", i)
				assert.Equal(t, w[1], got[i].Seq, "seq at %d", i)
			}
			assert.Equal(t, "AAPL", got[0].Asset)
			assert.EqualValues(t, 500_000, got[0].Price)

			recent, err := s.RecentTransactions(ctx, run, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, uint64(5), recent[0].Seq)
			assert.Equal(t, uint64(2), recent[1].Seq)

			none, err := s.TransactionsForRun(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_AppendOnly(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			run := ledger.NewRunID()
			first := tx(run, 1, 1)
			require.NoError(t, s.RecordTransaction(ctx, first))

			changed := first
			changed.Price = 1
			err := s.RecordTransaction(ctx, changed)
			require.ErrorIs(t, err, ledger.ErrDuplicateRecord)

			got, err := s.TransactionsForRun(ctx, run)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.EqualValues(t, 500_000, got[0].Price, "recorded transaction must not change")
		})
	}
}

func TestStore_Interactions(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			run := ledger.NewRunID()
			kinds := []ledger.InteractionKind{ledger.KindPlaced, ledger.KindRejected, ledger.KindCancelled}
			for i, k := range kinds {
				require.NoError(t, s.RecordInteraction(ctx, ledger.Interaction{
					ID:          fmt.Sprintf("%s-ix-%d", run, i),
					RunID:       run,
					Kind:        k,
					Participant: "alice",
					Reason:      "insufficient_funds",
					Tick:        3,
					Seq:         uint64(10 - i),
				}))
			}

			got, err := s.InteractionsForRun(ctx, run)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, ledger.KindCancelled, got[0].Kind)
			assert.Equal(t, ledger.KindPlaced, got[2].Kind)
			assert.Equal(t, "insufficient_funds", got[1].Reason)
		})
	}
}

func TestStore_Runs(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			late := ledger.Run{ID: ledger.NewRunID(), StartedAt: base.Add(time.Hour), Quote: "BTC", Assets: []string{"AAPL", "MSFT"}}
			early := ledger.Run{ID: ledger.NewRunID(), StartedAt: base, Quote: "BTC", Assets: []string{"AAPL"}}
			require.NoError(t, s.RecordRun(ctx, late))
			require.NoError(t, s.RecordRun(ctx, early))
			require.ErrorIs(t, s.RecordRun(ctx, early), ledger.ErrDuplicateRecord)

			runs, err := s.Runs(ctx)
			require.NoError(t, err)
			var ids []string
			for _, r := range runs {
				if r.ID == early.ID || r.ID == late.ID {
					ids = append(ids, r.ID)
				}
			}
			assert.Equal(t, []string{early.ID, late.ID}, ids)
		})
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			run := ledger.NewRunID()

			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 25; i++ {
						assert.NoError(t, s.RecordTransaction(ctx, tx(run, uint64(i), uint64(w*100+i))))
					}
				}(w)
			}
			wg.Wait()

			got, err := s.TransactionsForRun(ctx, run)
			require.NoError(t, err)
			assert.Len(t, got, 100)
		})
	}
}

func TestSQLStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	run := ledger.Run{ID: ledger.NewRunID(), StartedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Quote: "BTC", Assets: []string{"AAPL"}}

	s := openSQLite(t, path)
	require.NoError(t, s.RecordRun(ctx, run))
	require.NoError(t, s.RecordTransaction(ctx, tx(run.ID, 1, 1)))
	require.NoError(t, s.Close())

	// migration is idempotent and history survives
	s = openSQLite(t, path)
	t.Cleanup(func() { s.Close() })
	require.ErrorIs(t, s.RecordTransaction(ctx, tx(run.ID, 1, 1)), ledger.ErrDuplicateRecord)

	got, err := s.TransactionsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].SellerID)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"AAPL"}, runs[0].Assets)
}

func TestPostgresOption_DSN(t *testing.T) {
	tests := []struct {
		name string
		opt  PostgresOption
		want string
	}{
		{
			name: "defaults",
			opt:  PostgresOption{Database: "ledger"},
			want: "postgres://localhost:5432/ledger?sslmode=disable",
		},
		{
			name: "credentials and params",
			opt: PostgresOption{
				Host: "db", Port: 6543, User: "sim", Password: "p@ss",
				Database: "ledger", SSLMode: "require",
				Params: map[string]string{"application_name": "agent-market", "": "skip"},
			},
			want: "postgres://sim:p%40ss@db:6543/ledger?application_name=agent-market&sslmode=require",
		},
		{
			name: "conn string wins",
			opt:  PostgresOption{ConnString: "postgres://x/y", Host: "ignored"},
			want: "postgres://x/y",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opt.DSN())
		})
	}
}
