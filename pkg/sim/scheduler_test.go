package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/app/core/portfolio"
	"github.com/patrickpassosb/agent-market/pkg/checkpoint"
	"github.com/patrickpassosb/agent-market/pkg/decision"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
	"github.com/patrickpassosb/agent-market/pkg/router"
	"github.com/patrickpassosb/agent-market/pkg/storage"
)

func px(s string) market.Price {
	p, err := market.ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

type fixture struct {
	eng          *engine.Engine
	pm           *portfolio.Manager
	store        *storage.MemoryStore
	journal      *ledger.Journal
	participants []Participant
}

func newFixture(t *testing.T, symbols []string, n int) *fixture {
	reg, err := market.NewRegistryWithSymbols("USD", symbols...)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	journal := ledger.NewJournal(store, ledger.NewRunID())
	pm := portfolio.NewManager()

	f := &fixture{
		eng:     engine.New(reg, pm, journal, engine.WithInitialPrice(px("0.005"))),
		pm:      pm,
		store:   store,
		journal: journal,
	}
	for i := 1; i <= n; i++ {
		p := portfolio.New(participantID(i), market.AmountFromFloat(100))
		for _, sym := range symbols {
			require.True(t, p.Seed(sym, 100, px("0.005")))
		}
		require.NoError(t, pm.Add(p))
		f.participants = append(f.participants, Participant{ID: participantID(i), Tier: "fast"})
	}
	return f
}

func participantID(i int) string {
	return "agent_" + string(rune('0'+i))
}

func (f *fixture) scheduler(t *testing.T, cfg Config, d decision.Decider, opts ...Option) *Scheduler {
	s, err := New(cfg, f.eng, f.pm, f.journal, d, f.participants, append([]Option{WithStore(f.store)}, opts...)...)
	require.NoError(t, err)
	return s
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ActivePerTick = 0
	cfg.MinTickDuration = 0
	cfg.CheckpointInterval = 0
	return cfg
}

func holdAll() decision.Decider {
	return decision.DeciderFunc(func(context.Context, decision.Request) (engine.Action, error) {
		return engine.Hold{Reason: "idle"}, nil
	})
}

func TestStep_TimedOutParticipantHolds(t *testing.T) {
	f := newFixture(t, []string{"AAPL", "MSFT"}, 4)
	cfg := fastConfig()
	cfg.DecisionTimeout = 50 * time.Millisecond

	d := decision.DeciderFunc(func(ctx context.Context, req decision.Request) (engine.Action, error) {
		switch req.Participant {
		case "agent_1":
			return engine.Sell{Asset: "AAPL", Price: px("0.005"), Qty: 2}, nil
		case "agent_2":
			return engine.Buy{Asset: "AAPL", Price: px("0.005"), Qty: 2}, nil
		case "agent_3":
			// never answers in time and ignores ctx
			time.Sleep(time.Second)
			return engine.Hold{}, nil
		default:
			return engine.Buy{Asset: "MSFT", Price: px("0.004"), Qty: 1}, nil
		}
	})
	s := f.scheduler(t, cfg, d)

	start := time.Now()
	report, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.EqualValues(t, 1, report.Tick)
	assert.Equal(t, 4, report.Decisions)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Holds)
	assert.Equal(t, 3, report.Orders)
	assert.Equal(t, 1, report.Trades)
	assert.EqualValues(t, 2, report.Volume)
	assert.Zero(t, report.Pending)

	ixs, err := f.store.InteractionsForRun(context.Background(), f.journal.RunID())
	require.NoError(t, err)
	var actions []ledger.Interaction
	for _, ix := range ixs {
		if ix.Kind == ledger.KindAction {
			actions = append(actions, ix)
		}
	}
	require.Len(t, actions, 4)
	var timedOut int
	for _, ix := range actions {
		if ix.Participant == "agent_3" {
			timedOut++
			assert.Equal(t, string(engine.KindHold), ix.Action)
			assert.Contains(t, ix.Reason, reasonTimeout)
		}
	}
	assert.Equal(t, 1, timedOut)

	txs, err := f.store.TransactionsForRun(context.Background(), f.journal.RunID())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, px("0.005"), txs[0].Price)
}

func TestRun_MaxTicksAndCheckpoints(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, 3)
	cfg := fastConfig()
	cfg.MaxTicks = 5
	cfg.CheckpointInterval = 2

	var mu sync.Mutex
	var checkpoints []uint64
	var reports []TickReport
	reporter := checkpoint.ReporterFunc(func(_ context.Context, cp checkpoint.Checkpoint) error {
		mu.Lock()
		defer mu.Unlock()
		checkpoints = append(checkpoints, cp.Tick)
		assert.Len(t, cp.Participants, 3)
		assert.NotEmpty(t, cp.StateHash)
		return nil
	})

	s := f.scheduler(t, cfg, holdAll(),
		WithReporter(reporter),
		WithOnTick(func(r TickReport) { reports = append(reports, r) }),
	)
	require.NoError(t, s.Run(context.Background()))

	assert.EqualValues(t, 5, s.Tick())
	assert.Equal(t, []uint64{2, 4}, checkpoints)
	require.Len(t, reports, 5)
	for i, r := range reports {
		assert.EqualValues(t, i+1, r.Tick)
		assert.Equal(t, 3, r.Holds)
		assert.Equal(t, r.Tick%2 == 0, r.Checkpointed)
	}
}

func TestRun_ActivePerTickSamples(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, 6)
	cfg := fastConfig()
	cfg.MaxTicks = 3
	cfg.ActivePerTick = 4

	var calls atomic.Int64
	d := decision.DeciderFunc(func(context.Context, decision.Request) (engine.Action, error) {
		calls.Add(1)
		return engine.Hold{}, nil
	})
	s := f.scheduler(t, cfg, d)
	require.NoError(t, s.Run(context.Background()))
	assert.EqualValues(t, 12, calls.Load())
}

func TestRun_BatchSizeBoundsInFlight(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, 6)
	cfg := fastConfig()
	cfg.MaxTicks = 2
	cfg.BatchSize = 2

	var inFlight, peak atomic.Int64
	d := decision.DeciderFunc(func(context.Context, decision.Request) (engine.Action, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return engine.Hold{}, nil
	})
	s := f.scheduler(t, cfg, d)
	require.NoError(t, s.Run(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRun_GracefulStop(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, 2)
	cfg := fastConfig()

	var s *Scheduler
	s = f.scheduler(t, cfg, holdAll(), WithOnTick(func(r TickReport) {
		if r.Tick == 3 {
			s.Stop()
			s.Stop()
		}
	}))
	require.NoError(t, s.Run(context.Background()))
	assert.EqualValues(t, 3, s.Tick())
}

func TestRun_HardStopDiscardsTick(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, 2)
	cfg := fastConfig()

	started := make(chan struct{}, 2)
	d := decision.DeciderFunc(func(ctx context.Context, req decision.Request) (engine.Action, error) {
		started <- struct{}{}
		<-ctx.Done()
		return engine.Buy{Asset: "AAPL", Price: px("0.005"), Qty: 1}, nil
	})
	s := f.scheduler(t, cfg, d)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Zero(t, s.Tick())

	ixs, err := f.store.InteractionsForRun(context.Background(), f.journal.RunID())
	require.NoError(t, err)
	assert.Empty(t, ixs)
	assert.Empty(t, f.eng.OpenOrders("agent_1"))
	assert.Empty(t, f.eng.OpenOrders("agent_2"))
}

func routedRandom(t *testing.T, seed int64) decision.Decider {
	r, err := router.New(router.Config{
		Tiers:          map[string][]router.Candidate{"fast": {{Provider: "local", Model: "random"}}},
		DefaultBudget:  1000,
		Window:         time.Minute,
		DefaultTimeout: time.Second,
	}, map[string]router.Provider{"local": decision.NewRandomCaller(seed)})
	require.NoError(t, err)
	return decision.NewRoutedDecider(r, nil)
}

func TestRun_SameSeedSameOutcome(t *testing.T) {
	run := func() (string, []*portfolio.Portfolio) {
		f := newFixture(t, []string{"AAPL"}, 5)
		cfg := fastConfig()
		cfg.MaxTicks = 25
		cfg.Seed = 99
		s := f.scheduler(t, cfg, routedRandom(t, 7))
		require.NoError(t, s.Run(context.Background()))
		require.NoError(t, f.eng.CheckInvariants())
		return f.eng.StateHash().Hex(), f.pm.Snapshot()
	}

	hashA, pfA := run()
	hashB, pfB := run()
	assert.Equal(t, hashA, hashB)
	assert.Equal(t, pfA, pfB)

	for _, p := range pfA {
		assert.NoError(t, p.Validate())
	}
}

func TestNew_RejectsUnknownParticipant(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, 1)
	_, err := New(fastConfig(), f.eng, f.pm, f.journal, holdAll(),
		[]Participant{{ID: "ghost", Tier: "fast"}})
	assert.ErrorIs(t, err, portfolio.ErrUnknownParticipant)

	_, err = New(fastConfig(), f.eng, f.pm, f.journal, holdAll(),
		[]Participant{f.participants[0], f.participants[0]})
	assert.Error(t, err)

	cfg := fastConfig()
	cfg.BatchSize = 0
	_, err = New(cfg, f.eng, f.pm, f.journal, holdAll(), f.participants)
	assert.Error(t, err)
}

func TestCheckpointCarriesRecentTransactions(t *testing.T) {
	f := newFixture(t, []string{"AAPL"}, 2)
	d := decision.DeciderFunc(func(_ context.Context, req decision.Request) (engine.Action, error) {
		if req.Participant == "agent_1" {
			return engine.Sell{Asset: "AAPL", Price: px("0.006"), Qty: 1}, nil
		}
		return engine.Buy{Asset: "AAPL", Price: px("0.006"), Qty: 1}, nil
	})
	s := f.scheduler(t, fastConfig(), d)
	_, err := s.Step(context.Background())
	require.NoError(t, err)

	cp := s.Checkpoint(context.Background(), 1)
	require.Len(t, cp.RecentTransactions, 1)
	require.Len(t, cp.Markets, 1)
	assert.Equal(t, px("0.006"), cp.Markets[0].Book.LastPrice)
	assert.Equal(t, checkpoint.TrendStable, cp.Markets[0].Trend)
}
