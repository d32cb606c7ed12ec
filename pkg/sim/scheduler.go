package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/app/core/portfolio"
	"github.com/patrickpassosb/agent-market/pkg/checkpoint"
	"github.com/patrickpassosb/agent-market/pkg/decision"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
	"github.com/patrickpassosb/agent-market/pkg/metrics"
	"github.com/patrickpassosb/agent-market/pkg/util"
)

// ErrDivergedState is returned when engine deltas cannot be applied to the
// portfolios they were admitted against. The run must stop.
var ErrDivergedState = errors.New("portfolio state diverged from engine")

const (
	reasonDecisionFailed = "decision_failed"
	reasonTimeout        = "timeout"
)

// TickReport summarizes one completed tick
type TickReport struct {
	Tick         uint64        `json:"tick"`
	Decisions    int           `json:"decisions"`
	Failed       int           `json:"failed"` // decisions replaced by Hold
	Orders       int           `json:"orders"`
	Cancels      int           `json:"cancels"`
	Holds        int           `json:"holds"`
	Rejections   int           `json:"rejections"`
	Trades       int           `json:"trades"`
	Volume       int64         `json:"volume"`
	Duration     time.Duration `json:"duration"`
	Checkpointed bool          `json:"checkpointed"`
	Pending      int           `json:"pending"` // ledger records still queued after the flush
}

// decided is one participant's collected action for a tick
type decided struct {
	participant Participant
	action      engine.Action
	err         error
}

// Scheduler runs the tick loop: snapshot, dispatch decisions, collect,
// apply per asset, persist and checkpoint, advance.
type Scheduler struct {
	cfg          Config
	engine       *engine.Engine
	portfolios   *portfolio.Manager
	journal      *ledger.Journal
	store        ledger.Store
	decider      decision.Decider
	participants []Participant
	reporter     checkpoint.Reporter
	onTick       func(TickReport)

	rng  *rand.Rand
	tick atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once

	clock util.Clock
	log   *zap.SugaredLogger
	m     *metrics.Metrics
}

type Option func(*Scheduler)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.m = m }
}

func WithClock(c util.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithReporter receives every checkpoint
func WithReporter(r checkpoint.Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

// WithStore is read for the recent transactions of a checkpoint
func WithStore(store ledger.Store) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithOnTick is called after every completed tick
func WithOnTick(fn func(TickReport)) Option {
	return func(s *Scheduler) { s.onTick = fn }
}

func New(cfg Config, eng *engine.Engine, pm *portfolio.Manager, journal *ledger.Journal,
	decider decision.Decider, participants []Participant, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, errors.New("no participants")
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate participant %s", p.ID)
		}
		seen[p.ID] = true
		if _, ok := pm.Get(p.ID); !ok {
			return nil, fmt.Errorf("%w: %s", portfolio.ErrUnknownParticipant, p.ID)
		}
	}

	s := &Scheduler{
		cfg:          cfg,
		engine:       eng,
		portfolios:   pm,
		journal:      journal,
		decider:      decider,
		participants: participants,
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		stop:         make(chan struct{}),
		clock:        util.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = util.OrNop(s.log)
	s.m = metrics.OrNop(s.m)
	return s, nil
}

// Tick returns the last completed tick
func (s *Scheduler) Tick() uint64 {
	return s.tick.Load()
}

// Stop ends the run at the next tick boundary. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Run executes ticks until MaxTicks, Stop or ctx cancellation. Cancelling
// ctx is a hard stop: in-flight decisions are abandoned and the aborted tick
// applies nothing. Both stops flush the journal before returning.
// Run returns nil on MaxTicks or Stop, ctx.Err() on a hard stop and the
// cause when the run had to halt.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.finalFlush()

	s.log.Infow("run_started",
		"run", s.journal.RunID(),
		"participants", len(s.participants),
		"max_ticks", s.cfg.MaxTicks,
	)

	for {
		if s.stopping() {
			s.log.Infow("run_stopped", "tick", s.Tick(), "reason", "stop")
			return nil
		}
		if err := ctx.Err(); err != nil {
			s.log.Infow("run_stopped", "tick", s.Tick(), "reason", "cancelled")
			return err
		}
		if s.cfg.MaxTicks > 0 && s.Tick() >= s.cfg.MaxTicks {
			s.log.Infow("run_stopped", "tick", s.Tick(), "reason", "max_ticks")
			return nil
		}

		start := s.clock.Now()
		if _, err := s.Step(ctx); err != nil {
			if ctx.Err() != nil {
				s.log.Infow("run_stopped", "tick", s.Tick(), "reason", "cancelled")
				return ctx.Err()
			}
			s.log.Errorw("run_halted", "tick", s.Tick()+1, "err", err)
			return err
		}

		if wait := s.cfg.MinTickDuration - s.clock.Now().Sub(start); wait > 0 {
			select {
			case <-s.clock.After(wait):
			case <-s.stop:
			case <-ctx.Done():
			}
		}
	}
}

func (s *Scheduler) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.journal.Flush(ctx); err != nil {
		s.log.Warnw("final_flush_failed", "pending", s.journal.Pending(), "err", err)
	}
	if err := s.portfolios.Persist(); err != nil {
		s.log.Warnw("portfolio_persist_failed", "err", err)
	}
}

// Step runs exactly one tick
func (s *Scheduler) Step(ctx context.Context) (TickReport, error) {
	start := s.clock.Now()
	tick := s.Tick() + 1
	report := TickReport{Tick: tick}

	state := s.engine.MarketState(tick)
	active := s.pick()

	decisions, err := s.dispatch(ctx, tick, state, active)
	if err != nil {
		return report, err
	}
	report.Decisions = len(decisions)

	s.audit(tick, decisions, &report)

	results, err := s.apply(context.WithoutCancel(ctx), tick, decisions)
	if err != nil {
		return report, err
	}
	for _, res := range results {
		tally(&report, res)
	}

	s.persist(ctx, tick, &report)

	report.Duration = s.clock.Now().Sub(start)
	s.tick.Store(tick)
	s.m.Ticks.Inc()
	s.m.TickDuration.Observe(report.Duration.Seconds())
	s.log.Infow("tick_complete",
		"tick", tick,
		"decisions", report.Decisions,
		"failed", report.Failed,
		"trades", report.Trades,
		"rejections", report.Rejections,
		"holds", report.Holds,
		"duration", report.Duration,
	)
	if s.onTick != nil {
		s.onTick(report)
	}
	return report, nil
}

// pick returns this tick's participants in a seeded random order
func (s *Scheduler) pick() []Participant {
	out := make([]Participant, len(s.participants))
	copy(out, s.participants)
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if n := s.cfg.ActivePerTick; n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// dispatch asks every active participant for an action, at most BatchSize at
// a time. Failed or timed out decisions become Hold. Returns ctx.Err() when
// the tick was cancelled, in which case nothing was collected.
func (s *Scheduler) dispatch(ctx context.Context, tick uint64, state engine.MarketState, active []Participant) ([]decided, error) {
	prices := s.engine.Prices()
	out := make([]decided, len(active))

	var g errgroup.Group
	g.SetLimit(s.cfg.BatchSize)
	for i, p := range active {
		g.Go(func() error {
			pf, _ := s.portfolios.Get(p.ID)
			req := decision.Request{
				Participant: p.ID,
				Tier:        p.Tier,
				Tick:        tick,
				Market:      state,
				Portfolio:   pf,
				Metrics:     pf.Metrics(prices),
				OpenOrders:  s.engine.OpenOrders(p.ID),
			}
			action, err := s.decide(ctx, req)
			out[i] = decided{participant: p, action: action, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		d := &out[i]
		if d.err == nil && d.action != nil {
			continue
		}
		reason := reasonDecisionFailed
		if errors.Is(d.err, context.DeadlineExceeded) {
			reason = reasonTimeout
		}
		s.log.Debugw("decision_failed", "participant", d.participant.ID, "tick", tick, "err", d.err)
		d.action = engine.Hold{Reason: reason}
		if d.err == nil {
			d.err = errors.New("decider returned no action")
		}
	}
	return out, nil
}

// decide bounds one decision by DecisionTimeout, even if the decider ignores ctx
func (s *Scheduler) decide(ctx context.Context, req decision.Request) (engine.Action, error) {
	if s.cfg.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DecisionTimeout)
		defer cancel()
	}

	type result struct {
		action engine.Action
		err    error
	}
	done := make(chan result, 1)
	go func() {
		a, err := s.decider.Decide(ctx, req)
		done <- result{action: a, err: err}
	}()

	select {
	case r := <-done:
		return r.action, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// audit records the raw decision of every participant in collection order
func (s *Scheduler) audit(tick uint64, decisions []decided, report *TickReport) {
	for _, d := range decisions {
		ix := ledger.Interaction{
			Kind:        ledger.KindAction,
			Participant: d.participant.ID,
			Action:      string(d.action.Kind()),
			Tick:        tick,
			Timestamp:   s.clock.Now(),
		}
		switch a := d.action.(type) {
		case engine.Buy:
			ix.Asset, ix.Price, ix.Qty = a.Asset, a.Price, a.Qty
		case engine.Sell:
			ix.Asset, ix.Price, ix.Qty = a.Asset, a.Price, a.Qty
		case engine.Cancel:
			ix.OrderID = a.OrderID
		case engine.Hold:
			ix.Reason = a.Reason
		}
		if d.err != nil {
			report.Failed++
			ix.Reason = fmt.Sprintf("%s: %v", ix.Reason, d.err)
		}
		s.journal.RecordInteraction(ix)
	}
}

// apply runs the collected actions: assets in parallel, each asset's actions
// sequentially in collection order, deltas applied right after each action.
// Actions without an asset (holds, unknown cancels) form their own lane.
func (s *Scheduler) apply(ctx context.Context, tick uint64, decisions []decided) ([]engine.Result, error) {
	var lanes []string
	byLane := make(map[string][]int)
	for i, d := range decisions {
		asset := s.engine.AssetOf(d.action)
		if _, ok := byLane[asset]; !ok {
			lanes = append(lanes, asset)
		}
		byLane[asset] = append(byLane[asset], i)
	}

	results := make([]engine.Result, len(decisions))
	var g errgroup.Group
	for _, lane := range lanes {
		idx := byLane[lane]
		g.Go(func() error {
			for _, i := range idx {
				d := decisions[i]
				res, err := s.engine.ProcessAction(ctx, engine.Request{
					Tick:        tick,
					Participant: d.participant.ID,
					Action:      d.action,
				})
				if errors.Is(err, engine.ErrBookCorrupted) {
					return err
				}
				if aerr := s.portfolios.ApplyAll(res.Deltas); aerr != nil {
					return fmt.Errorf("%w: %s at tick %d: %v", ErrDivergedState, d.participant.ID, tick, aerr)
				}
				results[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func tally(r *TickReport, res engine.Result) {
	if res.Action == nil {
		return
	}
	if res.Rejection != "" {
		r.Rejections++
		return
	}
	switch res.Action.(type) {
	case engine.Buy, engine.Sell:
		r.Orders++
	case engine.Cancel:
		r.Cancels++
	case engine.Hold:
		r.Holds++
	}
	r.Trades += len(res.Transactions)
	for _, tx := range res.Transactions {
		r.Volume += tx.Qty
	}
}

// persist flushes the ledger and portfolios and emits a checkpoint when due.
// Failures are reported and retried on the next tick, they never stop the run.
func (s *Scheduler) persist(ctx context.Context, tick uint64, report *TickReport) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlushTimeout)
	defer cancel()

	if err := s.journal.Flush(flushCtx); err != nil {
		s.log.Warnw("tick_flush_failed", "tick", tick, "err", err)
	}
	report.Pending = s.journal.Pending()
	if err := s.portfolios.Persist(); err != nil {
		s.log.Warnw("portfolio_persist_failed", "tick", tick, "err", err)
	}

	if s.cfg.CheckpointInterval == 0 || tick%s.cfg.CheckpointInterval != 0 {
		return
	}
	cp := s.Checkpoint(flushCtx, tick)
	if s.reporter != nil {
		if err := s.reporter.Report(flushCtx, cp); err != nil {
			s.log.Warnw("checkpoint_report_failed", "tick", tick, "err", err)
			return
		}
	}
	report.Checkpointed = true
	s.log.Infow("checkpoint_written", "tick", tick, "state_hash", cp.StateHash)
}

// Checkpoint builds a checkpoint of the current state labelled tick
func (s *Scheduler) Checkpoint(ctx context.Context, tick uint64) checkpoint.Checkpoint {
	run := s.journal.RunID()
	var recent []ledger.Transaction
	if s.store != nil && s.cfg.RecentTransactions > 0 {
		var err error
		recent, err = s.store.RecentTransactions(ctx, run, s.cfg.RecentTransactions)
		if err != nil {
			s.log.Warnw("recent_transactions_failed", "tick", tick, "err", err)
		}
	}
	return checkpoint.Build(
		run,
		s.clock.Now(),
		s.engine.StateHash().Hex(),
		s.engine.MarketState(tick),
		s.portfolios.Metrics(s.engine.Prices()),
		recent,
	)
}
