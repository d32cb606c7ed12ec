package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickpassosb/agent-market/params"
	"github.com/patrickpassosb/agent-market/pkg/api"
	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/app/core/portfolio"
	"github.com/patrickpassosb/agent-market/pkg/checkpoint"
	"github.com/patrickpassosb/agent-market/pkg/decision"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
	"github.com/patrickpassosb/agent-market/pkg/metrics"
	"github.com/patrickpassosb/agent-market/pkg/router"
	"github.com/patrickpassosb/agent-market/pkg/sim"
	"github.com/patrickpassosb/agent-market/pkg/storage"
	"github.com/patrickpassosb/agent-market/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.LoggerFor(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := run(cfg, sugar); err != nil {
		sugar.Errorw("simulation_failed", "err", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Markets ----
	reg, err := market.NewRegistryWithSymbols(cfg.Market.Quote, cfg.Market.Assets...)
	if err != nil {
		return fmt.Errorf("markets: %w", err)
	}
	seedPrice, err := market.ParsePrice(cfg.Market.SeedPrice)
	if err != nil {
		return fmt.Errorf("seed price: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	// ---- Ledger ----
	store, err := openLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer store.Close()

	r := ledger.Run{
		ID:        ledger.NewRunID(),
		StartedAt: time.Now().UTC(),
		Quote:     reg.Quote(),
		Assets:    reg.Symbols(),
	}
	if err := store.RecordRun(context.Background(), r); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	journal := ledger.NewJournal(store, r.ID, ledger.WithLogger(sugar), ledger.WithMetrics(m))

	// ---- Router ----
	rcfg, err := routerConfig(cfg.Router)
	if err != nil {
		return err
	}
	providers, err := buildProviders(cfg, rcfg.Tiers, sugar)
	if err != nil {
		return err
	}
	rt, err := router.New(rcfg, providers, router.WithLogger(sugar), router.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	// ---- Participants ----
	participants, err := sim.ParseParticipants(cfg.Sim.Participants, defaultTier(rcfg.Tiers))
	if err != nil {
		return fmt.Errorf("participants: %w", err)
	}
	for _, p := range participants {
		if _, ok := rcfg.Tiers[p.Tier]; !ok {
			return fmt.Errorf("participant %s: %w: %s", p.ID, router.ErrUnknownTier, p.Tier)
		}
	}

	pm, err := openPortfolios(cfg.Ledger, r.ID)
	if err != nil {
		return err
	}
	defer pm.Close()

	cash := market.AmountFromFloat(cfg.Sim.SeedCash)
	for _, p := range participants {
		if _, err := pm.Open(p.ID, cash); err != nil {
			return fmt.Errorf("open portfolio %s: %w", p.ID, err)
		}
		if cfg.Sim.SeedQty <= 0 {
			continue
		}
		for _, asset := range reg.Symbols() {
			ok, err := pm.Seed(p.ID, asset, cfg.Sim.SeedQty, seedPrice)
			if err != nil {
				return err
			}
			if !ok {
				sugar.Warnw("seed_skipped", "participant", p.ID, "asset", asset, "reason", "insufficient_cash")
			}
		}
	}

	// ---- Engine ----
	eng := engine.New(reg, pm, journal,
		engine.WithLogger(sugar),
		engine.WithMetrics(m),
		engine.WithNegotiation(cfg.Market.Negotiate),
		engine.WithInitialPrice(seedPrice),
		engine.WithSnapshotDepth(cfg.Market.SnapDepth),
	)

	// ---- Scheduler ----
	simCfg := sim.DefaultConfig()
	simCfg.BatchSize = cfg.Sim.BatchSize
	simCfg.ActivePerTick = cfg.Sim.ActivePerTick
	simCfg.MaxTicks = cfg.Sim.MaxTicks
	simCfg.CheckpointInterval = cfg.Sim.CheckpointInterval
	simCfg.MinTickDuration = cfg.Sim.MinTick
	simCfg.Seed = cfg.Sim.Seed
	// a decision may walk every candidate of its tier before giving up
	for tier := range rcfg.Tiers {
		simCfg.DecisionTimeout = max(simCfg.DecisionTimeout, rcfg.MaxLatency(tier))
	}

	server := api.NewServer(r.ID, eng, pm, store, api.WithLogger(sugar), api.WithGatherer(promReg))
	files := checkpoint.NewFileWriter(cfg.CheckpointDir)

	sched, err := sim.New(simCfg, eng, pm, journal, decision.NewRoutedDecider(rt, sugar), participants,
		sim.WithLogger(sugar),
		sim.WithMetrics(m),
		sim.WithStore(store),
		sim.WithReporter(checkpoint.Multi{files, server}),
	)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	sugar.Infow("simulation_starting",
		"run", r.ID,
		"quote", reg.Quote(),
		"assets", reg.Symbols(),
		"participants", len(participants),
		"ledger", cfg.Ledger.Backend,
		"api", cfg.APIAddr,
	)

	// First signal stops at the next tick boundary, the second aborts the tick in flight.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		sugar.Infow("shutdown_requested", "mode", "graceful")
		sched.Stop()
		select {
		case <-sigs:
		case <-ctx.Done():
			return
		}
		sugar.Infow("shutdown_requested", "mode", "hard")
		cancel()
	}()

	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopAPI()
		return sched.Run(gctx)
	})
	if cfg.APIAddr != "" {
		g.Go(func() error {
			return server.Start(apiCtx, cfg.APIAddr)
		})
	}
	runErr := g.Wait()

	// closing checkpoint, also after a hard stop
	if tick := sched.Tick(); tick > 0 {
		finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFinal()
		if _, err := files.Write(sched.Checkpoint(finalCtx, tick)); err != nil {
			sugar.Warnw("final_checkpoint_failed", "tick", tick, "err", err)
		}
	}

	sugar.Infow("simulation_finished", "run", r.ID, "ticks", sched.Tick())
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func openLedger(cfg params.Ledger) (ledger.Store, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "pebble":
		s, err := storage.NewPebbleStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open pebble ledger: %w", err)
		}
		return s, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("LEDGER_POSTGRES_DSN is required for the postgres ledger")
		}
		s, err := storage.OpenPostgres(storage.PostgresOption{ConnString: cfg.PostgresDSN})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// openPortfolios keeps portfolio snapshots next to a pebble ledger
func openPortfolios(cfg params.Ledger, run string) (*portfolio.Manager, error) {
	if cfg.Backend != "pebble" {
		return portfolio.NewManager(), nil
	}
	store, err := portfolio.NewStore(cfg.Path + "-portfolios")
	if err != nil {
		return nil, fmt.Errorf("open portfolio store: %w", err)
	}
	return portfolio.NewManagerWithStore(store, run), nil
}

func routerConfig(cfg params.Router) (router.Config, error) {
	tiers, err := router.ParseTiers(cfg.Tiers)
	if err != nil {
		return router.Config{}, fmt.Errorf("ROUTER_TIERS: %w", err)
	}
	budgets, err := router.ParseBudgets(cfg.Budgets)
	if err != nil {
		return router.Config{}, fmt.Errorf("ROUTER_BUDGETS: %w", err)
	}
	timeouts, err := router.ParseTimeouts(cfg.Timeouts)
	if err != nil {
		return router.Config{}, fmt.Errorf("ROUTER_TIMEOUTS: %w", err)
	}
	return router.Config{
		Tiers:          tiers,
		Budgets:        budgets,
		DefaultBudget:  cfg.DefaultBudget,
		Window:         cfg.Window,
		Timeouts:       timeouts,
		DefaultTimeout: cfg.DefaultTimeout,
	}, nil
}

// buildProviders serves providers with a configured endpoint over HTTP and
// every other provider with the local random trader.
func buildProviders(cfg params.Config, tiers map[string][]router.Candidate, sugar *zap.SugaredLogger) (map[string]router.Provider, error) {
	endpoints, err := router.ParseEndpoints(cfg.Router.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("ROUTER_ENDPOINTS: %w", err)
	}

	providers := make(map[string]router.Provider)
	for _, name := range router.Providers(tiers) {
		if endpoint, ok := endpoints[name]; ok {
			providers[name] = decision.NewHTTPCaller(endpoint, params.APIKey(name))
			sugar.Infow("provider_configured", "provider", name, "kind", "http", "endpoint", endpoint)
			continue
		}
		providers[name] = decision.NewRandomCaller(cfg.Sim.Seed)
		sugar.Infow("provider_configured", "provider", name, "kind", "random")
	}
	return providers, nil
}

// defaultTier is "fast" when configured, otherwise the first tier by name
func defaultTier(tiers map[string][]router.Candidate) string {
	if _, ok := tiers["fast"]; ok {
		return "fast"
	}
	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
