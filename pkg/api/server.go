package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/app/core/orderbook"
	"github.com/patrickpassosb/agent-market/pkg/app/core/portfolio"
	"github.com/patrickpassosb/agent-market/pkg/checkpoint"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
	"github.com/patrickpassosb/agent-market/pkg/util"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 1000
)

// Server handles REST API and WebSocket connections for one run. It is also
// a checkpoint.Reporter: every checkpoint is kept as the latest and pushed
// to WebSocket subscribers.
type Server struct {
	run        string
	engine     *engine.Engine
	portfolios *portfolio.Manager
	store      ledger.Store
	gatherer   prometheus.Gatherer
	origins    []string

	router *mux.Router
	hub    *Hub
	clock  util.Clock
	log    *zap.SugaredLogger

	mu     sync.RWMutex
	latest *checkpoint.Checkpoint
	sent   ledger.Transaction // newest trade already broadcast
}

type Option func(*Server)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithGatherer serves gatherer on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

func WithClock(c util.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer creates a new API server
func NewServer(run string, eng *engine.Engine, pm *portfolio.Manager, store ledger.Store, opts ...Option) *Server {
	s := &Server{
		run:        run,
		engine:     eng,
		portfolios: pm,
		store:      store,
		gatherer:   prometheus.DefaultGatherer,
		origins:    []string{"http://localhost:3000", "http://localhost:3001"},
		router:     mux.NewRouter(),
		clock:      util.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = util.OrNop(s.log)
	s.hub = NewHub(s.log)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Participant endpoints
	api.HandleFunc("/participants", s.handleGetParticipants).Methods("GET")
	api.HandleFunc("/participants/{id}", s.handleGetParticipant).Methods("GET")

	// Ledger endpoints
	api.HandleFunc("/runs", s.handleGetRuns).Methods("GET")
	api.HandleFunc("/runs/{run}/transactions", s.handleGetTransactions).Methods("GET")
	api.HandleFunc("/runs/{run}/interactions", s.handleGetInteractions).Methods("GET")

	api.HandleFunc("/checkpoints/latest", s.handleGetLatestCheckpoint).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routes wrapped in CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	state := s.engine.MarketState(s.latestTick())

	response := make([]MarketInfo, len(state.Books))
	for i, book := range state.Books {
		response[i] = marketInfo(state.Quote, book)
	}

	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	book, err := s.engine.Book(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}

	respondJSON(w, marketInfo(s.engine.MarketState(0).Quote, book))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	book, err := s.engine.Book(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "orderbook not found", err.Error())
		return
	}

	respondJSON(w, OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      levels(book.Bids),
		Asks:      levels(book.Asks),
		Timestamp: s.clock.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, err := s.engine.Book(symbol); err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}

	limit, err := queryLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}

	txs, err := s.store.RecentTransactions(r.Context(), s.run, maxTradeLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger unavailable", err.Error())
		return
	}

	// newest first
	trades := make([]TradeInfo, 0, limit)
	for i := len(txs) - 1; i >= 0 && len(trades) < limit; i-- {
		if txs[i].Asset == symbol {
			trades = append(trades, tradeInfo(txs[i]))
		}
	}

	respondJSON(w, trades)
}

func (s *Server) handleGetParticipants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.portfolios.Metrics(s.engine.Prices()))
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, ok := s.portfolios.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "participant not found", id)
		return
	}

	respondJSON(w, struct {
		portfolio.Metrics
		OpenOrders []orderbook.Order `json:"openOrders"`
	}{
		Metrics:    p.Metrics(s.engine.Prices()),
		OpenOrders: s.engine.OpenOrders(id),
	})
}

func (s *Server) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.Runs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger unavailable", err.Error())
		return
	}
	respondJSON(w, runs)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.TransactionsForRun(r.Context(), mux.Vars(r)["run"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger unavailable", err.Error())
		return
	}
	respondJSON(w, nonNil(txs))
}

func (s *Server) handleGetInteractions(w http.ResponseWriter, r *http.Request) {
	ixs, err := s.store.InteractionsForRun(r.Context(), mux.Vars(r)["run"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger unavailable", err.Error())
		return
	}
	respondJSON(w, nonNil(ixs))
}

func (s *Server) handleGetLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()

	if latest == nil {
		respondError(w, http.StatusNotFound, "no checkpoint yet", "")
		return
	}
	respondJSON(w, latest)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, RunStatus{Status: "ok", RunID: s.run, Tick: s.latestTick()})
}

// ==============================
// Broadcast Methods (called from the scheduler)
// ==============================

// Report keeps cp as the latest checkpoint and broadcasts it, followed by
// every trade in it that was not broadcast before.
func (s *Server) Report(_ context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	s.latest = &cp
	var fresh []ledger.Transaction
	for _, tx := range cp.RecentTransactions {
		if ledger.TransactionLess(s.sent, tx) {
			fresh = append(fresh, tx)
		}
	}
	if len(fresh) > 0 {
		s.sent = fresh[len(fresh)-1]
	}
	s.mu.Unlock()

	s.hub.BroadcastToChannel(ChannelCheckpoints, CheckpointUpdate{Type: "checkpoint", Checkpoint: cp})
	for _, tx := range fresh {
		s.hub.BroadcastToChannel(ChannelTrades, TradeUpdate{Type: "trade", Trade: tradeInfo(tx)})
	}
	return nil
}

func (s *Server) latestTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return 0
	}
	return s.latest.Tick
}

// ==============================
// Helper Functions
// ==============================

func marketInfo(quote string, book orderbook.Snapshot) MarketInfo {
	return MarketInfo{
		Symbol:    book.Asset,
		Quote:     quote,
		LastPrice: book.LastPrice,
		BestBid:   book.BestBid,
		BestAsk:   book.BestAsk,
		BidOrders: book.BidOrders,
		AskOrders: book.AskOrders,
		Trades:    book.Trades,
	}
}

func levels(in []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, lv := range in {
		out[i] = PriceLevel{Price: lv.Price, Size: lv.Qty, Orders: lv.Orders}
	}
	return out
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultTradeLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxTradeLimit), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
