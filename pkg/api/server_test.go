package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/app/core/portfolio"
	"github.com/patrickpassosb/agent-market/pkg/checkpoint"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
	"github.com/patrickpassosb/agent-market/pkg/metrics"
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
	srv     *Server
	http    *httptest.Server
	eng     *engine.Engine
	pm      *portfolio.Manager
	store   *storage.MemoryStore
	journal *ledger.Journal
}

func newFixture(t *testing.T) *fixture {
	reg, err := market.NewRegistryWithSymbols("BTC", "AAPL", "MSFT")
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	store := storage.NewMemoryStore()
	run := ledger.Run{ID: ledger.NewRunID(), StartedAt: time.Now(), Quote: "BTC", Assets: reg.Symbols()}
	require.NoError(t, store.RecordRun(context.Background(), run))
	journal := ledger.NewJournal(store, run.ID)

	pm := portfolio.NewManager()
	for _, who := range []string{"alice", "bob"} {
		p := portfolio.New(who, market.AmountFromFloat(10))
		p.Holdings["AAPL"] = 100
		require.NoError(t, pm.Add(p))
	}
	eng := engine.New(reg, pm, journal, engine.WithMetrics(m))

	srv := NewServer(run.ID, eng, pm, store, WithGatherer(promReg))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &fixture{srv: srv, http: hs, eng: eng, pm: pm, store: store, journal: journal}
}

func (f *fixture) act(t *testing.T, tick uint64, who string, a engine.Action) {
	res, err := f.eng.ProcessAction(context.Background(), engine.Request{Tick: tick, Participant: who, Action: a})
	require.NoError(t, err)
	require.NoError(t, f.pm.ApplyAll(res.Deltas))
	require.NoError(t, f.journal.Flush(context.Background()))
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestMarketsAndOrderbook(t *testing.T) {
	f := newFixture(t)
	f.act(t, 1, "alice", engine.Buy{Asset: "AAPL", Price: px("0.005"), Qty: 10})
	f.act(t, 1, "bob", engine.Sell{Asset: "AAPL", Price: px("0.004"), Qty: 6})

	var markets []MarketInfo
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/markets", &markets))
	require.Len(t, markets, 2)
	assert.Equal(t, "AAPL", markets[0].Symbol)
	assert.Equal(t, "BTC", markets[0].Quote)
	assert.Equal(t, px("0.005"), markets[0].LastPrice)
	assert.Equal(t, 1, markets[0].BidOrders)

	var book OrderbookSnapshot
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/markets/AAPL/orderbook", &book))
	require.Len(t, book.Bids, 1)
	assert.Equal(t, PriceLevel{Price: px("0.005"), Size: 4, Orders: 1}, book.Bids[0])
	assert.Empty(t, book.Asks)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/markets/NOPE", nil))
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/markets/NOPE/orderbook", nil))
}

func TestTradesNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.act(t, 1, "alice", engine.Buy{Asset: "AAPL", Price: px("0.005"), Qty: 2})
	f.act(t, 1, "bob", engine.Sell{Asset: "AAPL", Price: px("0.005"), Qty: 1})
	f.act(t, 2, "bob", engine.Sell{Asset: "AAPL", Price: px("0.005"), Qty: 1})

	var trades []TradeInfo
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/markets/AAPL/trades?limit=1", &trades))
	require.Len(t, trades, 1)
	assert.EqualValues(t, 2, trades[0].Tick)
	assert.Equal(t, "alice", trades[0].Buyer)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/api/v1/markets/AAPL/trades?limit=-3", nil))

	var all []ledger.Transaction
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/runs/"+f.journal.RunID()+"/transactions", &all))
	assert.Len(t, all, 2)

	var none []ledger.Interaction
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/runs/unknown/interactions", &none))
	assert.Empty(t, none)
}

func TestParticipantsAndRuns(t *testing.T) {
	f := newFixture(t)
	f.act(t, 1, "alice", engine.Buy{Asset: "AAPL", Price: px("0.001"), Qty: 3})

	var all []portfolio.Metrics
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/participants", &all))
	require.Len(t, all, 2)
	assert.Equal(t, "alice", all[0].Participant)

	var one struct {
		Participant  string            `json:"participant"`
		ReservedCash int64             `json:"reservedCash"`
		OpenOrders   []json.RawMessage `json:"openOrders"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/participants/alice", &one))
	assert.Equal(t, "alice", one.Participant)
	assert.Len(t, one.OpenOrders, 1)
	assert.EqualValues(t, int64(px("0.001"))*3, one.ReservedCash)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/participants/carol", nil))

	var runs []ledger.Run
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/runs", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, f.journal.RunID(), runs[0].ID)
}

func TestLatestCheckpointAndHealth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/api/v1/checkpoints/latest", nil))

	require.NoError(t, f.srv.Report(context.Background(), checkpoint.Checkpoint{RunID: f.journal.RunID(), Tick: 10}))

	var cp checkpoint.Checkpoint
	require.Equal(t, http.StatusOK, f.get(t, "/api/v1/checkpoints/latest", &cp))
	assert.EqualValues(t, 10, cp.Tick)

	var health RunStatus
	require.Equal(t, http.StatusOK, f.get(t, "/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.EqualValues(t, 10, health.Tick)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.act(t, 1, "alice", engine.Hold{})

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `agent_market_actions_total{kind="hold"} 1`)
}

func (h *Hub) subscribed(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.IsSubscribed(channel) {
			return true
		}
	}
	return false
}

func TestWebSocketBroadcastsCheckpointsAndTrades(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.srv.Hub().Run(ctx)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelCheckpoints, ChannelTrades}}))
	require.Eventually(t, func() bool { return f.srv.Hub().subscribed(ChannelTrades) }, 2*time.Second, 10*time.Millisecond)

	trade := ledger.Transaction{ID: "t1", Asset: "AAPL", Price: px("0.005"), Qty: 2, Tick: 3, Seq: 1}
	cp := checkpoint.Checkpoint{RunID: "r", Tick: 3, RecentTransactions: []ledger.Transaction{trade}}
	require.NoError(t, f.srv.Report(context.Background(), cp))
	// the same trade is not sent twice
	cp.Tick = 4
	require.NoError(t, f.srv.Report(context.Background(), cp))

	var kinds []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(kinds) < 3 {
		var msg struct {
			Type string `json:"type"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		kinds = append(kinds, msg.Type)
	}
	assert.Equal(t, []string{"checkpoint", "trade", "checkpoint"}, kinds)
}
