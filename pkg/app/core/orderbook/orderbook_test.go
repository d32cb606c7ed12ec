package orderbook

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
)

func px(s string) market.Price {
	p, err := market.ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

func limit(id, who string, side Side, price string, qty int64) *Order {
	return &Order{ID: id, Participant: who, Side: side, Price: px(price), Qty: qty}
}

func TestSubmit_FillsAtMakerPrice(t *testing.T) {
	ob := NewOrderBook("AAPL")

	if _, err := ob.Submit(limit("b1", "A", Buy, "0.005", 10)); err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	res, err := ob.Submit(limit("s1", "B", Sell, "0.004", 6))
	if err != nil {
		t.Fatalf("submit sell: %v", err)
	}

	if len(res.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(res.Fills))
	}
	f := res.Fills[0]
	if f.Price != px("0.005") || f.Qty != 6 {
		t.Errorf("fill = %s x %d, want 0.005 x 6", f.Price, f.Qty)
	}
	if f.Buyer() != "A" || f.Seller() != "B" {
		t.Errorf("buyer/seller = %s/%s, want A/B", f.Buyer(), f.Seller())
	}
	if res.Order.Status != Filled {
		t.Errorf("taker status = %s, want filled", res.Order.Status)
	}

	rest, ok := ob.Get("b1")
	if !ok {
		t.Fatal("residual buy should rest")
	}
	if rest.Remaining != 4 || rest.Status != PartiallyFilled {
		t.Errorf("residual = %d (%s), want 4 partially_filled", rest.Remaining, rest.Status)
	}
	if ob.LastPrice() != px("0.005") {
		t.Errorf("last price = %s", ob.LastPrice())
	}
}

func TestSubmit_TimePriority(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Submit(limit("s1", "A", Sell, "1", 5))
	ob.Submit(limit("s2", "B", Sell, "1", 5))
	ob.Submit(limit("s3", "C", Sell, "0.9", 5))

	res, err := ob.Submit(limit("b1", "D", Buy, "1", 12))
	if err != nil {
		t.Fatal(err)
	}

	want := []struct {
		maker string
		price string
		qty   int64
	}{
		{"s3", "0.9", 5}, // better price first
		{"s1", "1", 5},   // then earliest at same price
		{"s2", "1", 2},
	}
	if len(res.Fills) != len(want) {
		t.Fatalf("fills = %d, want %d", len(res.Fills), len(want))
	}
	for i, w := range want {
		f := res.Fills[i]
		if f.MakerID != w.maker || f.Price != px(w.price) || f.Qty != w.qty {
			t.Errorf("fill %d = %s %s x %d, want %s %s x %d", i, f.MakerID, f.Price, f.Qty, w.maker, w.price, w.qty)
		}
	}
	if s2, ok := ob.Get("s2"); !ok || s2.Remaining != 3 {
		t.Errorf("s2 remaining = %d, want 3", s2.Remaining)
	}
}

func TestSubmit_NoCrossRests(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Submit(limit("b1", "A", Buy, "0.004", 10))
	res, err := ob.Submit(limit("s1", "B", Sell, "0.005", 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fills) != 0 {
		t.Errorf("expected no fills, got %d", len(res.Fills))
	}
	q := ob.BestQuotes()
	if !q.HasBid || !q.HasAsk || q.Bid != px("0.004") || q.Ask != px("0.005") {
		t.Errorf("quotes = %+v", q)
	}
}

func TestSubmit_Validation(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Submit(limit("dup", "A", Buy, "1", 1))

	tests := []struct {
		name  string
		order *Order
		want  error
	}{
		{"nil order", nil, ErrInvalidOrder},
		{"empty id", limit("", "A", Buy, "1", 1), ErrInvalidOrder},
		{"zero qty", limit("x1", "A", Buy, "1", 0), ErrInvalidOrder},
		{"negative qty", limit("x2", "A", Sell, "1", -3), ErrInvalidOrder},
		{"zero price", &Order{ID: "x3", Side: Buy, Qty: 1}, ErrInvalidOrder},
		{"bad side", &Order{ID: "x4", Side: 0, Price: px("1"), Qty: 1}, ErrInvalidOrder},
		{"wrong asset", &Order{ID: "x5", Asset: "MSFT", Side: Buy, Price: px("1"), Qty: 1}, ErrInvalidOrder},
		{"duplicate id", limit("dup", "A", Buy, "1", 1), ErrDuplicateOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ob.Submit(tt.order)
			if !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}

	if bids, asks := ob.Len(); bids != 1 || asks != 0 {
		t.Errorf("rejected orders changed the book: bids=%d asks=%d", bids, asks)
	}
}

func TestSubmit_SequenceMustIncrease(t *testing.T) {
	ob := NewOrderBook("AAPL")
	o := limit("a", "A", Buy, "1", 1)
	o.Seq = 5
	if _, err := ob.Submit(o); err != nil {
		t.Fatal(err)
	}
	stale := limit("b", "A", Buy, "1", 1)
	stale.Seq = 5
	if _, err := ob.Submit(stale); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("expected stale sequence to be rejected, got %v", err)
	}
	res, err := ob.Submit(limit("c", "A", Buy, "1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Order.Seq != 6 {
		t.Errorf("assigned seq = %d, want 6", res.Order.Seq)
	}
}

func TestCancel_RoundTrip(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Submit(limit("b0", "A", Buy, "0.9", 3))
	before := ob.Snapshot()

	ob.Submit(limit("b1", "A", Buy, "1", 10))
	got, err := ob.Cancel("b1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != Cancelled || got.Remaining != 10 {
		t.Errorf("cancelled order = %+v", got)
	}

	after := ob.Snapshot()
	if after.BidOrders != before.BidOrders || after.BidVolume != before.BidVolume {
		t.Errorf("depth changed: before %+v after %+v", before, after)
	}
	if *after.BestBid != px("0.9") {
		t.Errorf("best bid = %s, want 0.9", after.BestBid)
	}

	if _, err := ob.Cancel("b1"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("second cancel error = %v, want ErrOrderNotFound", err)
	}
}

func TestCancel_FilledOrderNotFound(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Submit(limit("s1", "A", Sell, "1", 2))
	ob.Submit(limit("b1", "B", Buy, "1", 2))

	if _, err := ob.Cancel("s1"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("cancel filled maker: %v", err)
	}
	if _, err := ob.Cancel("b1"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("cancel filled taker: %v", err)
	}
}

func TestCancel_MiddleOfHeap(t *testing.T) {
	ob := NewOrderBook("AAPL")
	for i := 0; i < 10; i++ {
		ob.Submit(limit(fmt.Sprintf("s%d", i), "A", Sell, fmt.Sprintf("1.%d", i), 1))
	}
	if _, err := ob.Cancel("s0"); err != nil {
		t.Fatal(err)
	}
	if _, err := ob.Cancel("s5"); err != nil {
		t.Fatal(err)
	}

	levels := ob.AskLevels()
	if len(levels) != 8 {
		t.Fatalf("levels = %d, want 8", len(levels))
	}
	if levels[0].Price != px("1.1") {
		t.Errorf("best ask = %s, want 1.1", levels[0].Price)
	}
	for i := 1; i < len(levels); i++ {
		if levels[i].Price <= levels[i-1].Price {
			t.Errorf("ask levels out of order at %d", i)
		}
	}
}

func TestOrders_ByParticipant(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.Submit(limit("a1", "A", Buy, "1", 1))
	ob.Submit(limit("b1", "B", Buy, "1", 1))
	ob.Submit(limit("a2", "A", Sell, "2", 1))

	got := ob.Orders("A")
	if len(got) != 2 || got[0].ID != "a1" || got[1].ID != "a2" {
		t.Errorf("Orders(A) = %+v", got)
	}
	if len(ob.Orders("nobody")) != 0 {
		t.Error("expected no orders")
	}
}

func TestSnapshot_Levels(t *testing.T) {
	ob := NewOrderBook("AAPL")
	ob.SetSnapshotDepth(2)
	ob.Submit(limit("b1", "A", Buy, "1", 2))
	ob.Submit(limit("b2", "B", Buy, "1", 3))
	ob.Submit(limit("b3", "C", Buy, "0.9", 1))
	ob.Submit(limit("b4", "C", Buy, "0.8", 1))

	s := ob.Snapshot()
	if s.BestAsk != nil {
		t.Error("expected no best ask")
	}
	if len(s.Bids) != 2 {
		t.Fatalf("bid levels = %d, want 2", len(s.Bids))
	}
	if s.Bids[0].Price != px("1") || s.Bids[0].Qty != 5 || s.Bids[0].Orders != 2 {
		t.Errorf("top level = %+v", s.Bids[0])
	}
	if s.BidVolume != 7 || s.BidOrders != 4 {
		t.Errorf("volume/orders = %d/%d", s.BidVolume, s.BidOrders)
	}
}

func TestSubmit_DoesNotAliasCaller(t *testing.T) {
	ob := NewOrderBook("AAPL")
	o := limit("b1", "A", Buy, "1", 5)
	ob.Submit(o)
	o.Qty = 99
	o.Price = px("50")

	got, _ := ob.Get("b1")
	if got.Remaining != 5 || got.Price != px("1") {
		t.Errorf("book order mutated through caller pointer: %+v", got)
	}
}

// Arbitrary submit/cancel sequences never leave a crossed book and never lose quantity.
func TestProperty_NeverCrossed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ob := NewOrderBook("AAPL")
		var ids []string
		var submitted, filled, cancelled, resting int64

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(ids) > 0 && rapid.Bool().Draw(t, "cancel") {
				id := rapid.SampledFrom(ids).Draw(t, "id")
				if o, err := ob.Cancel(id); err == nil {
					cancelled += o.Remaining
				}
				continue
			}
			side := Buy
			if rapid.Bool().Draw(t, "sell") {
				side = Sell
			}
			o := &Order{
				ID:          fmt.Sprintf("o%d", i),
				Participant: fmt.Sprintf("p%d", rapid.IntRange(0, 3).Draw(t, "who")),
				Side:        side,
				Price:       market.Price(rapid.Int64Range(90, 110).Draw(t, "price")),
				Qty:         rapid.Int64Range(1, 20).Draw(t, "qty"),
			}
			res, err := ob.Submit(o)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			ids = append(ids, o.ID)
			submitted += o.Qty
			for _, f := range res.Fills {
				if f.Qty <= 0 {
					t.Fatalf("non-positive fill %+v", f)
				}
				filled += 2 * f.Qty
			}
			if err := ob.CheckInvariant(); err != nil {
				t.Fatal(err)
			}
		}

		s := ob.Snapshot()
		resting = s.BidVolume + s.AskVolume
		if submitted != filled+cancelled+resting {
			t.Fatalf("qty leak: submitted=%d filled=%d cancelled=%d resting=%d", submitted, filled, cancelled, resting)
		}
	})
}

func BenchmarkSubmit(b *testing.B) {
	ob := NewOrderBook("AAPL")
	for i := 0; i < 100; i++ {
		ob.Submit(&Order{ID: fmt.Sprintf("bid-%d", i), Side: Buy, Price: market.Price(1000 - i), Qty: 100})
		ob.Submit(&Order{ID: fmt.Sprintf("ask-%d", i), Side: Sell, Price: market.Price(1100 + i), Qty: 100})
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		side := Buy
		price := market.Price(900)
		if i%2 == 0 {
			side = Sell
			price = 1200
		}
		ob.Submit(&Order{ID: fmt.Sprintf("bench-%d", i), Side: side, Price: price, Qty: 10})
	}
}
