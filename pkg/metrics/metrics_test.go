package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Trades.WithLabelValues("AAPL").Add(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() != "agent_market_trades_total" {
			continue
		}
		found = true
		if got := f.GetMetric()[0].GetCounter().GetValue(); got != 3 {
			t.Errorf("trades = %v, want 3", got)
		}
	}
	if !found {
		t.Error("trades counter not registered")
	}
}

func TestNew_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	New(reg)
}

func TestOrNop(t *testing.T) {
	m := OrNop(nil)
	if m == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	m.Ticks.Inc() // must not panic unregistered

	real := New(nil)
	if OrNop(real) != real {
		t.Error("OrNop should return its argument when non-nil")
	}
}
