package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MARKET_ASSETS", "AAPL, MSFT,,GOOG")
	t.Setenv("SIM_BATCH_SIZE", "8")
	t.Setenv("SIM_MAX_TICKS", "100")
	t.Setenv("SIM_MIN_TICK_MS", "250")
	t.Setenv("ROUTER_WINDOW_MS", "30000")
	t.Setenv("ENGINE_NEGOTIATION", "true")
	t.Setenv("SIM_SEED_CASH", "not-a-number")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if got := cfg.Market.Assets; len(got) != 3 || got[1] != "MSFT" || got[2] != "GOOG" {
		t.Errorf("assets = %v", got)
	}
	if cfg.Sim.BatchSize != 8 {
		t.Errorf("batch size = %d, want 8", cfg.Sim.BatchSize)
	}
	if cfg.Sim.MaxTicks != 100 {
		t.Errorf("max ticks = %d, want 100", cfg.Sim.MaxTicks)
	}
	if cfg.Sim.MinTick != 250*time.Millisecond {
		t.Errorf("min tick = %s", cfg.Sim.MinTick)
	}
	if cfg.Router.Window != 30*time.Second {
		t.Errorf("router window = %s", cfg.Router.Window)
	}
	if !cfg.Market.Negotiate {
		t.Error("negotiation not enabled")
	}
	// invalid values keep the default
	if cfg.Sim.SeedCash != Default().Sim.SeedCash {
		t.Errorf("seed cash = %v, want default", cfg.Sim.SeedCash)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "MARKET_QUOTE=USD\nLEDGER_BACKEND=memory\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	// the environment wins over the file
	t.Setenv("LEDGER_BACKEND", "postgres")
	// registers a restore of MARKET_QUOTE, which the file load sets
	t.Setenv("MARKET_QUOTE", "")
	os.Unsetenv("MARKET_QUOTE")

	cfg := LoadFromEnv(path)
	if cfg.Market.Quote != "USD" {
		t.Errorf("quote = %q, want USD from file", cfg.Market.Quote)
	}
	if cfg.Ledger.Backend != "postgres" {
		t.Errorf("backend = %q, want postgres from env", cfg.Ledger.Backend)
	}
}

func TestAPIKey(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "k")
	if got := APIKey("groq"); got != "k" {
		t.Errorf("APIKey(groq) = %q", got)
	}
}
