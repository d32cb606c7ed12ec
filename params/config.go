package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Market struct {
	Assets    []string
	Quote     string
	Negotiate bool   // reprice non-crossing limits to the midpoint
	SeedPrice string // reference price of every book before the first trade
	SnapDepth int    // price levels per side in market snapshots
}

type Sim struct {
	BatchSize          int
	ActivePerTick      int
	MaxTicks           uint64
	CheckpointInterval uint64
	MinTick            time.Duration
	Seed               int64
	// Participants is either a count ("20", ids agent_1..agent_20) or an
	// explicit list of id=tier pairs ("alice=fast,bob=smart").
	Participants string
	SeedCash     float64 // quote units per participant
	SeedQty      int64   // units of every asset per participant, bought at SeedPrice
}

type Router struct {
	Tiers          string // fast=groq:llama-3.1-8b,openai:gpt-4o-mini;smart=...
	Budgets        string // groq=30,openai=60
	DefaultBudget  int
	Window         time.Duration
	Timeouts       string // fast=5s,smart=20s
	DefaultTimeout time.Duration
	// Endpoints maps provider names to HTTP endpoints. Providers without an
	// endpoint are served by the local random trader.
	Endpoints string
}

type Ledger struct {
	Backend     string // memory | pebble | postgres
	Path        string // pebble directory
	PostgresDSN string
}

type Config struct {
	Market        Market
	Sim           Sim
	Router        Router
	Ledger        Ledger
	CheckpointDir string
	APIAddr       string
	LogFile       string
}

func Default() Config {
	return Config{
		Market: Market{
			Assets:    []string{"AAPL"},
			Quote:     "BTC",
			SeedPrice: "0.005",
			SnapDepth: 5,
		},
		Sim: Sim{
			BatchSize:          4,
			ActivePerTick:      4,
			CheckpointInterval: 10,
			MinTick:            2 * time.Second,
			Seed:               1,
			Participants:       "20",
			SeedCash:           10000,
			SeedQty:            10,
		},
		Router: Router{
			Tiers:          "fast=local:random",
			DefaultBudget:  30,
			Window:         time.Minute,
			DefaultTimeout: 10 * time.Second,
		},
		Ledger: Ledger{
			Backend: "pebble",
			Path:    "data/ledger",
		},
		CheckpointDir: "checkpoints",
		APIAddr:       ":8080",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if assets := os.Getenv("MARKET_ASSETS"); assets != "" {
		cfg.Market.Assets = splitList(assets)
	}
	cfg.Market.Quote = getEnv("MARKET_QUOTE", cfg.Market.Quote)
	cfg.Market.SeedPrice = getEnv("SIM_SEED_PRICE", cfg.Market.SeedPrice)
	if v := os.Getenv("ENGINE_NEGOTIATION"); v != "" {
		cfg.Market.Negotiate = v == "true"
	}

	setInt(&cfg.Sim.BatchSize, "SIM_BATCH_SIZE")
	setInt(&cfg.Sim.ActivePerTick, "SIM_ACTIVE_PER_TICK")
	setUint(&cfg.Sim.MaxTicks, "SIM_MAX_TICKS")
	setUint(&cfg.Sim.CheckpointInterval, "SIM_CHECKPOINT_INTERVAL")
	setMillis(&cfg.Sim.MinTick, "SIM_MIN_TICK_MS")
	if v := os.Getenv("SIM_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sim.Seed = n
		}
	}
	cfg.Sim.Participants = getEnv("SIM_PARTICIPANTS", cfg.Sim.Participants)
	if v := os.Getenv("SIM_SEED_CASH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Sim.SeedCash = f
		}
	}
	if v := os.Getenv("SIM_SEED_QTY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Sim.SeedQty = n
		}
	}

	cfg.Router.Tiers = getEnv("ROUTER_TIERS", cfg.Router.Tiers)
	cfg.Router.Budgets = getEnv("ROUTER_BUDGETS", cfg.Router.Budgets)
	cfg.Router.Timeouts = getEnv("ROUTER_TIMEOUTS", cfg.Router.Timeouts)
	cfg.Router.Endpoints = getEnv("ROUTER_ENDPOINTS", cfg.Router.Endpoints)
	setMillis(&cfg.Router.Window, "ROUTER_WINDOW_MS")
	setInt(&cfg.Router.DefaultBudget, "ROUTER_DEFAULT_BUDGET")
	setMillis(&cfg.Router.DefaultTimeout, "ROUTER_DEFAULT_TIMEOUT_MS")

	cfg.Ledger.Backend = getEnv("LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.Path = getEnv("LEDGER_PATH", cfg.Ledger.Path)
	cfg.Ledger.PostgresDSN = getEnv("LEDGER_POSTGRES_DSN", cfg.Ledger.PostgresDSN)

	cfg.CheckpointDir = getEnv("CHECKPOINT_DIR", cfg.CheckpointDir)
	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	return cfg
}

// APIKey returns the bearer key of a provider from <PROVIDER>_API_KEY
func APIKey(provider string) string {
	return os.Getenv(strings.ToUpper(provider) + "_API_KEY")
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func setUint(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
