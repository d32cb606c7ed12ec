package sim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Participant is a trading agent and the router tier it decides with
type Participant struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`
}

type Config struct {
	BatchSize          int           // decisions in flight at once
	ActivePerTick      int           // participants acting per tick, 0 for all
	MaxTicks           uint64        // 0 runs until stopped
	CheckpointInterval uint64        // 0 disables checkpoints
	MinTickDuration    time.Duration // pacing between tick starts
	DecisionTimeout    time.Duration // 0 leaves timeouts to the decider
	Seed               int64
	FlushTimeout       time.Duration // per journal flush, also used for the final flush on a hard stop
	RecentTransactions int           // transactions carried in a checkpoint
}

func DefaultConfig() Config {
	return Config{
		BatchSize:          4,
		ActivePerTick:      4,
		CheckpointInterval: 10,
		MinTickDuration:    2 * time.Second,
		Seed:               1,
		FlushTimeout:       10 * time.Second,
		RecentTransactions: 20,
	}
}

func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if c.ActivePerTick < 0 {
		return errors.New("active participants per tick must not be negative")
	}
	if c.FlushTimeout <= 0 {
		return errors.New("flush timeout must be positive")
	}
	return nil
}

// ParseParticipants reads either a count ("20" gives agent_1..agent_20 on
// defaultTier) or an explicit list ("alice=fast,bob=smart"). A list entry
// without a tier uses defaultTier.
func ParseParticipants(s, defaultTier string) ([]Participant, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return nil, fmt.Errorf("participant count %d must be positive", n)
		}
		out := make([]Participant, n)
		for i := range out {
			out[i] = Participant{ID: fmt.Sprintf("agent_%d", i+1), Tier: defaultTier}
		}
		return out, nil
	}

	var out []Participant
	seen := make(map[string]bool)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, tier, ok := strings.Cut(entry, "=")
		id, tier = strings.TrimSpace(id), strings.TrimSpace(tier)
		if !ok || tier == "" {
			tier = defaultTier
		}
		if id == "" {
			return nil, fmt.Errorf("participant entry %q has no id", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate participant %s", id)
		}
		seen[id] = true
		out = append(out, Participant{ID: id, Tier: tier})
	}
	if len(out) == 0 {
		return nil, errors.New("no participants")
	}
	return out, nil
}
