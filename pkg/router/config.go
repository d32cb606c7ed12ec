package router

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ParseTiers parses "fast=groq:llama-3.1-8b,openai:gpt-4o-mini;smart=openai:gpt-4o".
// Candidate order within a tier is preserved.
func ParseTiers(s string) (map[string][]Candidate, error) {
	tiers := make(map[string][]Candidate)
	for _, entry := range splitNonEmpty(s, ";") {
		name, list, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid tier entry %q", entry)
		}
		if _, dup := tiers[name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", name)
		}
		var cands []Candidate
		for _, item := range splitNonEmpty(list, ",") {
			provider, model, ok := strings.Cut(item, ":")
			provider, model = strings.TrimSpace(provider), strings.TrimSpace(model)
			if !ok || provider == "" || model == "" {
				return nil, fmt.Errorf("invalid candidate %q in tier %s", item, name)
			}
			cands = append(cands, Candidate{Provider: provider, Model: model})
		}
		if len(cands) == 0 {
			return nil, fmt.Errorf("tier %s has no candidates", name)
		}
		tiers[name] = cands
	}
	return tiers, nil
}

// ParseBudgets parses "groq=30,openai=60" into requests per window
func ParseBudgets(s string) (map[string]int, error) {
	out := make(map[string]int)
	err := parsePairs(s, func(k, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid budget %q for %s", v, k)
		}
		out[k] = n
		return nil
	})
	return out, err
}

// ParseTimeouts parses "fast=5s,smart=20s"
func ParseTimeouts(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	err := parsePairs(s, func(k, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid timeout %q for %s", v, k)
		}
		out[k] = d
		return nil
	})
	return out, err
}

// ParseEndpoints parses "groq=https://api.groq.com/openai/v1/chat/completions,..."
func ParseEndpoints(s string) (map[string]string, error) {
	out := make(map[string]string)
	err := parsePairs(s, func(k, v string) error {
		out[k] = v
		return nil
	})
	return out, err
}

func parsePairs(s string, set func(k, v string) error) error {
	for _, item := range splitNonEmpty(s, ",") {
		k, v, ok := strings.Cut(item, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return fmt.Errorf("invalid pair %q", item)
		}
		if err := set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Providers lists every provider referenced by tiers, sorted
func Providers(tiers map[string][]Candidate) []string {
	seen := make(map[string]bool)
	var out []string
	for _, cands := range tiers {
		for _, c := range cands {
			if !seen[c.Provider] {
				seen[c.Provider] = true
				out = append(out, c.Provider)
			}
		}
	}
	slices.Sort(out)
	return out
}
