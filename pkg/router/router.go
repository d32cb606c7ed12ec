package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickpassosb/agent-market/pkg/metrics"
	"github.com/patrickpassosb/agent-market/pkg/util"
)

var (
	// ErrAllProvidersExhausted is the terminal state of Invoke: every candidate
	// was over budget or failed.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrUnknownTier           = errors.New("unknown tier")
	ErrUnknownProvider       = errors.New("unknown provider")
	// ErrRateLimited is returned by providers when the upstream rejects a call for rate
	ErrRateLimited = errors.New("provider rate limited")
	// ErrInvalidResponse marks a response rejected by the caller's accept check
	ErrInvalidResponse = errors.New("invalid provider response")
)

// Candidate is one (provider, model) option within a tier
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (c Candidate) String() string {
	return c.Provider + ":" + c.Model
}

// Provider performs one outbound decision call
type Provider interface {
	Call(ctx context.Context, model string, payload []byte) ([]byte, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, model string, payload []byte) ([]byte, error)

func (f ProviderFunc) Call(ctx context.Context, model string, payload []byte) ([]byte, error) {
	return f(ctx, model, payload)
}

type Config struct {
	Tiers          map[string][]Candidate   // tier → candidates in priority order
	Budgets        map[string]int           // provider → requests per window
	DefaultBudget  int                      // for providers missing from Budgets
	Window         time.Duration
	Timeouts       map[string]time.Duration // tier → per-attempt timeout
	DefaultTimeout time.Duration
}

func (c Config) budget(provider string) int {
	if b, ok := c.Budgets[provider]; ok {
		return b
	}
	return c.DefaultBudget
}

// Timeout returns the per-attempt timeout of tier
func (c Config) Timeout(tier string) time.Duration {
	if d, ok := c.Timeouts[tier]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}

// MaxLatency bounds one Invoke for tier: every candidate timing out in turn
func (c Config) MaxLatency(tier string) time.Duration {
	return time.Duration(len(c.Tiers[tier])) * c.Timeout(tier)
}

// Outcome of one candidate within an Invoke
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeSkipped     Outcome = "skipped" // over budget, not called
)

type Try struct {
	Candidate Candidate     `json:"candidate"`
	Outcome   Outcome       `json:"outcome"`
	Err       string        `json:"err,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Attempt describes how an Invoke went
type Attempt struct {
	Tier   string     `json:"tier"`
	Tries  []Try      `json:"tries"`
	Served *Candidate `json:"served,omitempty"` // nil unless a call succeeded
}

// window is a fixed-window request counter for one provider
type window struct {
	start     time.Time
	used      int
	exhausted bool
}

// Router bounds outbound calls per provider per window and fails over across
// a tier's candidates in order.
type Router struct {
	cfg       Config
	providers map[string]Provider

	mu      sync.Mutex
	windows map[string]*window

	clock util.Clock
	log   *zap.SugaredLogger
	m     *metrics.Metrics
}

type Option func(*Router)

func WithClock(c util.Clock) Option {
	return func(r *Router) { r.clock = c }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Router) { r.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.m = m }
}

// New validates cfg against the registered providers
func New(cfg Config, providers map[string]Provider, opts ...Option) (*Router, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("router window must be positive, got %s", cfg.Window)
	}
	if cfg.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("router default timeout must be positive, got %s", cfg.DefaultTimeout)
	}
	for tier, cands := range cfg.Tiers {
		if len(cands) == 0 {
			return nil, fmt.Errorf("tier %s has no candidates", tier)
		}
		for _, c := range cands {
			if _, ok := providers[c.Provider]; !ok {
				return nil, fmt.Errorf("%w: %s in tier %s", ErrUnknownProvider, c.Provider, tier)
			}
		}
	}

	r := &Router{
		cfg:       cfg,
		providers: providers,
		windows:   make(map[string]*window),
		clock:     util.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = util.OrNop(r.log)
	r.m = metrics.OrNop(r.m)
	return r, nil
}

// Config returns the router configuration
func (r *Router) Config() Config {
	return r.cfg
}

func (r *Router) windowLocked(provider string) *window {
	now := r.clock.Now()
	w, ok := r.windows[provider]
	if !ok {
		w = &window{start: now}
		r.windows[provider] = w
	}
	if now.Sub(w.start) >= r.cfg.Window {
		*w = window{start: now}
	}
	return w
}

// acquire takes one request from provider's budget
func (r *Router) acquire(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.windowLocked(provider)
	if w.exhausted || w.used >= r.cfg.budget(provider) {
		return false
	}
	w.used++
	return true
}

// exhaust spends provider's remaining budget for the current window
func (r *Router) exhaust(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windowLocked(provider).exhausted = true
}

// Remaining returns provider's unused budget in the current window
func (r *Router) Remaining(provider string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.windowLocked(provider)
	if w.exhausted {
		return 0
	}
	return max(r.cfg.budget(provider)-w.used, 0)
}

type callResult struct {
	out []byte
	err error
}

// call runs one provider call bounded by timeout, even if the provider ignores ctx
func (r *Router) call(ctx context.Context, c Candidate, timeout time.Duration, payload []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		out, err := r.providers[c.Provider].Call(callCtx, c.Model, payload)
		done <- callResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

// Invoke sends payload to the first candidate of tier with budget left. A failed,
// timed out or rate-limited candidate has its budget exhausted for the current
// window and the next candidate is tried. Cancelling ctx aborts immediately.
func (r *Router) Invoke(ctx context.Context, tier string, payload []byte) ([]byte, Attempt, error) {
	return r.InvokeValid(ctx, tier, payload, nil)
}

// InvokeValid is Invoke where a response that accept rejects counts as a
// failure of the candidate that produced it. A nil accept takes any response.
func (r *Router) InvokeValid(ctx context.Context, tier string, payload []byte, accept func([]byte) error) ([]byte, Attempt, error) {
	att := Attempt{Tier: tier}
	cands, ok := r.cfg.Tiers[tier]
	if !ok {
		return nil, att, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	timeout := r.cfg.Timeout(tier)

	var lastErr error
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, att, err
		}
		if !r.acquire(c.Provider) {
			att.Tries = append(att.Tries, Try{Candidate: c, Outcome: OutcomeSkipped})
			r.m.RouterAttempts.WithLabelValues(c.Provider, string(OutcomeSkipped)).Inc()
			continue
		}

		start := r.clock.Now()
		out, err := r.call(ctx, c, timeout, payload)
		latency := r.clock.Now().Sub(start)
		if err == nil && accept != nil {
			if verr := accept(out); verr != nil {
				err = fmt.Errorf("%w: %w", ErrInvalidResponse, verr)
			}
		}

		if err == nil {
			att.Tries = append(att.Tries, Try{Candidate: c, Outcome: OutcomeOK, Latency: latency})
			att.Served = &c
			r.m.RouterAttempts.WithLabelValues(c.Provider, string(OutcomeOK)).Inc()
			return out, att, nil
		}
		// parent cancellation is a stop, not a provider failure
		if ctx.Err() != nil {
			return nil, att, ctx.Err()
		}

		outcome := OutcomeError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome = OutcomeTimeout
		case errors.Is(err, ErrRateLimited):
			outcome = OutcomeRateLimited
		}
		r.exhaust(c.Provider)
		lastErr = err
		att.Tries = append(att.Tries, Try{Candidate: c, Outcome: outcome, Err: err.Error(), Latency: latency})
		r.m.RouterAttempts.WithLabelValues(c.Provider, string(outcome)).Inc()
		r.log.Debugw("provider_failover",
			"tier", tier,
			"candidate", c.String(),
			"outcome", outcome,
			"err", err,
		)
	}

	if lastErr != nil {
		return nil, att, fmt.Errorf("%w: tier %s: last error: %v", ErrAllProvidersExhausted, tier, lastErr)
	}
	return nil, att, fmt.Errorf("%w: tier %s: no budget left", ErrAllProvidersExhausted, tier)
}
