package costguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/metrics"
)

// LimitEnvVar is the environment setting that controls the daily ceiling.
const LimitEnvVar = "JOBSTREAM_BUDGET_DAILY_USD"

// spendTolerance absorbs float drift from summing many per-call costs, so a ledger that reaches the
// ceiling exactly still counts as exceeded.
const spendTolerance = 1e-9

// Config controls Guard policy.
type Config struct {
	// DailyLimitUSD of zero or less means unlimited.
	DailyLimitUSD float64
	// Prices overrides the static USD-per-million table.
	Prices map[string]float64
}

// Verdict is the outcome of a budget check. Exceeded is a normal result, not an error.
type Verdict struct {
	Exceeded bool    `json:"exceeded"`
	Reason   string  `json:"reason,omitempty"`
	SpendUSD float64 `json:"spendUSD"`
	LimitUSD float64 `json:"limitUSD"`
}

// DailySpend is a read-only projection of today's ledger.
type DailySpend struct {
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"costUSD"`
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock overrides the time source used to pick the ledger day.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the Guard's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Guard owns the spend ledger policy. Calls within one process are serialized.
type Guard struct {
	store   StateStore
	pricing Pricing
	limit   float64
	now     func() time.Time
	logger  *zap.Logger

	mu sync.Mutex
}

// New creates a Guard over store.
func New(store StateStore, cfg Config, opts ...Option) *Guard {
	g := &Guard{
		store:   store,
		pricing: NewPricing(cfg.Prices),
		limit:   cfg.DailyLimitUSD,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("costguard")
	return g
}

// LimitUSD returns the configured ceiling.
func (g *Guard) LimitUSD() float64 {
	return g.limit
}

// Pricing returns the effective price table.
func (g *Guard) Pricing() Pricing {
	return g.pricing
}

// RecordTokenUsage adds tokens to today's ledger for provider and persists it.
func (g *Guard) RecordTokenUsage(ctx context.Context, provider string, tokens int64) (BudgetState, error) {
	provider = normalizeProvider(provider)
	if tokens < 0 {
		tokens = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if locker, ok := g.store.(Locker); ok {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			return BudgetState{}, fmt.Errorf("record token usage: %w", err)
		}
		defer unlock()
	}

	state := g.current(ctx, provider)
	state.TotalTokens += tokens
	state.EstimatedCostUSD += g.pricing.Cost(provider, tokens)
	if err := g.store.Save(ctx, state); err != nil {
		return BudgetState{}, fmt.Errorf("save budget state: %w", err)
	}
	metrics.ObserveLLMUsage(provider, tokens, state.EstimatedCostUSD)
	g.logger.Debug("recorded token usage",
		zap.String("provider", provider),
		zap.Int64("tokens", tokens),
		zap.Float64("daily_cost_usd", state.EstimatedCostUSD),
	)
	return state, nil
}

// IsBudgetExceeded reports whether today's spend for provider has reached the ceiling.
func (g *Guard) IsBudgetExceeded(ctx context.Context, provider string) Verdict {
	provider = normalizeProvider(provider)
	if g.limit <= 0 {
		return Verdict{LimitUSD: g.limit}
	}
	g.mu.Lock()
	state := g.current(ctx, provider)
	g.mu.Unlock()

	v := Verdict{SpendUSD: state.EstimatedCostUSD, LimitUSD: g.limit}
	if reachedLimit(state.EstimatedCostUSD, g.limit) {
		v.Exceeded = true
		v.Reason = fmt.Sprintf(
			"daily LLM budget reached for %s: spent $%.4f of $%.2f limit (raise %s or set it to 0 to disable)",
			provider, state.EstimatedCostUSD, g.limit, LimitEnvVar,
		)
	}
	return v
}

// GetDailySpend returns today's totals for provider without writing anything.
func (g *Guard) GetDailySpend(ctx context.Context, provider string) DailySpend {
	provider = normalizeProvider(provider)
	g.mu.Lock()
	state := g.current(ctx, provider)
	g.mu.Unlock()
	return DailySpend{Tokens: state.TotalTokens, CostUSD: state.EstimatedCostUSD}
}

func reachedLimit(spend, limit float64) bool {
	return spend >= limit-spendTolerance
}

// current loads state for provider and resets it when it belongs to another day or provider.
// Unreadable state counts as absent.
func (g *Guard) current(ctx context.Context, provider string) BudgetState {
	today := g.now().UTC().Format(DateLayout)
	fresh := BudgetState{Date: today, Provider: provider}

	state, err := g.store.Load(ctx, provider)
	if err != nil {
		g.logger.Warn("budget state unreadable, starting fresh", zap.String("provider", provider), zap.Error(err))
		return fresh
	}
	if state.Date != today || normalizeProvider(state.Provider) != provider {
		return fresh
	}
	state.Provider = provider
	return state
}
