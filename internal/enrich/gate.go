// Package enrich gates paid LLM enrichment of listings behind the daily spend ledger.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/costguard"
	"github.com/JakeFAU/jobstream/internal/listing"
)

// ErrBudgetExceeded is returned, wrapped in *BudgetError, when the ledger refuses a call.
var ErrBudgetExceeded = errors.New("llm budget exceeded")

// BudgetError carries the ledger's verdict so callers can show the reason as-is.
type BudgetError struct {
	Verdict costguard.Verdict
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s: %s", ErrBudgetExceeded, e.Verdict.Reason)
}

// Unwrap lets errors.Is match ErrBudgetExceeded.
func (e *BudgetError) Unwrap() error {
	return ErrBudgetExceeded
}

// Result is what an Enricher produces for one listing.
type Result struct {
	Fields     map[string]string
	TokensUsed int64
}

// Enricher calls an external model. Implementations live outside this module.
type Enricher interface {
	Enrich(ctx context.Context, job listing.RawJobListing) (Result, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, job listing.RawJobListing) (Result, error)

// Enrich calls f.
func (f EnricherFunc) Enrich(ctx context.Context, job listing.RawJobListing) (Result, error) {
	return f(ctx, job)
}

// Gate consults the Guard before every call and records usage after it. With a daily limit set, the
// check, the call and the recording run one at a time so concurrent callers cannot all pass the same
// check.
type Gate struct {
	guard    *costguard.Guard
	enricher Enricher
	provider string
	logger   *zap.Logger

	mu sync.Mutex
}

// NewGate builds a Gate for provider.
func NewGate(guard *costguard.Guard, enricher Enricher, provider string, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		guard:    guard,
		enricher: enricher,
		provider: provider,
		logger:   logger.Named("enrich").With(zap.String("provider", provider)),
	}
}

// Provider returns the provider usage is billed to.
func (g *Gate) Provider() string {
	return g.provider
}

// Check returns the current budget verdict without calling out.
func (g *Gate) Check(ctx context.Context) costguard.Verdict {
	return g.guard.IsBudgetExceeded(ctx, g.provider)
}

// Enrich runs the enricher unless the budget is spent. Usage is recorded even when the enricher
// fails after consuming tokens.
func (g *Gate) Enrich(ctx context.Context, job listing.RawJobListing) (map[string]string, error) {
	if g.guard.LimitUSD() > 0 {
		g.mu.Lock()
		defer g.mu.Unlock()
	}
	if verdict := g.Check(ctx); verdict.Exceeded {
		return nil, &BudgetError{Verdict: verdict}
	}
	res, err := g.enricher.Enrich(ctx, job)
	if res.TokensUsed > 0 {
		if _, recErr := g.guard.RecordTokenUsage(ctx, g.provider, res.TokensUsed); recErr != nil {
			g.logger.Error("record token usage", zap.Int64("tokens", res.TokensUsed), zap.Error(recErr))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("enrich %q: %w", job.Title, err)
	}
	return res.Fields, nil
}
