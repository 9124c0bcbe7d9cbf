// Package solver selects the matching strategy used by the market agent.
package solver

import (
	"context"
	"fmt"

	"github.com/clustermesh/capmarket/internal/market/solver/greedy"
	"github.com/clustermesh/capmarket/pkg/models"
)

// Solver turns a product's price histogram into a list of trade templates.
// Implementations are pure: no I/O, deterministic given their inputs.
type Solver interface {
	Solve(ctx context.Context, product models.Product, histogram models.PriceHistogram) ([]models.TransactionTemplate, error)
}

// Kind names a matching strategy. The set is closed; the strategy is resolved
// once at startup, not looked up dynamically.
type Kind string

// KindGreedy is the continuous greedy double auction, the default.
const KindGreedy Kind = "greedy"

// New resolves a solver kind into an implementation.
func New(kind Kind) (Solver, error) {
	switch kind {
	case KindGreedy, "":
		return greedy.New(), nil
	default:
		return nil, fmt.Errorf("unknown solver kind %q", kind)
	}
}
