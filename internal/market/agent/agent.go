// Package agent runs the matching control loop: poll products, load
// histograms, solve, and submit the resulting trades for settlement.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clustermesh/capmarket/internal/market/solver"
	"github.com/clustermesh/capmarket/pkg/metrics"
	"github.com/clustermesh/capmarket/pkg/models"
)

// MarketAPI is the slice of the market gateway the agent needs. The HTTP
// market client satisfies it.
type MarketAPI interface {
	ListProductIDs(ctx context.Context) ([]uuid.UUID, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	ListPriceHistogram(ctx context.Context, productID uuid.UUID) (models.PriceHistogram, error)
	Trade(ctx context.Context, productID uuid.UUID, template models.TransactionTemplate) (uuid.UUID, error)
}

// FallbackPolicy decides what the agent does after an iteration-level
// failure (e.g. the gateway is unreachable).
type FallbackPolicy string

const (
	// FallbackInterval restarts the loop after a pause. The default.
	FallbackInterval FallbackPolicy = "interval"
	// FallbackNever stops the agent on the first iteration-level failure.
	FallbackNever FallbackPolicy = "never"
)

// Options configure the loop cadence and failure handling.
type Options struct {
	Interval         time.Duration
	Fallback         FallbackPolicy
	FallbackInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Fallback == "" {
		o.Fallback = FallbackInterval
	}
	if o.FallbackInterval <= 0 {
		o.FallbackInterval = 5 * time.Second
	}
	return o
}

// Agent is the market matching loop. Iterations are serialized: the next
// pass starts only after the previous one finished, immediately if it ran
// past the cadence.
type Agent struct {
	client MarketAPI
	solver solver.Solver
	logger *zap.Logger
	opts   Options
}

// New creates an agent.
func New(client MarketAPI, s solver.Solver, logger *zap.Logger, opts Options) *Agent {
	return &Agent{client: client, solver: s, logger: logger, opts: opts.withDefaults()}
}

// Run drives the loop until ctx is canceled. Iteration-level failures are
// handled per the fallback policy; per-product failures never escape an
// iteration.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.loop(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		a.logger.Error("market agent loop failed", zap.Error(err))
		switch a.opts.Fallback {
		case FallbackNever:
			return err
		default:
			a.logger.Warn("restarting market agent",
				zap.Duration("after", a.opts.FallbackInterval))
			select {
			case <-time.After(a.opts.FallbackInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (a *Agent) loop(ctx context.Context) error {
	for {
		start := time.Now()
		if err := a.iterate(ctx); err != nil {
			return err
		}

		// Fixed cadence measured from iteration start; a long iteration
		// rolls straight into the next one without accumulating backlog.
		if remaining := a.opts.Interval - time.Since(start); remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// iterate runs one matching pass over every product. A product's failure is
// logged and isolated; only listing the products is fatal to the iteration.
func (a *Agent) iterate(ctx context.Context) error {
	productIDs, err := a.client.ListProductIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}

	traded := 0
	for _, prodID := range productIDs {
		n, err := a.matchProduct(ctx, prodID)
		if err != nil {
			a.logger.Error("matching pass failed",
				zap.String("product_id", prodID.String()),
				zap.Error(err))
			continue
		}
		traded += n
	}

	if traded > 0 {
		a.logger.Info("created transactions", zap.Int("count", traded))
	}
	return nil
}

func (a *Agent) matchProduct(ctx context.Context, prodID uuid.UUID) (int, error) {
	product, err := a.client.GetProduct(ctx, prodID)
	if err != nil {
		return 0, err
	}
	if product == nil {
		// Deleted between listing and loading.
		return 0, nil
	}

	histogram, err := a.client.ListPriceHistogram(ctx, prodID)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	templates, err := a.solver.Solve(ctx, *product, histogram)
	metrics.SolveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	metrics.TemplatesMatched.Add(float64(len(templates)))

	traded := 0
	for _, template := range templates {
		id, err := a.client.Trade(ctx, prodID, template)
		if err != nil {
			// Stale inventory or a lost race; the next pass re-matches.
			a.logger.Warn("trade rejected",
				zap.String("product_id", prodID.String()),
				zap.String("pub_id", template.PubID.String()),
				zap.String("sub_id", template.SubID.String()),
				zap.Error(err))
			continue
		}
		traded++
		a.logger.Info("committed transaction",
			zap.String("transaction_id", id.String()),
			zap.String("product_id", prodID.String()),
			zap.Int64("cost", template.Cost),
			zap.Uint64("count", template.Count))
	}
	return traded, nil
}
