package trader

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clustermesh/capmarket/pkg/models"
)

// MarketAPI is the slice of the market gateway the trader needs. The HTTP
// market client satisfies it.
type MarketAPI interface {
	InsertProduct(ctx context.Context, problem json.RawMessage) (uuid.UUID, error)
	InsertSub(ctx context.Context, productID uuid.UUID, spec models.SubSpec) (uuid.UUID, error)
	RemoveSub(ctx context.Context, productID, subID uuid.UUID) error
}

// Negotiation describes what a caller wants to trade for a scope.
type Negotiation struct {
	Scope   Scope
	Problem json.RawMessage
	Cost    int64
	Count   uint64
}

// Trader turns a negotiation into market participation: it finds or creates
// the product, posts a demand-side intent with the trader's webhook, and
// records the session in the registry.
type Trader struct {
	client   MarketAPI
	registry *Registry
	webhook  models.WebhookSpec
	logger   *zap.Logger
}

// New creates a trader. webhook is the endpoint settled trades call back on.
func New(client MarketAPI, registry *Registry, webhook models.WebhookSpec, logger *zap.Logger) *Trader {
	return &Trader{client: client, registry: registry, webhook: webhook, logger: logger}
}

// IsLocked reports whether a negotiation already holds the scope.
func (t *Trader) IsLocked(scope Scope) bool {
	return t.registry.IsLocked(scope)
}

// Register claims the scope, then registers the negotiation on the market.
// The scope is claimed before any remote call so two concurrent Register
// calls for one scope can never both commit; on failure every created
// resource is rolled back and the scope is released.
func (t *Trader) Register(ctx context.Context, negotiation Negotiation) error {
	if negotiation.Count == 0 {
		negotiation.Count = 1
	}

	session := Session{
		Scope:    negotiation.Scope,
		Problem:  negotiation.Problem,
		Function: t.webhook,
	}
	if err := t.registry.Register(session); err != nil {
		return err
	}

	if err := t.tryRegister(ctx, &session, negotiation); err != nil {
		t.rollback(ctx, session)
		return fmt.Errorf("failed to register negotiation for %s: %w", negotiation.Scope, err)
	}

	// The remote ids only exist after the remote steps; persist them so
	// Unregister can withdraw the sub.
	if err := t.registry.Update(session); err != nil {
		return err
	}

	t.logger.Info("registered negotiation",
		zap.String("scope", negotiation.Scope.String()),
		zap.String("product_id", session.ProductID.String()),
		zap.String("sub_id", session.SubID.String()))
	return nil
}

func (t *Trader) tryRegister(ctx context.Context, session *Session, negotiation Negotiation) error {
	prodID, err := t.client.InsertProduct(ctx, negotiation.Problem)
	if err != nil {
		return err
	}
	session.ProductID = prodID

	subID, err := t.client.InsertSub(ctx, prodID, models.SubSpec{
		Cost:     negotiation.Cost,
		Count:    negotiation.Count,
		Function: t.webhook,
	})
	if err != nil {
		return err
	}
	session.SubID = subID
	return nil
}

// rollback releases the scope and withdraws whatever tryRegister created.
// Products are find-or-create and shared, so they are left in place.
func (t *Trader) rollback(ctx context.Context, session Session) {
	if session.SubID != uuid.Nil {
		if err := t.client.RemoveSub(ctx, session.ProductID, session.SubID); err != nil {
			t.logger.Error("failed to roll back sub registration",
				zap.String("scope", session.Scope.String()),
				zap.Error(err))
		}
	}
	if _, err := t.registry.Unregister(session.Scope); err != nil {
		t.logger.Error("failed to release scope during rollback",
			zap.String("scope", session.Scope.String()),
			zap.Error(err))
	}
}

// Unregister withdraws the scope's outstanding intent and releases the scope.
func (t *Trader) Unregister(ctx context.Context, scope Scope) error {
	session, err := t.registry.Unregister(scope)
	if err != nil {
		return err
	}
	if session.SubID != uuid.Nil {
		if err := t.client.RemoveSub(ctx, session.ProductID, session.SubID); err != nil {
			return fmt.Errorf("scope released, but failed to withdraw sub %s: %w", session.SubID, err)
		}
	}
	t.logger.Info("unregistered negotiation", zap.String("scope", scope.String()))
	return nil
}
