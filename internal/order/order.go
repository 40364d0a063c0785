// Package order places procurement orders for matched catalog parts.
package order

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/catalog"
)

// Placer submits an order for a matched part and returns its id.
type Placer interface {
	Place(ctx context.Context, m catalog.Match) (string, error)
}

// StubPlacer records orders in the log only. It never fails.
type StubPlacer struct {
	logger *zap.Logger
}

// NewStubPlacer creates a StubPlacer.
func NewStubPlacer(logger *zap.Logger) *StubPlacer {
	return &StubPlacer{logger: logger}
}

// Place returns a fresh id of the form #3F9A01BC.
func (p *StubPlacer) Place(_ context.Context, m catalog.Match) (string, error) {
	id := NewID()
	p.logger.Info("order placed",
		zap.String("order_id", id),
		zap.String("part", m.PartName),
		zap.String("supplier", m.SupplierName))
	return id, nil
}

// NewID generates an order id from a random UUID.
func NewID() string {
	return "#" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
