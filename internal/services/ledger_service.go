package services

import (
	"context"
	"errors"
	"time"

	"github.com/mobishop/api/internal/repositories"
)

const defaultPurgeBatch = 500

// LedgerServiceDeps bundles collaborators required to construct the ledger service.
type LedgerServiceDeps struct {
	Ledger repositories.ProcessedEventRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type ledgerService struct {
	ledger repositories.ProcessedEventRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewLedgerService constructs the processed notification retention sweeper.
func NewLedgerService(deps LedgerServiceDeps) (LedgerService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("ledger service: processed event repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &ledgerService{
		ledger: deps.Ledger,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// PurgeExpired removes at most limit entries whose retention has elapsed. Stores with native
// expiry also converge through this call.
func (s *ledgerService) PurgeExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeBatch
	}
	now := s.clock()
	removed, err := s.ledger.DeleteExpired(ctx, now, limit)
	if err != nil {
		return removed, fromRepository("ledger", err)
	}
	if removed > 0 {
		s.logger(ctx, "ledger.purge.completed", map[string]any{
			"removed": removed,
			"before":  now,
		})
	}
	return removed, nil
}
