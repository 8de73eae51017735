package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
)

// SequenceAllocator implements port.SequenceAllocator on display_counters.
// The upsert locks the counter row until the unit of work ends, which
// serializes allocations within one scope.
type SequenceAllocator struct {
	db     *DB
	logger *zap.Logger
}

// NewSequenceAllocator creates a new allocator
func NewSequenceAllocator(db *DB) *SequenceAllocator {
	return &SequenceAllocator{db: db, logger: db.logger}
}

// Next allocates one number
func (a *SequenceAllocator) Next(ctx context.Context, tx port.UnitOfWork, kind entity.SequenceKind, scope uuid.UUID) (entity.DisplayNumber, error) {
	return a.NextRange(ctx, tx, kind, scope, 1)
}

// NextRange reserves n contiguous numbers and returns the first
func (a *SequenceAllocator) NextRange(ctx context.Context, tx port.UnitOfWork, kind entity.SequenceKind, scope uuid.UUID, n int) (entity.DisplayNumber, error) {
	if n < 1 {
		return 0, apperr.Internal(fmt.Errorf("invalid range size %d", n), "allocate display number")
	}
	u, err := a.db.unwrap(tx)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO display_counters (tenant_id, entity_kind, scope_id, last_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, entity_kind, scope_id)
		DO UPDATE SET last_number = display_counters.last_number + EXCLUDED.last_number
		RETURNING last_number
	`
	var last int64
	if err := u.tx.QueryRow(ctx, query, u.tenant.UUID(), string(kind), scope, int64(n)).Scan(&last); err != nil {
		a.logger.Error("Failed to allocate display number",
			zap.String("kind", string(kind)), zap.String("scope", scope.String()), zap.Error(err))
		return 0, apperr.Internal(err, "allocate display number")
	}

	return entity.DisplayNumber(last - int64(n) + 1), nil
}

var _ port.SequenceAllocator = (*SequenceAllocator)(nil)
