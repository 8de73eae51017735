package port

import (
	"context"

	"github.com/garyjia/approvalflow/internal/domain/entity"
)

// UnitOfWork is one database transaction bound to one tenant. Backends hand it
// to their own repositories only; a handle from another backend is refused.
type UnitOfWork interface {
	Tenant() entity.TenantID
	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit, so it can always be deferred
	Rollback(ctx context.Context) error
}

// TransactionManager is the only source of UnitOfWork handles
type TransactionManager interface {
	Begin(ctx context.Context, tenant entity.TenantID) (UnitOfWork, error)

	// WithTransaction runs fn inside one unit of work. The unit commits when
	// fn returns nil and rolls back on error or panic.
	WithTransaction(ctx context.Context, tenant entity.TenantID, fn func(ctx context.Context, tx UnitOfWork) error) error
}
