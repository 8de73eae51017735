package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
)

const uniqueViolation = "23505"

// DB implements port.TransactionManager on a pgx pool. Every transaction it
// opens, read-only ones included, first sets app.tenant_id for the row level
// security policies.
type DB struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	appRole string
}

// Option configures the database wrapper
type Option func(*DB)

// WithAppRole runs every transaction as role, so a pool connected as the
// schema owner or a superuser is still subject to row level security
func WithAppRole(role string) Option {
	return func(db *DB) {
		db.appRole = role
	}
}

// NewDB creates a new database wrapper. The pool stays owned by the caller.
func NewDB(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *DB {
	db := &DB{
		pool:   pool,
		logger: logger,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Repositories returns every port backed by this database
func (db *DB) Repositories() port.Repositories {
	return port.Repositories{
		Tx:          db,
		Definitions: NewDefinitionRepository(db),
		Instances:   NewInstanceRepository(db),
		Steps:       NewStepRepository(db),
		Sequences:   NewSequenceAllocator(db),
		Comments:    NewCommentRepository(db),
	}
}

// unitOfWork is the Postgres port.UnitOfWork
type unitOfWork struct {
	owner  *DB
	tx     pgx.Tx
	tenant entity.TenantID
	done   bool
}

func (u *unitOfWork) Tenant() entity.TenantID { return u.tenant }

func (u *unitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return apperr.Internal(errors.New("unit of work already finished"), "commit")
	}
	u.done = true
	if err := u.tx.Commit(ctx); err != nil {
		u.owner.logger.Error("Failed to commit transaction",
			zap.String("tenant_id", u.tenant.String()), zap.Error(err))
		return classify(err, "commit transaction")
	}
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	// a cancelled caller context must still release the transaction
	if err := u.tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		u.owner.logger.Error("Failed to rollback transaction",
			zap.String("tenant_id", u.tenant.String()), zap.Error(err))
		return apperr.Internal(err, "rollback transaction")
	}
	return nil
}

// Begin implements port.TransactionManager
func (db *DB) Begin(ctx context.Context, tenant entity.TenantID) (port.UnitOfWork, error) {
	tx, err := db.begin(ctx, tenant, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &unitOfWork{owner: db, tx: tx, tenant: tenant}, nil
}

// WithTransaction implements port.TransactionManager
func (db *DB) WithTransaction(ctx context.Context, tenant entity.TenantID, fn func(ctx context.Context, tx port.UnitOfWork) error) error {
	tx, err := db.Begin(ctx, tenant)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			db.logger.Error("Transaction panicked, rolled back", zap.Any("panic", p))
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}

// begin opens a transaction scoped to tenant
func (db *DB) begin(ctx context.Context, tenant entity.TenantID, opts pgx.TxOptions) (pgx.Tx, error) {
	if tenant.IsZero() {
		return nil, apperr.Internal(errors.New("unit of work requires a tenant"), "begin transaction")
	}

	tx, err := db.pool.BeginTx(ctx, opts)
	if err != nil {
		db.logger.Error("Failed to begin transaction", zap.Error(err))
		return nil, apperr.Internal(err, "begin transaction")
	}

	if err := db.scope(ctx, tx, tenant); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		db.logger.Error("Failed to scope transaction to tenant",
			zap.String("tenant_id", tenant.String()), zap.Error(err))
		return nil, apperr.Internal(err, "scope transaction")
	}
	return tx, nil
}

func (db *DB) scope(ctx context.Context, tx pgx.Tx, tenant entity.TenantID) error {
	if db.appRole != "" {
		if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{db.appRole}.Sanitize()); err != nil {
			return fmt.Errorf("set role: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenant.String()); err != nil {
		return fmt.Errorf("set tenant: %w", err)
	}
	return nil
}

// read runs fn in a short read-only transaction scoped to tenant
func (db *DB) read(ctx context.Context, tenant entity.TenantID, fn func(tx pgx.Tx) error) error {
	tx, err := db.begin(ctx, tenant, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Internal(err, "commit read")
	}
	return nil
}

// unwrap returns the live transaction behind a handle issued by this DB
func (db *DB) unwrap(tx port.UnitOfWork) (*unitOfWork, error) {
	u, ok := tx.(*unitOfWork)
	switch {
	case !ok || u == nil:
		return nil, apperr.Internal(fmt.Errorf("unit of work %T was not issued by the postgres store", tx), "resolve unit of work")
	case u.owner != db:
		return nil, apperr.Internal(errors.New("unit of work belongs to another database"), "resolve unit of work")
	case u.done:
		return nil, apperr.Internal(errors.New("unit of work already finished"), "resolve unit of work")
	}
	return u, nil
}

// writable checks a write's handle and that the entity belongs to its tenant
func (db *DB) writable(tx port.UnitOfWork, tenant entity.TenantID) (pgx.Tx, error) {
	u, err := db.unwrap(tx)
	if err != nil {
		return nil, err
	}
	if u.tenant != tenant {
		return nil, apperr.Internal(
			fmt.Errorf("entity tenant %s does not match unit of work tenant %s", tenant, u.tenant),
			"check tenant")
	}
	return u.tx, nil
}

// classify turns a driver error into the apperr taxonomy
func classify(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Conflictf("%s: duplicate key on %s", op, pgErr.ConstraintName)
	}
	return apperr.Internal(err, op)
}

var _ port.TransactionManager = (*DB)(nil)
