package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
)

// DB wraps sql.DB and implements TransactionManager. SQLite has no row level
// security, so tenant isolation rests on the predicates in every query.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDB creates a new database wrapper
func NewDB(sqlDB *sql.DB, logger *zap.Logger) *DB {
	return &DB{
		db:     sqlDB,
		logger: logger,
	}
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

// unitOfWork is the SQLite port.UnitOfWork
type unitOfWork struct {
	owner  *DB
	tx     *sql.Tx
	tenant entity.TenantID
	done   bool
}

func (u *unitOfWork) Tenant() entity.TenantID { return u.tenant }

func (u *unitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return apperr.Internal(errors.New("unit of work already finished"), "commit")
	}
	u.done = true
	if err := u.tx.Commit(); err != nil {
		u.owner.logger.Error("Failed to commit transaction",
			zap.String("tenant_id", u.tenant.String()), zap.Error(err))
		return apperr.Internal(err, "commit transaction")
	}
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.owner.logger.Error("Failed to rollback transaction",
			zap.String("tenant_id", u.tenant.String()), zap.Error(err))
		return apperr.Internal(err, "rollback transaction")
	}
	return nil
}

// Begin implements port.TransactionManager
func (db *DB) Begin(ctx context.Context, tenant entity.TenantID) (port.UnitOfWork, error) {
	if tenant.IsZero() {
		return nil, apperr.Internal(errors.New("unit of work requires a tenant"), "begin transaction")
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.logger.Error("Failed to begin transaction", zap.Error(err))
		return nil, apperr.Internal(err, "begin transaction")
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

// unwrap returns the live transaction behind a handle issued by this DB
func (db *DB) unwrap(tx port.UnitOfWork) (*unitOfWork, error) {
	u, ok := tx.(*unitOfWork)
	switch {
	case !ok || u == nil:
		return nil, apperr.Internal(fmt.Errorf("unit of work %T was not issued by the sqlite store", tx), "resolve unit of work")
	case u.owner != db:
		return nil, apperr.Internal(errors.New("unit of work belongs to another database"), "resolve unit of work")
	case u.done:
		return nil, apperr.Internal(errors.New("unit of work already finished"), "resolve unit of work")
	}
	return u, nil
}

// writable checks a write's handle and that the entity belongs to its tenant
func (db *DB) writable(tx port.UnitOfWork, tenant entity.TenantID) (*sql.Tx, error) {
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
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return apperr.Conflictf("%s: duplicate key: %v", op, err)
	}
	return apperr.Internal(err, op)
}

// Verify interface compliance
var _ port.TransactionManager = (*DB)(nil)
