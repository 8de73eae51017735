package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/infrastructure/persistence/postgres"
	"github.com/garyjia/approvalflow/internal/infrastructure/persistence/storetest"
	"github.com/garyjia/approvalflow/migrations"
	"github.com/garyjia/approvalflow/pkg/database"
)

const appRole = "approvalflow_app"

// startPostgres runs a migrated Postgres container for the test and returns a
// pool connected as its superuser
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("approvalflow"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := zap.NewNop()
	pool, err := database.OpenPostgres(ctx, database.PostgresConfig{URL: connStr, MaxConns: 8}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = database.NewMigrator(database.FromPool(pool, logger), migrations.Postgres(), logger).Run(ctx)
	require.NoError(t, err)

	return pool
}

func TestPostgres(t *testing.T) {
	pool := startPostgres(t)
	logger := zap.NewNop()

	t.Run("ContractAsSchemaOwner", func(t *testing.T) {
		repos := postgres.NewDB(pool, logger).Repositories()
		storetest.Run(t, func(t *testing.T) port.Repositories { return repos })
	})

	t.Run("ContractUnderRowSecurity", func(t *testing.T) {
		repos := postgres.NewDB(pool, logger, postgres.WithAppRole(appRole)).Repositories()
		storetest.Run(t, func(t *testing.T) port.Repositories { return repos })
	})

	t.Run("RowSecurity", func(t *testing.T) {
		testRowSecurity(t, pool, postgres.NewDB(pool, logger, postgres.WithAppRole(appRole)).Repositories())
	})

	t.Run("ConcurrentWritersOnSameVersion", func(t *testing.T) {
		testConcurrentWriters(t, postgres.NewDB(pool, logger, postgres.WithAppRole(appRole)).Repositories())
	})

	t.Run("CancelledContextRollsBack", func(t *testing.T) {
		testCancelledContext(t, postgres.NewDB(pool, logger, postgres.WithAppRole(appRole)).Repositories())
	})
}

// countAs counts the row of table with id as the application role, with
// app.tenant_id set to tenant unless it is zero
func countAs(t *testing.T, pool *pgxpool.Pool, tenant entity.TenantID, table string, id uuid.UUID) int {
	t.Helper()
	ctx := context.Background()

	var n int
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+appRole); err != nil {
			return err
		}
		if !tenant.IsZero() {
			if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenant.String()); err != nil {
				return err
			}
		}
		// no tenant predicate: only the row security policy filters
		return tx.QueryRow(ctx, "SELECT count(*) FROM "+table+" WHERE id = $1", id).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func testRowSecurity(t *testing.T, pool *pgxpool.Pool, repos port.Repositories) {
	tenantA, tenantB := entity.NewTenantID(), entity.NewTenantID()
	def := storetest.SeedDefinition(t, repos, tenantB, true)
	initiator := entity.NewUserID()
	inst := storetest.SeedInstance(t, repos, def, initiator)

	assert.Equal(t, 1, countAs(t, pool, tenantB, "workflow_instances", inst.ID().UUID()))
	assert.Equal(t, 0, countAs(t, pool, tenantA, "workflow_instances", inst.ID().UUID()), "another tenant's row is invisible")
	assert.Equal(t, 0, countAs(t, pool, entity.TenantID{}, "workflow_instances", inst.ID().UUID()), "no tenant set sees nothing")

	comment, err := entity.NewComment(inst, initiator, "policy check", storetest.Now)
	require.NoError(t, err)
	err = repos.Tx.WithTransaction(context.Background(), tenantB, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Comments.Insert(ctx, tx, comment)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countAs(t, pool, tenantB, "workflow_comments", comment.ID().UUID()))
	assert.Equal(t, 0, countAs(t, pool, tenantA, "workflow_comments", comment.ID().UUID()), "another tenant's comment is invisible")

	t.Run("WithCheckRejectsForeignInsert", func(t *testing.T) {
		ctx := context.Background()
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+appRole); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantA.String()); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO display_counters (tenant_id, entity_kind, scope_id, last_number) VALUES ($1, 'workflow_instance', $1, 1)`,
				tenantB.UUID())
			return err
		})
		assert.Error(t, err)
	})
}

func testConcurrentWriters(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := storetest.SeedDefinition(t, repos, tenant, true)
	inst := storetest.SeedInstance(t, repos, def, entity.NewUserID())

	cancelled, err := inst.Cancel(storetest.Now)
	require.NoError(t, err)

	const writers = 4
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
				return repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version())
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, wins)
}

func testCancelledContext(t *testing.T, repos port.Repositories) {
	tenant := entity.NewTenantID()
	def := storetest.SeedDefinition(t, repos, tenant, true)
	inst := storetest.SeedInstance(t, repos, def, entity.NewUserID())
	cancelled, err := inst.Cancel(storetest.Now)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		if err := repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version()); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.Error(t, err, "commit on a cancelled context fails")

	got, err := repos.Instances.FindByID(context.Background(), tenant, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, inst.Version(), got.Version())
}
