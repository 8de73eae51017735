package container

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/dispatcher"
	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/application/service"
	"github.com/garyjia/approvalflow/internal/domain/event"
	"github.com/garyjia/approvalflow/internal/infrastructure/persistence/postgres"
	"github.com/garyjia/approvalflow/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/approvalflow/migrations"
	"github.com/garyjia/approvalflow/pkg/database"
	"github.com/garyjia/approvalflow/pkg/utils"
)

// DatabaseBundle holds the repositories of the configured backend together
// with the hooks the container needs to check and release it.
type DatabaseBundle struct {
	Repos  port.Repositories
	Ping   func(ctx context.Context) error
	Close  func() error
	Driver string
}

// ServiceBundle groups all application services.
type ServiceBundle struct {
	Workflows   service.WorkflowService
	Definitions service.DefinitionService
}

// ProvideDatabase opens the configured backend and, when AutoMigrate is set,
// applies pending migrations before any repository is handed out.
func ProvideDatabase(ctx context.Context, cfg *DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	switch cfg.Driver {
	case DriverSQLite:
		return provideSQLite(ctx, cfg, logger)
	case DriverPostgres:
		return providePostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func provideSQLite(ctx context.Context, cfg *DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	db, err := database.OpenSQLite(database.SQLiteConfig{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db, logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &DatabaseBundle{
		Repos:  sqlite.NewDB(db.DB, logger).Repositories(),
		Ping:   db.PingContext,
		Close:  db.Close,
		Driver: DriverSQLite,
	}, nil
}

func providePostgres(ctx context.Context, cfg *DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	pool, err := database.OpenPostgres(ctx, database.PostgresConfig{
		URL:             cfg.URL,
		MaxConns:        int32(cfg.MaxOpenConns),
		MinConns:        int32(cfg.MaxIdleConns),
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, database.FromPool(pool, logger), logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	var opts []postgres.Option
	if cfg.AppRole != "" {
		opts = append(opts, postgres.WithAppRole(cfg.AppRole))
	}

	return &DatabaseBundle{
		Repos:  postgres.NewDB(pool, logger, opts...).Repositories(),
		Ping:   pool.Ping,
		Close:  closePool(pool),
		Driver: DriverPostgres,
	}, nil
}

func closePool(pool *pgxpool.Pool) func() error {
	return func() error {
		pool.Close()
		return nil
	}
}

// Migrate applies the embedded migrations of the connection's dialect
func Migrate(ctx context.Context, db *database.DB, logger *zap.Logger) error {
	fsys := migrations.SQLite()
	if db.Dialect() == database.DialectPostgres {
		fsys = migrations.Postgres()
	}

	applied, err := database.NewMigrator(db, fsys, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Migrations complete", zap.Int("applied", applied))
	return nil
}

// ProvideDispatcher creates the event dispatcher.
func ProvideDispatcher(logger *zap.Logger) (dispatcher.Dispatcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return dispatcher.NewDispatcher(
		dispatcher.WithLogger(utils.NewKeyValueLogger(logger.Named("dispatcher"))),
	), nil
}

// ProvideServices creates all application services. Committed events are
// published through disp.
func ProvideServices(repos port.Repositories, disp dispatcher.Dispatcher, logger *zap.Logger) (*ServiceBundle, error) {
	if repos.Tx == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if disp == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	svcLogger := utils.NewKeyValueLogger(logger.Named("service"))
	return &ServiceBundle{
		Workflows:   service.NewWorkflowService(repos, disp, svcLogger),
		Definitions: service.NewDefinitionService(repos, disp, svcLogger),
	}, nil
}

// AuditHandlerName names the subscription registered by RegisterAuditLog
const AuditHandlerName = "audit-log"

// RegisterAuditLog subscribes a handler that writes every committed event to
// the log.
func RegisterAuditLog(disp dispatcher.Dispatcher, logger *zap.Logger) {
	audit := logger.Named("audit")
	disp.SubscribeNamed(dispatcher.AnyType, AuditHandlerName, func(ctx context.Context, evt *event.Event) error {
		audit.Info("Event",
			zap.String("type", string(evt.Type)),
			zap.String("tenant_id", evt.TenantID),
			zap.String("aggregate_id", evt.AggregateID),
			zap.String("display_id", evt.DisplayID),
			zap.String("actor", evt.Actor),
			zap.Int32("version", evt.Version),
			zap.Time("occurred_at", evt.OccurredAt),
			zap.String("correlation_id", evt.CorrelationID))
		return nil
	})
}
