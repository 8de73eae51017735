package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/garyjia/approvalflow/internal/application/service"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/event"
)

func sqliteConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "approvalflow.db")
	return cfg
}

func TestNewContainer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		logger  *zap.Logger
		wantErr string
	}{
		{name: "nil config", logger: zap.NewNop(), wantErr: "config is required"},
		{name: "nil logger", cfg: DefaultConfig(), wantErr: "logger is required"},
		{
			name: "unknown driver",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.Database.Driver = "mysql"
				return cfg
			}(),
			logger:  zap.NewNop(),
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without url",
			cfg: func() *Config {
				cfg := DefaultConfig()
				cfg.Database.Driver = DriverPostgres
				return cfg
			}(),
			logger:  zap.NewNop(),
			wantErr: "database.url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewContainer(tt.cfg, tt.logger)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestContainer_Lifecycle(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c, err := NewContainer(sqliteConfig(t), zap.New(core))
	require.NoError(t, err)

	assert.False(t, c.Ready())
	assert.Nil(t, c.Services())
	assert.False(t, c.Health(context.Background()).Overall)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.Ready())
	assert.ErrorContains(t, c.Start(ctx), "already started")

	health := c.Health(ctx)
	assert.True(t, health.Overall)
	assert.True(t, health.Components["database"].Healthy)
	assert.Equal(t, "handler count: 1", health.Components["dispatcher"].Message)
	assert.NoError(t, c.HealthCheck(ctx))

	handlers := c.Dispatcher().ListHandlers("*")
	require.Len(t, handlers, 1)
	assert.Equal(t, AuditHandlerName, handlers[0].Name)

	// A command goes through migrations, repositories and services, and
	// its event reaches the audit log once the dispatcher drains
	services := c.Services()
	require.NotNil(t, services)
	body := entity.DefinitionBody{
		Steps: []entity.StepDefinition{
			{ID: "start", Kind: entity.StepKindStart, Name: "Start"},
			{ID: "manager", Kind: entity.StepKindApproval, Name: "Manager approval"},
			{ID: "end", Kind: entity.StepKindEnd, Name: "Done", Outcome: "approved"},
		},
		Transitions: []entity.TransitionRule{
			{From: "start", To: "manager"},
			{From: "manager", To: "end", Trigger: "approve"},
		},
	}

	def, err := services.Definitions.Create(ctx, service.CreateDefinitionInput{
		Tenant: entity.NewTenantID(),
		Actor:  entity.NewUserID(),
		Name:   "Expense",
		Body:   body,
		Now:    time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, entity.Version(1), def.Version())

	require.NoError(t, c.Close())
	assert.False(t, c.Ready())
	assert.Nil(t, c.Services())
	assert.ErrorContains(t, c.Close(), "already closed")
	assert.ErrorContains(t, c.Start(ctx), "has been closed")

	audited := logs.FilterMessage("Event").All()
	require.Len(t, audited, 1)
	fields := audited[0].ContextMap()
	assert.Equal(t, string(event.TypeDefinitionCreated), fields["type"])
	assert.Equal(t, def.DisplayID().String(), fields["display_id"])
}

func TestContainer_StartFailsOnUnreachableDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "missing", "dir", "approvalflow.db")

	c, err := NewContainer(cfg, zap.NewNop())
	require.NoError(t, err)

	err = c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize database")
	assert.False(t, c.Ready())
	assert.Error(t, c.HealthCheck(context.Background()))
}

func TestMigrate_IsIdempotent(t *testing.T) {
	cfg := sqliteConfig(t)

	first, err := ProvideDatabase(context.Background(), &cfg.Database, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := ProvideDatabase(context.Background(), &cfg.Database, zap.NewNop())
	require.NoError(t, err)
	defer second.Close()
	assert.NoError(t, second.Ping(context.Background()))
}
