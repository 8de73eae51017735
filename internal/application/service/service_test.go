package service

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/event"
	"github.com/garyjia/approvalflow/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/approvalflow/migrations"
	"github.com/garyjia/approvalflow/pkg/database"
)

type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

// recordingPublisher keeps every published event in order
type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *recordingPublisher) DispatchAsync(ctx context.Context, evt *event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) Types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]event.Type, len(p.events))
	for i, evt := range p.events {
		types[i] = evt.Type
	}
	return types
}

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	repos       port.Repositories
	workflows   WorkflowService
	definitions DefinitionService
	events      *recordingPublisher
	logger      *mockLogger

	tenant    entity.TenantID
	author    entity.UserID
	initiator entity.UserID
	manager   entity.UserID
	finance   entity.UserID
}

func openRepos(t *testing.T) port.Repositories {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.OpenSQLite(database.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "service.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = database.NewMigrator(db, migrations.SQLite(), logger).Run(context.Background())
	require.NoError(t, err)

	return sqlite.NewDB(db.DB, logger).Repositories()
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, openRepos(t))
}

func newTestEnvWith(t *testing.T, repos port.Repositories) *testEnv {
	t.Helper()
	events := &recordingPublisher{}
	logger := &mockLogger{}

	return &testEnv{
		repos:       repos,
		workflows:   NewWorkflowService(repos, events, logger),
		definitions: NewDefinitionService(repos, events, logger),
		events:      events,
		logger:      logger,
		tenant:      entity.NewTenantID(),
		author:      entity.NewUserID(),
		initiator:   entity.NewUserID(),
		manager:     entity.NewUserID(),
		finance:     entity.NewUserID(),
	}
}

func twoStepBody() entity.DefinitionBody {
	return entity.DefinitionBody{
		Steps: []entity.StepDefinition{
			{ID: "start", Kind: entity.StepKindStart, Name: "Start"},
			{ID: "manager", Kind: entity.StepKindApproval, Name: "Manager approval", DueHours: 48},
			{ID: "finance", Kind: entity.StepKindApproval, Name: "Finance approval"},
			{ID: "end", Kind: entity.StepKindEnd, Name: "Done", Outcome: "approved"},
		},
		Transitions: []entity.TransitionRule{
			{From: "start", To: "manager"},
			{From: "manager", To: "finance", Trigger: "approve"},
			{From: "finance", To: "end", Trigger: "approve"},
		},
	}
}

// threeStepBody adds a director sign-off after finance
func threeStepBody() entity.DefinitionBody {
	body := twoStepBody()
	body.Steps = []entity.StepDefinition{
		body.Steps[0], body.Steps[1], body.Steps[2],
		{ID: "director", Kind: entity.StepKindApproval, Name: "Director approval"},
		body.Steps[3],
	}
	body.Transitions = []entity.TransitionRule{
		{From: "start", To: "manager"},
		{From: "manager", To: "finance", Trigger: "approve"},
		{From: "finance", To: "director", Trigger: "approve"},
		{From: "director", To: "end", Trigger: "approve"},
	}
	return body
}

// publishedDefinition creates and publishes a two-step definition
func (e *testEnv) publishedDefinition(t *testing.T) entity.Definition {
	t.Helper()
	return e.publishedDefinitionWith(t, twoStepBody())
}

func (e *testEnv) publishedDefinitionWith(t *testing.T, body entity.DefinitionBody) entity.Definition {
	t.Helper()
	ctx := context.Background()

	def, err := e.definitions.Create(ctx, CreateDefinitionInput{
		Tenant: e.tenant,
		Actor:  e.author,
		Name:   "Purchase request",
		Body:   body,
		Now:    t0,
	})
	require.NoError(t, err)

	def, err = e.definitions.Publish(ctx, DefinitionCommand{
		Tenant:          e.tenant,
		Actor:           e.author,
		DefinitionID:    def.ID(),
		ExpectedVersion: def.Version(),
		Now:             t0,
	})
	require.NoError(t, err)
	return def
}

func (e *testEnv) approvers() []Approver {
	return []Approver{
		{StepID: "manager", Assignee: e.manager},
		{StepID: "finance", Assignee: e.finance},
	}
}

// submittedInstance creates and submits an instance of def
func (e *testEnv) submittedInstance(t *testing.T, def entity.Definition) InstanceDetail {
	t.Helper()
	return e.submittedInstanceWith(t, def, e.approvers())
}

func (e *testEnv) submittedInstanceWith(t *testing.T, def entity.Definition, approvers []Approver) InstanceDetail {
	t.Helper()
	ctx := context.Background()

	created, err := e.workflows.Create(ctx, CreateInstanceInput{
		Tenant:       e.tenant,
		Actor:        e.initiator,
		DefinitionID: def.ID(),
		Title:        "New laptops",
		FormData:     []byte(`{"items": 3, "amount": 4500}`),
		Now:          t0.Add(time.Minute),
	})
	require.NoError(t, err)

	detail, err := e.workflows.Submit(ctx, SubmitInput{
		Tenant:     e.tenant,
		Actor:      e.initiator,
		InstanceID: created.Instance.ID(),
		Approvers:  approvers,
		Now:        t0.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	return detail
}

func (e *testEnv) decide(detail InstanceDetail, step entity.Step, actor entity.UserID, decision string, at time.Time) (InstanceDetail, error) {
	return e.workflows.Decide(context.Background(), DecideInput{
		Tenant:          e.tenant,
		Actor:           actor,
		InstanceID:      detail.Instance.ID(),
		StepID:          step.ID(),
		Decision:        decisionOf(decision),
		ExpectedVersion: step.Version(),
		Now:             at,
	})
}

// failingSteps fails the n-th UpdateWithVersionCheck
type failingSteps struct {
	port.StepRepository
	failOn int32
	calls  atomic.Int32
	err    error
}

func (f *failingSteps) UpdateWithVersionCheck(ctx context.Context, tx port.UnitOfWork, step entity.Step, expected entity.Version) error {
	if f.calls.Add(1) == f.failOn {
		return f.err
	}
	return f.StepRepository.UpdateWithVersionCheck(ctx, tx, step, expected)
}

// barrierSteps holds the first two FindByInstance callers until both arrived,
// so two commands are guaranteed to read the same versions
type barrierSteps struct {
	port.StepRepository
	arrived atomic.Int32
	release chan struct{}
}

func (b *barrierSteps) FindByInstance(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID) ([]entity.Step, error) {
	if b.arrived.Add(1) == 2 {
		close(b.release)
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.StepRepository.FindByInstance(ctx, tenant, instance)
}
