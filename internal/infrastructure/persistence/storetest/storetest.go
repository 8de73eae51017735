// Package storetest is the contract every persistence backend must satisfy.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

// Run executes the contract against the repositories newRepos returns.
// newRepos is called once per subtest; backends may hand out a shared store
// because every subtest works in freshly generated tenants.
func Run(t *testing.T, newRepos func(t *testing.T) port.Repositories) {
	tests := []struct {
		name string
		fn   func(t *testing.T, repos port.Repositories)
	}{
		{"DefinitionRoundTrip", testDefinitionRoundTrip},
		{"DefinitionVersionCheck", testDefinitionVersionCheck},
		{"DefinitionDelete", testDefinitionDelete},
		{"DefinitionList", testDefinitionList},
		{"InstanceRoundTrip", testInstanceRoundTrip},
		{"InstanceVersionCheck", testInstanceVersionCheck},
		{"InstanceList", testInstanceList},
		{"StepRoundTrip", testStepRoundTrip},
		{"StepQueries", testStepQueries},
		{"WorkloadCounts", testWorkloadCounts},
		{"Comments", testComments},
		{"OneActiveStepPerInstance", testOneActiveStepPerInstance},
		{"DuplicateDisplayNumber", testDuplicateDisplayNumber},
		{"SequenceAllocation", testSequenceAllocation},
		{"SequenceRollback", testSequenceRollback},
		{"TenantIsolation", testTenantIsolation},
		{"UnitOfWorkHandles", testUnitOfWorkHandles},
		{"RollbackDiscardsWrites", testRollbackDiscardsWrites},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newRepos(t))
		})
	}
}

// Now is the fixed clock the contract writes with
var Now = time.Date(2026, 3, 2, 9, 30, 0, 123456000, time.UTC)

// Body returns a publishable definition body with two approval steps
func Body() entity.DefinitionBody {
	return entity.DefinitionBody{
		Steps: []entity.StepDefinition{
			{ID: "start", Kind: entity.StepKindStart, Name: "Start"},
			{ID: "manager", Kind: entity.StepKindApproval, Name: "Manager approval", DueHours: 24},
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

// SeedDefinition stores a numbered definition, published when publish is set
func SeedDefinition(t *testing.T, repos port.Repositories, tenant entity.TenantID, publish bool) entity.Definition {
	t.Helper()
	ctx := context.Background()

	def, err := entity.NewDefinition(entity.DefinitionParams{
		Tenant:      tenant,
		Name:        "Expense claim",
		Description: "Two level sign-off",
		Body:        Body(),
		CreatedBy:   entity.NewUserID(),
	}, Now)
	require.NoError(t, err)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		n, err := repos.Sequences.Next(ctx, tx, entity.SequenceDefinition, tenant.UUID())
		if err != nil {
			return err
		}
		if def, err = def.Numbered(n); err != nil {
			return err
		}
		return repos.Definitions.Insert(ctx, tx, def)
	})
	require.NoError(t, err)

	if !publish {
		return def
	}

	published, err := def.Publish(Now)
	require.NoError(t, err)
	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Definitions.UpdateWithVersionCheck(ctx, tx, published, def.Version())
	})
	require.NoError(t, err)
	return published
}

// SeedInstance stores a numbered Draft instance of def
func SeedInstance(t *testing.T, repos port.Repositories, def entity.Definition, initiator entity.UserID) entity.Instance {
	t.Helper()
	ctx := context.Background()

	inst, err := entity.NewInstance(entity.InstanceParams{
		Definition:  def,
		InitiatedBy: initiator,
		Title:       "Team offsite",
		FormData:    json.RawMessage(`{"amount": 1200, "currency": "EUR"}`),
	}, Now)
	require.NoError(t, err)

	err = repos.Tx.WithTransaction(ctx, def.TenantID(), func(ctx context.Context, tx port.UnitOfWork) error {
		n, err := repos.Sequences.Next(ctx, tx, entity.SequenceInstance, def.TenantID().UUID())
		if err != nil {
			return err
		}
		if inst, err = inst.Numbered(n); err != nil {
			return err
		}
		return repos.Instances.Insert(ctx, tx, inst)
	})
	require.NoError(t, err)
	return inst
}

// SeedSubmitted stores a submitted instance with one step per approval step of def
func SeedSubmitted(t *testing.T, repos port.Repositories, def entity.Definition, initiator entity.UserID, approvers ...entity.UserID) (entity.Instance, []entity.Step) {
	t.Helper()
	ctx := context.Background()
	inst := SeedInstance(t, repos, def, initiator)

	approvals, err := def.Body().ApprovalSteps()
	require.NoError(t, err)
	require.Len(t, approvers, len(approvals))

	steps := make([]entity.Step, len(approvals))
	for i, sd := range approvals {
		steps[i], err = entity.NewStep(entity.StepParams{Instance: inst, Definition: sd, Assignee: approvers[i]}, Now)
		require.NoError(t, err)
	}

	var submitted entity.Instance
	err = repos.Tx.WithTransaction(ctx, def.TenantID(), func(ctx context.Context, tx port.UnitOfWork) error {
		first, err := repos.Sequences.NextRange(ctx, tx, entity.SequenceStep, inst.ID().UUID(), len(steps))
		if err != nil {
			return err
		}
		for i := range steps {
			if steps[i], err = steps[i].Numbered(first + entity.DisplayNumber(i)); err != nil {
				return err
			}
		}
		if steps[0], err = steps[0].Activate(Now); err != nil {
			return err
		}
		for _, s := range steps {
			if err := repos.Steps.Insert(ctx, tx, s); err != nil {
				return err
			}
		}
		if submitted, err = inst.Submit(steps[0].ID(), Now); err != nil {
			return err
		}
		return repos.Instances.UpdateWithVersionCheck(ctx, tx, submitted, inst.Version())
	})
	require.NoError(t, err)
	return submitted, steps
}

func testDefinitionRoundTrip(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()

	def := SeedDefinition(t, repos, tenant, false)
	assert.Equal(t, entity.DisplayNumber(1), def.DisplayNumber())

	got, err := repos.Definitions.FindByID(ctx, tenant, def.ID())
	require.NoError(t, err)
	assert.Equal(t, def.Snapshot(), got.Snapshot())

	published := SeedDefinition(t, repos, tenant, true)
	got, err = repos.Definitions.FindByID(ctx, tenant, published.ID())
	require.NoError(t, err)
	assert.Equal(t, published.Snapshot(), got.Snapshot())
	assert.Equal(t, workflow.DefinitionPublished, got.Status())
	assert.Equal(t, entity.Version(2), got.Version())
}

func testDefinitionVersionCheck(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, false)

	revised, err := def.Revise("Renamed", "", Body(), Now.Add(time.Minute))
	require.NoError(t, err)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Definitions.UpdateWithVersionCheck(ctx, tx, revised, def.Version()+5)
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Definitions.UpdateWithVersionCheck(ctx, tx, revised, def.Version())
	})
	require.NoError(t, err)

	// the same expected version loses once the row has moved on
	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Definitions.UpdateWithVersionCheck(ctx, tx, revised, def.Version())
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := repos.Definitions.FindByID(ctx, tenant, def.ID())
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name())
	assert.Equal(t, def.Version()+1, got.Version())
}

func testDefinitionDelete(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	draft := SeedDefinition(t, repos, tenant, false)
	published := SeedDefinition(t, repos, tenant, true)

	err := repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Definitions.Delete(ctx, tx, published.ID(), published.Version())
	})
	assert.ErrorIs(t, err, apperr.ErrConflict, "published definitions are never deleted")

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Definitions.Delete(ctx, tx, draft.ID(), draft.Version()+1)
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Definitions.Delete(ctx, tx, draft.ID(), draft.Version())
	})
	require.NoError(t, err)

	_, err = repos.Definitions.FindByID(ctx, tenant, draft.ID())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = repos.Definitions.FindByID(ctx, tenant, published.ID())
	assert.NoError(t, err)
}

func testDefinitionList(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	first := SeedDefinition(t, repos, tenant, true)
	second := SeedDefinition(t, repos, tenant, false)
	SeedDefinition(t, repos, entity.NewTenantID(), true)

	all, err := repos.Definitions.List(ctx, tenant, port.DefinitionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID(), all[0].ID(), "newest first")
	assert.Equal(t, first.ID(), all[1].ID())

	status := workflow.DefinitionPublished
	published, err := repos.Definitions.List(ctx, tenant, port.DefinitionFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, first.ID(), published[0].ID())

	paged, err := repos.Definitions.List(ctx, tenant, port.DefinitionFilter{Page: port.Page{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, first.ID(), paged[0].ID())
}

func testInstanceRoundTrip(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	initiator := entity.NewUserID()

	inst := SeedInstance(t, repos, def, initiator)
	got, err := repos.Instances.FindByID(ctx, tenant, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, inst.Snapshot(), got.Snapshot())
	assert.JSONEq(t, `{"amount":1200,"currency":"EUR"}`, string(got.FormData()))

	submitted, _ := SeedSubmitted(t, repos, def, initiator, entity.NewUserID(), entity.NewUserID())
	got, err = repos.Instances.FindByDisplayNumber(ctx, tenant, submitted.DisplayNumber())
	require.NoError(t, err)
	assert.Equal(t, submitted.Snapshot(), got.Snapshot())
	assert.Equal(t, workflow.InstanceInProgress, got.Status())
	assert.Equal(t, entity.Version(2), got.Version())
	assert.NotNil(t, got.SubmittedAt())
}

func testInstanceVersionCheck(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	inst := SeedInstance(t, repos, def, entity.NewUserID())

	cancelled, err := inst.Cancel(Now)
	require.NoError(t, err)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version()+1)
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version())
	})
	require.NoError(t, err)

	got, err := repos.Instances.FindByID(ctx, tenant, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, cancelled.Snapshot(), got.Snapshot())
}

func testInstanceList(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	alice, bob := entity.NewUserID(), entity.NewUserID()

	older := SeedInstance(t, repos, def, alice)
	newer, _ := SeedSubmitted(t, repos, def, alice, bob, bob)
	SeedInstance(t, repos, def, bob)

	mine, err := repos.Instances.ListByInitiator(ctx, tenant, alice, port.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, newer.ID(), mine[0].ID())
	assert.Equal(t, older.ID(), mine[1].ID())

	status := workflow.InstanceDraft
	drafts, err := repos.Instances.ListByInitiator(ctx, tenant, alice, port.InstanceFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, older.ID(), drafts[0].ID())
}

func testStepRoundTrip(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	_, steps := SeedSubmitted(t, repos, def, entity.NewUserID(), entity.NewUserID(), entity.NewUserID())

	for _, want := range steps {
		got, err := repos.Steps.FindByID(ctx, tenant, want.ID())
		require.NoError(t, err)
		assert.Equal(t, want.Snapshot(), got.Snapshot())
	}

	comment := "looks fine"
	decided, err := steps[0].Approve(&comment, Now.Add(time.Hour))
	require.NoError(t, err)
	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Steps.UpdateWithVersionCheck(ctx, tx, decided, steps[0].Version())
	})
	require.NoError(t, err)

	got, err := repos.Steps.FindByID(ctx, tenant, decided.ID())
	require.NoError(t, err)
	assert.Equal(t, decided.Snapshot(), got.Snapshot())
	decision, ok := got.Decision()
	assert.True(t, ok)
	assert.Equal(t, workflow.DecisionApproved, decision)
	c, ok := got.Comment()
	assert.True(t, ok)
	assert.Equal(t, comment, c)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Steps.UpdateWithVersionCheck(ctx, tx, decided, steps[0].Version())
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func testStepQueries(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	approver := entity.NewUserID()
	inst, steps := SeedSubmitted(t, repos, def, entity.NewUserID(), approver, approver)

	all, err := repos.Steps.FindByInstance(ctx, tenant, inst.ID())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, entity.DisplayNumber(1), all[0].DisplayNumber())
	assert.Equal(t, entity.DisplayNumber(2), all[1].DisplayNumber())

	second, err := repos.Steps.FindByDisplayNumber(ctx, tenant, inst.ID(), 2)
	require.NoError(t, err)
	assert.Equal(t, steps[1].ID(), second.ID())

	_, err = repos.Steps.FindByDisplayNumber(ctx, tenant, inst.ID(), 3)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	tasks, err := repos.Steps.FindActiveByAssignee(ctx, tenant, approver, port.Page{})
	require.NoError(t, err)
	require.Len(t, tasks, 1, "only the active step is a task")
	assert.Equal(t, steps[0].ID(), tasks[0].ID())

	none, err := repos.Steps.FindActiveByAssignee(ctx, tenant, entity.NewUserID(), port.Page{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testWorkloadCounts(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	initiator, approver := entity.NewUserID(), entity.NewUserID()

	first, steps := SeedSubmitted(t, repos, def, initiator, approver, approver)
	SeedSubmitted(t, repos, def, initiator, approver, entity.NewUserID())
	SeedInstance(t, repos, def, initiator)

	active, err := repos.Steps.CountActiveByAssignee(ctx, tenant, approver)
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	running, err := repos.Instances.CountByInitiator(ctx, tenant, initiator, workflow.InstanceInProgress)
	require.NoError(t, err)
	assert.Equal(t, 2, running)
	drafts, err := repos.Instances.CountByInitiator(ctx, tenant, initiator, workflow.InstanceDraft)
	require.NoError(t, err)
	assert.Equal(t, 1, drafts)

	decidedAt := Now.Add(2 * time.Hour)
	decided, err := steps[0].Reject(nil, decidedAt)
	require.NoError(t, err)
	skipped, err := steps[1].Skip(decidedAt)
	require.NoError(t, err)
	rejected, err := first.Reject(decidedAt)
	require.NoError(t, err)
	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		if err := repos.Steps.UpdateWithVersionCheck(ctx, tx, decided, steps[0].Version()); err != nil {
			return err
		}
		if err := repos.Steps.UpdateWithVersionCheck(ctx, tx, skipped, steps[1].Version()); err != nil {
			return err
		}
		return repos.Instances.UpdateWithVersionCheck(ctx, tx, rejected, first.Version())
	})
	require.NoError(t, err)

	active, err = repos.Steps.CountActiveByAssignee(ctx, tenant, approver)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	running, err = repos.Instances.CountByInitiator(ctx, tenant, initiator, workflow.InstanceInProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	since := []struct {
		at   time.Time
		want int
	}{
		{decidedAt.Add(-time.Hour), 1},
		{decidedAt, 1},
		{decidedAt.Add(time.Microsecond), 0},
	}
	for _, tt := range since {
		n, err := repos.Steps.CountCompletedByAssignee(ctx, tenant, approver, tt.at)
		require.NoError(t, err)
		assert.Equal(t, tt.want, n, "completed since %s", tt.at)
	}

	other := entity.NewTenantID()
	n, err := repos.Steps.CountActiveByAssignee(ctx, other, approver)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = repos.Instances.CountByInitiator(ctx, other, initiator, workflow.InstanceInProgress)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testComments(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	initiator := entity.NewUserID()
	inst := SeedInstance(t, repos, def, initiator)

	later, err := entity.NewComment(inst, initiator, "second", Now.Add(time.Minute))
	require.NoError(t, err)
	earlier, err := entity.NewComment(inst, initiator, "first", Now)
	require.NoError(t, err)
	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		if err := repos.Comments.Insert(ctx, tx, later); err != nil {
			return err
		}
		return repos.Comments.Insert(ctx, tx, earlier)
	})
	require.NoError(t, err)

	got, err := repos.Comments.FindByInstance(ctx, tenant, inst.ID())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, earlier.Snapshot(), got[0].Snapshot())
	assert.Equal(t, later.Snapshot(), got[1].Snapshot())

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Comments.Insert(ctx, tx, earlier)
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	foreign, err := repos.Comments.FindByInstance(ctx, entity.NewTenantID(), inst.ID())
	require.NoError(t, err)
	assert.Empty(t, foreign)

	err = repos.Tx.WithTransaction(ctx, entity.NewTenantID(), func(ctx context.Context, tx port.UnitOfWork) error {
		c, err := entity.NewComment(inst, initiator, "sneaky", Now)
		if err != nil {
			return err
		}
		return repos.Comments.Insert(ctx, tx, c)
	})
	assert.ErrorIs(t, err, apperr.ErrInternal, "a unit of work for another tenant refuses the comment")
}

func testOneActiveStepPerInstance(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	_, steps := SeedSubmitted(t, repos, def, entity.NewUserID(), entity.NewUserID(), entity.NewUserID())

	second, err := steps[1].Activate(Now)
	require.NoError(t, err)
	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Steps.UpdateWithVersionCheck(ctx, tx, second, steps[1].Version())
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func testDuplicateDisplayNumber(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	existing := SeedInstance(t, repos, def, entity.NewUserID())

	dup, err := entity.NewInstance(entity.InstanceParams{
		Definition:  def,
		InitiatedBy: entity.NewUserID(),
		Title:       "Collides",
	}, Now)
	require.NoError(t, err)
	dup, err = dup.Numbered(existing.DisplayNumber())
	require.NoError(t, err)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Instances.Insert(ctx, tx, dup)
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func testSequenceAllocation(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	scope := uuid.New()

	var got []entity.DisplayNumber
	err := repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		for _, n := range []int{1, 1, 3, 1} {
			first, err := repos.Sequences.NextRange(ctx, tx, entity.SequenceStep, scope, n)
			if err != nil {
				return err
			}
			got = append(got, first)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []entity.DisplayNumber{1, 2, 3, 6}, got)

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		other, err := repos.Sequences.Next(ctx, tx, entity.SequenceStep, uuid.New())
		assert.Equal(t, entity.DisplayNumber(1), other, "scopes count independently")
		if err != nil {
			return err
		}
		kind, err := repos.Sequences.Next(ctx, tx, entity.SequenceInstance, scope)
		assert.Equal(t, entity.DisplayNumber(1), kind, "kinds count independently")
		if err != nil {
			return err
		}
		_, err = repos.Sequences.NextRange(ctx, tx, entity.SequenceStep, scope, 0)
		assert.ErrorIs(t, err, apperr.ErrInternal)
		return nil
	})
	require.NoError(t, err)

	err = repos.Tx.WithTransaction(ctx, entity.NewTenantID(), func(ctx context.Context, tx port.UnitOfWork) error {
		n, err := repos.Sequences.Next(ctx, tx, entity.SequenceStep, scope)
		assert.Equal(t, entity.DisplayNumber(1), n, "tenants count independently")
		return err
	})
	require.NoError(t, err)
}

func testSequenceRollback(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()

	tx, err := repos.Tx.Begin(ctx, tenant)
	require.NoError(t, err)
	n, err := repos.Sequences.Next(ctx, tx, entity.SequenceInstance, tenant.UUID())
	require.NoError(t, err)
	assert.Equal(t, entity.DisplayNumber(1), n)
	require.NoError(t, tx.Rollback(ctx))

	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		n, err := repos.Sequences.Next(ctx, tx, entity.SequenceInstance, tenant.UUID())
		assert.Equal(t, entity.DisplayNumber(1), n, "a rolled back allocation leaves no gap")
		return err
	})
	require.NoError(t, err)
}

func testTenantIsolation(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenantA, tenantB := entity.NewTenantID(), entity.NewTenantID()
	def := SeedDefinition(t, repos, tenantA, true)
	initiator := entity.NewUserID()
	inst, steps := SeedSubmitted(t, repos, def, initiator, entity.NewUserID(), entity.NewUserID())

	_, err := repos.Definitions.FindByID(ctx, tenantB, def.ID())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = repos.Instances.FindByID(ctx, tenantB, inst.ID())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = repos.Instances.FindByDisplayNumber(ctx, tenantB, inst.DisplayNumber())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = repos.Steps.FindByID(ctx, tenantB, steps[0].ID())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	listed, err := repos.Instances.ListByInitiator(ctx, tenantB, initiator, port.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, listed)
	foreignSteps, err := repos.Steps.FindByInstance(ctx, tenantB, inst.ID())
	require.NoError(t, err)
	assert.Empty(t, foreignSteps)

	// a unit of work for B cannot write A's entities
	cancelled, err := inst.Cancel(Now)
	require.NoError(t, err)
	err = repos.Tx.WithTransaction(ctx, tenantB, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version())
	})
	assert.ErrorIs(t, err, apperr.ErrInternal)

	err = repos.Tx.WithTransaction(ctx, tenantB, func(ctx context.Context, tx port.UnitOfWork) error {
		return repos.Definitions.Delete(ctx, tx, def.ID(), def.Version())
	})
	assert.ErrorIs(t, err, apperr.ErrConflict, "another tenant's row matches nothing")

	got, err := repos.Instances.FindByID(ctx, tenantA, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceInProgress, got.Status())
}

type foreignUnit struct{}

func (foreignUnit) Tenant() entity.TenantID          { return entity.TenantID{} }
func (foreignUnit) Commit(ctx context.Context) error { return nil }
func (foreignUnit) Rollback(context.Context) error   { return nil }

func testUnitOfWorkHandles(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	inst := SeedInstance(t, repos, def, entity.NewUserID())
	cancelled, err := inst.Cancel(Now)
	require.NoError(t, err)

	_, err = repos.Tx.Begin(ctx, entity.TenantID{})
	assert.ErrorIs(t, err, apperr.ErrInternal, "a unit of work needs a tenant")

	err = repos.Instances.UpdateWithVersionCheck(ctx, nil, cancelled, inst.Version())
	assert.ErrorIs(t, err, apperr.ErrInternal)

	err = repos.Instances.UpdateWithVersionCheck(ctx, foreignUnit{}, cancelled, inst.Version())
	assert.ErrorIs(t, err, apperr.ErrInternal)

	_, err = repos.Sequences.Next(ctx, foreignUnit{}, entity.SequenceInstance, tenant.UUID())
	assert.ErrorIs(t, err, apperr.ErrInternal)

	tx, err := repos.Tx.Begin(ctx, tenant)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, tx.Rollback(ctx), "rollback after commit is a no-op")
	assert.ErrorIs(t, tx.Commit(ctx), apperr.ErrInternal)

	err = repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version())
	assert.ErrorIs(t, err, apperr.ErrInternal, "a finished unit of work is refused")
}

func testRollbackDiscardsWrites(t *testing.T, repos port.Repositories) {
	ctx := context.Background()
	tenant := entity.NewTenantID()
	def := SeedDefinition(t, repos, tenant, true)
	inst := SeedInstance(t, repos, def, entity.NewUserID())
	cancelled, err := inst.Cancel(Now)
	require.NoError(t, err)

	boom := assert.AnError
	err = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		if err := repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
			if err := repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version()); err != nil {
				return err
			}
			panic("handler bug")
		})
	})

	got, err := repos.Instances.FindByID(ctx, tenant, inst.ID())
	require.NoError(t, err)
	assert.Equal(t, inst.Snapshot(), got.Snapshot())
}
