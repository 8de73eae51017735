package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 123456789, time.UTC)

func twoStepBody() DefinitionBody {
	return DefinitionBody{
		Steps: []StepDefinition{
			{ID: "start", Kind: StepKindStart, Name: "Start"},
			{ID: "manager", Kind: StepKindApproval, Name: "Manager", DueHours: 24},
			{ID: "finance", Kind: StepKindApproval, Name: "Finance"},
			{ID: "end", Kind: StepKindEnd, Name: "End", Outcome: "approved"},
		},
		Transitions: []TransitionRule{
			{From: "start", To: "manager"},
			{From: "manager", To: "finance", Trigger: "approve"},
			{From: "finance", To: "end", Trigger: "approve"},
		},
	}
}

func publishedDefinition(t *testing.T) Definition {
	t.Helper()
	def, err := NewDefinition(DefinitionParams{
		Tenant:    NewTenantID(),
		Name:      "Purchase request",
		Body:      twoStepBody(),
		CreatedBy: NewUserID(),
	}, testNow)
	require.NoError(t, err)
	def, err = def.Numbered(1)
	require.NoError(t, err)
	def, err = def.Publish(testNow)
	require.NoError(t, err)
	return def
}

func draftInstance(t *testing.T, def Definition) Instance {
	t.Helper()
	inst, err := NewInstance(InstanceParams{
		Definition:  def,
		InitiatedBy: NewUserID(),
		Title:       "Laptop",
		FormData:    json.RawMessage(`{"amount": 1200, "currency": "EUR"}`),
	}, testNow)
	require.NoError(t, err)
	inst, err = inst.Numbered(7)
	require.NoError(t, err)
	return inst
}

func newSteps(t *testing.T, inst Instance, def Definition) []Step {
	t.Helper()
	approvals, err := def.Body().ApprovalSteps()
	require.NoError(t, err)

	steps := make([]Step, 0, len(approvals))
	for i, sd := range approvals {
		s, err := NewStep(StepParams{Instance: inst, Definition: sd, Assignee: NewUserID()}, testNow)
		require.NoError(t, err)
		s, err = s.Numbered(DisplayNumber(i + 1))
		require.NoError(t, err)
		steps = append(steps, s)
	}
	return steps
}

func TestParseDisplayID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    DisplayNumber
		wantErr bool
	}{
		{name: "valid", input: "WF-42", want: 42},
		{name: "wrong prefix", input: "WD-42", wantErr: true},
		{name: "missing number", input: "WF-", wantErr: true},
		{name: "zero", input: "WF-0", wantErr: true},
		{name: "negative", input: "WF--3", wantErr: true},
		{name: "garbage", input: "WF-abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDisplayID(PrefixInstance, tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Number)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestIDs_TextRoundTrip(t *testing.T) {
	id := NewInstanceID()
	text, err := id.MarshalText()
	require.NoError(t, err)

	var parsed InstanceID
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, id, parsed)
	assert.False(t, parsed.IsZero())

	_, err = ParseStepID("not-a-uuid")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDefinitionBody_Validate(t *testing.T) {
	tests := []struct {
		name    string
		body    DefinitionBody
		wantErr bool
	}{
		{name: "valid", body: twoStepBody()},
		{
			name:    "duplicate step id",
			body:    DefinitionBody{Steps: []StepDefinition{{ID: "a", Kind: StepKindApproval}, {ID: "a", Kind: StepKindApproval}}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			body:    DefinitionBody{Steps: []StepDefinition{{ID: "a", Kind: "vote"}}},
			wantErr: true,
		},
		{
			name:    "dangling transition",
			body:    DefinitionBody{Steps: []StepDefinition{{ID: "a", Kind: StepKindApproval}}, Transitions: []TransitionRule{{From: "a", To: "b"}}},
			wantErr: true,
		},
		{
			name:    "negative due hours",
			body:    DefinitionBody{Steps: []StepDefinition{{ID: "a", Kind: StepKindApproval, DueHours: -1}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.body.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefinition_Lifecycle(t *testing.T) {
	def, err := NewDefinition(DefinitionParams{
		Tenant:    NewTenantID(),
		Name:      "  Travel  ",
		Body:      twoStepBody(),
		CreatedBy: NewUserID(),
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, "Travel", def.Name())
	assert.Equal(t, workflow.DefinitionDraft, def.Status())
	assert.Equal(t, InitialVersion, def.Version())
	assert.NoError(t, def.CheckDeletable())

	revised, err := def.Revise("Travel v2", "desc", twoStepBody(), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Version(2), revised.Version())
	assert.Equal(t, "Travel", def.Name(), "original value must not change")

	published, err := revised.Publish(testNow)
	require.NoError(t, err)
	assert.Equal(t, Version(3), published.Version())
	assert.True(t, published.IsPublished())

	_, err = published.Revise("again", "", twoStepBody(), testNow)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
	assert.ErrorIs(t, published.CheckDeletable(), apperr.ErrValidation)

	archived, err := published.Archive(testNow)
	require.NoError(t, err)
	assert.Equal(t, workflow.DefinitionArchived, archived.Status())
	assert.Equal(t, Version(4), archived.Version())

	_, err = archived.Archive(testNow)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestDefinition_PublishRequiresApprovalStep(t *testing.T) {
	def, err := NewDefinition(DefinitionParams{
		Tenant:    NewTenantID(),
		Name:      "Empty",
		Body:      DefinitionBody{Steps: []StepDefinition{{ID: "start", Kind: StepKindStart}}},
		CreatedBy: NewUserID(),
	}, testNow)
	require.NoError(t, err)

	_, err = def.Publish(testNow)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDefinition_BodyIsNotShared(t *testing.T) {
	body := twoStepBody()
	def, err := NewDefinition(DefinitionParams{
		Tenant:    NewTenantID(),
		Name:      "Travel",
		Body:      body,
		CreatedBy: NewUserID(),
	}, testNow)
	require.NoError(t, err)

	body.Steps[1].Name = "Changed by caller"
	body.Transitions[0].To = "end"
	assert.Equal(t, "Manager", def.Body().Steps[1].Name)
	assert.Equal(t, "manager", def.Body().Transitions[0].To)

	def.Body().Steps[1].Name = "Changed through accessor"
	def.Body().Transitions[0].Trigger = "reject"
	assert.Equal(t, "Manager", def.Body().Steps[1].Name)
	assert.Empty(t, def.Body().Transitions[0].Trigger)

	revisedBody := twoStepBody()
	revised, err := def.Revise("Travel", "", revisedBody, testNow)
	require.NoError(t, err)
	revisedBody.Steps[2].Name = "Changed after revise"
	assert.Equal(t, "Finance", revised.Body().Steps[2].Name)

	snap := revised.Snapshot()
	restored, err := RestoreDefinition(snap)
	require.NoError(t, err)
	snap.Body.Steps[2].Name = "Changed in snapshot"
	assert.Equal(t, "Finance", restored.Body().Steps[2].Name)
	assert.Equal(t, "Finance", revised.Body().Steps[2].Name)
}

func TestNewInstance(t *testing.T) {
	def := publishedDefinition(t)

	t.Run("pins definition version and canonicalizes form", func(t *testing.T) {
		inst := draftInstance(t, def)
		assert.Equal(t, workflow.InstanceDraft, inst.Status())
		assert.Equal(t, InitialVersion, inst.Version())
		assert.Equal(t, def.Version(), inst.DefinitionVersion())
		assert.Equal(t, def.TenantID(), inst.TenantID())
		assert.Equal(t, `{"amount":1200,"currency":"EUR"}`, string(inst.FormData()))
		assert.Equal(t, "WF-7", inst.DisplayID().String())
		assert.Nil(t, inst.SubmittedAt())
		assert.Equal(t, testNow.Truncate(time.Microsecond), inst.CreatedAt())
	})

	t.Run("rejects unpublished definition", func(t *testing.T) {
		draft, err := NewDefinition(DefinitionParams{Tenant: NewTenantID(), Name: "d", Body: twoStepBody(), CreatedBy: NewUserID()}, testNow)
		require.NoError(t, err)
		_, err = NewInstance(InstanceParams{Definition: draft, InitiatedBy: NewUserID(), Title: "x"}, testNow)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("rejects non-object form", func(t *testing.T) {
		_, err := NewInstance(InstanceParams{
			Definition:  def,
			InitiatedBy: NewUserID(),
			Title:       "x",
			FormData:    json.RawMessage(`[1,2]`),
		}, testNow)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("rejects blank title", func(t *testing.T) {
		_, err := NewInstance(InstanceParams{Definition: def, InitiatedBy: NewUserID(), Title: "  "}, testNow)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	t.Run("numbers only once", func(t *testing.T) {
		inst := draftInstance(t, def)
		_, err := inst.Numbered(8)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})
}

func TestInstance_ApprovalScenario(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)
	steps := newSteps(t, inst, def)

	first, err := steps[0].Activate(testNow)
	require.NoError(t, err)
	assert.Equal(t, Version(2), first.Version())
	require.NotNil(t, first.DueAt())
	assert.Equal(t, testNow.Truncate(time.Microsecond).Add(24*time.Hour), *first.DueAt())

	inst, err = inst.Submit(first.ID(), testNow)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceInProgress, inst.Status())
	assert.Equal(t, Version(2), inst.Version(), "submit is a single transition")
	require.NotNil(t, inst.SubmittedAt())
	current, ok := inst.CurrentStepID()
	require.True(t, ok)
	assert.Equal(t, first.ID(), current)

	comment := "fine"
	first, err = first.Approve(&comment, testNow)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepCompleted, first.Status())
	decision, ok := first.Decision()
	require.True(t, ok)
	assert.Equal(t, workflow.DecisionApproved, decision)

	steps[0] = first
	next, ok := NextPendingStep(steps, first)
	require.True(t, ok)
	assert.Equal(t, steps[1].ID(), next.ID())

	next, err = next.Activate(testNow)
	require.NoError(t, err)
	inst, err = inst.Advance(next.ID(), testNow)
	require.NoError(t, err)
	assert.Equal(t, Version(3), inst.Version())

	_, err = inst.Advance(next.ID(), testNow)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	next, err = next.Approve(nil, testNow)
	require.NoError(t, err)
	steps[1] = next

	_, ok = NextPendingStep(steps, next)
	assert.False(t, ok)

	inst, err = inst.Approve(testNow)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceApproved, inst.Status())
	assert.Equal(t, Version(4), inst.Version())
	assert.NotNil(t, inst.CompletedAt())
	_, ok = inst.CurrentStepID()
	assert.False(t, ok)

	_, err = inst.Cancel(testNow)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestInstance_RequestChangesAndResubmit(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)
	steps := newSteps(t, inst, def)

	inst, err := inst.Submit(steps[0].ID(), testNow)
	require.NoError(t, err)

	inst, err = inst.RequestChanges(testNow)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceChangesRequested, inst.Status())
	assert.Nil(t, inst.CompletedAt())

	_, err = inst.Cancel(testNow)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	kept, err := inst.Resubmit(nil, NewStepID(), testNow)
	require.NoError(t, err)
	assert.Equal(t, string(inst.FormData()), string(kept.FormData()))

	replaced, err := inst.Resubmit(json.RawMessage(`{"z":1,"a":2}`), NewStepID(), testNow)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceInProgress, replaced.Status())
	assert.Equal(t, `{"a":2,"z":1}`, string(replaced.FormData()))
	assert.Equal(t, inst.Version().Next(), replaced.Version())
}

func TestInstance_InvalidTransitionsLeaveValueUnchanged(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)

	tests := []struct {
		name string
		fire func(Instance) (Instance, error)
	}{
		{name: "approve draft", fire: func(i Instance) (Instance, error) { return i.Approve(testNow) }},
		{name: "reject draft", fire: func(i Instance) (Instance, error) { return i.Reject(testNow) }},
		{name: "advance draft", fire: func(i Instance) (Instance, error) { return i.Advance(NewStepID(), testNow) }},
		{name: "resubmit draft", fire: func(i Instance) (Instance, error) { return i.Resubmit(nil, NewStepID(), testNow) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fire(inst)
			assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, inst.Version(), got.Version())
			assert.Equal(t, inst.Status(), got.Status())
		})
	}
}

func TestStep_Transitions(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)
	steps := newSteps(t, inst, def)
	pending := steps[0]

	_, err := pending.Approve(nil, testNow)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	skipped, err := pending.Skip(testNow)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepSkipped, skipped.Status())
	assert.Equal(t, Version(2), skipped.Version())

	_, err = skipped.Activate(testNow)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	active, err := pending.Activate(testNow)
	require.NoError(t, err)
	_, err = active.Skip(testNow)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	withdrawn, err := active.Withdraw(testNow)
	require.NoError(t, err)
	assert.Equal(t, workflow.StepSkipped, withdrawn.Status())

	_, err = active.Decide("maybe", nil, testNow)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStep_IsOverdue(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)
	steps := newSteps(t, inst, def)

	assert.False(t, steps[0].IsOverdue(testNow))
	assert.True(t, steps[0].IsOverdue(testNow.Add(25*time.Hour)))
	assert.False(t, steps[1].IsOverdue(testNow.Add(1000*time.Hour)), "no deadline configured")

	active, err := steps[0].Activate(testNow)
	require.NoError(t, err)
	done, err := active.Approve(nil, testNow)
	require.NoError(t, err)
	assert.False(t, done.IsOverdue(testNow.Add(25*time.Hour)))
}

func TestSkipPendingSteps(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)
	steps := newSteps(t, inst, def)

	active, err := steps[0].Activate(testNow)
	require.NoError(t, err)
	rejected, err := active.Reject(nil, testNow)
	require.NoError(t, err)
	steps[0] = rejected

	skipped, err := SkipPendingSteps(steps, testNow)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, steps[1].ID(), skipped[0].ID())
	assert.Equal(t, workflow.StepSkipped, skipped[0].Status())
	assert.Equal(t, steps[1].Version().Next(), skipped[0].Version())
}

func TestWithdrawOpenSteps(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)
	steps := newSteps(t, inst, def)

	active, err := steps[0].Activate(testNow)
	require.NoError(t, err)
	steps[0] = active

	withdrawn, err := WithdrawOpenSteps(steps, testNow)
	require.NoError(t, err)
	require.Len(t, withdrawn, 2)
	for _, s := range withdrawn {
		assert.Equal(t, workflow.StepSkipped, s.Status())
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)
	steps := newSteps(t, inst, def)

	active, err := steps[0].Activate(testNow)
	require.NoError(t, err)
	inst, err = inst.Submit(active.ID(), testNow)
	require.NoError(t, err)
	comment := "changes please"
	decided, err := active.RequestChanges(&comment, testNow)
	require.NoError(t, err)

	restoredDef, err := RestoreDefinition(def.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, def, restoredDef)

	restoredInst, err := RestoreInstance(inst.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, inst, restoredInst)

	restoredStep, err := RestoreStep(decided.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, decided, restoredStep)
	got, ok := restoredStep.Comment()
	require.True(t, ok)
	assert.Equal(t, comment, got)
}

func TestRestore_CorruptRecords(t *testing.T) {
	def := publishedDefinition(t)
	inst := draftInstance(t, def)
	steps := newSteps(t, inst, def)

	badStatus := inst.Snapshot()
	badStatus.Status = "paused"
	_, err := RestoreInstance(badStatus)
	assert.ErrorIs(t, err, ErrCorruptRecord)
	assert.NotErrorIs(t, err, apperr.ErrValidation)

	noStep := inst.Snapshot()
	noStep.Status = workflow.InstanceInProgress
	_, err = RestoreInstance(noStep)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	noCompletion := inst.Snapshot()
	noCompletion.Status = workflow.InstanceApproved
	_, err = RestoreInstance(noCompletion)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	zeroVersion := steps[0].Snapshot()
	zeroVersion.Version = 0
	_, err = RestoreStep(zeroVersion)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	missingDecision := steps[0].Snapshot()
	missingDecision.Status = workflow.StepCompleted
	_, err = RestoreStep(missingDecision)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	badDef := def.Snapshot()
	badDef.Status = "retired"
	_, err = RestoreDefinition(badDef)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}
