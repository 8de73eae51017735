package workflow

import (
	"errors"
	"reflect"
	"testing"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
)

func TestInstanceStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   InstanceStatus
		expected bool
	}{
		{InstanceDraft, false},
		{InstancePending, false},
		{InstanceInProgress, false},
		{InstanceChangesRequested, false},
		{InstanceApproved, true},
		{InstanceRejected, true},
		{InstanceCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.expected {
				t.Errorf("InstanceStatus.IsTerminal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStatus_IsValid(t *testing.T) {
	tests := []struct {
		name     string
		valid    bool
		expected bool
	}{
		{"instance status", InstanceInProgress.IsValid(), true},
		{"unknown instance status", InstanceStatus("IN_PROGRESS").IsValid(), false},
		{"step status", StepSkipped.IsValid(), true},
		{"empty step status", StepStatus("").IsValid(), false},
		{"definition status", DefinitionArchived.IsValid(), true},
		{"unknown definition status", DefinitionStatus("deleted").IsValid(), false},
		{"decision", DecisionRequestChanges.IsValid(), true},
		{"unknown decision", Decision("abstain").IsValid(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.valid != tt.expected {
				t.Errorf("IsValid() = %v, want %v", tt.valid, tt.expected)
			}
		})
	}
}

func TestDecision_IsTerminating(t *testing.T) {
	if DecisionApproved.IsTerminating() {
		t.Error("approval should not terminate the round")
	}
	if !DecisionRejected.IsTerminating() || !DecisionRequestChanges.IsTerminating() {
		t.Error("rejection and request-changes should terminate the round")
	}
}

func TestDecisionTrigger(t *testing.T) {
	trigger, ok := DecisionTrigger(DecisionRequestChanges)
	if !ok || trigger != TriggerRequestChanges {
		t.Errorf("DecisionTrigger() = %v, %v, want %v, true", trigger, ok, TriggerRequestChanges)
	}

	if _, ok := DecisionTrigger(Decision("abstain")); ok {
		t.Error("DecisionTrigger() should reject unknown decisions")
	}
}

func TestBuilder_ConfigurePanicsOnInvalidState(t *testing.T) {
	builder := NewBuilder[InstanceStatus]("workflow instance")

	defer func() {
		if r := recover(); r == nil {
			t.Error("Configure() should panic on invalid state")
		}
	}()

	builder.Configure(InstanceStatus("INVALID"))
}

func TestStateConfiguration_PermitPanicsOnInvalidState(t *testing.T) {
	builder := NewBuilder[StepStatus]("workflow step")

	defer func() {
		if r := recover(); r == nil {
			t.Error("Permit() should panic on invalid target state")
		}
	}()

	builder.Configure(StepPending).Permit(TriggerActivate, StepStatus("INVALID"))
}

func TestStateConfiguration_PermitPanicsOnDuplicateTrigger(t *testing.T) {
	builder := NewBuilder[StepStatus]("workflow step")

	defer func() {
		if r := recover(); r == nil {
			t.Error("Permit() should panic when a trigger is permitted twice")
		}
	}()

	builder.Configure(StepPending).
		Permit(TriggerSkip, StepSkipped).
		Permit(TriggerSkip, StepActive)
}

func TestTable_BuildIsImmutable(t *testing.T) {
	builder := NewBuilder[DefinitionStatus]("workflow definition")
	builder.Configure(DefinitionDraft).Permit(TriggerPublish, DefinitionPublished)

	table := builder.Build()
	builder.Configure(DefinitionPublished).Permit(TriggerArchive, DefinitionArchived)

	if table.CanFire(DefinitionPublished, TriggerArchive) {
		t.Error("table should not observe configuration added after Build()")
	}
}

func TestInstanceTransitions(t *testing.T) {
	tests := []struct {
		from    InstanceStatus
		trigger Trigger
		to      InstanceStatus
		wantErr bool
	}{
		{InstanceDraft, TriggerSubmit, InstancePending, false},
		{InstanceDraft, TriggerCancel, InstanceCancelled, false},
		{InstanceDraft, TriggerApprove, InstanceDraft, true},
		{InstancePending, TriggerAssign, InstanceInProgress, false},
		{InstancePending, TriggerCancel, InstanceCancelled, false},
		{InstanceInProgress, TriggerAdvance, InstanceInProgress, false},
		{InstanceInProgress, TriggerApprove, InstanceApproved, false},
		{InstanceInProgress, TriggerReject, InstanceRejected, false},
		{InstanceInProgress, TriggerRequestChanges, InstanceChangesRequested, false},
		{InstanceInProgress, TriggerCancel, InstanceCancelled, false},
		{InstanceInProgress, TriggerSubmit, InstanceInProgress, true},
		{InstanceChangesRequested, TriggerResubmit, InstanceInProgress, false},
		{InstanceChangesRequested, TriggerCancel, InstanceChangesRequested, true},
		{InstanceApproved, TriggerCancel, InstanceApproved, true},
		{InstanceRejected, TriggerResubmit, InstanceRejected, true},
		{InstanceCancelled, TriggerSubmit, InstanceCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := InstanceTransitions.Fire(tt.from, tt.trigger)

			if (err != nil) != tt.wantErr {
				t.Fatalf("Fire() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.to {
				t.Errorf("Fire() = %v, want %v", got, tt.to)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("Fire() error = %v, want %v", err, ErrInvalidTransition)
				}
				if apperr.KindOf(err) != apperr.KindValidation {
					t.Errorf("Fire() error kind = %v, want validation", apperr.KindOf(err))
				}
			}
		})
	}
}

func TestInstanceTransitions_TerminalStatusesHaveNoTriggers(t *testing.T) {
	for _, status := range []InstanceStatus{InstanceApproved, InstanceRejected, InstanceCancelled} {
		if triggers := InstanceTransitions.PermittedTriggers(status); len(triggers) != 0 {
			t.Errorf("PermittedTriggers(%s) = %v, want none", status, triggers)
		}
	}
}

func TestStepTransitions(t *testing.T) {
	tests := []struct {
		from    StepStatus
		trigger Trigger
		to      StepStatus
		wantErr bool
	}{
		{StepPending, TriggerActivate, StepActive, false},
		{StepPending, TriggerSkip, StepSkipped, false},
		{StepPending, TriggerApprove, StepPending, true},
		{StepActive, TriggerApprove, StepCompleted, false},
		{StepActive, TriggerReject, StepCompleted, false},
		{StepActive, TriggerRequestChanges, StepCompleted, false},
		{StepActive, TriggerSkip, StepActive, true},
		{StepActive, TriggerWithdraw, StepSkipped, false},
		{StepCompleted, TriggerApprove, StepCompleted, true},
		{StepSkipped, TriggerActivate, StepSkipped, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			got, err := StepTransitions.Fire(tt.from, tt.trigger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Fire() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.to {
				t.Errorf("Fire() = %v, want %v", got, tt.to)
			}
		})
	}
}

func TestDefinitionTransitions_PermittedTriggers(t *testing.T) {
	got := DefinitionTransitions.PermittedTriggers(DefinitionDraft)
	want := []Trigger{TriggerPublish, TriggerRevise}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("PermittedTriggers(draft) = %v, want %v", got, want)
	}

	if DefinitionTransitions.CanFire(DefinitionArchived, TriggerPublish) {
		t.Error("archived definitions should not be publishable")
	}
}

func TestTable_FireRejectsUnknownState(t *testing.T) {
	_, err := StepTransitions.Fire(StepStatus("bogus"), TriggerActivate)

	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Fire() error = %v, want %v", err, ErrInvalidState)
	}
}
