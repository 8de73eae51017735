package workflow

// InstanceTransitions is the authoritative lifecycle of a workflow instance.
// Approved, Rejected and Cancelled have no outgoing transitions.
var InstanceTransitions = buildInstanceTable()

// StepTransitions is the lifecycle of one step in an approval chain
var StepTransitions = buildStepTable()

// DefinitionTransitions is the publication lifecycle of a workflow definition
var DefinitionTransitions = buildDefinitionTable()

func buildInstanceTable() *Table[InstanceStatus] {
	b := NewBuilder[InstanceStatus]("workflow instance")

	b.Configure(InstanceDraft).
		Permit(TriggerSubmit, InstancePending).
		Permit(TriggerCancel, InstanceCancelled)

	b.Configure(InstancePending).
		Permit(TriggerAssign, InstanceInProgress).
		Permit(TriggerCancel, InstanceCancelled)

	b.Configure(InstanceInProgress).
		Permit(TriggerAdvance, InstanceInProgress).
		Permit(TriggerApprove, InstanceApproved).
		Permit(TriggerReject, InstanceRejected).
		Permit(TriggerRequestChanges, InstanceChangesRequested).
		Permit(TriggerCancel, InstanceCancelled)

	b.Configure(InstanceChangesRequested).
		Permit(TriggerResubmit, InstanceInProgress)

	return b.Build()
}

func buildStepTable() *Table[StepStatus] {
	b := NewBuilder[StepStatus]("workflow step")

	b.Configure(StepPending).
		Permit(TriggerActivate, StepActive).
		Permit(TriggerSkip, StepSkipped).
		Permit(TriggerWithdraw, StepSkipped)

	b.Configure(StepActive).
		Permit(TriggerApprove, StepCompleted).
		Permit(TriggerReject, StepCompleted).
		Permit(TriggerRequestChanges, StepCompleted).
		Permit(TriggerWithdraw, StepSkipped)

	return b.Build()
}

func buildDefinitionTable() *Table[DefinitionStatus] {
	b := NewBuilder[DefinitionStatus]("workflow definition")

	b.Configure(DefinitionDraft).
		Permit(TriggerRevise, DefinitionDraft).
		Permit(TriggerPublish, DefinitionPublished)

	b.Configure(DefinitionPublished).
		Permit(TriggerArchive, DefinitionArchived)

	return b.Build()
}
