package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/event"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

// WorkflowService runs instances through their approval chain. Every command
// reads and transitions outside the database transaction, then writes all
// changes through one unit of work guarded by version checks.
type WorkflowService interface {
	Create(ctx context.Context, in CreateInstanceInput) (InstanceDetail, error)
	Submit(ctx context.Context, in SubmitInput) (InstanceDetail, error)
	Resubmit(ctx context.Context, in ResubmitInput) (InstanceDetail, error)
	Decide(ctx context.Context, in DecideInput) (InstanceDetail, error)
	Cancel(ctx context.Context, in CancelInput) (InstanceDetail, error)

	GetInstance(ctx context.Context, tenant entity.TenantID, id entity.InstanceID) (InstanceDetail, error)
	GetInstanceByDisplayNumber(ctx context.Context, tenant entity.TenantID, n entity.DisplayNumber) (InstanceDetail, error)
	GetStepByDisplayNumber(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID, n entity.DisplayNumber) (entity.Step, error)
	ListMyInstances(ctx context.Context, tenant entity.TenantID, user entity.UserID, filter port.InstanceFilter) ([]entity.Instance, error)
	ListMyTasks(ctx context.Context, tenant entity.TenantID, user entity.UserID, page port.Page) ([]Task, error)

	PostComment(ctx context.Context, in PostCommentInput) (entity.Comment, error)
	ListComments(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID) ([]entity.Comment, error)
	DashboardStats(ctx context.Context, tenant entity.TenantID, user entity.UserID, now time.Time) (DashboardStats, error)
}

// InstanceDetail is an instance with its steps in display order
type InstanceDetail struct {
	Instance entity.Instance
	Steps    []entity.Step
}

// Task is an Active step awaiting the user's decision
type Task struct {
	Step     entity.Step
	Instance entity.Instance
}

// Approver assigns a user to one approval step of the definition
type Approver struct {
	StepID   string
	Assignee entity.UserID
}

// CreateInstanceInput carries a new Draft instance
type CreateInstanceInput struct {
	Tenant       entity.TenantID
	Actor        entity.UserID
	DefinitionID entity.DefinitionID
	Title        string
	FormData     json.RawMessage
	Now          time.Time
}

// SubmitInput starts the first approval round of a Draft instance
type SubmitInput struct {
	Tenant     entity.TenantID
	Actor      entity.UserID
	InstanceID entity.InstanceID
	Approvers  []Approver
	Now        time.Time
}

// ResubmitInput starts a new approval round after changes were requested.
// Empty FormData keeps the current form.
type ResubmitInput struct {
	Tenant          entity.TenantID
	Actor           entity.UserID
	InstanceID      entity.InstanceID
	FormData        json.RawMessage
	Approvers       []Approver
	ExpectedVersion entity.Version
	Now             time.Time
}

// DecideInput records the assignee's decision on the current step.
// ExpectedVersion is the version of the step.
type DecideInput struct {
	Tenant          entity.TenantID
	Actor           entity.UserID
	InstanceID      entity.InstanceID
	StepID          entity.StepID
	Decision        workflow.Decision
	Comment         *string
	ExpectedVersion entity.Version
	Now             time.Time
}

// CancelInput withdraws an instance that has not been decided yet
type CancelInput struct {
	Tenant     entity.TenantID
	Actor      entity.UserID
	InstanceID entity.InstanceID
	Now        time.Time
}

// PostCommentInput adds a comment to an instance. Only the initiator and the
// step assignees may post.
type PostCommentInput struct {
	Tenant     entity.TenantID
	Actor      entity.UserID
	InstanceID entity.InstanceID
	Body       string
	Now        time.Time
}

// DashboardStats summarizes the user's workload
type DashboardStats struct {
	PendingTasks        int
	WorkflowsInProgress int
	CompletedToday      int
}

type workflowServiceImpl struct {
	core
	repos port.Repositories
}

// NewWorkflowService creates a new WorkflowService
func NewWorkflowService(repos port.Repositories, publisher EventPublisher, logger Logger) WorkflowService {
	return &workflowServiceImpl{
		core:  newCore(publisher, logger),
		repos: repos,
	}
}

// Create stores a Draft instance of a published definition
func (s *workflowServiceImpl) Create(ctx context.Context, in CreateInstanceInput) (InstanceDetail, error) {
	const op = "create instance"

	def, err := s.repos.Definitions.FindByID(ctx, in.Tenant, in.DefinitionID)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}

	inst, err := entity.NewInstance(entity.InstanceParams{
		Definition:  def,
		InitiatedBy: in.Actor,
		Title:       in.Title,
		FormData:    in.FormData,
	}, in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}

	err = s.repos.Tx.WithTransaction(ctx, in.Tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		n, err := s.repos.Sequences.Next(ctx, tx, entity.SequenceInstance, in.Tenant.UUID())
		if err != nil {
			return err
		}
		if inst, err = inst.Numbered(n); err != nil {
			return err
		}
		return s.repos.Instances.Insert(ctx, tx, inst)
	})
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}

	s.logger.Info("Instance created", "id", inst.ID().String(), "display_id", inst.DisplayID().String())
	s.publish(ctx, instanceEvent(event.TypeInstanceCreated, inst, in.Actor, in.Now, map[string]any{
		"definition_id":      def.ID().String(),
		"definition_version": int32(def.Version()),
	}))
	return s.GetInstance(ctx, in.Tenant, inst.ID())
}

// Submit creates the approval steps of a Draft instance, the first one
// Active, and moves the instance to InProgress
func (s *workflowServiceImpl) Submit(ctx context.Context, in SubmitInput) (InstanceDetail, error) {
	const op = "submit instance"

	inst, err := s.repos.Instances.FindByID(ctx, in.Tenant, in.InstanceID)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}
	if inst.InitiatedBy() != in.Actor {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Forbiddenf("only the initiator can submit %s", inst.DisplayID()),
			"instance_id", in.InstanceID.String())
	}
	if inst.Status() != workflow.InstanceDraft {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Validationf("%w: only draft instances can be submitted (%s is %s)",
				workflow.ErrInvalidTransition, inst.DisplayID(), inst.Status()),
			"instance_id", in.InstanceID.String())
	}

	steps, err := s.newRound(ctx, inst, in.Approvers, in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	submitted, err := inst.Submit(steps[0].ID(), in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	if err := s.writeRound(ctx, in.Tenant, submitted, inst.Version(), steps); err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	s.logger.Info("Instance submitted", "id", inst.ID().String(), "steps", len(steps))
	s.publish(ctx, instanceEvent(event.TypeInstanceSubmitted, submitted, in.Actor, in.Now, roundPayload(steps)))
	return s.GetInstance(ctx, in.Tenant, inst.ID())
}

// Resubmit starts a new approval round of an instance whose approver asked
// for changes
func (s *workflowServiceImpl) Resubmit(ctx context.Context, in ResubmitInput) (InstanceDetail, error) {
	const op = "resubmit instance"

	inst, err := s.repos.Instances.FindByID(ctx, in.Tenant, in.InstanceID)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}
	if inst.InitiatedBy() != in.Actor {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Forbiddenf("only the initiator can resubmit %s", inst.DisplayID()),
			"instance_id", in.InstanceID.String())
	}
	if inst.Version() != in.ExpectedVersion {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Conflictf("instance %s is at version %d, not %d", inst.DisplayID(), inst.Version(), in.ExpectedVersion),
			"instance_id", in.InstanceID.String())
	}
	if inst.Status() != workflow.InstanceChangesRequested {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Validationf("%w: only instances with requested changes can be resubmitted (%s is %s)",
				workflow.ErrInvalidTransition, inst.DisplayID(), inst.Status()),
			"instance_id", in.InstanceID.String())
	}

	steps, err := s.newRound(ctx, inst, in.Approvers, in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	resubmitted, err := inst.Resubmit(in.FormData, steps[0].ID(), in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	if err := s.writeRound(ctx, in.Tenant, resubmitted, inst.Version(), steps); err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	s.logger.Info("Instance resubmitted", "id", inst.ID().String(), "steps", len(steps))
	s.publish(ctx, instanceEvent(event.TypeInstanceResubmitted, resubmitted, in.Actor, in.Now, roundPayload(steps)))
	return s.GetInstance(ctx, in.Tenant, inst.ID())
}

// newRound builds one step per approval step of the instance's definition,
// assigned in order to approvers, with the first one Active
func (s *workflowServiceImpl) newRound(ctx context.Context, inst entity.Instance, approvers []Approver, now time.Time) ([]entity.Step, error) {
	def, err := s.repos.Definitions.FindByID(ctx, inst.TenantID(), inst.DefinitionID())
	if err != nil {
		return nil, err
	}
	approvals, err := def.Body().ApprovalSteps()
	if err != nil {
		return nil, err
	}

	if len(approvers) != len(approvals) {
		return nil, apperr.Validationf("definition %s has %d approval steps, got %d approvers",
			def.DisplayID(), len(approvals), len(approvers))
	}

	steps := make([]entity.Step, len(approvals))
	for i, sd := range approvals {
		if approvers[i].StepID != sd.ID {
			return nil, apperr.Validationf("approver %d is for step %q, expected %q", i+1, approvers[i].StepID, sd.ID)
		}
		if steps[i], err = entity.NewStep(entity.StepParams{
			Instance:   inst,
			Definition: sd,
			Assignee:   approvers[i].Assignee,
		}, now); err != nil {
			return nil, err
		}
	}

	if steps[0], err = steps[0].Activate(now); err != nil {
		return nil, err
	}
	return steps, nil
}

// writeRound numbers and inserts the steps of a new round and stores the
// instance that points at its first step
func (s *workflowServiceImpl) writeRound(ctx context.Context, tenant entity.TenantID, inst entity.Instance, expected entity.Version, steps []entity.Step) error {
	return s.repos.Tx.WithTransaction(ctx, tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		first, err := s.repos.Sequences.NextRange(ctx, tx, entity.SequenceStep, inst.ID().UUID(), len(steps))
		if err != nil {
			return err
		}
		for i, step := range steps {
			numbered, err := step.Numbered(first + entity.DisplayNumber(i))
			if err != nil {
				return err
			}
			if err := s.repos.Steps.Insert(ctx, tx, numbered); err != nil {
				return err
			}
		}
		return s.repos.Instances.UpdateWithVersionCheck(ctx, tx, inst, expected)
	})
}

// stepWrite is a step transition with the version it was read at
type stepWrite struct {
	step     entity.Step
	expected entity.Version
}

// Decide completes the current step. An approval activates the next pending
// step or approves the instance. A rejection or a request for changes skips
// the remaining pending steps and closes the round.
func (s *workflowServiceImpl) Decide(ctx context.Context, in DecideInput) (InstanceDetail, error) {
	const op = "decide step"
	fields := []interface{}{"instance_id", in.InstanceID.String(), "step_id", in.StepID.String()}

	inst, err := s.repos.Instances.FindByID(ctx, in.Tenant, in.InstanceID)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, fields...)
	}
	step, err := s.repos.Steps.FindByID(ctx, in.Tenant, in.StepID)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, fields...)
	}
	if step.InstanceID() != inst.ID() {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.NotFoundf("step %s not found in instance %s", in.StepID, inst.DisplayID()), fields...)
	}
	if current, ok := inst.CurrentStepID(); !ok || current != step.ID() {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Validationf("%w: %s is not the current step of %s (instance is %s)",
				workflow.ErrInvalidTransition, step.DisplayID(), inst.DisplayID(), inst.Status()), fields...)
	}
	if !step.IsAssignedTo(in.Actor) {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Forbiddenf("%s is not assigned to the actor", step.DisplayID()), fields...)
	}
	if step.Version() != in.ExpectedVersion {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Conflictf("step %s is at version %d, not %d", step.DisplayID(), step.Version(), in.ExpectedVersion),
			fields...)
	}

	decided, err := step.Decide(in.Decision, in.Comment, in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, fields...)
	}

	siblings, err := s.repos.Steps.FindByInstance(ctx, in.Tenant, inst.ID())
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, fields...)
	}

	next, followUps, outcome, err := route(inst, step, siblings, in.Decision, in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, fields...)
	}

	// the decided step is written first so the next one can become Active
	writes := append([]stepWrite{{step: decided, expected: step.Version()}}, followUps...)
	err = s.repos.Tx.WithTransaction(ctx, in.Tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		for _, w := range writes {
			if err := s.repos.Steps.UpdateWithVersionCheck(ctx, tx, w.step, w.expected); err != nil {
				return err
			}
		}
		return s.repos.Instances.UpdateWithVersionCheck(ctx, tx, next, inst.Version())
	})
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, fields...)
	}

	s.metrics.decided(ctx, in.Decision.String())
	s.logger.Info("Step decided", "instance_id", inst.ID().String(), "step", decided.DisplayID().String(),
		"decision", in.Decision.String(), "instance_status", next.Status().String())

	stepEvt := event.NewEvent(event.TypeStepDecided, event.Subject{
		TenantID:    decided.TenantID().String(),
		AggregateID: decided.ID().String(),
		DisplayID:   decided.DisplayID().String(),
		Version:     int32(decided.Version()),
	}, in.Actor.String(), in.Now, map[string]any{
		"instance_id": inst.ID().String(),
		"decision":    in.Decision.String(),
	})
	instEvt := instanceEvent(outcome, next, in.Actor, in.Now, nil).WithCorrelation(stepEvt.CorrelationID)
	s.publish(ctx, stepEvt, instEvt)

	return s.GetInstance(ctx, in.Tenant, inst.ID())
}

// route applies a decision on step to the instance and the other steps. It
// returns the next instance value, the step writes that follow the decided
// step, and the instance event to publish.
func route(
	inst entity.Instance,
	step entity.Step,
	siblings []entity.Step,
	decision workflow.Decision,
	now time.Time,
) (entity.Instance, []stepWrite, event.Type, error) {
	switch decision {
	case workflow.DecisionApproved:
		pending, ok := entity.NextPendingStep(siblings, step)
		if !ok {
			approved, err := inst.Approve(now)
			return approved, nil, event.TypeInstanceApproved, err
		}
		activated, err := pending.Activate(now)
		if err != nil {
			return inst, nil, "", err
		}
		advanced, err := inst.Advance(activated.ID(), now)
		return advanced, []stepWrite{{step: activated, expected: pending.Version()}}, event.TypeInstanceAdvanced, err

	case workflow.DecisionRejected, workflow.DecisionRequestChanges:
		skipped, err := entity.SkipPendingSteps(siblings, now)
		if err != nil {
			return inst, nil, "", err
		}
		writes, err := withReadVersions(skipped, siblings)
		if err != nil {
			return inst, nil, "", err
		}
		if decision == workflow.DecisionRejected {
			rejected, err := inst.Reject(now)
			return rejected, writes, event.TypeInstanceRejected, err
		}
		returned, err := inst.RequestChanges(now)
		return returned, writes, event.TypeInstanceChangesRequested, err

	default:
		return inst, nil, "", apperr.Validationf("unknown decision %q", decision)
	}
}

// withReadVersions pairs transitioned steps with the version they were read at
func withReadVersions(changed, read []entity.Step) ([]stepWrite, error) {
	writes := make([]stepWrite, 0, len(changed))
	for _, c := range changed {
		original, ok := entity.FindStep(read, c.ID())
		if !ok {
			return nil, apperr.Internal(fmt.Errorf("step %s missing from the read set", c.ID()), "pair step versions")
		}
		writes = append(writes, stepWrite{step: c, expected: original.Version()})
	}
	return writes, nil
}

// Cancel withdraws the instance and every open step
func (s *workflowServiceImpl) Cancel(ctx context.Context, in CancelInput) (InstanceDetail, error) {
	const op = "cancel instance"

	inst, err := s.repos.Instances.FindByID(ctx, in.Tenant, in.InstanceID)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}
	if inst.InitiatedBy() != in.Actor {
		return InstanceDetail{}, s.fail(ctx, op,
			apperr.Forbiddenf("only the initiator can cancel %s", inst.DisplayID()),
			"instance_id", in.InstanceID.String())
	}

	cancelled, err := inst.Cancel(in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	steps, err := s.repos.Steps.FindByInstance(ctx, in.Tenant, inst.ID())
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}
	withdrawn, err := entity.WithdrawOpenSteps(steps, in.Now)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}
	writes, err := withReadVersions(withdrawn, steps)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	err = s.repos.Tx.WithTransaction(ctx, in.Tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		for _, w := range writes {
			if err := s.repos.Steps.UpdateWithVersionCheck(ctx, tx, w.step, w.expected); err != nil {
				return err
			}
		}
		return s.repos.Instances.UpdateWithVersionCheck(ctx, tx, cancelled, inst.Version())
	})
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	s.logger.Info("Instance cancelled", "id", inst.ID().String(), "withdrawn_steps", len(writes))
	s.publish(ctx, instanceEvent(event.TypeInstanceCancelled, cancelled, in.Actor, in.Now, nil))
	return s.GetInstance(ctx, in.Tenant, inst.ID())
}

// GetInstance retrieves an instance with its steps
func (s *workflowServiceImpl) GetInstance(ctx context.Context, tenant entity.TenantID, id entity.InstanceID) (InstanceDetail, error) {
	inst, err := s.repos.Instances.FindByID(ctx, tenant, id)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, "get instance", err, "instance_id", id.String())
	}
	return s.detail(ctx, inst)
}

// GetInstanceByDisplayNumber retrieves an instance by its WF number
func (s *workflowServiceImpl) GetInstanceByDisplayNumber(ctx context.Context, tenant entity.TenantID, n entity.DisplayNumber) (InstanceDetail, error) {
	inst, err := s.repos.Instances.FindByDisplayNumber(ctx, tenant, n)
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, "get instance", err, "display_number", int64(n))
	}
	return s.detail(ctx, inst)
}

func (s *workflowServiceImpl) detail(ctx context.Context, inst entity.Instance) (InstanceDetail, error) {
	steps, err := s.repos.Steps.FindByInstance(ctx, inst.TenantID(), inst.ID())
	if err != nil {
		return InstanceDetail{}, s.fail(ctx, "get instance steps", err, "instance_id", inst.ID().String())
	}
	return InstanceDetail{Instance: inst, Steps: steps}, nil
}

// GetStepByDisplayNumber retrieves a step by its STEP number within an instance
func (s *workflowServiceImpl) GetStepByDisplayNumber(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID, n entity.DisplayNumber) (entity.Step, error) {
	step, err := s.repos.Steps.FindByDisplayNumber(ctx, tenant, instance, n)
	if err != nil {
		return entity.Step{}, s.fail(ctx, "get step", err, "instance_id", instance.String(), "display_number", int64(n))
	}
	return step, nil
}

// ListMyInstances returns the instances the user initiated
func (s *workflowServiceImpl) ListMyInstances(ctx context.Context, tenant entity.TenantID, user entity.UserID, filter port.InstanceFilter) ([]entity.Instance, error) {
	instances, err := s.repos.Instances.ListByInitiator(ctx, tenant, user, filter)
	if err != nil {
		return nil, s.fail(ctx, "list instances", err, "user_id", user.String())
	}
	return instances, nil
}

// ListMyTasks returns the Active steps assigned to the user with their instances
func (s *workflowServiceImpl) ListMyTasks(ctx context.Context, tenant entity.TenantID, user entity.UserID, page port.Page) ([]Task, error) {
	steps, err := s.repos.Steps.FindActiveByAssignee(ctx, tenant, user, page)
	if err != nil {
		return nil, s.fail(ctx, "list tasks", err, "user_id", user.String())
	}

	tasks := make([]Task, 0, len(steps))
	for _, step := range steps {
		inst, err := s.repos.Instances.FindByID(ctx, tenant, step.InstanceID())
		if err != nil {
			return nil, s.fail(ctx, "list tasks", err, "instance_id", step.InstanceID().String())
		}
		tasks = append(tasks, Task{Step: step, Instance: inst})
	}
	return tasks, nil
}

// PostComment stores a comment from a participant of the instance
func (s *workflowServiceImpl) PostComment(ctx context.Context, in PostCommentInput) (entity.Comment, error) {
	const op = "post comment"

	inst, err := s.repos.Instances.FindByID(ctx, in.Tenant, in.InstanceID)
	if err != nil {
		return entity.Comment{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}
	steps, err := s.repos.Steps.FindByInstance(ctx, in.Tenant, inst.ID())
	if err != nil {
		return entity.Comment{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}
	if !isParticipant(inst, steps, in.Actor) {
		return entity.Comment{}, s.fail(ctx, op,
			apperr.Forbiddenf("only the initiator or an assignee can comment on %s", inst.DisplayID()),
			"instance_id", in.InstanceID.String())
	}

	comment, err := entity.NewComment(inst, in.Actor, in.Body, in.Now)
	if err != nil {
		return entity.Comment{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	err = s.repos.Tx.WithTransaction(ctx, in.Tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return s.repos.Comments.Insert(ctx, tx, comment)
	})
	if err != nil {
		return entity.Comment{}, s.fail(ctx, op, err, "instance_id", in.InstanceID.String())
	}

	s.logger.Info("Comment posted", "instance_id", inst.ID().String(), "comment_id", comment.ID().String())
	s.publish(ctx, event.NewEvent(event.TypeCommentPosted, event.Subject{
		TenantID:    comment.TenantID().String(),
		AggregateID: comment.ID().String(),
		DisplayID:   inst.DisplayID().String(),
	}, in.Actor.String(), in.Now, map[string]any{
		"instance_id": inst.ID().String(),
	}))
	return comment, nil
}

func isParticipant(inst entity.Instance, steps []entity.Step, user entity.UserID) bool {
	if inst.InitiatedBy() == user {
		return true
	}
	for _, step := range steps {
		if step.IsAssignedTo(user) {
			return true
		}
	}
	return false
}

// ListComments returns the instance's comments, oldest first
func (s *workflowServiceImpl) ListComments(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID) ([]entity.Comment, error) {
	const op = "list comments"

	if _, err := s.repos.Instances.FindByID(ctx, tenant, instance); err != nil {
		return nil, s.fail(ctx, op, err, "instance_id", instance.String())
	}
	comments, err := s.repos.Comments.FindByInstance(ctx, tenant, instance)
	if err != nil {
		return nil, s.fail(ctx, op, err, "instance_id", instance.String())
	}
	return comments, nil
}

// DashboardStats counts the user's open tasks, running instances and the
// decisions made since the start of now's UTC day
func (s *workflowServiceImpl) DashboardStats(ctx context.Context, tenant entity.TenantID, user entity.UserID, now time.Time) (DashboardStats, error) {
	const op = "dashboard stats"
	var (
		stats DashboardStats
		err   error
	)

	if stats.PendingTasks, err = s.repos.Steps.CountActiveByAssignee(ctx, tenant, user); err != nil {
		return DashboardStats{}, s.fail(ctx, op, err, "user_id", user.String())
	}
	stats.WorkflowsInProgress, err = s.repos.Instances.CountByInitiator(ctx, tenant, user, workflow.InstanceInProgress)
	if err != nil {
		return DashboardStats{}, s.fail(ctx, op, err, "user_id", user.String())
	}
	if stats.CompletedToday, err = s.repos.Steps.CountCompletedByAssignee(ctx, tenant, user, startOfDay(now)); err != nil {
		return DashboardStats{}, s.fail(ctx, op, err, "user_id", user.String())
	}
	return stats, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func instanceEvent(t event.Type, inst entity.Instance, actor entity.UserID, now time.Time, payload map[string]any) *event.Event {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["status"] = inst.Status().String()
	return event.NewEvent(t, event.Subject{
		TenantID:    inst.TenantID().String(),
		AggregateID: inst.ID().String(),
		DisplayID:   inst.DisplayID().String(),
		Version:     int32(inst.Version()),
	}, actor.String(), now, payload)
}

func roundPayload(steps []entity.Step) map[string]any {
	assignees := make([]string, len(steps))
	for i, step := range steps {
		assignees[i] = step.Assignee().String()
	}
	return map[string]any{
		"first_step_id": steps[0].ID().String(),
		"assignees":     assignees,
	}
}
