package entity

import (
	"fmt"
	"sort"
	"time"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

// Step is one position in an instance's approval chain
type Step struct {
	id               StepID
	instanceID       InstanceID
	tenantID         TenantID
	displayNumber    DisplayNumber
	definitionStepID string
	name             string
	assignee         UserID
	status           workflow.StepStatus
	decision         *workflow.Decision
	comment          *string
	dueAt            *time.Time
	version          Version
	startedAt        *time.Time
	completedAt      *time.Time
	createdAt        time.Time
	updatedAt        time.Time
}

// StepParams carries the fields of a step created on submit or resubmit
type StepParams struct {
	Instance   Instance
	Definition StepDefinition
	Assignee   UserID
}

// NewStep creates a Pending step for instance. A definition step with
// due_hours gets a deadline measured from now.
func NewStep(p StepParams, now time.Time) (Step, error) {
	if p.Definition.Kind != StepKindApproval {
		return Step{}, apperr.Validationf("step %q is not an approval step", p.Definition.ID)
	}
	if p.Assignee.IsZero() {
		return Step{}, apperr.Validationf("step %q requires an assignee", p.Definition.ID)
	}

	now = stamp(now)
	var due *time.Time
	if p.Definition.DueHours > 0 {
		d := now.Add(time.Duration(p.Definition.DueHours) * time.Hour)
		due = &d
	}

	return Step{
		id:               NewStepID(),
		instanceID:       p.Instance.ID(),
		tenantID:         p.Instance.TenantID(),
		definitionStepID: p.Definition.ID,
		name:             p.Definition.Name,
		assignee:         p.Assignee,
		status:           workflow.StepPending,
		dueAt:            due,
		version:          InitialVersion,
		createdAt:        now,
		updatedAt:        now,
	}, nil
}

func (s Step) ID() StepID                   { return s.id }
func (s Step) InstanceID() InstanceID       { return s.instanceID }
func (s Step) TenantID() TenantID           { return s.tenantID }
func (s Step) DisplayNumber() DisplayNumber { return s.displayNumber }
func (s Step) DefinitionStepID() string     { return s.definitionStepID }
func (s Step) Name() string                 { return s.name }
func (s Step) Assignee() UserID             { return s.assignee }
func (s Step) Status() workflow.StepStatus  { return s.status }
func (s Step) Version() Version             { return s.version }
func (s Step) CreatedAt() time.Time         { return s.createdAt }
func (s Step) UpdatedAt() time.Time         { return s.updatedAt }
func (s Step) DueAt() *time.Time            { return copyTime(s.dueAt) }
func (s Step) StartedAt() *time.Time        { return copyTime(s.startedAt) }
func (s Step) CompletedAt() *time.Time      { return copyTime(s.completedAt) }

// Decision returns the recorded outcome of a Completed step
func (s Step) Decision() (workflow.Decision, bool) {
	if s.decision == nil {
		return "", false
	}
	return *s.decision, true
}

// Comment returns the decision comment, if any
func (s Step) Comment() (string, bool) {
	if s.comment == nil {
		return "", false
	}
	return *s.comment, true
}

// DisplayID returns the human-facing identifier, unique within the instance
func (s Step) DisplayID() DisplayID {
	return DisplayID{Prefix: PrefixStep, Number: s.displayNumber}
}

// IsAssignedTo reports whether user may decide on the step
func (s Step) IsAssignedTo(user UserID) bool {
	return s.assignee == user
}

// IsOverdue reports whether an open step has passed its deadline
func (s Step) IsOverdue(now time.Time) bool {
	return s.dueAt != nil && s.status.IsOpen() && now.After(*s.dueAt)
}

// Numbered labels a not yet persisted step with its allocated display number
func (s Step) Numbered(n DisplayNumber) (Step, error) {
	if !s.displayNumber.IsZero() {
		return s, apperr.Validationf("step %s already numbered", s.id)
	}
	s.displayNumber = n
	return s, nil
}

// Activate makes the step the one awaiting a decision
func (s Step) Activate(now time.Time) (Step, error) {
	status, err := workflow.StepTransitions.Fire(s.status, workflow.TriggerActivate)
	if err != nil {
		return s, err
	}

	started := stamp(now)
	s.status = status
	s.startedAt = &started
	return s.touch(now), nil
}

// Approve records an approval
func (s Step) Approve(comment *string, now time.Time) (Step, error) {
	return s.Decide(workflow.DecisionApproved, comment, now)
}

// Reject records a rejection
func (s Step) Reject(comment *string, now time.Time) (Step, error) {
	return s.Decide(workflow.DecisionRejected, comment, now)
}

// RequestChanges records a request for changes
func (s Step) RequestChanges(comment *string, now time.Time) (Step, error) {
	return s.Decide(workflow.DecisionRequestChanges, comment, now)
}

// Decide completes an Active step with decision
func (s Step) Decide(decision workflow.Decision, comment *string, now time.Time) (Step, error) {
	trigger, ok := workflow.DecisionTrigger(decision)
	if !ok {
		return s, apperr.Validationf("unknown decision %q", decision)
	}
	if s.status != workflow.StepActive {
		return s, apperr.Validationf("%w: only active steps accept a decision (step %s is %s)",
			workflow.ErrInvalidTransition, s.DisplayID(), s.status)
	}
	status, err := workflow.StepTransitions.Fire(s.status, trigger)
	if err != nil {
		return s, err
	}

	completed := stamp(now)
	s.status = status
	s.decision = &decision
	s.comment = copyString(comment)
	s.completedAt = &completed
	return s.touch(now), nil
}

// Skip closes a Pending step that a terminating decision made unreachable
func (s Step) Skip(now time.Time) (Step, error) {
	status, err := workflow.StepTransitions.Fire(s.status, workflow.TriggerSkip)
	if err != nil {
		return s, err
	}

	s.status = status
	return s.touch(now), nil
}

// Withdraw closes an open step because its instance was cancelled
func (s Step) Withdraw(now time.Time) (Step, error) {
	status, err := workflow.StepTransitions.Fire(s.status, workflow.TriggerWithdraw)
	if err != nil {
		return s, err
	}

	s.status = status
	return s.touch(now), nil
}

func (s Step) touch(now time.Time) Step {
	s.version = s.version.Next()
	s.updatedAt = stamp(now)
	return s
}

// SortSteps orders steps by display number, which is their creation order
func SortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].displayNumber < steps[j].displayNumber
	})
}

// FindStep returns the step with id
func FindStep(steps []Step, id StepID) (Step, bool) {
	for _, s := range steps {
		if s.id == id {
			return s, true
		}
	}
	return Step{}, false
}

// NextPendingStep returns the earliest Pending step after the given one
func NextPendingStep(steps []Step, after Step) (Step, bool) {
	ordered := append([]Step(nil), steps...)
	SortSteps(ordered)

	for _, s := range ordered {
		if s.status == workflow.StepPending && s.displayNumber > after.displayNumber {
			return s, true
		}
	}
	return Step{}, false
}

// SkipPendingSteps returns every Pending step transitioned to Skipped. Steps
// in any other status are left out of the result.
func SkipPendingSteps(steps []Step, now time.Time) ([]Step, error) {
	var skipped []Step
	for _, s := range steps {
		if s.status != workflow.StepPending {
			continue
		}
		next, err := s.Skip(now)
		if err != nil {
			return nil, err
		}
		skipped = append(skipped, next)
	}
	return skipped, nil
}

// WithdrawOpenSteps returns every Pending or Active step transitioned to Skipped
func WithdrawOpenSteps(steps []Step, now time.Time) ([]Step, error) {
	var withdrawn []Step
	for _, s := range steps {
		if !s.status.IsOpen() {
			continue
		}
		next, err := s.Withdraw(now)
		if err != nil {
			return nil, err
		}
		withdrawn = append(withdrawn, next)
	}
	return withdrawn, nil
}

// StepSnapshot is the persisted form of a Step
type StepSnapshot struct {
	ID               StepID
	InstanceID       InstanceID
	TenantID         TenantID
	DisplayNumber    DisplayNumber
	DefinitionStepID string
	Name             string
	Assignee         UserID
	Status           workflow.StepStatus
	Decision         *workflow.Decision
	Comment          *string
	DueAt            *time.Time
	Version          Version
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Snapshot exposes every field for persistence
func (s Step) Snapshot() StepSnapshot {
	var decision *workflow.Decision
	if s.decision != nil {
		d := *s.decision
		decision = &d
	}

	return StepSnapshot{
		ID:               s.id,
		InstanceID:       s.instanceID,
		TenantID:         s.tenantID,
		DisplayNumber:    s.displayNumber,
		DefinitionStepID: s.definitionStepID,
		Name:             s.name,
		Assignee:         s.assignee,
		Status:           s.status,
		Decision:         decision,
		Comment:          copyString(s.comment),
		DueAt:            copyTime(s.dueAt),
		Version:          s.version,
		StartedAt:        copyTime(s.startedAt),
		CompletedAt:      copyTime(s.completedAt),
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
}

// RestoreStep rebuilds a Step from storage, checking its invariants
func RestoreStep(s StepSnapshot) (Step, error) {
	switch {
	case !s.Status.IsValid():
		return Step{}, fmt.Errorf("%w: step %s has status %q", ErrCorruptRecord, s.ID, s.Status)
	case s.Version < InitialVersion:
		return Step{}, fmt.Errorf("%w: step %s has version %d", ErrCorruptRecord, s.ID, s.Version)
	case (s.Status == workflow.StepCompleted) != (s.Decision != nil):
		return Step{}, fmt.Errorf("%w: step %s is %s with decision %v", ErrCorruptRecord, s.ID, s.Status, s.Decision)
	case s.Decision != nil && !s.Decision.IsValid():
		return Step{}, fmt.Errorf("%w: step %s has decision %q", ErrCorruptRecord, s.ID, *s.Decision)
	}

	var decision *workflow.Decision
	if s.Decision != nil {
		d := *s.Decision
		decision = &d
	}

	return Step{
		id:               s.ID,
		instanceID:       s.InstanceID,
		tenantID:         s.TenantID,
		displayNumber:    s.DisplayNumber,
		definitionStepID: s.DefinitionStepID,
		name:             s.Name,
		assignee:         s.Assignee,
		status:           s.Status,
		decision:         decision,
		comment:          copyString(s.Comment),
		dueAt:            stampPtr(s.DueAt),
		version:          s.Version,
		startedAt:        stampPtr(s.StartedAt),
		completedAt:      stampPtr(s.CompletedAt),
		createdAt:        stamp(s.CreatedAt),
		updatedAt:        stamp(s.UpdatedAt),
	}, nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
