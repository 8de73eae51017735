package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

// Instance is one execution of a published definition
type Instance struct {
	id                InstanceID
	tenantID          TenantID
	definitionID      DefinitionID
	definitionVersion Version
	displayNumber     DisplayNumber
	title             string
	formData          json.RawMessage
	status            workflow.InstanceStatus
	version           Version
	currentStepID     *StepID
	initiatedBy       UserID
	submittedAt       *time.Time
	completedAt       *time.Time
	createdAt         time.Time
	updatedAt         time.Time
}

// InstanceParams carries the initiator-supplied fields of a new instance
type InstanceParams struct {
	Definition  Definition
	InitiatedBy UserID
	Title       string
	FormData    json.RawMessage
}

// NewInstance creates a Draft instance pinned to the definition's current version
func NewInstance(p InstanceParams, now time.Time) (Instance, error) {
	def := p.Definition
	if !def.IsPublished() {
		return Instance{}, apperr.Validationf("definition %s is not published (status %s)", def.ID(), def.Status())
	}
	if strings.TrimSpace(p.Title) == "" {
		return Instance{}, apperr.Validationf("instance title is required")
	}
	if p.InitiatedBy.IsZero() {
		return Instance{}, apperr.Validationf("instance requires an initiator")
	}

	form, err := normalizeFormData(p.FormData)
	if err != nil {
		return Instance{}, err
	}

	now = stamp(now)
	return Instance{
		id:                NewInstanceID(),
		tenantID:          def.TenantID(),
		definitionID:      def.ID(),
		definitionVersion: def.Version(),
		title:             strings.TrimSpace(p.Title),
		formData:          form,
		status:            workflow.InstanceDraft,
		version:           InitialVersion,
		initiatedBy:       p.InitiatedBy,
		createdAt:         now,
		updatedAt:         now,
	}, nil
}

// normalizeFormData accepts a JSON object and returns it in canonical form:
// compact, top-level keys sorted.
func normalizeFormData(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, apperr.Validationf("form data must be a JSON object")
	}

	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, apperr.Validationf("form data must be a JSON object")
	}
	return json.RawMessage(canonical), nil
}

func (i Instance) ID() InstanceID                  { return i.id }
func (i Instance) TenantID() TenantID              { return i.tenantID }
func (i Instance) DefinitionID() DefinitionID      { return i.definitionID }
func (i Instance) DefinitionVersion() Version      { return i.definitionVersion }
func (i Instance) DisplayNumber() DisplayNumber    { return i.displayNumber }
func (i Instance) Title() string                   { return i.title }
func (i Instance) Status() workflow.InstanceStatus { return i.status }
func (i Instance) Version() Version                { return i.version }
func (i Instance) InitiatedBy() UserID             { return i.initiatedBy }
func (i Instance) CreatedAt() time.Time            { return i.createdAt }
func (i Instance) UpdatedAt() time.Time            { return i.updatedAt }

// FormData returns a copy of the submitted form
func (i Instance) FormData() json.RawMessage {
	return append(json.RawMessage(nil), i.formData...)
}

// CurrentStepID returns the active step while the instance is InProgress
func (i Instance) CurrentStepID() (StepID, bool) {
	if i.currentStepID == nil {
		return StepID{}, false
	}
	return *i.currentStepID, true
}

// SubmittedAt returns when the instance left Draft
func (i Instance) SubmittedAt() *time.Time { return copyTime(i.submittedAt) }

// CompletedAt returns when the instance reached a closed status
func (i Instance) CompletedAt() *time.Time { return copyTime(i.completedAt) }

// DisplayID returns the human-facing identifier
func (i Instance) DisplayID() DisplayID {
	return DisplayID{Prefix: PrefixInstance, Number: i.displayNumber}
}

// Numbered labels a not yet persisted instance with its allocated display number
func (i Instance) Numbered(n DisplayNumber) (Instance, error) {
	if !i.displayNumber.IsZero() {
		return i, apperr.Validationf("instance %s already numbered", i.id)
	}
	i.displayNumber = n
	return i, nil
}

// Submit moves a Draft through Pending to InProgress with firstStep as the
// current step. Both hops form one transition and bump the version once.
func (i Instance) Submit(firstStep StepID, now time.Time) (Instance, error) {
	pending, err := i.markSubmitted(now)
	if err != nil {
		return i, err
	}
	return pending.assignFirstStep(firstStep, now)
}

func (i Instance) markSubmitted(now time.Time) (Instance, error) {
	status, err := workflow.InstanceTransitions.Fire(i.status, workflow.TriggerSubmit)
	if err != nil {
		return i, err
	}

	submitted := stamp(now)
	i.status = status
	i.submittedAt = &submitted
	return i, nil
}

func (i Instance) assignFirstStep(step StepID, now time.Time) (Instance, error) {
	if i.status != workflow.InstancePending {
		return i, apperr.Validationf("%w: only pending instances accept a first step assignment (status %s)",
			workflow.ErrInvalidTransition, i.status)
	}
	status, err := workflow.InstanceTransitions.Fire(i.status, workflow.TriggerAssign)
	if err != nil {
		return i, err
	}

	i.status = status
	i.currentStepID = &step
	return i.touch(now), nil
}

// Advance moves the current-step pointer to the next approval step
func (i Instance) Advance(next StepID, now time.Time) (Instance, error) {
	status, err := workflow.InstanceTransitions.Fire(i.status, workflow.TriggerAdvance)
	if err != nil {
		return i, err
	}
	if current, ok := i.CurrentStepID(); ok && current == next {
		return i, apperr.Validationf("step %s is already the current step", next)
	}

	i.status = status
	i.currentStepID = &next
	return i.touch(now), nil
}

// Approve closes the instance after its final approval
func (i Instance) Approve(now time.Time) (Instance, error) {
	return i.complete(workflow.TriggerApprove, now)
}

// Reject closes the instance after any rejection
func (i Instance) Reject(now time.Time) (Instance, error) {
	return i.complete(workflow.TriggerReject, now)
}

// RequestChanges hands the instance back to its initiator. It is not a
// completion, so completed_at stays unset.
func (i Instance) RequestChanges(now time.Time) (Instance, error) {
	status, err := workflow.InstanceTransitions.Fire(i.status, workflow.TriggerRequestChanges)
	if err != nil {
		return i, err
	}

	i.status = status
	i.currentStepID = nil
	return i.touch(now), nil
}

// Resubmit starts a new approval round. Empty form data keeps the current form.
func (i Instance) Resubmit(formData json.RawMessage, firstStep StepID, now time.Time) (Instance, error) {
	status, err := workflow.InstanceTransitions.Fire(i.status, workflow.TriggerResubmit)
	if err != nil {
		return i, err
	}
	form := i.formData
	if len(bytes.TrimSpace(formData)) > 0 {
		if form, err = normalizeFormData(formData); err != nil {
			return i, err
		}
	}

	i.status = status
	i.formData = form
	i.currentStepID = &firstStep
	return i.touch(now), nil
}

// Cancel withdraws an instance that has not reached a decision yet
func (i Instance) Cancel(now time.Time) (Instance, error) {
	return i.complete(workflow.TriggerCancel, now)
}

func (i Instance) complete(trigger workflow.Trigger, now time.Time) (Instance, error) {
	status, err := workflow.InstanceTransitions.Fire(i.status, trigger)
	if err != nil {
		return i, err
	}

	completed := stamp(now)
	i.status = status
	i.currentStepID = nil
	i.completedAt = &completed
	return i.touch(now), nil
}

func (i Instance) touch(now time.Time) Instance {
	i.version = i.version.Next()
	i.updatedAt = stamp(now)
	return i
}

// InstanceSnapshot is the persisted form of an Instance
type InstanceSnapshot struct {
	ID                InstanceID
	TenantID          TenantID
	DefinitionID      DefinitionID
	DefinitionVersion Version
	DisplayNumber     DisplayNumber
	Title             string
	FormData          json.RawMessage
	Status            workflow.InstanceStatus
	Version           Version
	CurrentStepID     *StepID
	InitiatedBy       UserID
	SubmittedAt       *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Snapshot exposes every field for persistence
func (i Instance) Snapshot() InstanceSnapshot {
	var current *StepID
	if i.currentStepID != nil {
		id := *i.currentStepID
		current = &id
	}

	return InstanceSnapshot{
		ID:                i.id,
		TenantID:          i.tenantID,
		DefinitionID:      i.definitionID,
		DefinitionVersion: i.definitionVersion,
		DisplayNumber:     i.displayNumber,
		Title:             i.title,
		FormData:          i.FormData(),
		Status:            i.status,
		Version:           i.version,
		CurrentStepID:     current,
		InitiatedBy:       i.initiatedBy,
		SubmittedAt:       copyTime(i.submittedAt),
		CompletedAt:       copyTime(i.completedAt),
		CreatedAt:         i.createdAt,
		UpdatedAt:         i.updatedAt,
	}
}

// RestoreInstance rebuilds an Instance from storage, checking its invariants
func RestoreInstance(s InstanceSnapshot) (Instance, error) {
	if err := checkInstanceInvariants(s); err != nil {
		return Instance{}, err
	}

	form, err := normalizeFormData(s.FormData)
	if err != nil {
		return Instance{}, fmt.Errorf("%w: instance %s form data: %v", ErrCorruptRecord, s.ID, err)
	}

	var current *StepID
	if s.CurrentStepID != nil {
		id := *s.CurrentStepID
		current = &id
	}

	return Instance{
		id:                s.ID,
		tenantID:          s.TenantID,
		definitionID:      s.DefinitionID,
		definitionVersion: s.DefinitionVersion,
		displayNumber:     s.DisplayNumber,
		title:             s.Title,
		formData:          form,
		status:            s.Status,
		version:           s.Version,
		currentStepID:     current,
		initiatedBy:       s.InitiatedBy,
		submittedAt:       stampPtr(s.SubmittedAt),
		completedAt:       stampPtr(s.CompletedAt),
		createdAt:         stamp(s.CreatedAt),
		updatedAt:         stamp(s.UpdatedAt),
	}, nil
}

func checkInstanceInvariants(s InstanceSnapshot) error {
	switch {
	case !s.Status.IsValid():
		return fmt.Errorf("%w: instance %s has status %q", ErrCorruptRecord, s.ID, s.Status)
	case s.Version < InitialVersion:
		return fmt.Errorf("%w: instance %s has version %d", ErrCorruptRecord, s.ID, s.Version)
	case s.Status == workflow.InstanceDraft && s.SubmittedAt != nil:
		return fmt.Errorf("%w: draft instance %s has submitted_at", ErrCorruptRecord, s.ID)
	case s.Status == workflow.InstanceInProgress && s.CurrentStepID == nil:
		return fmt.Errorf("%w: in-progress instance %s has no current step", ErrCorruptRecord, s.ID)
	case s.Status.IsTerminal() && s.CompletedAt == nil:
		return fmt.Errorf("%w: %s instance %s has no completed_at", ErrCorruptRecord, s.Status, s.ID)
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
