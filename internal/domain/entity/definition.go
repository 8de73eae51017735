package entity

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

// StepKind is the kind of a step in a definition body
type StepKind string

const (
	StepKindStart    StepKind = "start"
	StepKindApproval StepKind = "approval"
	StepKindEnd      StepKind = "end"
)

// StepDefinition is one node of a definition body
type StepDefinition struct {
	ID       string   `json:"id"`
	Kind     StepKind `json:"type"`
	Name     string   `json:"name"`
	Outcome  string   `json:"status,omitempty"`    // end steps only
	DueHours int      `json:"due_hours,omitempty"` // approval steps only
}

// TransitionRule links two steps of a definition body
type TransitionRule struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Trigger string `json:"trigger,omitempty"`
}

// DefinitionBody is the stored content of a definition. Approval steps are
// executed in the order they appear.
type DefinitionBody struct {
	Steps       []StepDefinition `json:"steps"`
	Transitions []TransitionRule `json:"transitions,omitempty"`
}

// Validate checks structural consistency without requiring the body to be publishable
func (b DefinitionBody) Validate() error {
	seen := make(map[string]bool, len(b.Steps))
	for i, s := range b.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return apperr.Validationf("step %d has no id", i)
		}
		if seen[s.ID] {
			return apperr.Validationf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true

		switch s.Kind {
		case StepKindStart, StepKindApproval, StepKindEnd:
		default:
			return apperr.Validationf("step %q has unknown type %q", s.ID, s.Kind)
		}
		if s.DueHours < 0 {
			return apperr.Validationf("step %q has a negative due_hours", s.ID)
		}
	}

	for _, tr := range b.Transitions {
		if !seen[tr.From] || !seen[tr.To] {
			return apperr.Validationf("transition %s -> %s references an unknown step", tr.From, tr.To)
		}
	}

	return nil
}

// clone returns a copy that shares no backing arrays with b
func (b DefinitionBody) clone() DefinitionBody {
	return DefinitionBody{
		Steps:       slices.Clone(b.Steps),
		Transitions: slices.Clone(b.Transitions),
	}
}

// ApprovalSteps returns the approval steps in execution order
func (b DefinitionBody) ApprovalSteps() ([]StepDefinition, error) {
	if b.Steps == nil {
		return nil, apperr.Validationf("definition has no steps")
	}

	var approvals []StepDefinition
	for _, s := range b.Steps {
		if s.Kind == StepKindApproval {
			approvals = append(approvals, s)
		}
	}

	if len(approvals) == 0 {
		return nil, apperr.Validationf("definition has no approval steps")
	}
	return approvals, nil
}

// Definition is a named, versioned approval-flow template
type Definition struct {
	id            DefinitionID
	tenantID      TenantID
	displayNumber DisplayNumber
	name          string
	description   string
	body          DefinitionBody
	status        workflow.DefinitionStatus
	version       Version
	createdBy     UserID
	createdAt     time.Time
	updatedAt     time.Time
}

// DefinitionParams carries the author-supplied fields of a new definition
type DefinitionParams struct {
	Tenant      TenantID
	Name        string
	Description string
	Body        DefinitionBody
	CreatedBy   UserID
}

// NewDefinition creates a Draft definition at the initial version
func NewDefinition(p DefinitionParams, now time.Time) (Definition, error) {
	if err := validateDefinitionContent(p.Name, p.Body); err != nil {
		return Definition{}, err
	}
	if p.Tenant.IsZero() || p.CreatedBy.IsZero() {
		return Definition{}, apperr.Validationf("definition requires a tenant and an author")
	}

	now = stamp(now)
	return Definition{
		id:          NewDefinitionID(),
		tenantID:    p.Tenant,
		name:        strings.TrimSpace(p.Name),
		description: p.Description,
		body:        p.Body.clone(),
		status:      workflow.DefinitionDraft,
		version:     InitialVersion,
		createdBy:   p.CreatedBy,
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

func validateDefinitionContent(name string, body DefinitionBody) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Validationf("definition name is required")
	}
	return body.Validate()
}

func (d Definition) ID() DefinitionID                  { return d.id }
func (d Definition) TenantID() TenantID                { return d.tenantID }
func (d Definition) DisplayNumber() DisplayNumber      { return d.displayNumber }
func (d Definition) Name() string                      { return d.name }
func (d Definition) Description() string               { return d.description }
func (d Definition) Body() DefinitionBody              { return d.body.clone() }
func (d Definition) Status() workflow.DefinitionStatus { return d.status }
func (d Definition) Version() Version                  { return d.version }
func (d Definition) CreatedBy() UserID                 { return d.createdBy }
func (d Definition) CreatedAt() time.Time              { return d.createdAt }
func (d Definition) UpdatedAt() time.Time              { return d.updatedAt }

// DisplayID returns the human-facing identifier
func (d Definition) DisplayID() DisplayID {
	return DisplayID{Prefix: PrefixDefinition, Number: d.displayNumber}
}

// IsPublished reports whether instances may be created from the definition
func (d Definition) IsPublished() bool {
	return d.status == workflow.DefinitionPublished
}

// Numbered labels a not yet persisted definition with its allocated display number
func (d Definition) Numbered(n DisplayNumber) (Definition, error) {
	if !d.displayNumber.IsZero() {
		return d, apperr.Validationf("definition %s already numbered", d.id)
	}
	d.displayNumber = n
	return d, nil
}

// Revise replaces the content of a Draft definition
func (d Definition) Revise(name, description string, body DefinitionBody, now time.Time) (Definition, error) {
	status, err := workflow.DefinitionTransitions.Fire(d.status, workflow.TriggerRevise)
	if err != nil {
		return d, err
	}
	if err := validateDefinitionContent(name, body); err != nil {
		return d, err
	}

	d.status = status
	d.name = strings.TrimSpace(name)
	d.description = description
	d.body = body.clone()
	return d.touch(now), nil
}

// Publish freezes the definition. It must contain at least one approval step.
func (d Definition) Publish(now time.Time) (Definition, error) {
	status, err := workflow.DefinitionTransitions.Fire(d.status, workflow.TriggerPublish)
	if err != nil {
		return d, err
	}
	if _, err := d.body.ApprovalSteps(); err != nil {
		return d, err
	}

	d.status = status
	return d.touch(now), nil
}

// Archive retires a published definition
func (d Definition) Archive(now time.Time) (Definition, error) {
	status, err := workflow.DefinitionTransitions.Fire(d.status, workflow.TriggerArchive)
	if err != nil {
		return d, err
	}

	d.status = status
	return d.touch(now), nil
}

// CheckDeletable returns an error unless the definition is still a Draft
func (d Definition) CheckDeletable() error {
	if d.status != workflow.DefinitionDraft {
		return apperr.Validationf("%w: only draft definitions can be deleted (status %s)",
			workflow.ErrInvalidTransition, d.status)
	}
	return nil
}

func (d Definition) touch(now time.Time) Definition {
	d.version = d.version.Next()
	d.updatedAt = stamp(now)
	return d
}

// DefinitionSnapshot is the persisted form of a Definition
type DefinitionSnapshot struct {
	ID            DefinitionID
	TenantID      TenantID
	DisplayNumber DisplayNumber
	Name          string
	Description   string
	Body          DefinitionBody
	Status        workflow.DefinitionStatus
	Version       Version
	CreatedBy     UserID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot exposes every field for persistence
func (d Definition) Snapshot() DefinitionSnapshot {
	return DefinitionSnapshot{
		ID:            d.id,
		TenantID:      d.tenantID,
		DisplayNumber: d.displayNumber,
		Name:          d.name,
		Description:   d.description,
		Body:          d.body.clone(),
		Status:        d.status,
		Version:       d.version,
		CreatedBy:     d.createdBy,
		CreatedAt:     d.createdAt,
		UpdatedAt:     d.updatedAt,
	}
}

// RestoreDefinition rebuilds a Definition from storage
func RestoreDefinition(s DefinitionSnapshot) (Definition, error) {
	if !s.Status.IsValid() {
		return Definition{}, fmt.Errorf("%w: definition %s has status %q", ErrCorruptRecord, s.ID, s.Status)
	}
	if s.Version < InitialVersion {
		return Definition{}, fmt.Errorf("%w: definition %s has version %d", ErrCorruptRecord, s.ID, s.Version)
	}

	return Definition{
		id:            s.ID,
		tenantID:      s.TenantID,
		displayNumber: s.DisplayNumber,
		name:          s.Name,
		description:   s.Description,
		body:          s.Body.clone(),
		status:        s.Status,
		version:       s.Version,
		createdBy:     s.CreatedBy,
		createdAt:     stamp(s.CreatedAt),
		updatedAt:     stamp(s.UpdatedAt),
	}, nil
}
