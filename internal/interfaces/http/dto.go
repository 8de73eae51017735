package http

import (
	"encoding/json"
	"time"

	"github.com/garyjia/approvalflow/internal/application/service"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/pkg/utils"
)

const (
	maxNameLength    = 200
	maxCommentLength = entity.MaxCommentLength
)

// CreateDefinitionRequest is the body of POST /definitions
type CreateDefinitionRequest struct {
	Name        string                `json:"name" binding:"required"`
	Description string                `json:"description"`
	Definition  entity.DefinitionBody `json:"definition"`
}

// ReviseDefinitionRequest is the body of PUT /definitions/:id
type ReviseDefinitionRequest struct {
	Name        string                `json:"name" binding:"required"`
	Description string                `json:"description"`
	Definition  entity.DefinitionBody `json:"definition"`
	Version     int32                 `json:"version" binding:"required,min=1"`
}

// VersionRequest is the body of commands that only carry the version the caller saw
type VersionRequest struct {
	Version int32 `json:"version" binding:"required,min=1"`
}

// CreateInstanceRequest is the body of POST /instances
type CreateInstanceRequest struct {
	DefinitionID string          `json:"definition_id" binding:"required"`
	Title        string          `json:"title" binding:"required"`
	FormData     json.RawMessage `json:"form_data"`
}

// ApproverRequest assigns a user to an approval step of the definition
type ApproverRequest struct {
	StepID     string `json:"step_id" binding:"required"`
	AssigneeID string `json:"assignee_id" binding:"required"`
}

// SubmitRequest is the body of POST /instances/:id/submit
type SubmitRequest struct {
	Approvers []ApproverRequest `json:"approvers" binding:"required,dive"`
}

// ResubmitRequest is the body of POST /instances/:id/resubmit
type ResubmitRequest struct {
	FormData  json.RawMessage   `json:"form_data"`
	Approvers []ApproverRequest `json:"approvers" binding:"required,dive"`
	Version   int32             `json:"version" binding:"required,min=1"`
}

// DecisionRequest is the body of the approve, reject and request-changes commands
type DecisionRequest struct {
	Comment *string `json:"comment"`
	Version int32   `json:"version" binding:"required,min=1"`
}

// CommentRequest is the body of POST /instances/:id/comments
type CommentRequest struct {
	Body string `json:"body" binding:"required"`
}

// cleanText strips control characters and enforces a length limit
func cleanText(field, s string, max int) (string, error) {
	s = utils.SanitizeString(s)
	if err := utils.ValidateMaxLength(field, s, max); err != nil {
		return "", apperr.Validationf("%v", err)
	}
	return s, nil
}

func (r *CreateDefinitionRequest) normalize() (err error) {
	r.Name, err = cleanText("name", r.Name, maxNameLength)
	return err
}

func (r *ReviseDefinitionRequest) normalize() (err error) {
	r.Name, err = cleanText("name", r.Name, maxNameLength)
	return err
}

func (r *CreateInstanceRequest) normalize() (err error) {
	r.Title, err = cleanText("title", r.Title, maxNameLength)
	return err
}

func (r *DecisionRequest) normalize() error {
	if r.Comment == nil {
		return nil
	}
	comment, err := cleanText("comment", *r.Comment, maxCommentLength)
	if err != nil {
		return err
	}
	r.Comment = &comment
	return nil
}

func (r *CommentRequest) normalize() (err error) {
	r.Body, err = cleanText("body", r.Body, maxCommentLength)
	return err
}

func toApprovers(reqs []ApproverRequest) ([]service.Approver, error) {
	approvers := make([]service.Approver, len(reqs))
	for i, r := range reqs {
		assignee, err := entity.ParseUserID(r.AssigneeID)
		if err != nil {
			return nil, err
		}
		approvers[i] = service.Approver{StepID: r.StepID, Assignee: assignee}
	}
	return approvers, nil
}

// DefinitionResponse represents a workflow definition in API responses
type DefinitionResponse struct {
	ID          string                `json:"id"`
	DisplayID   string                `json:"display_id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Status      string                `json:"status"`
	Version     int32                 `json:"version"`
	Definition  entity.DefinitionBody `json:"definition"`
	CreatedBy   string                `json:"created_by"`
	CreatedAt   string                `json:"created_at"`
	UpdatedAt   string                `json:"updated_at"`
}

// InstanceResponse represents a workflow instance in API responses
type InstanceResponse struct {
	ID                string          `json:"id"`
	DisplayID         string          `json:"display_id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion int32           `json:"definition_version"`
	Title             string          `json:"title"`
	FormData          json.RawMessage `json:"form_data"`
	Status            string          `json:"status"`
	Version           int32           `json:"version"`
	InitiatedBy       string          `json:"initiated_by"`
	CurrentStepID     *string         `json:"current_step_id,omitempty"`
	SubmittedAt       *string         `json:"submitted_at,omitempty"`
	CompletedAt       *string         `json:"completed_at,omitempty"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
	Steps             []StepResponse  `json:"steps,omitempty"`
}

// StepResponse represents a workflow step in API responses
type StepResponse struct {
	ID               string  `json:"id"`
	DisplayID        string  `json:"display_id"`
	InstanceID       string  `json:"instance_id"`
	DefinitionStepID string  `json:"step_id"`
	Name             string  `json:"name"`
	AssigneeID       string  `json:"assignee_id"`
	Status           string  `json:"status"`
	Version          int32   `json:"version"`
	Decision         *string `json:"decision,omitempty"`
	Comment          *string `json:"comment,omitempty"`
	DueAt            *string `json:"due_at,omitempty"`
	Overdue          bool    `json:"overdue"`
	StartedAt        *string `json:"started_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

// TaskResponse is an Active step awaiting the caller with its instance
type TaskResponse struct {
	Step     StepResponse     `json:"step"`
	Instance InstanceResponse `json:"instance"`
}

// CommentResponse represents an instance comment in API responses
type CommentResponse struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	PostedBy   string `json:"posted_by"`
	Body       string `json:"body"`
	CreatedAt  string `json:"created_at"`
}

// StatsResponse is the caller's dashboard summary
type StatsResponse struct {
	PendingTasks          int `json:"pending_tasks"`
	MyWorkflowsInProgress int `json:"my_workflows_in_progress"`
	CompletedToday        int `json:"completed_today"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// toDefinitionResponse converts domain entity to API response
func toDefinitionResponse(def entity.Definition) DefinitionResponse {
	return DefinitionResponse{
		ID:          def.ID().String(),
		DisplayID:   def.DisplayID().String(),
		Name:        def.Name(),
		Description: def.Description(),
		Status:      def.Status().String(),
		Version:     int32(def.Version()),
		Definition:  def.Body(),
		CreatedBy:   def.CreatedBy().String(),
		CreatedAt:   formatTime(def.CreatedAt()),
		UpdatedAt:   formatTime(def.UpdatedAt()),
	}
}

// toInstanceResponse converts domain entity to API response
func toInstanceResponse(inst entity.Instance) InstanceResponse {
	resp := InstanceResponse{
		ID:                inst.ID().String(),
		DisplayID:         inst.DisplayID().String(),
		DefinitionID:      inst.DefinitionID().String(),
		DefinitionVersion: int32(inst.DefinitionVersion()),
		Title:             inst.Title(),
		FormData:          inst.FormData(),
		Status:            inst.Status().String(),
		Version:           int32(inst.Version()),
		InitiatedBy:       inst.InitiatedBy().String(),
		SubmittedAt:       formatTimePtr(inst.SubmittedAt()),
		CompletedAt:       formatTimePtr(inst.CompletedAt()),
		CreatedAt:         formatTime(inst.CreatedAt()),
		UpdatedAt:         formatTime(inst.UpdatedAt()),
	}

	if current, ok := inst.CurrentStepID(); ok {
		id := current.String()
		resp.CurrentStepID = &id
	}

	return resp
}

func toDetailResponse(detail service.InstanceDetail, now time.Time) InstanceResponse {
	resp := toInstanceResponse(detail.Instance)
	resp.Steps = make([]StepResponse, len(detail.Steps))
	for i, step := range detail.Steps {
		resp.Steps[i] = toStepResponse(step, now)
	}
	return resp
}

// toStepResponse converts domain entity to API response
func toStepResponse(step entity.Step, now time.Time) StepResponse {
	resp := StepResponse{
		ID:               step.ID().String(),
		DisplayID:        step.DisplayID().String(),
		InstanceID:       step.InstanceID().String(),
		DefinitionStepID: step.DefinitionStepID(),
		Name:             step.Name(),
		AssigneeID:       step.Assignee().String(),
		Status:           step.Status().String(),
		Version:          int32(step.Version()),
		DueAt:            formatTimePtr(step.DueAt()),
		Overdue:          step.IsOverdue(now),
		StartedAt:        formatTimePtr(step.StartedAt()),
		CompletedAt:      formatTimePtr(step.CompletedAt()),
	}

	if decision, ok := step.Decision(); ok {
		d := decision.String()
		resp.Decision = &d
	}
	if comment, ok := step.Comment(); ok {
		resp.Comment = &comment
	}

	return resp
}

func toCommentResponse(c entity.Comment) CommentResponse {
	return CommentResponse{
		ID:         c.ID().String(),
		InstanceID: c.InstanceID().String(),
		PostedBy:   c.PostedBy().String(),
		Body:       c.Body(),
		CreatedAt:  formatTime(c.CreatedAt()),
	}
}
