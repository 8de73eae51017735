package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/application/service"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

const (
	decisionApprove        = workflow.DecisionApproved
	decisionReject         = workflow.DecisionRejected
	decisionRequestChanges = workflow.DecisionRequestChanges
)

// CreateInstance handles POST /api/v1/instances
func (h *Handlers) CreateInstance(c *gin.Context) {
	tenant, user := caller(c)

	var req CreateInstanceRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if err := req.normalize(); err != nil {
		h.fail(c, err)
		return
	}
	definitionID, err := entity.ParseDefinitionID(req.DefinitionID)
	if err != nil {
		h.fail(c, err)
		return
	}

	now := h.now()
	detail, err := h.workflows.Create(c.Request.Context(), service.CreateInstanceInput{
		Tenant:       tenant,
		Actor:        user,
		DefinitionID: definitionID,
		Title:        req.Title,
		FormData:     req.FormData,
		Now:          now,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusCreated, toDetailResponse(detail, now))
}

// ListInstances handles GET /api/v1/instances, the instances the caller initiated
func (h *Handlers) ListInstances(c *gin.Context) {
	tenant, user := caller(c)

	req, err := bindPage(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	filter := port.InstanceFilter{Page: req.page()}
	if req.Status != "" {
		status := workflow.InstanceStatus(req.Status)
		if !status.IsValid() {
			h.fail(c, apperr.Validationf("unknown instance status %q", req.Status))
			return
		}
		filter.Status = &status
	}

	instances, err := h.workflows.ListMyInstances(c.Request.Context(), tenant, user, filter)
	if err != nil {
		h.fail(c, err)
		return
	}

	responses := make([]InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		responses = append(responses, toInstanceResponse(inst))
	}
	h.ok(c, http.StatusOK, responses)
}

// GetInstance handles GET /api/v1/instances/:id
func (h *Handlers) GetInstance(c *gin.Context) {
	tenant, _ := caller(c)

	id, err := entity.ParseInstanceID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	detail, err := h.workflows.GetInstance(c.Request.Context(), tenant, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toDetailResponse(detail, h.now()))
}

// GetInstanceByDisplayID handles GET /api/v1/instances/by-display-id/:displayId
func (h *Handlers) GetInstanceByDisplayID(c *gin.Context) {
	tenant, _ := caller(c)

	displayID, err := entity.ParseDisplayID(entity.PrefixInstance, strings.ToUpper(c.Param("displayId")))
	if err != nil {
		h.fail(c, err)
		return
	}

	detail, err := h.workflows.GetInstanceByDisplayNumber(c.Request.Context(), tenant, displayID.Number)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toDetailResponse(detail, h.now()))
}

// SubmitInstance handles POST /api/v1/instances/:id/submit
func (h *Handlers) SubmitInstance(c *gin.Context) {
	tenant, user := caller(c)

	id, err := entity.ParseInstanceID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	var req SubmitRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	approvers, err := toApprovers(req.Approvers)
	if err != nil {
		h.fail(c, err)
		return
	}

	now := h.now()
	detail, err := h.workflows.Submit(c.Request.Context(), service.SubmitInput{
		Tenant:     tenant,
		Actor:      user,
		InstanceID: id,
		Approvers:  approvers,
		Now:        now,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toDetailResponse(detail, now))
}

// ResubmitInstance handles POST /api/v1/instances/:id/resubmit
func (h *Handlers) ResubmitInstance(c *gin.Context) {
	tenant, user := caller(c)

	id, err := entity.ParseInstanceID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	var req ResubmitRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	approvers, err := toApprovers(req.Approvers)
	if err != nil {
		h.fail(c, err)
		return
	}

	now := h.now()
	detail, err := h.workflows.Resubmit(c.Request.Context(), service.ResubmitInput{
		Tenant:          tenant,
		Actor:           user,
		InstanceID:      id,
		FormData:        req.FormData,
		Approvers:       approvers,
		ExpectedVersion: entity.Version(req.Version),
		Now:             now,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toDetailResponse(detail, now))
}

// CancelInstance handles POST /api/v1/instances/:id/cancel
func (h *Handlers) CancelInstance(c *gin.Context) {
	tenant, user := caller(c)

	id, err := entity.ParseInstanceID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	now := h.now()
	detail, err := h.workflows.Cancel(c.Request.Context(), service.CancelInput{
		Tenant:     tenant,
		Actor:      user,
		InstanceID: id,
		Now:        now,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toDetailResponse(detail, now))
}

// GetStep handles GET /api/v1/instances/:id/steps/:stepId
func (h *Handlers) GetStep(c *gin.Context) {
	tenant, _ := caller(c)

	id, err := entity.ParseInstanceID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	step, err := h.resolveStep(c, tenant, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toStepResponse(step, h.now()))
}

// Decide returns the handler of POST /api/v1/instances/:id/steps/:stepId/{approve,reject,request-changes}
func (h *Handlers) Decide(decision workflow.Decision) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, user := caller(c)

		id, err := entity.ParseInstanceID(c.Param("id"))
		if err != nil {
			h.fail(c, err)
			return
		}

		var req DecisionRequest
		if err := bindJSON(c, &req); err != nil {
			h.fail(c, err)
			return
		}
		if err := req.normalize(); err != nil {
			h.fail(c, err)
			return
		}

		stepID, err := h.resolveStepID(c, tenant, id)
		if err != nil {
			h.fail(c, err)
			return
		}

		now := h.now()
		detail, err := h.workflows.Decide(c.Request.Context(), service.DecideInput{
			Tenant:          tenant,
			Actor:           user,
			InstanceID:      id,
			StepID:          stepID,
			Decision:        decision,
			Comment:         req.Comment,
			ExpectedVersion: entity.Version(req.Version),
			Now:             now,
		})
		if err != nil {
			h.fail(c, err)
			return
		}

		h.ok(c, http.StatusOK, toDetailResponse(detail, now))
	}
}

// resolveStep accepts a step id or a STEP-n display id of the instance
func (h *Handlers) resolveStep(c *gin.Context, tenant entity.TenantID, instance entity.InstanceID) (entity.Step, error) {
	raw := c.Param("stepId")
	if strings.HasPrefix(strings.ToUpper(raw), entity.PrefixStep+"-") {
		displayID, err := entity.ParseDisplayID(entity.PrefixStep, strings.ToUpper(raw))
		if err != nil {
			return entity.Step{}, err
		}
		return h.workflows.GetStepByDisplayNumber(c.Request.Context(), tenant, instance, displayID.Number)
	}

	id, err := entity.ParseStepID(raw)
	if err != nil {
		return entity.Step{}, err
	}
	detail, err := h.workflows.GetInstance(c.Request.Context(), tenant, instance)
	if err != nil {
		return entity.Step{}, err
	}
	step, ok := entity.FindStep(detail.Steps, id)
	if !ok {
		return entity.Step{}, apperr.NotFoundf("step %s not found in instance %s", id, detail.Instance.DisplayID())
	}
	return step, nil
}

// resolveStepID is resolveStep without the lookup when the step id is given
func (h *Handlers) resolveStepID(c *gin.Context, tenant entity.TenantID, instance entity.InstanceID) (entity.StepID, error) {
	if id, err := entity.ParseStepID(c.Param("stepId")); err == nil {
		return id, nil
	}
	step, err := h.resolveStep(c, tenant, instance)
	if err != nil {
		return entity.StepID{}, err
	}
	return step.ID(), nil
}

// ListTasks handles GET /api/v1/tasks, the Active steps assigned to the caller
func (h *Handlers) ListTasks(c *gin.Context) {
	tenant, user := caller(c)

	req, err := bindPage(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	tasks, err := h.workflows.ListMyTasks(c.Request.Context(), tenant, user, req.page())
	if err != nil {
		h.fail(c, err)
		return
	}

	now := h.now()
	responses := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, TaskResponse{
			Step:     toStepResponse(task.Step, now),
			Instance: toInstanceResponse(task.Instance),
		})
	}
	h.ok(c, http.StatusOK, responses)
}
