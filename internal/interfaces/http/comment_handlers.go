package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/approvalflow/internal/application/service"
	"github.com/garyjia/approvalflow/internal/domain/entity"
)

// PostComment handles POST /api/v1/instances/:id/comments
func (h *Handlers) PostComment(c *gin.Context) {
	tenant, user := caller(c)

	id, err := entity.ParseInstanceID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	var req CommentRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if err := req.normalize(); err != nil {
		h.fail(c, err)
		return
	}

	comment, err := h.workflows.PostComment(c.Request.Context(), service.PostCommentInput{
		Tenant:     tenant,
		Actor:      user,
		InstanceID: id,
		Body:       req.Body,
		Now:        h.now(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusCreated, toCommentResponse(comment))
}

// ListComments handles GET /api/v1/instances/:id/comments
func (h *Handlers) ListComments(c *gin.Context) {
	tenant, _ := caller(c)

	id, err := entity.ParseInstanceID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	comments, err := h.workflows.ListComments(c.Request.Context(), tenant, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	responses := make([]CommentResponse, 0, len(comments))
	for _, comment := range comments {
		responses = append(responses, toCommentResponse(comment))
	}
	h.ok(c, http.StatusOK, responses)
}

// DashboardStats handles GET /api/v1/dashboard/stats
func (h *Handlers) DashboardStats(c *gin.Context) {
	tenant, user := caller(c)

	stats, err := h.workflows.DashboardStats(c.Request.Context(), tenant, user, h.now())
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, StatsResponse{
		PendingTasks:          stats.PendingTasks,
		MyWorkflowsInProgress: stats.WorkflowsInProgress,
		CompletedToday:        stats.CompletedToday,
	})
}
