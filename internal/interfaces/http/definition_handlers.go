package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/application/service"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

// CreateDefinition handles POST /api/v1/definitions
func (h *Handlers) CreateDefinition(c *gin.Context) {
	tenant, user := caller(c)

	var req CreateDefinitionRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if err := req.normalize(); err != nil {
		h.fail(c, err)
		return
	}

	def, err := h.definitions.Create(c.Request.Context(), service.CreateDefinitionInput{
		Tenant:      tenant,
		Actor:       user,
		Name:        req.Name,
		Description: req.Description,
		Body:        req.Definition,
		Now:         h.now(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusCreated, toDefinitionResponse(def))
}

// ListDefinitions handles GET /api/v1/definitions
func (h *Handlers) ListDefinitions(c *gin.Context) {
	tenant, _ := caller(c)

	req, err := bindPage(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	filter := port.DefinitionFilter{Page: req.page()}
	if req.Status != "" {
		status := workflow.DefinitionStatus(req.Status)
		if !status.IsValid() {
			h.fail(c, apperr.Validationf("unknown definition status %q", req.Status))
			return
		}
		filter.Status = &status
	}

	defs, err := h.definitions.List(c.Request.Context(), tenant, filter)
	if err != nil {
		h.fail(c, err)
		return
	}

	responses := make([]DefinitionResponse, 0, len(defs))
	for _, def := range defs {
		responses = append(responses, toDefinitionResponse(def))
	}
	h.ok(c, http.StatusOK, responses)
}

// GetDefinition handles GET /api/v1/definitions/:id
func (h *Handlers) GetDefinition(c *gin.Context) {
	tenant, _ := caller(c)

	id, err := entity.ParseDefinitionID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	def, err := h.definitions.Get(c.Request.Context(), tenant, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toDefinitionResponse(def))
}

// ReviseDefinition handles PUT /api/v1/definitions/:id
func (h *Handlers) ReviseDefinition(c *gin.Context) {
	tenant, user := caller(c)

	id, err := entity.ParseDefinitionID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	var req ReviseDefinitionRequest
	if err := bindJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if err := req.normalize(); err != nil {
		h.fail(c, err)
		return
	}

	def, err := h.definitions.Revise(c.Request.Context(), service.ReviseDefinitionInput{
		Tenant:          tenant,
		Actor:           user,
		DefinitionID:    id,
		ExpectedVersion: entity.Version(req.Version),
		Name:            req.Name,
		Description:     req.Description,
		Body:            req.Definition,
		Now:             h.now(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toDefinitionResponse(def))
}

// PublishDefinition handles POST /api/v1/definitions/:id/publish
func (h *Handlers) PublishDefinition(c *gin.Context) {
	h.definitionCommand(c, h.definitions.Publish)
}

// ArchiveDefinition handles POST /api/v1/definitions/:id/archive
func (h *Handlers) ArchiveDefinition(c *gin.Context) {
	h.definitionCommand(c, h.definitions.Archive)
}

type definitionCommandFunc func(ctx context.Context, in service.DefinitionCommand) (entity.Definition, error)

func (h *Handlers) definitionCommand(c *gin.Context, run definitionCommandFunc) {
	cmd, err := h.bindDefinitionCommand(c, func() (entity.Version, error) {
		var req VersionRequest
		if err := bindJSON(c, &req); err != nil {
			return 0, err
		}
		return entity.Version(req.Version), nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	def, err := run(c.Request.Context(), cmd)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.ok(c, http.StatusOK, toDefinitionResponse(def))
}

// DeleteDefinition handles DELETE /api/v1/definitions/:id?version=N
func (h *Handlers) DeleteDefinition(c *gin.Context) {
	cmd, err := h.bindDefinitionCommand(c, func() (entity.Version, error) {
		return versionQuery(c)
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	if err := h.definitions.Delete(c.Request.Context(), cmd); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handlers) bindDefinitionCommand(c *gin.Context, version func() (entity.Version, error)) (service.DefinitionCommand, error) {
	tenant, user := caller(c)

	id, err := entity.ParseDefinitionID(c.Param("id"))
	if err != nil {
		return service.DefinitionCommand{}, err
	}
	expected, err := version()
	if err != nil {
		return service.DefinitionCommand{}, err
	}

	return service.DefinitionCommand{
		Tenant:          tenant,
		Actor:           user,
		DefinitionID:    id,
		ExpectedVersion: expected,
		Now:             h.now(),
	}, nil
}
