package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/application/service"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
)

// Caller headers
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

const (
	tenantKey = "approvalflow.tenant"
	userKey   = "approvalflow.user"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	workflows   service.WorkflowService
	definitions service.DefinitionService
	now         func() time.Time
	healthCheck HealthCheck
	logger      Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	workflows service.WorkflowService,
	definitions service.DefinitionService,
	now func() time.Time,
	healthCheck HealthCheck,
	logger Logger,
) *Handlers {
	return &Handlers{
		workflows:   workflows,
		definitions: definitions,
		now:         now,
		healthCheck: healthCheck,
		logger:      logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
	}

	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			response.Status = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, Response{
				Success: false,
				Data:    response,
				Error:   "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    response,
	})
}

// callerMiddleware resolves the tenant and user of every API request from
// the caller headers
func callerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, err := entity.ParseTenantID(c.GetHeader(HeaderTenantID))
		if err != nil {
			abort(c, http.StatusBadRequest, "missing or invalid "+HeaderTenantID+" header")
			return
		}
		user, err := entity.ParseUserID(c.GetHeader(HeaderUserID))
		if err != nil {
			abort(c, http.StatusBadRequest, "missing or invalid "+HeaderUserID+" header")
			return
		}

		c.Set(tenantKey, tenant)
		c.Set(userKey, user)
		c.Next()
	}
}

func caller(c *gin.Context) (entity.TenantID, entity.UserID) {
	tenant, _ := c.MustGet(tenantKey).(entity.TenantID)
	user, _ := c.MustGet(userKey).(entity.UserID)
	return tenant, user
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error:   msg,
	})
}

// statusOf maps an error kind to its HTTP status
func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err in the response envelope. Internal errors are logged and
// replaced by a generic message.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if errors.Is(err, context.Canceled) {
			h.logger.Info("Request cancelled", "path", c.FullPath())
		} else {
			h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		}
		msg = "internal error"
	}
	abort(c, status, msg)
}

func (h *Handlers) ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// pageRequest holds the common list query parameters
type pageRequest struct {
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
	Status string `form:"status"`
}

func bindPage(c *gin.Context) (pageRequest, error) {
	var req pageRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		return req, apperr.Validationf("invalid query parameters: %v", err)
	}
	return req, nil
}

func (p pageRequest) page() port.Page {
	return port.Page{Limit: p.Limit, Offset: p.Offset}.Normalize()
}

// bindJSON decodes the request body, reporting malformed input as a validation error
func bindJSON(c *gin.Context, req interface{}) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	return nil
}

// versionQuery reads the ?version= parameter of commands without a body
func versionQuery(c *gin.Context) (entity.Version, error) {
	raw := c.Query("version")
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || v < 1 {
		return 0, apperr.Validationf("query parameter version must be a positive integer, got %q", raw)
	}
	return entity.Version(v), nil
}
