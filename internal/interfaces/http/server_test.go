package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/service"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/approvalflow/migrations"
	"github.com/garyjia/approvalflow/pkg/database"
	"github.com/garyjia/approvalflow/pkg/utils"
)

var fixedNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiClient struct {
	t      *testing.T
	router http.Handler
	tenant entity.TenantID
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *apiClient) do(method, path string, user entity.UserID, body interface{}) (int, envelope) {
	a.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenantID, a.tenant.String())
	req.Header.Set(HeaderUserID, user.String())

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func newStackServer(t *testing.T) *Server {
	t.Helper()
	zl := zap.NewNop()

	db, err := database.OpenSQLite(database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "http.db")}, zl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = database.NewMigrator(db, migrations.SQLite(), zl).Run(context.Background())
	require.NoError(t, err)

	repos := sqlite.NewDB(db.DB, zl).Repositories()
	logger := utils.NewKeyValueLogger(zl)

	return NewServer(DefaultServerConfig(),
		service.NewWorkflowService(repos, nil, logger),
		service.NewDefinitionService(repos, nil, logger),
		logger,
		WithClock(func() time.Time { return fixedNow }),
		WithHealthCheck(db.PingContext),
	)
}

func TestServer_ApprovalFlow(t *testing.T) {
	api := &apiClient{t: t, router: newStackServer(t).Router(), tenant: entity.NewTenantID()}
	author, initiator, manager := entity.NewUserID(), entity.NewUserID(), entity.NewUserID()

	status, env := api.do(http.MethodPost, "/api/v1/definitions", author, map[string]interface{}{
		"name": "Expense",
		"definition": map[string]interface{}{
			"steps": []map[string]interface{}{
				{"id": "start", "type": "start", "name": "Start"},
				{"id": "manager", "type": "approval", "name": "Manager", "due_hours": 24},
				{"id": "end", "type": "end", "name": "End", "status": "approved"},
			},
		},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	def := decode[DefinitionResponse](t, env)
	assert.Equal(t, "WD-1", def.DisplayID)
	assert.Equal(t, "draft", def.Status)

	status, env = api.do(http.MethodPost, "/api/v1/definitions/"+def.ID+"/publish", author, VersionRequest{Version: def.Version})
	require.Equal(t, http.StatusOK, status, env.Error)
	def = decode[DefinitionResponse](t, env)
	assert.Equal(t, "published", def.Status)

	status, env = api.do(http.MethodPost, "/api/v1/instances", initiator, map[string]interface{}{
		"definition_id": def.ID,
		"title":         "Conference ticket",
		"form_data":     map[string]interface{}{"amount": 899},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	inst := decode[InstanceResponse](t, env)
	assert.Equal(t, "WF-1", inst.DisplayID)
	assert.Equal(t, "draft", inst.Status)
	assert.JSONEq(t, `{"amount":899}`, string(inst.FormData))

	status, env = api.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/submit", initiator, SubmitRequest{
		Approvers: []ApproverRequest{{StepID: "manager", AssigneeID: manager.String()}},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	inst = decode[InstanceResponse](t, env)
	assert.Equal(t, "in_progress", inst.Status)
	require.Len(t, inst.Steps, 1)
	assert.Equal(t, "STEP-1", inst.Steps[0].DisplayID)
	require.NotNil(t, inst.Steps[0].DueAt)
	assert.False(t, inst.Steps[0].Overdue)

	status, env = api.do(http.MethodGet, "/api/v1/tasks", manager, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	tasks := decode[[]TaskResponse](t, env)
	require.Len(t, tasks, 1)
	assert.Equal(t, "WF-1", tasks[0].Instance.DisplayID)

	status, env = api.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/steps/STEP-1/approve", manager,
		DecisionRequest{Version: inst.Steps[0].Version - 1})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, env.Success)

	comment := "ok"
	status, env = api.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/steps/STEP-1/approve", initiator,
		DecisionRequest{Comment: &comment, Version: inst.Steps[0].Version})
	assert.Equal(t, http.StatusForbidden, status)

	status, env = api.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/steps/"+inst.Steps[0].ID+"/approve", manager,
		DecisionRequest{Comment: &comment, Version: inst.Steps[0].Version})
	require.Equal(t, http.StatusOK, status, env.Error)
	inst = decode[InstanceResponse](t, env)
	assert.Equal(t, "approved", inst.Status)
	require.NotNil(t, inst.Steps[0].Decision)
	assert.Equal(t, "approved", *inst.Steps[0].Decision)
	require.NotNil(t, inst.Steps[0].Comment)
	assert.Equal(t, "ok", *inst.Steps[0].Comment)

	status, env = api.do(http.MethodGet, "/api/v1/instances/by-display-id/WF-1", initiator, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, inst.ID, decode[InstanceResponse](t, env).ID)

	status, env = api.do(http.MethodGet, "/api/v1/instances?status=approved", initiator, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Len(t, decode[[]InstanceResponse](t, env), 1)

	other := &apiClient{t: t, router: api.router, tenant: entity.NewTenantID()}
	status, _ = other.do(http.MethodGet, "/api/v1/instances/"+inst.ID, initiator, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// submitOne publishes a one-step definition and submits an instance of it
func submitOne(api *apiClient, author, initiator, approver entity.UserID) InstanceResponse {
	t := api.t
	t.Helper()

	status, env := api.do(http.MethodPost, "/api/v1/definitions", author, CreateDefinitionRequest{
		Name: "Travel",
		Definition: entity.DefinitionBody{Steps: []entity.StepDefinition{
			{ID: "manager", Kind: entity.StepKindApproval, Name: "Manager"},
		}},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	def := decode[DefinitionResponse](t, env)
	status, env = api.do(http.MethodPost, "/api/v1/definitions/"+def.ID+"/publish", author, VersionRequest{Version: def.Version})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = api.do(http.MethodPost, "/api/v1/instances", initiator, map[string]string{
		"definition_id": def.ID,
		"title":         "Berlin offsite",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	inst := decode[InstanceResponse](t, env)

	status, env = api.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/submit", initiator, SubmitRequest{
		Approvers: []ApproverRequest{{StepID: "manager", AssigneeID: approver.String()}},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	return decode[InstanceResponse](t, env)
}

func TestServer_Comments(t *testing.T) {
	api := &apiClient{t: t, router: newStackServer(t).Router(), tenant: entity.NewTenantID()}
	author, initiator, manager := entity.NewUserID(), entity.NewUserID(), entity.NewUserID()
	inst := submitOne(api, author, initiator, manager)
	path := "/api/v1/instances/" + inst.ID + "/comments"

	status, env := api.do(http.MethodPost, path, initiator, CommentRequest{Body: "Hotel quote attached"})
	require.Equal(t, http.StatusCreated, status, env.Error)
	posted := decode[CommentResponse](t, env)
	assert.Equal(t, inst.ID, posted.InstanceID)
	assert.Equal(t, initiator.String(), posted.PostedBy)
	assert.Equal(t, "Hotel quote attached", posted.Body)
	assert.Equal(t, formatTime(fixedNow), posted.CreatedAt)

	status, env = api.do(http.MethodPost, path, manager, CommentRequest{Body: "Thanks"})
	require.Equal(t, http.StatusCreated, status, env.Error)

	status, env = api.do(http.MethodPost, path, author, CommentRequest{Body: "Not my request"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.False(t, env.Success)

	status, env = api.do(http.MethodGet, path, author, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	comments := decode[[]CommentResponse](t, env)
	require.Len(t, comments, 2)
	assert.Equal(t, posted.ID, comments[0].ID)
	assert.Equal(t, "Thanks", comments[1].Body)

	other := &apiClient{t: t, router: api.router, tenant: entity.NewTenantID()}
	status, _ = other.do(http.MethodGet, path, initiator, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_DashboardStats(t *testing.T) {
	api := &apiClient{t: t, router: newStackServer(t).Router(), tenant: entity.NewTenantID()}
	author, initiator, manager := entity.NewUserID(), entity.NewUserID(), entity.NewUserID()
	first := submitOne(api, author, initiator, manager)
	submitOne(api, author, initiator, manager)

	status, env := api.do(http.MethodPost, "/api/v1/instances/"+first.ID+"/steps/STEP-1/approve", manager,
		DecisionRequest{Version: first.Steps[0].Version})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = api.do(http.MethodGet, "/api/v1/dashboard/stats", manager, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.JSONEq(t, `{"pending_tasks":1,"my_workflows_in_progress":0,"completed_today":1}`, string(env.Data))

	status, env = api.do(http.MethodGet, "/api/v1/dashboard/stats", initiator, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.Equal(t, StatsResponse{MyWorkflowsInProgress: 1}, decode[StatsResponse](t, env))
}

func TestServer_DefinitionDelete(t *testing.T) {
	api := &apiClient{t: t, router: newStackServer(t).Router(), tenant: entity.NewTenantID()}
	author := entity.NewUserID()

	status, env := api.do(http.MethodPost, "/api/v1/definitions", author, CreateDefinitionRequest{
		Name:       "Scratch",
		Definition: entity.DefinitionBody{Steps: []entity.StepDefinition{{ID: "a", Kind: entity.StepKindApproval}}},
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	def := decode[DefinitionResponse](t, env)

	status, _ = api.do(http.MethodDelete, "/api/v1/definitions/"+def.ID, author, nil)
	assert.Equal(t, http.StatusBadRequest, status, "version query parameter is required")

	status, _ = api.do(http.MethodDelete, fmt.Sprintf("/api/v1/definitions/%s?version=%d", def.ID, def.Version+1), author, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = api.do(http.MethodDelete, fmt.Sprintf("/api/v1/definitions/%s?version=%d", def.ID, def.Version), author, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = api.do(http.MethodGet, "/api/v1/definitions/"+def.ID, author, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_RequestValidation(t *testing.T) {
	server := newStackServer(t)
	api := &apiClient{t: t, router: server.Router(), tenant: entity.NewTenantID()}
	user := entity.NewUserID()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"malformed instance id", http.MethodGet, "/api/v1/instances/42", nil},
		{"wrong display id prefix", http.MethodGet, "/api/v1/instances/by-display-id/WD-1", nil},
		{"unknown status filter", http.MethodGet, "/api/v1/instances?status=lost", nil},
		{"missing title", http.MethodPost, "/api/v1/instances", map[string]string{"definition_id": entity.NewDefinitionID().String()}},
		{"missing decision version", http.MethodPost, "/api/v1/instances/" + entity.NewInstanceID().String() + "/steps/STEP-1/approve", map[string]string{}},
		{"malformed assignee", http.MethodPost, "/api/v1/instances/" + entity.NewInstanceID().String() + "/submit",
			SubmitRequest{Approvers: []ApproverRequest{{StepID: "a", AssigneeID: "bob"}}}},
		{"missing comment body", http.MethodPost, "/api/v1/instances/" + entity.NewInstanceID().String() + "/comments", map[string]string{}},
		{"comment too long", http.MethodPost, "/api/v1/instances/" + entity.NewInstanceID().String() + "/comments",
			CommentRequest{Body: strings.Repeat("x", maxCommentLength+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api.t = t
			status, env := api.do(tt.method, tt.path, user, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestServer_CallerHeaders(t *testing.T) {
	router := newStackServer(t).Router()

	tests := []struct {
		name   string
		tenant string
		user   string
	}{
		{"no headers", "", ""},
		{"no user", entity.NewTenantID().String(), ""},
		{"malformed tenant", "acme", entity.NewUserID().String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
			req.Header.Set(HeaderTenantID, tt.tenant)
			req.Header.Set(HeaderUserID, tt.user)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestServer_Health(t *testing.T) {
	logger := &mockLogger{}

	tests := []struct {
		name   string
		check  HealthCheck
		status int
	}{
		{"healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"database down", func(context.Context) error { return errors.New("connection refused") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(DefaultServerConfig(), &stubWorkflows{}, nil, logger,
				WithClock(func() time.Time { return fixedNow }), WithHealthCheck(tt.check))

			w := httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.status, w.Code)

			var env envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			health := decode[HealthResponse](t, env)
			assert.Equal(t, fixedNow.Format(time.RFC3339), health.Timestamp)
		})
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"validation", apperr.Validationf("title is required"), http.StatusBadRequest, "title is required"},
		{"forbidden", apperr.Forbiddenf("not yours"), http.StatusForbidden, "not yours"},
		{"not found", apperr.NotFoundf("no such instance"), http.StatusNotFound, "no such instance"},
		{"conflict", fmt.Errorf("cancel instance: %w", apperr.Conflictf("stale")), http.StatusConflict, "stale"},
		{"internal", apperr.Internal(errors.New("disk I/O error"), "update instance"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &mockLogger{}
			workflows := &stubWorkflows{
				cancel: func(context.Context, service.CancelInput) (service.InstanceDetail, error) {
					return service.InstanceDetail{}, tt.err
				},
			}
			api := &apiClient{
				t:      t,
				router: NewServer(DefaultServerConfig(), workflows, nil, logger).Router(),
				tenant: entity.NewTenantID(),
			}

			status, env := api.do(http.MethodPost, "/api/v1/instances/"+entity.NewInstanceID().String()+"/cancel", entity.NewUserID(), nil)
			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
			assert.Contains(t, env.Error, tt.msg)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, env.Error, "disk")
				assert.Contains(t, logger.errors, "Request failed")
			}
		})
	}
}

type mockLogger struct {
	infos  []string
	errors []string
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	m.errors = append(m.errors, msg)
}

// stubWorkflows is a WorkflowService whose Cancel is scripted
type stubWorkflows struct {
	service.WorkflowService
	cancel func(ctx context.Context, in service.CancelInput) (service.InstanceDetail, error)
}

func (s *stubWorkflows) Cancel(ctx context.Context, in service.CancelInput) (service.InstanceDetail, error) {
	return s.cancel(ctx, in)
}
