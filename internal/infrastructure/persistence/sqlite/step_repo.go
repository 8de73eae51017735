package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

const stepColumns = `
	id, instance_id, tenant_id, display_number, definition_step_id, name,
	assignee, status, decision, comment, due_at, version, started_at,
	completed_at, created_at, updated_at`

// StepRepository implements port.StepRepository
type StepRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewStepRepository creates a new step repository
func NewStepRepository(db *DB) *StepRepository {
	return &StepRepository{
		db:     db,
		logger: db.logger,
	}
}

// Insert stores a new step
func (r *StepRepository) Insert(ctx context.Context, tx port.UnitOfWork, step entity.Step) error {
	s := step.Snapshot()
	exec, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_steps (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = exec.ExecContext(ctx, query,
		s.ID.String(), s.InstanceID.String(), s.TenantID.String(), int64(s.DisplayNumber),
		s.DefinitionStepID, s.Name, s.Assignee.String(), string(s.Status),
		nullDecision(s.Decision), nullString(s.Comment), nullTime(s.DueAt), int32(s.Version),
		nullTime(s.StartedAt), nullTime(s.CompletedAt), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert step", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "insert step")
	}
	return nil
}

// UpdateWithVersionCheck writes step if the stored row is still at expected
func (r *StepRepository) UpdateWithVersionCheck(ctx context.Context, tx port.UnitOfWork, step entity.Step, expected entity.Version) error {
	s := step.Snapshot()
	exec, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_steps
		SET status = ?, decision = ?, comment = ?, due_at = ?, version = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`
	result, err := exec.ExecContext(ctx, query,
		string(s.Status), nullDecision(s.Decision), nullString(s.Comment), nullTime(s.DueAt),
		int32(s.Version), nullTime(s.StartedAt), nullTime(s.CompletedAt), s.UpdatedAt,
		s.TenantID.String(), s.ID.String(), int32(expected),
	)
	if err != nil {
		r.logger.Error("Failed to update step", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "update step")
	}
	return checkAffected(result, "step", s.ID.String(), expected)
}

// FindByID retrieves a step of the tenant
func (r *StepRepository) FindByID(ctx context.Context, tenant entity.TenantID, id entity.StepID) (entity.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE tenant_id = ? AND id = ?`

	step, err := scanStep(r.db.db.QueryRowContext(ctx, query, tenant.String(), id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Step{}, apperr.NotFoundf("step %s not found", id)
	}
	if err != nil {
		r.logger.Error("Failed to get step by ID", zap.String("id", id.String()), zap.Error(err))
		return entity.Step{}, apperr.Internal(err, "get step")
	}
	return step, nil
}

// FindByInstance returns every step of the instance in display order
func (r *StepRepository) FindByInstance(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID) ([]entity.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps
		WHERE tenant_id = ? AND instance_id = ? ORDER BY display_number`

	return r.query(ctx, "list steps by instance", query, tenant.String(), instance.String())
}

// FindByDisplayNumber retrieves a step by its instance-scoped number
func (r *StepRepository) FindByDisplayNumber(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID, n entity.DisplayNumber) (entity.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps
		WHERE tenant_id = ? AND instance_id = ? AND display_number = ?`

	step, err := scanStep(r.db.db.QueryRowContext(ctx, query, tenant.String(), instance.String(), int64(n)))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Step{}, apperr.NotFoundf("step %s-%d not found", entity.PrefixStep, n)
	}
	if err != nil {
		r.logger.Error("Failed to get step by display number", zap.Int64("display_number", int64(n)), zap.Error(err))
		return entity.Step{}, apperr.Internal(err, "get step")
	}
	return step, nil
}

// FindActiveByAssignee returns the steps awaiting the user's decision, oldest first
func (r *StepRepository) FindActiveByAssignee(ctx context.Context, tenant entity.TenantID, assignee entity.UserID, page port.Page) ([]entity.Step, error) {
	page = page.Normalize()
	query := `SELECT ` + stepColumns + ` FROM workflow_steps
		WHERE tenant_id = ? AND assignee = ? AND status = ?
		ORDER BY started_at, id LIMIT ? OFFSET ?`

	return r.query(ctx, "list tasks", query,
		tenant.String(), assignee.String(), string(workflow.StepActive), page.Limit, page.Offset)
}

// CountActiveByAssignee counts the steps awaiting the user's decision
func (r *StepRepository) CountActiveByAssignee(ctx context.Context, tenant entity.TenantID, assignee entity.UserID) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_steps WHERE tenant_id = ? AND assignee = ? AND status = ?`
	return r.count(ctx, "count tasks", query, tenant.String(), assignee.String(), string(workflow.StepActive))
}

// CountCompletedByAssignee counts the user's decisions made at or after since
func (r *StepRepository) CountCompletedByAssignee(ctx context.Context, tenant entity.TenantID, assignee entity.UserID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_steps
		WHERE tenant_id = ? AND assignee = ? AND status = ? AND completed_at >= ?`
	return r.count(ctx, "count decisions", query,
		tenant.String(), assignee.String(), string(workflow.StepCompleted), since.UTC())
}

func (r *StepRepository) count(ctx context.Context, op, query string, args ...interface{}) (int, error) {
	var n int
	if err := r.db.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		r.logger.Error("Failed to "+op, zap.Error(err))
		return 0, apperr.Internal(err, op)
	}
	return n, nil
}

func (r *StepRepository) query(ctx context.Context, op, query string, args ...interface{}) ([]entity.Step, error) {
	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to "+op, zap.Error(err))
		return nil, apperr.Internal(err, op)
	}
	defer rows.Close()

	var steps []entity.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan step")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, op)
	}
	return steps, nil
}

func scanStep(row rowScanner) (entity.Step, error) {
	var (
		id, instance, tenant, assignee uuid.UUID
		displayNumber                  int64
		definitionStepID, name, status string
		decision, comment              sql.NullString
		dueAt, startedAt, completedAt  sql.NullTime
		version                        int32
		createdAt, updatedAt           time.Time
	)
	if err := row.Scan(&id, &instance, &tenant, &displayNumber, &definitionStepID, &name,
		&assignee, &status, &decision, &comment, &dueAt, &version, &startedAt,
		&completedAt, &createdAt, &updatedAt); err != nil {
		return entity.Step{}, err
	}

	var d *workflow.Decision
	if decision.Valid {
		v := workflow.Decision(decision.String)
		d = &v
	}
	var c *string
	if comment.Valid {
		v := comment.String
		c = &v
	}

	return entity.RestoreStep(entity.StepSnapshot{
		ID:               entity.StepID(id),
		InstanceID:       entity.InstanceID(instance),
		TenantID:         entity.TenantID(tenant),
		DisplayNumber:    entity.DisplayNumber(displayNumber),
		DefinitionStepID: definitionStepID,
		Name:             name,
		Assignee:         entity.UserID(assignee),
		Status:           workflow.StepStatus(status),
		Decision:         d,
		Comment:          c,
		DueAt:            timePtr(dueAt),
		Version:          entity.Version(version),
		StartedAt:        timePtr(startedAt),
		CompletedAt:      timePtr(completedAt),
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	})
}

func nullDecision(d *workflow.Decision) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*d), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var _ port.StepRepository = (*StepRepository)(nil)
