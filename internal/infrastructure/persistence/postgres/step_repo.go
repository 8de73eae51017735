package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
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
	return &StepRepository{db: db, logger: db.logger}
}

// Insert stores a new step
func (r *StepRepository) Insert(ctx context.Context, tx port.UnitOfWork, step entity.Step) error {
	s := step.Snapshot()
	q, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = q.Exec(ctx, query,
		s.ID.UUID(), s.InstanceID.UUID(), s.TenantID.UUID(), int64(s.DisplayNumber),
		s.DefinitionStepID, s.Name, s.Assignee.UUID(), string(s.Status),
		decisionText(s.Decision), s.Comment, s.DueAt, int32(s.Version),
		s.StartedAt, s.CompletedAt, s.CreatedAt, s.UpdatedAt,
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
	q, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_steps
		SET status = $1, decision = $2, comment = $3, due_at = $4, version = $5,
			started_at = $6, completed_at = $7, updated_at = $8
		WHERE tenant_id = $9 AND id = $10 AND version = $11
	`
	tag, err := q.Exec(ctx, query,
		string(s.Status), decisionText(s.Decision), s.Comment, s.DueAt, int32(s.Version),
		s.StartedAt, s.CompletedAt, s.UpdatedAt,
		s.TenantID.UUID(), s.ID.UUID(), int32(expected),
	)
	if err != nil {
		r.logger.Error("Failed to update step", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "update step")
	}
	return checkAffected(tag, "step", s.ID.String(), expected)
}

// FindByID retrieves a step of the tenant
func (r *StepRepository) FindByID(ctx context.Context, tenant entity.TenantID, id entity.StepID) (entity.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE tenant_id = $1 AND id = $2`

	step, err := r.one(ctx, tenant, query, tenant.UUID(), id.UUID())
	if errors.Is(err, pgx.ErrNoRows) {
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
		WHERE tenant_id = $1 AND instance_id = $2 ORDER BY display_number`

	return r.many(ctx, tenant, "list steps by instance", query, tenant.UUID(), instance.UUID())
}

// FindByDisplayNumber retrieves a step by its instance-scoped number
func (r *StepRepository) FindByDisplayNumber(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID, n entity.DisplayNumber) (entity.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps
		WHERE tenant_id = $1 AND instance_id = $2 AND display_number = $3`

	step, err := r.one(ctx, tenant, query, tenant.UUID(), instance.UUID(), int64(n))
	if errors.Is(err, pgx.ErrNoRows) {
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
		WHERE tenant_id = $1 AND assignee = $2 AND status = $3
		ORDER BY started_at, id LIMIT $4 OFFSET $5`

	return r.many(ctx, tenant, "list tasks", query,
		tenant.UUID(), assignee.UUID(), string(workflow.StepActive), page.Limit, page.Offset)
}

// CountActiveByAssignee counts the steps awaiting the user's decision
func (r *StepRepository) CountActiveByAssignee(ctx context.Context, tenant entity.TenantID, assignee entity.UserID) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_steps WHERE tenant_id = $1 AND assignee = $2 AND status = $3`
	return r.count(ctx, tenant, "count tasks", query, tenant.UUID(), assignee.UUID(), string(workflow.StepActive))
}

// CountCompletedByAssignee counts the user's decisions made at or after since
func (r *StepRepository) CountCompletedByAssignee(ctx context.Context, tenant entity.TenantID, assignee entity.UserID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_steps
		WHERE tenant_id = $1 AND assignee = $2 AND status = $3 AND completed_at >= $4`
	return r.count(ctx, tenant, "count decisions", query,
		tenant.UUID(), assignee.UUID(), string(workflow.StepCompleted), since)
}

func (r *StepRepository) count(ctx context.Context, tenant entity.TenantID, op, query string, args ...any) (int, error) {
	var n int
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		r.logger.Error("Failed to "+op, zap.String("tenant_id", tenant.String()), zap.Error(err))
		return 0, apperr.Internal(err, op)
	}
	return n, nil
}

func (r *StepRepository) one(ctx context.Context, tenant entity.TenantID, query string, args ...any) (entity.Step, error) {
	var step entity.Step
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		var err error
		step, err = scanStep(tx.QueryRow(ctx, query, args...))
		return err
	})
	return step, err
}

func (r *StepRepository) many(ctx context.Context, tenant entity.TenantID, op, query string, args ...any) ([]entity.Step, error) {
	var steps []entity.Step
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		steps, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Step, error) {
			return scanStep(row)
		})
		return err
	})
	if err != nil {
		r.logger.Error("Failed to "+op, zap.String("tenant_id", tenant.String()), zap.Error(err))
		return nil, apperr.Internal(err, op)
	}
	return steps, nil
}

func scanStep(row pgx.Row) (entity.Step, error) {
	var (
		id, instance, tenant, assignee uuid.UUID
		displayNumber                  int64
		definitionStepID, name, status string
		decision, comment              *string
		dueAt, startedAt, completedAt  *time.Time
		version                        int32
		createdAt, updatedAt           time.Time
	)
	if err := row.Scan(&id, &instance, &tenant, &displayNumber, &definitionStepID, &name,
		&assignee, &status, &decision, &comment, &dueAt, &version, &startedAt,
		&completedAt, &createdAt, &updatedAt); err != nil {
		return entity.Step{}, err
	}

	var d *workflow.Decision
	if decision != nil {
		v := workflow.Decision(*decision)
		d = &v
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
		Comment:          comment,
		DueAt:            dueAt,
		Version:          entity.Version(version),
		StartedAt:        startedAt,
		CompletedAt:      completedAt,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	})
}

func decisionText(d *workflow.Decision) *string {
	if d == nil {
		return nil
	}
	s := string(*d)
	return &s
}

var _ port.StepRepository = (*StepRepository)(nil)
