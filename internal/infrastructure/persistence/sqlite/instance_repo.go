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

const instanceColumns = `
	id, tenant_id, definition_id, definition_version, display_number, title,
	form_data, status, version, current_step_id, initiated_by, submitted_at,
	completed_at, created_at, updated_at`

// InstanceRepository implements port.InstanceRepository
type InstanceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *DB) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: db.logger,
	}
}

// Insert stores a new instance
func (r *InstanceRepository) Insert(ctx context.Context, tx port.UnitOfWork, inst entity.Instance) error {
	s := inst.Snapshot()
	exec, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = exec.ExecContext(ctx, query,
		s.ID.String(), s.TenantID.String(), s.DefinitionID.String(), int32(s.DefinitionVersion),
		int64(s.DisplayNumber), s.Title, string(s.FormData), string(s.Status), int32(s.Version),
		nullStepID(s.CurrentStepID), s.InitiatedBy.String(), nullTime(s.SubmittedAt),
		nullTime(s.CompletedAt), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert instance", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "insert instance")
	}
	return nil
}

// UpdateWithVersionCheck writes inst if the stored row is still at expected
func (r *InstanceRepository) UpdateWithVersionCheck(ctx context.Context, tx port.UnitOfWork, inst entity.Instance, expected entity.Version) error {
	s := inst.Snapshot()
	exec, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances
		SET title = ?, form_data = ?, status = ?, version = ?, current_step_id = ?,
			submitted_at = ?, completed_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`
	result, err := exec.ExecContext(ctx, query,
		s.Title, string(s.FormData), string(s.Status), int32(s.Version), nullStepID(s.CurrentStepID),
		nullTime(s.SubmittedAt), nullTime(s.CompletedAt), s.UpdatedAt,
		s.TenantID.String(), s.ID.String(), int32(expected),
	)
	if err != nil {
		r.logger.Error("Failed to update instance", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "update instance")
	}
	return checkAffected(result, "instance", s.ID.String(), expected)
}

// FindByID retrieves an instance of the tenant
func (r *InstanceRepository) FindByID(ctx context.Context, tenant entity.TenantID, id entity.InstanceID) (entity.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE tenant_id = ? AND id = ?`

	inst, err := scanInstance(r.db.db.QueryRowContext(ctx, query, tenant.String(), id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Instance{}, apperr.NotFoundf("instance %s not found", id)
	}
	if err != nil {
		r.logger.Error("Failed to get instance by ID", zap.String("id", id.String()), zap.Error(err))
		return entity.Instance{}, apperr.Internal(err, "get instance")
	}
	return inst, nil
}

// FindByDisplayNumber retrieves an instance by its tenant-scoped number
func (r *InstanceRepository) FindByDisplayNumber(ctx context.Context, tenant entity.TenantID, n entity.DisplayNumber) (entity.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE tenant_id = ? AND display_number = ?`

	inst, err := scanInstance(r.db.db.QueryRowContext(ctx, query, tenant.String(), int64(n)))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Instance{}, apperr.NotFoundf("instance %s-%d not found", entity.PrefixInstance, n)
	}
	if err != nil {
		r.logger.Error("Failed to get instance by display number", zap.Int64("display_number", int64(n)), zap.Error(err))
		return entity.Instance{}, apperr.Internal(err, "get instance")
	}
	return inst, nil
}

// ListByInitiator returns the user's instances, newest first
func (r *InstanceRepository) ListByInitiator(ctx context.Context, tenant entity.TenantID, initiator entity.UserID, filter port.InstanceFilter) ([]entity.Instance, error) {
	page := filter.Page.Normalize()
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE tenant_id = ? AND initiated_by = ?`
	args := []interface{}{tenant.String(), initiator.String()}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY display_number DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list instances", zap.String("initiator", initiator.String()), zap.Error(err))
		return nil, apperr.Internal(err, "list instances")
	}
	defer rows.Close()

	var out []entity.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan instance")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "list instances")
	}
	return out, nil
}

// CountByInitiator counts the user's instances in status
func (r *InstanceRepository) CountByInitiator(ctx context.Context, tenant entity.TenantID, initiator entity.UserID, status workflow.InstanceStatus) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_instances WHERE tenant_id = ? AND initiated_by = ? AND status = ?`

	var n int
	err := r.db.db.QueryRowContext(ctx, query, tenant.String(), initiator.String(), string(status)).Scan(&n)
	if err != nil {
		r.logger.Error("Failed to count instances", zap.String("initiator", initiator.String()), zap.Error(err))
		return 0, apperr.Internal(err, "count instances")
	}
	return n, nil
}

func scanInstance(row rowScanner) (entity.Instance, error) {
	var (
		id, tenant, definition, initiator uuid.UUID
		definitionVersion, version        int32
		displayNumber                     int64
		title, formData, status           string
		currentStep                       uuid.NullUUID
		submittedAt, completedAt          sql.NullTime
		createdAt, updatedAt              time.Time
	)
	if err := row.Scan(&id, &tenant, &definition, &definitionVersion, &displayNumber, &title,
		&formData, &status, &version, &currentStep, &initiator, &submittedAt,
		&completedAt, &createdAt, &updatedAt); err != nil {
		return entity.Instance{}, err
	}

	var current *entity.StepID
	if currentStep.Valid {
		sid := entity.StepID(currentStep.UUID)
		current = &sid
	}

	return entity.RestoreInstance(entity.InstanceSnapshot{
		ID:                entity.InstanceID(id),
		TenantID:          entity.TenantID(tenant),
		DefinitionID:      entity.DefinitionID(definition),
		DefinitionVersion: entity.Version(definitionVersion),
		DisplayNumber:     entity.DisplayNumber(displayNumber),
		Title:             title,
		FormData:          []byte(formData),
		Status:            workflow.InstanceStatus(status),
		Version:           entity.Version(version),
		CurrentStepID:     current,
		InitiatedBy:       entity.UserID(initiator),
		SubmittedAt:       timePtr(submittedAt),
		CompletedAt:       timePtr(completedAt),
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	})
}

func nullStepID(id *entity.StepID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ port.InstanceRepository = (*InstanceRepository)(nil)
