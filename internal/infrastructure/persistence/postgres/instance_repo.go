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
	return &InstanceRepository{db: db, logger: db.logger}
}

// Insert stores a new instance
func (r *InstanceRepository) Insert(ctx context.Context, tx port.UnitOfWork, inst entity.Instance) error {
	s := inst.Snapshot()
	q, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = q.Exec(ctx, query,
		s.ID.UUID(), s.TenantID.UUID(), s.DefinitionID.UUID(), int32(s.DefinitionVersion),
		int64(s.DisplayNumber), s.Title, []byte(s.FormData), string(s.Status), int32(s.Version),
		stepUUID(s.CurrentStepID), s.InitiatedBy.UUID(), s.SubmittedAt, s.CompletedAt,
		s.CreatedAt, s.UpdatedAt,
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
	q, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_instances
		SET title = $1, form_data = $2, status = $3, version = $4, current_step_id = $5,
			submitted_at = $6, completed_at = $7, updated_at = $8
		WHERE tenant_id = $9 AND id = $10 AND version = $11
	`
	tag, err := q.Exec(ctx, query,
		s.Title, []byte(s.FormData), string(s.Status), int32(s.Version), stepUUID(s.CurrentStepID),
		s.SubmittedAt, s.CompletedAt, s.UpdatedAt,
		s.TenantID.UUID(), s.ID.UUID(), int32(expected),
	)
	if err != nil {
		r.logger.Error("Failed to update instance", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "update instance")
	}
	return checkAffected(tag, "instance", s.ID.String(), expected)
}

// FindByID retrieves an instance of the tenant
func (r *InstanceRepository) FindByID(ctx context.Context, tenant entity.TenantID, id entity.InstanceID) (entity.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE tenant_id = $1 AND id = $2`

	inst, err := r.one(ctx, tenant, query, tenant.UUID(), id.UUID())
	if errors.Is(err, pgx.ErrNoRows) {
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
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE tenant_id = $1 AND display_number = $2`

	inst, err := r.one(ctx, tenant, query, tenant.UUID(), int64(n))
	if errors.Is(err, pgx.ErrNoRows) {
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
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE tenant_id = $1 AND initiated_by = $2 AND ($3::text IS NULL OR status = $3)
		ORDER BY display_number DESC LIMIT $4 OFFSET $5`

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	var out []entity.Instance
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, tenant.UUID(), initiator.UUID(), status, page.Limit, page.Offset)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Instance, error) {
			return scanInstance(row)
		})
		return err
	})
	if err != nil {
		r.logger.Error("Failed to list instances", zap.String("initiator", initiator.String()), zap.Error(err))
		return nil, apperr.Internal(err, "list instances")
	}
	return out, nil
}

// CountByInitiator counts the user's instances in status
func (r *InstanceRepository) CountByInitiator(ctx context.Context, tenant entity.TenantID, initiator entity.UserID, status workflow.InstanceStatus) (int, error) {
	query := `SELECT COUNT(*) FROM workflow_instances WHERE tenant_id = $1 AND initiated_by = $2 AND status = $3`

	var n int
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, query, tenant.UUID(), initiator.UUID(), string(status)).Scan(&n)
	})
	if err != nil {
		r.logger.Error("Failed to count instances", zap.String("initiator", initiator.String()), zap.Error(err))
		return 0, apperr.Internal(err, "count instances")
	}
	return n, nil
}

func (r *InstanceRepository) one(ctx context.Context, tenant entity.TenantID, query string, args ...any) (entity.Instance, error) {
	var inst entity.Instance
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		var err error
		inst, err = scanInstance(tx.QueryRow(ctx, query, args...))
		return err
	})
	return inst, err
}

func scanInstance(row pgx.Row) (entity.Instance, error) {
	var (
		id, tenant, definition, initiator uuid.UUID
		definitionVersion, version        int32
		displayNumber                     int64
		title, status                     string
		formData                          []byte
		currentStep                       *uuid.UUID
		submittedAt, completedAt          *time.Time
		createdAt, updatedAt              time.Time
	)
	if err := row.Scan(&id, &tenant, &definition, &definitionVersion, &displayNumber, &title,
		&formData, &status, &version, &currentStep, &initiator, &submittedAt,
		&completedAt, &createdAt, &updatedAt); err != nil {
		return entity.Instance{}, err
	}

	var current *entity.StepID
	if currentStep != nil {
		sid := entity.StepID(*currentStep)
		current = &sid
	}

	return entity.RestoreInstance(entity.InstanceSnapshot{
		ID:                entity.InstanceID(id),
		TenantID:          entity.TenantID(tenant),
		DefinitionID:      entity.DefinitionID(definition),
		DefinitionVersion: entity.Version(definitionVersion),
		DisplayNumber:     entity.DisplayNumber(displayNumber),
		Title:             title,
		FormData:          formData,
		Status:            workflow.InstanceStatus(status),
		Version:           entity.Version(version),
		CurrentStepID:     current,
		InitiatedBy:       entity.UserID(initiator),
		SubmittedAt:       submittedAt,
		CompletedAt:       completedAt,
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	})
}

func stepUUID(id *entity.StepID) *uuid.UUID {
	if id == nil {
		return nil
	}
	u := id.UUID()
	return &u
}

var _ port.InstanceRepository = (*InstanceRepository)(nil)
