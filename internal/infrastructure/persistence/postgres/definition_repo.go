package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

const definitionColumns = `
	id, tenant_id, display_number, name, description, body, status,
	version, created_by, created_at, updated_at`

// DefinitionRepository implements port.DefinitionRepository
type DefinitionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDefinitionRepository creates a new definition repository
func NewDefinitionRepository(db *DB) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: db.logger}
}

// Insert stores a new definition
func (r *DefinitionRepository) Insert(ctx context.Context, tx port.UnitOfWork, def entity.Definition) error {
	s := def.Snapshot()
	q, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(s.Body)
	if err != nil {
		return apperr.Internal(err, "encode definition body")
	}

	query := `INSERT INTO workflow_definitions (` + definitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = q.Exec(ctx, query,
		s.ID.UUID(), s.TenantID.UUID(), int64(s.DisplayNumber), s.Name, s.Description,
		body, string(s.Status), int32(s.Version), s.CreatedBy.UUID(), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert definition", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "insert definition")
	}
	return nil
}

// UpdateWithVersionCheck writes def if the stored row is still at expected
func (r *DefinitionRepository) UpdateWithVersionCheck(ctx context.Context, tx port.UnitOfWork, def entity.Definition, expected entity.Version) error {
	s := def.Snapshot()
	q, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(s.Body)
	if err != nil {
		return apperr.Internal(err, "encode definition body")
	}

	query := `
		UPDATE workflow_definitions
		SET name = $1, description = $2, body = $3, status = $4, version = $5, updated_at = $6
		WHERE tenant_id = $7 AND id = $8 AND version = $9
	`
	tag, err := q.Exec(ctx, query,
		s.Name, s.Description, body, string(s.Status), int32(s.Version), s.UpdatedAt,
		s.TenantID.UUID(), s.ID.UUID(), int32(expected),
	)
	if err != nil {
		r.logger.Error("Failed to update definition", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "update definition")
	}
	return checkAffected(tag, "definition", s.ID.String(), expected)
}

// Delete removes a Draft definition at the expected version
func (r *DefinitionRepository) Delete(ctx context.Context, tx port.UnitOfWork, id entity.DefinitionID, expected entity.Version) error {
	u, err := r.db.unwrap(tx)
	if err != nil {
		return err
	}

	query := `
		DELETE FROM workflow_definitions
		WHERE tenant_id = $1 AND id = $2 AND version = $3 AND status = $4
	`
	tag, err := u.tx.Exec(ctx, query, u.tenant.UUID(), id.UUID(), int32(expected), string(workflow.DefinitionDraft))
	if err != nil {
		r.logger.Error("Failed to delete definition", zap.String("id", id.String()), zap.Error(err))
		return classify(err, "delete definition")
	}
	return checkAffected(tag, "definition", id.String(), expected)
}

// FindByID retrieves a definition of the tenant
func (r *DefinitionRepository) FindByID(ctx context.Context, tenant entity.TenantID, id entity.DefinitionID) (entity.Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tenant_id = $1 AND id = $2`

	var def entity.Definition
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		var err error
		def, err = scanDefinition(tx.QueryRow(ctx, query, tenant.UUID(), id.UUID()))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Definition{}, apperr.NotFoundf("definition %s not found", id)
	}
	if err != nil {
		r.logger.Error("Failed to get definition by ID", zap.String("id", id.String()), zap.Error(err))
		return entity.Definition{}, apperr.Internal(err, "get definition")
	}
	return def, nil
}

// List returns the tenant's definitions, newest first
func (r *DefinitionRepository) List(ctx context.Context, tenant entity.TenantID, filter port.DefinitionFilter) ([]entity.Definition, error) {
	page := filter.Page.Normalize()
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions
		WHERE tenant_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY display_number DESC LIMIT $3 OFFSET $4`

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	var defs []entity.Definition
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, tenant.UUID(), status, page.Limit, page.Offset)
		if err != nil {
			return err
		}
		defs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Definition, error) {
			return scanDefinition(row)
		})
		return err
	})
	if err != nil {
		r.logger.Error("Failed to list definitions", zap.String("tenant_id", tenant.String()), zap.Error(err))
		return nil, apperr.Internal(err, "list definitions")
	}
	return defs, nil
}

func scanDefinition(row pgx.Row) (entity.Definition, error) {
	var (
		id, tenant, createdBy uuid.UUID
		displayNumber         int64
		name, description     string
		body                  []byte
		status                string
		version               int32
		createdAt, updatedAt  time.Time
	)
	if err := row.Scan(&id, &tenant, &displayNumber, &name, &description, &body, &status,
		&version, &createdBy, &createdAt, &updatedAt); err != nil {
		return entity.Definition{}, err
	}

	var decoded entity.DefinitionBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return entity.Definition{}, fmt.Errorf("%w: definition %s body: %v", entity.ErrCorruptRecord, id, err)
	}

	return entity.RestoreDefinition(entity.DefinitionSnapshot{
		ID:            entity.DefinitionID(id),
		TenantID:      entity.TenantID(tenant),
		DisplayNumber: entity.DisplayNumber(displayNumber),
		Name:          name,
		Description:   description,
		Body:          decoded,
		Status:        workflow.DefinitionStatus(status),
		Version:       entity.Version(version),
		CreatedBy:     entity.UserID(createdBy),
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	})
}

// checkAffected turns a zero-row CAS write into a Conflict
func checkAffected(tag pgconn.CommandTag, kind, id string, expected entity.Version) error {
	if tag.RowsAffected() == 0 {
		return apperr.Conflictf("%s %s was modified concurrently or does not match version %d", kind, id, expected)
	}
	return nil
}

var _ port.DefinitionRepository = (*DefinitionRepository)(nil)
