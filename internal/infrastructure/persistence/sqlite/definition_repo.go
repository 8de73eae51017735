package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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
	return &DefinitionRepository{
		db:     db,
		logger: db.logger,
	}
}

// Insert stores a new definition
func (r *DefinitionRepository) Insert(ctx context.Context, tx port.UnitOfWork, def entity.Definition) error {
	s := def.Snapshot()
	exec, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(s.Body)
	if err != nil {
		return apperr.Internal(err, "encode definition body")
	}

	query := `INSERT INTO workflow_definitions (` + definitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = exec.ExecContext(ctx, query,
		s.ID.String(), s.TenantID.String(), int64(s.DisplayNumber), s.Name, s.Description,
		string(body), string(s.Status), int32(s.Version), s.CreatedBy.String(),
		s.CreatedAt, s.UpdatedAt,
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
	exec, err := r.db.writable(tx, s.TenantID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(s.Body)
	if err != nil {
		return apperr.Internal(err, "encode definition body")
	}

	query := `
		UPDATE workflow_definitions
		SET name = ?, description = ?, body = ?, status = ?, version = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`
	result, err := exec.ExecContext(ctx, query,
		s.Name, s.Description, string(body), string(s.Status), int32(s.Version), s.UpdatedAt,
		s.TenantID.String(), s.ID.String(), int32(expected),
	)
	if err != nil {
		r.logger.Error("Failed to update definition", zap.String("id", s.ID.String()), zap.Error(err))
		return classify(err, "update definition")
	}
	return checkAffected(result, "definition", s.ID.String(), expected)
}

// Delete removes a Draft definition at the expected version
func (r *DefinitionRepository) Delete(ctx context.Context, tx port.UnitOfWork, id entity.DefinitionID, expected entity.Version) error {
	u, err := r.db.unwrap(tx)
	if err != nil {
		return err
	}

	query := `
		DELETE FROM workflow_definitions
		WHERE tenant_id = ? AND id = ? AND version = ? AND status = ?
	`
	result, err := u.tx.ExecContext(ctx, query,
		u.tenant.String(), id.String(), int32(expected), string(workflow.DefinitionDraft))
	if err != nil {
		r.logger.Error("Failed to delete definition", zap.String("id", id.String()), zap.Error(err))
		return classify(err, "delete definition")
	}
	return checkAffected(result, "definition", id.String(), expected)
}

// FindByID retrieves a definition of the tenant
func (r *DefinitionRepository) FindByID(ctx context.Context, tenant entity.TenantID, id entity.DefinitionID) (entity.Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tenant_id = ? AND id = ?`

	def, err := scanDefinition(r.db.db.QueryRowContext(ctx, query, tenant.String(), id.String()))
	if errors.Is(err, sql.ErrNoRows) {
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
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tenant_id = ?`
	args := []interface{}{tenant.String()}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY display_number DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list definitions", zap.String("tenant_id", tenant.String()), zap.Error(err))
		return nil, apperr.Internal(err, "list definitions")
	}
	defer rows.Close()

	var defs []entity.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan definition")
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "list definitions")
	}
	return defs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDefinition(row rowScanner) (entity.Definition, error) {
	var (
		id, tenant, createdBy uuid.UUID
		displayNumber         int64
		name, description     string
		body, status          string
		version               int32
		createdAt, updatedAt  time.Time
	)
	if err := row.Scan(&id, &tenant, &displayNumber, &name, &description, &body, &status,
		&version, &createdBy, &createdAt, &updatedAt); err != nil {
		return entity.Definition{}, err
	}

	var decoded entity.DefinitionBody
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
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
func checkAffected(result sql.Result, kind, id string, expected entity.Version) error {
	n, err := result.RowsAffected()
	if err != nil {
		return apperr.Internal(err, "rows affected")
	}
	if n == 0 {
		return apperr.Conflictf("%s %s was modified concurrently or does not match version %d", kind, id, expected)
	}
	return nil
}

var _ port.DefinitionRepository = (*DefinitionRepository)(nil)
