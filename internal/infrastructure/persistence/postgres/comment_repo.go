package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
)

const commentColumns = `id, tenant_id, instance_id, posted_by, body, created_at, updated_at`

// CommentRepository implements port.CommentRepository
type CommentRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCommentRepository creates a new comment repository
func NewCommentRepository(db *DB) *CommentRepository {
	return &CommentRepository{db: db, logger: db.logger}
}

// Insert stores a new comment
func (r *CommentRepository) Insert(ctx context.Context, tx port.UnitOfWork, comment entity.Comment) error {
	c := comment.Snapshot()
	q, err := r.db.writable(tx, c.TenantID)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_comments (` + commentColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = q.Exec(ctx, query,
		c.ID.UUID(), c.TenantID.UUID(), c.InstanceID.UUID(), c.PostedBy.UUID(),
		c.Body, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert comment", zap.String("id", c.ID.String()), zap.Error(err))
		return classify(err, "insert comment")
	}
	return nil
}

// FindByInstance returns the instance's comments, oldest first
func (r *CommentRepository) FindByInstance(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID) ([]entity.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM workflow_comments
		WHERE tenant_id = $1 AND instance_id = $2 ORDER BY created_at, id`

	var comments []entity.Comment
	err := r.db.read(ctx, tenant, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, tenant.UUID(), instance.UUID())
		if err != nil {
			return err
		}
		comments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Comment, error) {
			return scanComment(row)
		})
		return err
	})
	if err != nil {
		r.logger.Error("Failed to list comments", zap.String("instance_id", instance.String()), zap.Error(err))
		return nil, apperr.Internal(err, "list comments")
	}
	return comments, nil
}

func scanComment(row pgx.Row) (entity.Comment, error) {
	var (
		id, tenant, instance, postedBy uuid.UUID
		body                           string
		createdAt, updatedAt           time.Time
	)
	if err := row.Scan(&id, &tenant, &instance, &postedBy, &body, &createdAt, &updatedAt); err != nil {
		return entity.Comment{}, err
	}

	return entity.RestoreComment(entity.CommentSnapshot{
		ID:         entity.CommentID(id),
		TenantID:   entity.TenantID(tenant),
		InstanceID: entity.InstanceID(instance),
		PostedBy:   entity.UserID(postedBy),
		Body:       body,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	})
}

var _ port.CommentRepository = (*CommentRepository)(nil)
