package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"
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
	return &CommentRepository{
		db:     db,
		logger: db.logger,
	}
}

// Insert stores a new comment
func (r *CommentRepository) Insert(ctx context.Context, tx port.UnitOfWork, comment entity.Comment) error {
	c := comment.Snapshot()
	exec, err := r.db.writable(tx, c.TenantID)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_comments (` + commentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = exec.ExecContext(ctx, query,
		c.ID.String(), c.TenantID.String(), c.InstanceID.String(), c.PostedBy.String(),
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
		WHERE tenant_id = ? AND instance_id = ? ORDER BY created_at, id`

	rows, err := r.db.db.QueryContext(ctx, query, tenant.String(), instance.String())
	if err != nil {
		r.logger.Error("Failed to list comments", zap.String("instance_id", instance.String()), zap.Error(err))
		return nil, apperr.Internal(err, "list comments")
	}
	defer rows.Close()

	var comments []entity.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, apperr.Internal(err, "scan comment")
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "list comments")
	}
	return comments, nil
}

func scanComment(row rowScanner) (entity.Comment, error) {
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
