package entity

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
)

// MaxCommentLength is the longest comment body accepted, in characters
const MaxCommentLength = 2000

// Comment is a free-text note posted on an instance by one of its participants
type Comment struct {
	id         CommentID
	tenantID   TenantID
	instanceID InstanceID
	postedBy   UserID
	body       string
	createdAt  time.Time
	updatedAt  time.Time
}

// NewComment creates a comment on inst. Whether the author may post is
// decided by the caller.
func NewComment(inst Instance, postedBy UserID, body string, now time.Time) (Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Comment{}, apperr.Validationf("comment body is required")
	}
	if n := utf8.RuneCountInString(body); n > MaxCommentLength {
		return Comment{}, apperr.Validationf("comment body has %d characters, the limit is %d", n, MaxCommentLength)
	}
	if postedBy.IsZero() {
		return Comment{}, apperr.Validationf("comment requires an author")
	}

	now = stamp(now)
	return Comment{
		id:         NewCommentID(),
		tenantID:   inst.TenantID(),
		instanceID: inst.ID(),
		postedBy:   postedBy,
		body:       body,
		createdAt:  now,
		updatedAt:  now,
	}, nil
}

func (c Comment) ID() CommentID          { return c.id }
func (c Comment) TenantID() TenantID     { return c.tenantID }
func (c Comment) InstanceID() InstanceID { return c.instanceID }
func (c Comment) PostedBy() UserID       { return c.postedBy }
func (c Comment) Body() string           { return c.body }
func (c Comment) CreatedAt() time.Time   { return c.createdAt }
func (c Comment) UpdatedAt() time.Time   { return c.updatedAt }

// CommentSnapshot is the persisted form of a Comment
type CommentSnapshot struct {
	ID         CommentID
	TenantID   TenantID
	InstanceID InstanceID
	PostedBy   UserID
	Body       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot exposes every field for persistence
func (c Comment) Snapshot() CommentSnapshot {
	return CommentSnapshot{
		ID:         c.id,
		TenantID:   c.tenantID,
		InstanceID: c.instanceID,
		PostedBy:   c.postedBy,
		Body:       c.body,
		CreatedAt:  c.createdAt,
		UpdatedAt:  c.updatedAt,
	}
}

// RestoreComment rebuilds a Comment from storage
func RestoreComment(s CommentSnapshot) (Comment, error) {
	if s.Body == "" {
		return Comment{}, fmt.Errorf("%w: comment %s has an empty body", ErrCorruptRecord, s.ID)
	}

	return Comment{
		id:         s.ID,
		tenantID:   s.TenantID,
		instanceID: s.InstanceID,
		postedBy:   s.PostedBy,
		body:       s.Body,
		createdAt:  stamp(s.CreatedAt),
		updatedAt:  stamp(s.UpdatedAt),
	}, nil
}
