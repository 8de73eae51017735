package port

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/workflow"
)

// Every repository follows the same rules:
//   - reads take the tenant explicitly and return apperr NotFound for rows that
//     are absent or belong to another tenant
//   - writes take the UnitOfWork and refuse entities whose tenant differs from it
//   - UpdateWithVersionCheck returns apperr Conflict when zero rows match the
//     expected version; unique violations on insert are Conflict as well
//   - driver failures are wrapped once with apperr.Internal

// DefinitionRepository defines persistence operations for workflow definitions
type DefinitionRepository interface {
	Insert(ctx context.Context, tx UnitOfWork, def entity.Definition) error
	UpdateWithVersionCheck(ctx context.Context, tx UnitOfWork, def entity.Definition, expected entity.Version) error
	// Delete removes a Draft definition at the expected version
	Delete(ctx context.Context, tx UnitOfWork, id entity.DefinitionID, expected entity.Version) error
	FindByID(ctx context.Context, tenant entity.TenantID, id entity.DefinitionID) (entity.Definition, error)
	List(ctx context.Context, tenant entity.TenantID, filter DefinitionFilter) ([]entity.Definition, error)
}

// InstanceRepository defines persistence operations for workflow instances
type InstanceRepository interface {
	Insert(ctx context.Context, tx UnitOfWork, inst entity.Instance) error
	UpdateWithVersionCheck(ctx context.Context, tx UnitOfWork, inst entity.Instance, expected entity.Version) error
	FindByID(ctx context.Context, tenant entity.TenantID, id entity.InstanceID) (entity.Instance, error)
	FindByDisplayNumber(ctx context.Context, tenant entity.TenantID, n entity.DisplayNumber) (entity.Instance, error)
	ListByInitiator(ctx context.Context, tenant entity.TenantID, initiator entity.UserID, filter InstanceFilter) ([]entity.Instance, error)
	CountByInitiator(ctx context.Context, tenant entity.TenantID, initiator entity.UserID, status workflow.InstanceStatus) (int, error)
}

// StepRepository defines persistence operations for workflow steps
type StepRepository interface {
	Insert(ctx context.Context, tx UnitOfWork, step entity.Step) error
	UpdateWithVersionCheck(ctx context.Context, tx UnitOfWork, step entity.Step, expected entity.Version) error
	FindByID(ctx context.Context, tenant entity.TenantID, id entity.StepID) (entity.Step, error)
	// FindByInstance returns the instance's steps ordered by display number
	FindByInstance(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID) ([]entity.Step, error)
	FindByDisplayNumber(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID, n entity.DisplayNumber) (entity.Step, error)
	// FindActiveByAssignee returns the Active steps awaiting the user's decision
	FindActiveByAssignee(ctx context.Context, tenant entity.TenantID, assignee entity.UserID, page Page) ([]entity.Step, error)
	CountActiveByAssignee(ctx context.Context, tenant entity.TenantID, assignee entity.UserID) (int, error)
	// CountCompletedByAssignee counts the user's decisions made at or after since
	CountCompletedByAssignee(ctx context.Context, tenant entity.TenantID, assignee entity.UserID, since time.Time) (int, error)
}

// CommentRepository defines persistence operations for instance comments
type CommentRepository interface {
	Insert(ctx context.Context, tx UnitOfWork, c entity.Comment) error
	// FindByInstance returns the instance's comments oldest first
	FindByInstance(ctx context.Context, tenant entity.TenantID, instance entity.InstanceID) ([]entity.Comment, error)
}

// SequenceAllocator hands out display numbers inside a unit of work, so a
// rollback returns them
type SequenceAllocator interface {
	Next(ctx context.Context, tx UnitOfWork, kind entity.SequenceKind, scope uuid.UUID) (entity.DisplayNumber, error)
	// NextRange reserves n contiguous numbers and returns the first one
	NextRange(ctx context.Context, tx UnitOfWork, kind entity.SequenceKind, scope uuid.UUID, n int) (entity.DisplayNumber, error)
}

// Repositories bundles one backend's implementations of every port
type Repositories struct {
	Tx          TransactionManager
	Definitions DefinitionRepository
	Instances   InstanceRepository
	Steps       StepRepository
	Sequences   SequenceAllocator
	Comments    CommentRepository
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page bounds a list query
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum page size
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// DefinitionFilter narrows a definition listing
type DefinitionFilter struct {
	Status *workflow.DefinitionStatus
	Page   Page
}

// InstanceFilter narrows an instance listing
type InstanceFilter struct {
	Status *workflow.InstanceStatus
	Page   Page
}
