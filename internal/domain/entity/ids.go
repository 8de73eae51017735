package entity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
)

type (
	tenantTag     struct{}
	userTag       struct{}
	definitionTag struct{}
	instanceTag   struct{}
	stepTag       struct{}
	commentTag    struct{}
)

// ID is a UUIDv7 identifier tagged with the kind of entity it names, so a
// StepID can never be passed where an InstanceID is expected.
type ID[T any] uuid.UUID

type (
	TenantID     = ID[tenantTag]
	UserID       = ID[userTag]
	DefinitionID = ID[definitionTag]
	InstanceID   = ID[instanceTag]
	StepID       = ID[stepTag]
	CommentID    = ID[commentTag]
)

func newID[T any]() ID[T] {
	return ID[T](uuid.Must(uuid.NewV7()))
}

func parseID[T any](kind, s string) (ID[T], error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID[T]{}, apperr.Validationf("invalid %s id %q", kind, s)
	}
	return ID[T](u), nil
}

func NewTenantID() TenantID         { return newID[tenantTag]() }
func NewUserID() UserID             { return newID[userTag]() }
func NewDefinitionID() DefinitionID { return newID[definitionTag]() }
func NewInstanceID() InstanceID     { return newID[instanceTag]() }
func NewStepID() StepID             { return newID[stepTag]() }
func NewCommentID() CommentID       { return newID[commentTag]() }

func ParseTenantID(s string) (TenantID, error)         { return parseID[tenantTag]("tenant", s) }
func ParseUserID(s string) (UserID, error)             { return parseID[userTag]("user", s) }
func ParseDefinitionID(s string) (DefinitionID, error) { return parseID[definitionTag]("definition", s) }
func ParseInstanceID(s string) (InstanceID, error)     { return parseID[instanceTag]("instance", s) }
func ParseStepID(s string) (StepID, error)             { return parseID[stepTag]("step", s) }
func ParseCommentID(s string) (CommentID, error)       { return parseID[commentTag]("comment", s) }

// UUID returns the underlying UUID for drivers and wire formats
func (id ID[T]) UUID() uuid.UUID {
	return uuid.UUID(id)
}

// String returns the canonical hyphenated form
func (id ID[T]) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the identifier was never assigned
func (id ID[T]) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText implements encoding.TextMarshaler
func (id ID[T]) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *ID[T]) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return apperr.Validationf("invalid id %q", string(text))
	}
	*id = ID[T](u)
	return nil
}

// Version is the optimistic-lock counter carried by every entity
type Version int32

// InitialVersion is the version of a freshly created entity
const InitialVersion Version = 1

// Next returns the version a transition produces
func (v Version) Next() Version {
	return v + 1
}

// DisplayNumber is a human-readable sequence number, unique per tenant or per instance
type DisplayNumber int64

// IsZero reports whether no number has been allocated yet
func (n DisplayNumber) IsZero() bool {
	return n == 0
}

// Display id prefixes
const (
	PrefixDefinition = "WD"
	PrefixInstance   = "WF"
	PrefixStep       = "STEP"
)

// DisplayID is the human-facing identifier, rendered as {prefix}-{number}
type DisplayID struct {
	Prefix string
	Number DisplayNumber
}

func (d DisplayID) String() string {
	return fmt.Sprintf("%s-%d", d.Prefix, d.Number)
}

// ParseDisplayID parses "WF-42" style identifiers carrying the expected prefix
func ParseDisplayID(prefix, s string) (DisplayID, error) {
	rest, ok := strings.CutPrefix(s, prefix+"-")
	if !ok {
		return DisplayID{}, apperr.Validationf("display id %q must start with %s-", s, prefix)
	}

	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return DisplayID{}, apperr.Validationf("display id %q has an invalid number", s)
	}

	return DisplayID{Prefix: prefix, Number: DisplayNumber(n)}, nil
}

// SequenceKind names a display-number counter
type SequenceKind string

const (
	SequenceDefinition SequenceKind = "workflow_definition"
	SequenceInstance   SequenceKind = "workflow_instance"
	SequenceStep       SequenceKind = "workflow_step"
)

// stamp normalizes caller-supplied timestamps to the precision both stores keep
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func stampPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	s := stamp(*t)
	return &s
}

// ErrCorruptRecord is returned when stored fields violate an entity invariant
var ErrCorruptRecord = errors.New("corrupt record")
