package event

import "strings"

// Type identifies the type of domain event
type Type string

const (
	TypeDefinitionCreated   Type = "definition.created"
	TypeDefinitionRevised   Type = "definition.revised"
	TypeDefinitionPublished Type = "definition.published"
	TypeDefinitionArchived  Type = "definition.archived"
	TypeDefinitionDeleted   Type = "definition.deleted"

	TypeInstanceCreated          Type = "instance.created"
	TypeInstanceSubmitted        Type = "instance.submitted"
	TypeInstanceResubmitted      Type = "instance.resubmitted"
	TypeInstanceAdvanced         Type = "instance.advanced"
	TypeInstanceApproved         Type = "instance.approved"
	TypeInstanceRejected         Type = "instance.rejected"
	TypeInstanceChangesRequested Type = "instance.changes_requested"
	TypeInstanceCancelled        Type = "instance.cancelled"

	TypeStepDecided Type = "step.decided"

	TypeCommentPosted Type = "comment.posted"
)

var validTypes = map[Type]bool{
	TypeDefinitionCreated:        true,
	TypeDefinitionRevised:        true,
	TypeDefinitionPublished:      true,
	TypeDefinitionArchived:       true,
	TypeDefinitionDeleted:        true,
	TypeInstanceCreated:          true,
	TypeInstanceSubmitted:        true,
	TypeInstanceResubmitted:      true,
	TypeInstanceAdvanced:         true,
	TypeInstanceApproved:         true,
	TypeInstanceRejected:         true,
	TypeInstanceChangesRequested: true,
	TypeInstanceCancelled:        true,
	TypeStepDecided:              true,
	TypeCommentPosted:            true,
}

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	return validTypes[t]
}

// AggregateKind returns the entity family the event belongs to
func (t Type) AggregateKind() string {
	kind, _, _ := strings.Cut(string(t), ".")
	return kind
}
