package workflow

// InstanceStatus represents the lifecycle status of a workflow instance
type InstanceStatus string

const (
	InstanceDraft            InstanceStatus = "draft"
	InstancePending          InstanceStatus = "pending"
	InstanceInProgress       InstanceStatus = "in_progress"
	InstanceApproved         InstanceStatus = "approved"
	InstanceRejected         InstanceStatus = "rejected"
	InstanceChangesRequested InstanceStatus = "changes_requested"
	InstanceCancelled        InstanceStatus = "cancelled"
)

var validInstanceStatuses = map[InstanceStatus]bool{
	InstanceDraft:            true,
	InstancePending:          true,
	InstanceInProgress:       true,
	InstanceApproved:         true,
	InstanceRejected:         true,
	InstanceChangesRequested: true,
	InstanceCancelled:        true,
}

var terminalInstanceStatuses = map[InstanceStatus]bool{
	InstanceApproved:  true,
	InstanceRejected:  true,
	InstanceCancelled: true,
}

// IsTerminal returns true if no further transition is defined from the status
func (s InstanceStatus) IsTerminal() bool {
	return terminalInstanceStatuses[s]
}

// IsValid returns true if the status is a known instance status
func (s InstanceStatus) IsValid() bool {
	return validInstanceStatuses[s]
}

// String returns the string representation of the status
func (s InstanceStatus) String() string {
	return string(s)
}

// StepStatus represents the status of one step in an approval chain
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
)

var validStepStatuses = map[StepStatus]bool{
	StepPending:   true,
	StepActive:    true,
	StepCompleted: true,
	StepSkipped:   true,
}

// IsValid returns true if the status is a known step status
func (s StepStatus) IsValid() bool {
	return validStepStatuses[s]
}

// IsOpen returns true while the step can still receive a decision or be skipped
func (s StepStatus) IsOpen() bool {
	return s == StepPending || s == StepActive
}

func (s StepStatus) String() string {
	return string(s)
}

// DefinitionStatus represents the publication status of a workflow definition
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "draft"
	DefinitionPublished DefinitionStatus = "published"
	DefinitionArchived  DefinitionStatus = "archived"
)

var validDefinitionStatuses = map[DefinitionStatus]bool{
	DefinitionDraft:     true,
	DefinitionPublished: true,
	DefinitionArchived:  true,
}

// IsValid returns true if the status is a known definition status
func (s DefinitionStatus) IsValid() bool {
	return validDefinitionStatuses[s]
}

func (s DefinitionStatus) String() string {
	return string(s)
}

// Decision is the outcome recorded on a completed step
type Decision string

const (
	DecisionApproved       Decision = "approved"
	DecisionRejected       Decision = "rejected"
	DecisionRequestChanges Decision = "request_changes"
)

// IsValid returns true if the decision is a known outcome
func (d Decision) IsValid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionRequestChanges:
		return true
	default:
		return false
	}
}

// IsTerminating returns true if the decision closes the instance's current round
func (d Decision) IsTerminating() bool {
	return d == DecisionRejected || d == DecisionRequestChanges
}

func (d Decision) String() string {
	return string(d)
}
