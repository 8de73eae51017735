package workflow

// Trigger represents a verb that can cause a status transition
type Trigger string

const (
	TriggerSubmit         Trigger = "submit"
	TriggerAssign         Trigger = "assign"
	TriggerAdvance        Trigger = "advance"
	TriggerApprove        Trigger = "approve"
	TriggerReject         Trigger = "reject"
	TriggerRequestChanges Trigger = "request_changes"
	TriggerResubmit       Trigger = "resubmit"
	TriggerCancel         Trigger = "cancel"

	TriggerActivate Trigger = "activate"
	TriggerSkip     Trigger = "skip"
	TriggerWithdraw Trigger = "withdraw"

	TriggerRevise  Trigger = "revise"
	TriggerPublish Trigger = "publish"
	TriggerArchive Trigger = "archive"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}

// DecisionTrigger maps a step decision onto the trigger that records it
func DecisionTrigger(d Decision) (Trigger, bool) {
	switch d {
	case DecisionApproved:
		return TriggerApprove, true
	case DecisionRejected:
		return TriggerReject, true
	case DecisionRequestChanges:
		return TriggerRequestChanges, true
	default:
		return "", false
	}
}
