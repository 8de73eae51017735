package workflow

import "errors"

var (
	// ErrInvalidTransition is returned when a trigger is not permitted from the current status
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState is returned when a status value is unknown
	ErrInvalidState = errors.New("invalid state")
)
