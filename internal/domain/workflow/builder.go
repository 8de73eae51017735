package workflow

import (
	"fmt"
	"sort"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
)

// Status is satisfied by the status enums of every entity
type Status interface {
	~string
	IsValid() bool
}

// TableBuilder builds an immutable transition table
type TableBuilder[S Status] interface {
	// Configure returns a state configuration for the given state
	Configure(state S) StateConfiguration[S]

	// Build freezes the configured transitions into a table
	Build() *Table[S]
}

// StateConfiguration configures transitions leaving a specific state
type StateConfiguration[S Status] interface {
	// Permit allows a trigger to transition to the target state
	Permit(trigger Trigger, toState S) StateConfiguration[S]
}

type stateConfig[S Status] struct {
	transitions map[Trigger]S
}

type tableBuilder[S Status] struct {
	subject        string
	configurations map[S]*stateConfig[S]
}

// NewBuilder creates a table builder. subject names the entity in rejection messages.
func NewBuilder[S Status](subject string) TableBuilder[S] {
	return &tableBuilder[S]{
		subject:        subject,
		configurations: make(map[S]*stateConfig[S]),
	}
}

// Configure returns a state configuration for the given state
func (b *tableBuilder[S]) Configure(state S) StateConfiguration[S] {
	if !state.IsValid() {
		panic(fmt.Sprintf("invalid state: %s", string(state)))
	}

	config, exists := b.configurations[state]
	if !exists {
		config = &stateConfig[S]{transitions: make(map[Trigger]S)}
		b.configurations[state] = config
	}

	return config
}

// Build freezes the configured transitions into a table
func (b *tableBuilder[S]) Build() *Table[S] {
	transitions := make(map[S]map[Trigger]S, len(b.configurations))
	for state, config := range b.configurations {
		copied := make(map[Trigger]S, len(config.transitions))
		for trigger, to := range config.transitions {
			copied[trigger] = to
		}
		transitions[state] = copied
	}

	return &Table[S]{subject: b.subject, transitions: transitions}
}

// Permit allows a trigger to transition to the target state
func (c *stateConfig[S]) Permit(trigger Trigger, toState S) StateConfiguration[S] {
	if !toState.IsValid() {
		panic(fmt.Sprintf("invalid target state: %s", string(toState)))
	}
	if _, exists := c.transitions[trigger]; exists {
		panic(fmt.Sprintf("trigger %s already permitted", trigger))
	}

	c.transitions[trigger] = toState
	return c
}

// Table is a read-only transition table shared by every value of an entity
type Table[S Status] struct {
	subject     string
	transitions map[S]map[Trigger]S
}

// Fire returns the state reached by firing trigger from state, or a validation
// error wrapping ErrInvalidTransition.
func (t *Table[S]) Fire(from S, trigger Trigger) (S, error) {
	if !from.IsValid() {
		return from, apperr.Validationf("%w: %s status %q", ErrInvalidState, t.subject, string(from))
	}

	to, ok := t.transitions[from][trigger]
	if !ok {
		return from, apperr.Validationf("%w: cannot %s a %s in status %s",
			ErrInvalidTransition, trigger, t.subject, string(from))
	}

	return to, nil
}

// CanFire returns true if the trigger is permitted from the state
func (t *Table[S]) CanFire(from S, trigger Trigger) bool {
	_, ok := t.transitions[from][trigger]
	return ok
}

// PermittedTriggers returns the triggers permitted from the state, sorted by name
func (t *Table[S]) PermittedTriggers(from S) []Trigger {
	triggers := make([]Trigger, 0, len(t.transitions[from]))
	for trigger := range t.transitions[from] {
		triggers = append(triggers, trigger)
	}

	sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })
	return triggers
}
