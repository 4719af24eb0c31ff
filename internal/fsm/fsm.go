// ABOUTME: Tagged state plus an explicit transition table, checked on every mutation
// ABOUTME: Shared by conversations, stream chains, questions and responses

// Package fsm holds the small state machine used by every stateful protocol
// object. A Machine knows its current state and a table of legal
// transitions; moving outside the table or calling an operation from the
// wrong state yields an error instead of silently corrupting the object.
package fsm

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrIllegalTransition is returned when the table has no edge to the
	// requested state.
	ErrIllegalTransition = errors.New("fsm: illegal transition")
	// ErrWrongState is returned when an operation is invoked from a state
	// in which it is not allowed.
	ErrWrongState = errors.New("fsm: operation not allowed in current state")
)

// Table lists the states reachable from each state. States without an
// entry are terminal.
type Table[S ~string] map[S][]S

// Machine is a tagged state guarded by a transition table. It is not safe
// for concurrent use.
type Machine[S ~string] struct {
	name  string
	state S
	table Table[S]
}

// New creates a machine named name (used in error messages) in the initial
// state.
func New[S ~string](name string, initial S, table Table[S]) *Machine[S] {
	return &Machine[S]{name: name, state: initial, table: table}
}

// State returns the current state.
func (m *Machine[S]) State() S {
	return m.state
}

// Is reports whether the current state is one of states.
func (m *Machine[S]) Is(states ...S) bool {
	return slices.Contains(states, m.state)
}

// Terminal reports whether no transition leaves the current state.
func (m *Machine[S]) Terminal() bool {
	return len(m.table[m.state]) == 0
}

// Can reports whether next is reachable from the current state.
func (m *Machine[S]) Can(next S) bool {
	return slices.Contains(m.table[m.state], next)
}

// To moves to next if the table allows it.
func (m *Machine[S]) To(next S) error {
	if !m.Can(next) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, m.name, m.state, next)
	}
	m.state = next
	return nil
}

// Guard fails with ErrWrongState unless the machine is in one of allowed.
// op names the rejected operation.
func (m *Machine[S]) Guard(op string, allowed ...S) error {
	if m.Is(allowed...) {
		return nil
	}
	return fmt.Errorf("%w: %s.%s in state %s", ErrWrongState, m.name, op, m.state)
}
