// Package phase implements the per-session job phase state machine. A Machine
// owns the current phase and applies the transition-legality table atomically.
package phase

import (
	"errors"
	"fmt"
	"sync"
)

// Phase is a step in a session's required command ordering. The numeric value
// is the phase rank and indexes the transition table.
type Phase int

const (
	NotInitialized Phase = iota
	PrepareStart
	PrepareFinish
	LinkingStart
	LinkingFinish
	SessionStart
	SessionFinish
)

var names = [...]string{
	NotInitialized: "NOT_INITIALIZED",
	PrepareStart:   "PREPARE_START",
	PrepareFinish:  "PREPARE_FINISH",
	LinkingStart:   "LINKING_START",
	LinkingFinish:  "LINKING_FINISH",
	SessionStart:   "SESSION_START",
	SessionFinish:  "SESSION_FINISH",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(names) {
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
	return names[p]
}

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool { return p == SessionFinish }

// All lists every phase in rank order.
func All() []Phase {
	return []Phase{NotInitialized, PrepareStart, PrepareFinish, LinkingStart, LinkingFinish, SessionStart, SessionFinish}
}

// allowed is indexed by target phase and lists the phases it may be entered
// from. NotInitialized is only ever the starting phase.
var allowed = [...][]Phase{
	NotInitialized: nil,
	PrepareStart:   {NotInitialized, PrepareStart, PrepareFinish},
	PrepareFinish:  {PrepareStart},
	LinkingStart:   {PrepareFinish},
	LinkingFinish:  {LinkingStart},
	SessionStart:   {PrepareFinish, LinkingFinish},
	SessionFinish:  {SessionStart},
}

// Allowed reports whether a session at phase from may enter phase to.
func Allowed(from, to Phase) bool {
	if to < 0 || int(to) >= len(allowed) {
		return false
	}
	for _, p := range allowed[to] {
		if p == from {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a requested phase may not be entered
// from the current one.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError describes a rejected transition. It matches
// ErrInvalidTransition via errors.Is.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Machine holds one session's phase. It is safe for concurrent use; every
// check-and-set happens under its lock.
type Machine struct {
	mu    sync.Mutex
	phase Phase
}

// NewMachine returns a machine at NotInitialized.
func NewMachine() *Machine {
	return &Machine{phase: NotInitialized}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Advance enters phase to if the transition table allows it from the current
// phase, returning the phase that was left. On rejection the phase is
// unchanged and a *TransitionError is returned.
func (m *Machine) Advance(to Phase) (Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.phase
	if !Allowed(from, to) {
		return from, &TransitionError{From: from, To: to}
	}
	m.phase = to
	return from, nil
}

// Restore puts the machine back to prev if it is still at expect. It is used
// to roll back an attempt that failed before completing, and reports whether
// the rollback happened.
func (m *Machine) Restore(expect, prev Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != expect {
		return false
	}
	m.phase = prev
	return true
}
