// Package fsm is a small table-driven finite state machine.
//
// States are identified by a closed integer enumeration and are used only as
// indexes into a table sized to the number of variants. Each slot holds one
// Handler which receives enter, event and leave calls. Events are routed to
// the current state only, never broadcast.
//
// A Machine is not safe for concurrent use. Callers serialize access, usually
// by running every call on a single worker goroutine.
package fsm

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/bracketcam/internal/debug"
)

var (
	ErrDuplicateState = errors.New("fsm: state already registered")
	ErrInvalidStateID = errors.New("fsm: state id out of range")
	ErrUnknownState   = errors.New("fsm: no handler registered for state")
	ErrNoCurrentState = errors.New("fsm: no current state")
)

// Handler reacts to the lifecycle of one state. Embed Base to get no-op
// defaults and implement only the hooks a state needs.
type Handler[S ~int, E any] interface {
	OnEnter(m *Machine[S, E])
	OnEvent(m *Machine[S, E], event E)
	OnLeave(m *Machine[S, E])
}

// Base implements every Handler hook as a no-op.
type Base[S ~int, E any] struct{}

func (Base[S, E]) OnEnter(*Machine[S, E])    {}
func (Base[S, E]) OnEvent(*Machine[S, E], E) {}
func (Base[S, E]) OnLeave(*Machine[S, E])    {}

// Machine owns the handler table and tracks the current state.
type Machine[S ~int, E any] struct {
	table   []Handler[S, E]
	current S
	active  bool
	gen     uint64 // bumped on every enter

	// leaving is set while the OnLeave hook of the state entered at
	// leavingGen runs, so a transition requested from that hook does not
	// leave the same state twice.
	leaving    bool
	leavingGen uint64

	// dispatching counts nested OnEvent calls; transitions requested while
	// it is non-zero are queued in pending and run once the outermost
	// OnEvent returns.
	dispatching int
	pending     []S
}

// New returns a machine whose table holds size states, identified 0..size-1.
func New[S ~int, E any](size int) *Machine[S, E] {
	if size < 0 {
		size = 0
	}
	return &Machine[S, E]{table: make([]Handler[S, E], size)}
}

func (m *Machine[S, E]) inRange(id S) bool {
	return int(id) >= 0 && int(id) < len(m.table)
}

// Register binds h to id. Each id can be registered once.
func (m *Machine[S, E]) Register(id S, h Handler[S, E]) error {
	if !m.inRange(id) {
		return fmt.Errorf("%w: %v", ErrInvalidStateID, id)
	}
	if h == nil {
		return fmt.Errorf("fsm: nil handler for state %v", id)
	}
	if m.table[id] != nil {
		return fmt.Errorf("%w: %v", ErrDuplicateState, id)
	}
	m.table[id] = h
	return nil
}

// Transition leaves the current state (if any) and enters id. Hooks may call
// Transition again; such chains complete depth-first before Transition
// returns. Transitions requested from inside OnEvent are deferred until the
// event hook has returned.
func (m *Machine[S, E]) Transition(id S) error {
	if !m.inRange(id) || m.table[id] == nil {
		return fmt.Errorf("%w: %v", ErrUnknownState, id)
	}
	if m.dispatching > 0 {
		debug.Trace("fsm: deferring transition to %v until event hook returns", id)
		m.pending = append(m.pending, id)
		return nil
	}
	m.switchTo(id)
	return nil
}

func (m *Machine[S, E]) switchTo(id S) {
	from := "<none>"
	for m.active {
		if m.leaving && m.leavingGen == m.gen {
			break
		}
		cur, gen := m.current, m.gen
		from = fmt.Sprint(cur)
		prevLeaving, prevGen := m.leaving, m.leavingGen
		m.leaving, m.leavingGen = true, gen
		debug.Trace("fsm: leave %v", cur)
		m.table[cur].OnLeave(m)
		m.leaving, m.leavingGen = prevLeaving, prevGen
		if m.gen == gen {
			break
		}
		// OnLeave moved the machine elsewhere; leave that state too
		// before entering id.
	}
	if debug.IsEnabled(debug.LevelLive) {
		debug.State(from, fmt.Sprint(id))
	}
	m.current = id
	m.active = true
	m.gen++
	debug.Trace("fsm: enter %v", id)
	m.table[id].OnEnter(m)
}

// Dispatch delivers event to the current state's OnEvent hook.
func (m *Machine[S, E]) Dispatch(event E) error {
	if !m.active {
		return ErrNoCurrentState
	}
	h := m.table[m.current]
	debug.Trace("fsm: event %T -> %v", event, m.current)

	m.dispatching++
	h.OnEvent(m, event)
	m.dispatching--

	if m.dispatching == 0 {
		for len(m.pending) > 0 {
			next := m.pending[0]
			m.pending = m.pending[1:]
			m.switchTo(next)
		}
	}
	return nil
}

// Current returns the current state.
func (m *Machine[S, E]) Current() (S, error) {
	if !m.active {
		var zero S
		return zero, ErrNoCurrentState
	}
	return m.current, nil
}

// IsIn reports whether id is the current state. With no current state it
// matches nothing.
func (m *Machine[S, E]) IsIn(id S) bool {
	return m.active && m.current == id
}

// IsNotIn is the negation of IsIn.
func (m *Machine[S, E]) IsNotIn(id S) bool {
	return !m.IsIn(id)
}
