package fsm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState int

const (
	stateA testState = iota
	stateB
	stateC
	stateD
	numTestStates
)

func (s testState) String() string {
	return [...]string{"A", "B", "C", "D"}[s]
}

type testMachine = Machine[testState, string]

// recordingHandler appends every hook call to a shared log and runs optional
// callbacks so tests can trigger re-entrant transitions.
type recordingHandler struct {
	id      testState
	log     *[]string
	onEnter func(m *testMachine)
	onEvent func(m *testMachine, e string)
	onLeave func(m *testMachine)
}

func (h *recordingHandler) OnEnter(m *testMachine) {
	*h.log = append(*h.log, "enter:"+h.id.String())
	if h.onEnter != nil {
		h.onEnter(m)
	}
}

func (h *recordingHandler) OnEvent(m *testMachine, e string) {
	*h.log = append(*h.log, "event:"+h.id.String()+":"+e)
	if h.onEvent != nil {
		h.onEvent(m, e)
	}
}

func (h *recordingHandler) OnLeave(m *testMachine) {
	*h.log = append(*h.log, "leave:"+h.id.String())
	if h.onLeave != nil {
		h.onLeave(m)
	}
}

func newRecordingMachine(t *testing.T) (*testMachine, map[testState]*recordingHandler, *[]string) {
	t.Helper()
	log := &[]string{}
	m := New[testState, string](int(numTestStates))
	handlers := make(map[testState]*recordingHandler)
	for id := stateA; id < numTestStates; id++ {
		h := &recordingHandler{id: id, log: log}
		handlers[id] = h
		require.NoError(t, m.Register(id, h))
	}
	return m, handlers, log
}

func TestCurrentFailsBeforeFirstTransition(t *testing.T) {
	m, _, _ := newRecordingMachine(t)

	_, err := m.Current()
	require.ErrorIs(t, err, ErrNoCurrentState)

	require.NoError(t, m.Transition(stateC))
	cur, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, stateC, cur)
}

func TestRegisterOrderIndependent(t *testing.T) {
	log := &[]string{}
	m := New[testState, string](int(numTestStates))
	for _, id := range []testState{stateD, stateA, stateC, stateB} {
		require.NoError(t, m.Register(id, &recordingHandler{id: id, log: log}))
	}
	require.NoError(t, m.Transition(stateB))
	assert.True(t, m.IsIn(stateB))
}

func TestRegisterDuplicateKeepsOriginal(t *testing.T) {
	m, handlers, log := newRecordingMachine(t)

	intruder := &recordingHandler{id: stateA, log: &[]string{}}
	err := m.Register(stateA, intruder)
	require.ErrorIs(t, err, ErrDuplicateState)

	require.NoError(t, m.Transition(stateA))
	assert.Equal(t, []string{"enter:A"}, *log)
	assert.Empty(t, *intruder.log)
	assert.NotSame(t, intruder, handlers[stateA])
}

func TestRegisterOutOfRange(t *testing.T) {
	m := New[testState, string](2)
	log := &[]string{}

	assert.ErrorIs(t, m.Register(stateC, &recordingHandler{log: log}), ErrInvalidStateID)
	assert.ErrorIs(t, m.Register(testState(-1), &recordingHandler{log: log}), ErrInvalidStateID)
	assert.NoError(t, m.Register(stateB, &recordingHandler{id: stateB, log: log}))
}

func TestRegisterNilHandler(t *testing.T) {
	m := New[testState, string](int(numTestStates))
	assert.Error(t, m.Register(stateA, nil))
}

func TestTransitionUnknownState(t *testing.T) {
	m := New[testState, string](int(numTestStates))
	require.NoError(t, m.Register(stateA, &recordingHandler{id: stateA, log: &[]string{}}))

	assert.ErrorIs(t, m.Transition(stateB), ErrUnknownState)
	assert.ErrorIs(t, m.Transition(testState(99)), ErrUnknownState)

	_, err := m.Current()
	assert.ErrorIs(t, err, ErrNoCurrentState, "failed transition must not set a current state")
}

func TestTransitionLeaveBeforeEnter(t *testing.T) {
	m, _, log := newRecordingMachine(t)

	require.NoError(t, m.Transition(stateA))
	require.NoError(t, m.Transition(stateB))
	require.NoError(t, m.Transition(stateB))

	assert.Equal(t, []string{"enter:A", "leave:A", "enter:B", "leave:B", "enter:B"}, *log)
}

func TestReentrantChainFromOnEnter(t *testing.T) {
	m, handlers, log := newRecordingMachine(t)
	handlers[stateA].onEnter = func(m *testMachine) { require.NoError(t, m.Transition(stateB)) }
	handlers[stateB].onEnter = func(m *testMachine) { require.NoError(t, m.Transition(stateC)) }

	require.NoError(t, m.Transition(stateA))

	cur, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, stateC, cur)
	assert.Equal(t, []string{
		"enter:A", "leave:A",
		"enter:B", "leave:B",
		"enter:C",
	}, *log)
}

func TestReentrantTransitionFromOnLeave(t *testing.T) {
	m, handlers, log := newRecordingMachine(t)
	require.NoError(t, m.Transition(stateA))

	fired := false
	handlers[stateA].onLeave = func(m *testMachine) {
		if !fired {
			fired = true
			require.NoError(t, m.Transition(stateD))
		}
	}
	require.NoError(t, m.Transition(stateB))

	// The nested transition runs depth-first and D is left again before
	// the outer transition, the last one called, enters B.
	cur, _ := m.Current()
	assert.Equal(t, stateB, cur)
	assert.Equal(t, []string{"enter:A", "leave:A", "enter:D", "leave:D", "enter:B"}, *log)
}

func TestReentrantChainFromOnLeaveThroughOnEnter(t *testing.T) {
	m, handlers, log := newRecordingMachine(t)
	require.NoError(t, m.Transition(stateA))

	handlers[stateA].onLeave = func(m *testMachine) { require.NoError(t, m.Transition(stateD)) }
	handlers[stateD].onEnter = func(m *testMachine) { require.NoError(t, m.Transition(stateC)) }
	require.NoError(t, m.Transition(stateB))

	cur, _ := m.Current()
	assert.Equal(t, stateB, cur)
	assert.Equal(t, []string{
		"enter:A", "leave:A",
		"enter:D", "leave:D",
		"enter:C", "leave:C",
		"enter:B",
	}, *log)
}

func TestDispatchWithoutCurrentState(t *testing.T) {
	m, _, log := newRecordingMachine(t)
	assert.ErrorIs(t, m.Dispatch("x"), ErrNoCurrentState)
	assert.Empty(t, *log)
}

func TestDispatchOnlyToCurrent(t *testing.T) {
	m, _, log := newRecordingMachine(t)
	require.NoError(t, m.Transition(stateB))
	*log = nil

	require.NoError(t, m.Dispatch("ping"))
	assert.Equal(t, []string{"event:B:ping"}, *log)
}

func TestDispatchTransitionRunsAfterHookReturns(t *testing.T) {
	m, handlers, log := newRecordingMachine(t)
	handlers[stateA].onEvent = func(m *testMachine, e string) {
		require.NoError(t, m.Transition(stateB))
		// Still in A while the hook runs.
		assert.True(t, m.IsIn(stateA))
		*log = append(*log, "hook-done:"+e)
	}
	require.NoError(t, m.Transition(stateA))
	*log = nil

	require.NoError(t, m.Dispatch("go"))

	assert.Equal(t, []string{"event:A:go", "hook-done:go", "leave:A", "enter:B"}, *log)
	assert.True(t, m.IsIn(stateB))
}

func TestDispatchDeferredChainKeepsOrder(t *testing.T) {
	m, handlers, log := newRecordingMachine(t)
	handlers[stateA].onEvent = func(m *testMachine, _ string) {
		require.NoError(t, m.Transition(stateB))
		require.NoError(t, m.Transition(stateC))
	}
	handlers[stateC].onEnter = func(m *testMachine) { require.NoError(t, m.Transition(stateD)) }
	require.NoError(t, m.Transition(stateA))
	*log = nil

	require.NoError(t, m.Dispatch("go"))

	assert.Equal(t, []string{
		"event:A:go",
		"leave:A", "enter:B",
		"leave:B", "enter:C",
		"leave:C", "enter:D",
	}, *log)
	assert.True(t, m.IsIn(stateD))
}

func TestDispatchDeferredUnknownStateFailsEagerly(t *testing.T) {
	m := New[testState, string](int(numTestStates))
	log := &[]string{}
	var gotErr error
	require.NoError(t, m.Register(stateA, &recordingHandler{id: stateA, log: log, onEvent: func(m *testMachine, _ string) {
		gotErr = m.Transition(stateB)
	}}))
	require.NoError(t, m.Transition(stateA))

	require.NoError(t, m.Dispatch("x"))
	assert.ErrorIs(t, gotErr, ErrUnknownState)
	assert.True(t, m.IsIn(stateA))
}

func TestIsInIsNotIn(t *testing.T) {
	m, _, _ := newRecordingMachine(t)

	for id := stateA; id < numTestStates; id++ {
		assert.False(t, m.IsIn(id), "no state is current yet")
		assert.True(t, m.IsNotIn(id))
	}

	require.NoError(t, m.Transition(stateC))
	assert.True(t, m.IsIn(stateC))
	assert.False(t, m.IsNotIn(stateC))
	assert.False(t, m.IsIn(stateA))
	assert.True(t, m.IsNotIn(stateA))
}

// baseOnly only overrides OnEnter; the other hooks come from Base.
type baseOnly struct {
	Base[testState, string]
	entered int
}

func (b *baseOnly) OnEnter(*testMachine) { b.entered++ }

func TestBaseDefaultsAreNoops(t *testing.T) {
	m := New[testState, string](int(numTestStates))
	a, b := &baseOnly{}, &baseOnly{}
	require.NoError(t, m.Register(stateA, a))
	require.NoError(t, m.Register(stateB, b))

	require.NoError(t, m.Transition(stateA))
	require.NoError(t, m.Dispatch("ignored"))
	require.NoError(t, m.Transition(stateB))

	assert.Equal(t, 1, a.entered)
	assert.Equal(t, 1, b.entered)
}

func TestSequencesOfTransitions(t *testing.T) {
	cases := [][]testState{
		{stateA},
		{stateA, stateB, stateC, stateD},
		{stateD, stateD, stateA},
		{stateC, stateA, stateC, stateB, stateA},
	}
	for i, seq := range cases {
		t.Run(fmt.Sprintf("seq_%d", i), func(t *testing.T) {
			m, _, log := newRecordingMachine(t)
			var want []string
			for j, id := range seq {
				if j > 0 {
					want = append(want, "leave:"+seq[j-1].String())
				}
				want = append(want, "enter:"+id.String())
				require.NoError(t, m.Transition(id))
			}
			cur, err := m.Current()
			require.NoError(t, err)
			assert.Equal(t, seq[len(seq)-1], cur)
			assert.Equal(t, want, *log)
		})
	}
}
