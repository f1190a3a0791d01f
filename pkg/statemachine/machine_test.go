package statemachine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

func newRunningInstance(t *testing.T, m *Machine, id string) {
	t.Helper()
	require.NoError(t, m.AddInstance(id))
	for _, tr := range []Transition{
		TransitionRegister, TransitionValidate, TransitionInitialize,
		TransitionCompleteInit, TransitionCompleteStart,
	} {
		_, err := m.Transition(id, tr, "test")
		require.NoError(t, err)
	}
}

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine(Options{}, nil)
	newRunningInstance(t, m, "search-1")

	state, err := m.GetState("search-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	_, err = m.Transition("search-1", TransitionStop, "shutdown")
	require.NoError(t, err)
	result, err := m.Transition("search-1", TransitionCompleteStop, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, StateStopping, result.From)
	assert.Equal(t, StateStopped, result.To)
	assert.True(t, result.Success)

	// Restart path from stopped
	_, err = m.Transition("search-1", TransitionInitialize, "restart")
	assert.NoError(t, err)
}

func TestMachine_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	all := []Transition{
		TransitionRegister, TransitionValidate, TransitionInitialize, TransitionCompleteInit,
		TransitionCompleteStart, TransitionStop, TransitionCompleteStop, TransitionRestart,
	}

	for _, from := range AllStates {
		for _, tr := range all {
			if _, ok := Target(from, tr); ok {
				continue
			}
			t.Run(fmt.Sprintf("%s_%s", from, tr), func(t *testing.T) {
				m := NewMachine(Options{}, nil)
				require.NoError(t, m.AddInstance("x"))
				m.records.Set("x", &record{state: from})

				result, err := m.Transition("x", tr, "")
				assert.True(t, errors.IsInvalidTransitionError(err))
				assert.False(t, result.Success)

				state, err := m.GetState("x")
				require.NoError(t, err)
				assert.Equal(t, from, state)
			})
		}
	}
}

func TestMachine_ErrorFromAnyState(t *testing.T) {
	for _, from := range AllStates {
		t.Run(string(from), func(t *testing.T) {
			m := NewMachine(Options{}, nil)
			require.NoError(t, m.AddInstance("x"))
			m.records.Set("x", &record{state: from})

			result, err := m.Fail("x", "crashed")
			require.NoError(t, err)
			assert.Equal(t, StateError, result.To)
			assert.Equal(t, "crashed", result.Reason)
		})
	}
}

func TestMachine_ErrorOnlyLeftByInitialize(t *testing.T) {
	m := NewMachine(Options{}, nil)
	require.NoError(t, m.AddInstance("x"))
	_, err := m.Fail("x", "boom")
	require.NoError(t, err)

	_, err = m.Transition("x", TransitionCompleteStart, "")
	assert.True(t, errors.IsInvalidTransitionError(err))

	allowed, err := m.AllowedTransitions("x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Transition{TransitionError, TransitionInitialize}, allowed)
}

func TestMachine_HistoryMostRecentFirstAndBounded(t *testing.T) {
	m := NewMachine(Options{HistoryLimit: 3}, nil)
	newRunningInstance(t, m, "x")

	history, err := m.GetHistory("x", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, TransitionCompleteStart, history[0].Transition)
	assert.Equal(t, TransitionCompleteInit, history[1].Transition)
	assert.Equal(t, TransitionInitialize, history[2].Transition)

	history, err = m.GetHistory("x", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StateRunning, history[0].To)
}

func TestMachine_FailedAttemptRecorded(t *testing.T) {
	m := NewMachine(Options{}, nil)
	require.NoError(t, m.AddInstance("x"))
	_, _ = m.Transition("x", TransitionStop, "")

	history, err := m.GetHistory("x", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.NotEmpty(t, history[0].Error)

	metrics := m.Metrics()
	assert.Equal(t, uint64(1), metrics.TotalTransitions)
	assert.Equal(t, uint64(1), metrics.FailedTransitions)
	assert.Equal(t, 1, metrics.StateCounts[StateDiscovered])
}

func TestMachine_Events(t *testing.T) {
	m := NewMachine(Options{}, nil)
	sub := m.Subscribe()
	defer sub.Close()

	require.NoError(t, m.AddInstance("x"))
	_, err := m.Transition("x", TransitionRegister, "")
	require.NoError(t, err)
	_, _ = m.Transition("x", TransitionCompleteStop, "")
	require.NoError(t, m.RemoveInstance("x"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var types []EventType
	for i := 0; i < 4; i++ {
		event, err := sub.Next(ctx)
		require.NoError(t, err)
		types = append(types, event.Type)
	}
	assert.Equal(t, []EventType{
		EventInstanceAdded, EventTransitionCompleted, EventTransitionFailed, EventInstanceRemoved,
	}, types)
}

func TestMachine_NotFoundAndConflict(t *testing.T) {
	m := NewMachine(Options{}, nil)

	_, err := m.Transition("ghost", TransitionRegister, "")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = m.GetState("ghost")
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(m.RemoveInstance("ghost")))
	assert.False(t, m.CanTransition("ghost", TransitionRegister))

	require.NoError(t, m.AddInstance("x"))
	assert.True(t, errors.IsConflictError(m.AddInstance("x")))
	assert.True(t, errors.IsValidationError(m.AddInstance("")))
}

func TestMachine_ConcurrentInstances(t *testing.T) {
	m := NewMachine(Options{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			newRunningInstance(t, m, fmt.Sprintf("inst-%d", i))
		}(i)
	}
	wg.Wait()

	assert.Len(t, m.GetInstancesByState(StateRunning), 20)
}

func TestMachine_SerializedPerInstance(t *testing.T) {
	m := NewMachine(Options{}, nil)
	newRunningInstance(t, m, "x")

	// Only one of many concurrent stop requests can win
	var wg sync.WaitGroup
	var mutex sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Transition("x", TransitionStop, ""); err == nil {
				mutex.Lock()
				succeeded++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
}
