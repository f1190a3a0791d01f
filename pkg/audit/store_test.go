package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), MemoryPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Transitions(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now()

	records := []statemachine.TransitionResult{
		{InstanceID: "a", Transition: statemachine.TransitionRegister, From: statemachine.StateDiscovered, To: statemachine.StateRegistered, Success: true, Timestamp: now},
		{InstanceID: "b", Transition: statemachine.TransitionRegister, From: statemachine.StateDiscovered, To: statemachine.StateRegistered, Success: true, Timestamp: now},
		{InstanceID: "a", Transition: statemachine.TransitionStop, From: statemachine.StateRegistered, Success: false, Error: "invalid transition", Timestamp: now.Add(time.Second), Duration: time.Millisecond},
	}
	for _, record := range records {
		require.NoError(t, store.RecordTransition(ctx, record))
	}

	t.Run("by_instance_most_recent_first", func(t *testing.T) {
		results, err := store.RecentTransitions(ctx, "a", 0)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, statemachine.TransitionStop, results[0].Transition)
		assert.False(t, results[0].Success)
		assert.Equal(t, "invalid transition", results[0].Error)
		assert.Equal(t, time.Millisecond, results[0].Duration)
		assert.Equal(t, now.Add(time.Second).UnixNano(), results[0].Timestamp.UnixNano())
	})

	t.Run("all_with_limit", func(t *testing.T) {
		results, err := store.RecentTransitions(ctx, "", 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "a", results[0].InstanceID)
		assert.Equal(t, "b", results[1].InstanceID)
	})
}

func TestStore_BatchResults(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	first := batch.ExecutionResult{
		ExecutionID: "exec-1",
		BatchID:     "batch-1",
		Strategy:    batch.StrategyRolling,
		Status:      batch.StatusCompleted,
		Success:     true,
		StartedAt:   started,
		CompletedAt: started.Add(10 * time.Second),
		Items:       []batch.ItemResult{{ItemID: "i1", Status: batch.ItemSucceeded, Attempts: 1}},
		Summary:     batch.Summary{TotalItems: 1, SuccessfulItems: 1},
	}
	second := first
	second.ExecutionID = "exec-2"
	second.Status = batch.StatusRolledBack
	second.Success = false
	second.CompletedAt = started.Add(20 * time.Second)

	require.NoError(t, store.RecordBatchResult(ctx, first))
	require.NoError(t, store.RecordBatchResult(ctx, second))
	require.NoError(t, store.RecordBatchResult(ctx, second))

	stored, err := store.BatchResult(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StrategyRolling, stored.Strategy)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, "i1", stored.Items[0].ItemID)

	_, err = store.BatchResult(ctx, "ghost")
	assert.True(t, errors.IsNotFoundError(err))

	recent, err := store.RecentBatchResults(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "exec-2", recent[0].ExecutionID)
	assert.Equal(t, batch.StatusRolledBack, recent[0].Status)
}

func TestStore_FollowRecordsMachineTransitions(t *testing.T) {
	store := openStore(t)
	machine := statemachine.NewMachine(statemachine.Options{}, nil)
	defer machine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := machine.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Follow(ctx, sub)
	}()

	require.NoError(t, machine.AddInstance("search-1"))
	_, err := machine.Transition("search-1", statemachine.TransitionRegister, "discovered")
	require.NoError(t, err)
	_, err = machine.Transition("search-1", statemachine.TransitionStop, "bad")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		results, err := store.RecentTransitions(context.Background(), "search-1", 0)
		return err == nil && len(results) == 2
	}, 2*time.Second, 10*time.Millisecond)

	results, err := store.RecentTransitions(context.Background(), "search-1", 0)
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)

	cancel()
	<-done
}

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, store.RecordTransition(context.Background(), statemachine.TransitionResult{
		InstanceID: "a", Transition: statemachine.TransitionRegister, Success: true, Timestamp: time.Now(),
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	results, err := reopened.RecentTransitions(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
