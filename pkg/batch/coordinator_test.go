package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("LogLevelf", mock.Anything, mock.Anything).Maybe()
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

// fakeExecutor records every operation as "<operation> <target>" and marks
// completion with a "done " prefix
type fakeExecutor struct {
	mutex    sync.Mutex
	log      []string
	states   map[string]statemachine.State
	failures map[string][]error
	blocking map[string]bool
	delays   map[string]time.Duration
	counts   map[string]int
}

func newFakeExecutor(instances ...string) *fakeExecutor {
	f := &fakeExecutor{
		states:   make(map[string]statemachine.State),
		failures: make(map[string][]error),
		blocking: make(map[string]bool),
		delays:   make(map[string]time.Duration),
		counts:   make(map[string]int),
	}
	for _, id := range instances {
		f.states[id] = statemachine.StateStopped
	}
	return f
}

// fail queues errors for an operation; the last one repeats, a nil entry
// lets the call succeed
func (f *fakeExecutor) fail(key string, errs ...error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.failures[key] = errs
}

func (f *fakeExecutor) call(ctx context.Context, key string) error {
	f.mutex.Lock()
	f.log = append(f.log, key)
	var err error
	if queue := f.failures[key]; len(queue) > 0 {
		err = queue[0]
		if len(queue) > 1 {
			f.failures[key] = queue[1:]
		}
	}
	blocking := f.blocking[key]
	delay := f.delays[key]
	f.mutex.Unlock()

	if blocking {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mutex.Lock()
	f.log = append(f.log, "done "+key)
	f.mutex.Unlock()
	return err
}

func (f *fakeExecutor) setState(id string, state statemachine.State) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.states[id] = state
}

func (f *fakeExecutor) StartInstanceWithDependencies(ctx context.Context, id string) error {
	if err := f.call(ctx, "start "+id); err != nil {
		return err
	}
	f.setState(id, statemachine.StateRunning)
	return nil
}

func (f *fakeExecutor) StopInstanceGracefully(ctx context.Context, id string, _ time.Duration) error {
	if err := f.call(ctx, "stop "+id); err != nil {
		return err
	}
	f.setState(id, statemachine.StateStopped)
	return nil
}

func (f *fakeExecutor) RestartInstance(ctx context.Context, id string) error {
	return f.call(ctx, "restart "+id)
}

func (f *fakeExecutor) RestartInstanceZeroDowntime(ctx context.Context, id string) (string, error) {
	if err := f.call(ctx, "replace "+id); err != nil {
		return "", err
	}
	return id + "-next", nil
}

func (f *fakeExecutor) ScalePlugin(ctx context.Context, pluginID string, target int) (lifecycle.ScaleResult, error) {
	if err := f.call(ctx, fmt.Sprintf("scale %s %d", pluginID, target)); err != nil {
		return lifecycle.ScaleResult{}, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	result := lifecycle.ScaleResult{PluginID: pluginID, Previous: f.counts[pluginID], Current: target}
	f.counts[pluginID] = target
	return result, nil
}

func (f *fakeExecutor) GetInstance(id string) (lifecycle.InstanceInfo, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	state, ok := f.states[id]
	if !ok {
		return lifecycle.InstanceInfo{}, errors.NewNotFoundError("instance not found", nil).WithContext("instance_id", id)
	}
	return lifecycle.InstanceInfo{InstanceID: id, State: state}, nil
}

// calls returns the operations issued, in order, without completion markers
func (f *fakeExecutor) calls() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var calls []string
	for _, entry := range f.log {
		if !strings.HasPrefix(entry, "done ") {
			calls = append(calls, entry)
		}
	}
	return calls
}

func (f *fakeExecutor) position(entry string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for i, e := range f.log {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeHealth struct {
	mutex     sync.Mutex
	unhealthy map[string]bool
	checked   []string
}

func (h *fakeHealth) PerformHealthCheck(_ context.Context, id string) (bool, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.checked = append(h.checked, id)
	return !h.unhealthy[id], nil
}

type fakeAudit struct {
	mutex   sync.Mutex
	results []ExecutionResult
}

func (a *fakeAudit) RecordBatchResult(_ context.Context, result ExecutionResult) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.results = append(a.results, result)
	return nil
}

func newCoordinator(t *testing.T, executor *fakeExecutor, health HealthProber, options Options) *Coordinator {
	t.Helper()
	if options.DefaultItemTimeout == 0 {
		options.DefaultItemTimeout = 2 * time.Second
	}
	if options.HealthPollInterval == 0 {
		options.HealthPollInterval = 10 * time.Millisecond
	}
	coordinator, err := NewCoordinator(Dependencies{Executor: executor, Health: health}, options, newMockLogger())
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)
	return coordinator
}

func startItems(ids ...string) []Item {
	items := make([]Item, len(ids))
	for i, id := range ids {
		items[i] = Item{ItemID: id, Operation: OperationStart, Target: id}
	}
	return items
}

func execute(t *testing.T, c *Coordinator, batch Batch, execCtx ExecutionContext) ExecutionResult {
	t.Helper()
	batchID, err := c.CreateBatch(batch)
	require.NoError(t, err)
	executionID, err := c.ExecuteBatch(context.Background(), batchID, execCtx)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := c.Wait(ctx, executionID)
	require.NoError(t, err)
	return result
}

func itemsByID(result ExecutionResult) map[string]ItemResult {
	items := make(map[string]ItemResult, len(result.Items))
	for _, item := range result.Items {
		items[item.ItemID] = item
	}
	return items
}

func TestNewCoordinator_RequiresExecutor(t *testing.T) {
	_, err := NewCoordinator(Dependencies{}, Options{}, nil)
	assert.True(t, errors.IsValidationError(err))
}

func TestCoordinator_CreateBatch(t *testing.T) {
	c := newCoordinator(t, newFakeExecutor(), nil, Options{})
	sequential := Strategy{Type: StrategySequential}

	t.Run("missing_name", func(t *testing.T) {
		_, err := c.CreateBatch(Batch{Items: startItems("a"), Strategy: sequential})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("no_items", func(t *testing.T) {
		_, err := c.CreateBatch(Batch{Name: "empty", Strategy: sequential})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("unknown_operation", func(t *testing.T) {
		_, err := c.CreateBatch(Batch{Name: "bad", Strategy: sequential, Items: []Item{{ItemID: "a", Operation: "explode", Target: "a"}}})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("duplicate_item", func(t *testing.T) {
		_, err := c.CreateBatch(Batch{Name: "dup", Strategy: sequential, Items: startItems("a", "a")})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("unknown_dependency", func(t *testing.T) {
		items := startItems("a")
		items[0].Dependencies = []string{"ghost"}
		_, err := c.CreateBatch(Batch{Name: "dep", Strategy: sequential, Items: items})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("cyclic_dependencies", func(t *testing.T) {
		items := startItems("a", "b")
		items[0].Dependencies = []string{"b"}
		items[1].Dependencies = []string{"a"}
		_, err := c.CreateBatch(Batch{Name: "cycle", Strategy: sequential, Items: items})
		assert.True(t, errors.IsCircularDependencyError(err))
	})

	t.Run("strategy_configuration_required", func(t *testing.T) {
		_, err := c.CreateBatch(Batch{Name: "rolling", Strategy: Strategy{Type: StrategyRolling}, Items: startItems("a")})
		assert.True(t, errors.IsValidationError(err))
		_, err = c.CreateBatch(Batch{Name: "canary", Strategy: Strategy{Type: StrategyCanary, Canary: &CanaryConfig{}}, Items: startItems("a")})
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("stored", func(t *testing.T) {
		id, err := c.CreateBatch(Batch{Name: "ok", Strategy: sequential, Items: startItems("a")})
		require.NoError(t, err)

		batch, err := c.GetBatch(id)
		require.NoError(t, err)
		assert.Equal(t, "ok", batch.Name)
		assert.False(t, batch.CreatedAt.IsZero())
		assert.Len(t, c.ListBatches(), 1)

		_, err = c.CreateBatch(Batch{BatchID: id, Name: "again", Strategy: sequential, Items: startItems("a")})
		assert.True(t, errors.IsConflictError(err))

		require.NoError(t, c.RemoveBatch(id))
		_, err = c.GetBatch(id)
		assert.True(t, errors.IsNotFoundError(err))
		assert.True(t, errors.IsNotFoundError(c.RemoveBatch(id)))
	})
}

func TestExecute_SequentialFollowsPriorityAndDependencies(t *testing.T) {
	executor := newFakeExecutor("a", "b", "c")
	c := newCoordinator(t, executor, nil, Options{})

	items := startItems("a", "b", "c")
	items[0].Dependencies = []string{"b"}
	items[2].Priority = 10

	result := execute(t, c, Batch{Name: "seq", Strategy: Strategy{Type: StrategySequential}, Items: items}, ExecutionContext{RequestedBy: "tests"})

	assert.Equal(t, []string{"start c", "start b", "start a"}, executor.calls())
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, "tests", result.RequestedBy)
	assert.Equal(t, 3, result.Summary.SuccessfulItems)
	assert.Equal(t, 100.0, result.Summary.SuccessRate)
	assert.Equal(t, 3, result.Summary.GroupsExecuted)

	progress, err := c.GetExecutionProgress(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, progress.Percentage)
	assert.Equal(t, 3, progress.ItemsCompleted)
	assert.Empty(t, progress.CurrentItems)
}

func TestExecute_FailedDependencySkipsDependents(t *testing.T) {
	executor := newFakeExecutor("a", "b", "c")
	executor.fail("start b", errors.NewProcessError("boom", nil))
	c := newCoordinator(t, executor, nil, Options{})

	items := startItems("b", "a", "c")
	items[1].Dependencies = []string{"b"}

	result := execute(t, c, Batch{Name: "skip", Strategy: Strategy{Type: StrategySequential}, Items: items}, ExecutionContext{})

	byID := itemsByID(result)
	assert.Equal(t, ItemFailed, byID["b"].Status)
	assert.Equal(t, "process", byID["b"].ErrorKind)
	assert.Equal(t, ItemSkipped, byID["a"].Status)
	assert.Contains(t, byID["a"].Message, "dependency b")
	assert.Equal(t, ItemSucceeded, byID["c"].Status)
	assert.NotContains(t, executor.calls(), "start a")
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, result.Success)
}

func TestExecute_ParallelWaitsForDependencies(t *testing.T) {
	executor := newFakeExecutor("x", "y", "z")
	executor.delays["start x"] = 30 * time.Millisecond
	executor.delays["start y"] = 10 * time.Millisecond
	c := newCoordinator(t, executor, nil, Options{})

	items := startItems("x", "y", "z")
	items[2].Dependencies = []string{"x", "y"}

	result := execute(t, c, Batch{Name: "par", Strategy: Strategy{Type: StrategyParallel}, Items: items}, ExecutionContext{})

	require.Equal(t, StatusCompleted, result.Status)
	assert.Greater(t, executor.position("start z"), executor.position("done start x"))
	assert.Greater(t, executor.position("start z"), executor.position("done start y"))
	assert.Equal(t, 2, result.Summary.GroupsExecuted)
	assert.Equal(t, 1, itemsByID(result)["z"].Group)
}

func TestExecute_RollingGroupCardinality(t *testing.T) {
	ids := []string{"i1", "i2", "i3", "i4", "i5"}
	executor := newFakeExecutor(ids...)
	health := &fakeHealth{}
	c := newCoordinator(t, executor, health, Options{})

	result := execute(t, c, Batch{
		Name:     "rolling",
		Strategy: Strategy{Type: StrategyRolling, Rolling: &RollingConfig{BatchSize: 2, HealthCheckBetweenBatches: true}},
		Items:    startItems(ids...),
	}, ExecutionContext{})

	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Summary.GroupsExecuted)
	groups := map[string]int{}
	for _, item := range result.Items {
		groups[item.ItemID] = item.Group
	}
	assert.Equal(t, map[string]int{"i1": 0, "i2": 0, "i3": 1, "i4": 1, "i5": 2}, groups)
	assert.Len(t, health.checked, 5)
	assert.Contains(t, result.Summary.PhasesCompleted, "group 3/3")
}

func TestExecute_RollingFailureRollsBackCompletedGroups(t *testing.T) {
	ids := []string{"i1", "i2", "i3", "i4", "i5", "i6"}
	executor := newFakeExecutor(ids...)
	executor.fail("start i3", errors.NewProcessError("boom", nil))
	c := newCoordinator(t, executor, nil, Options{})

	result := execute(t, c, Batch{
		Name:     "rolling",
		Strategy: Strategy{Type: StrategyRolling, Rolling: &RollingConfig{BatchSize: 2, RollbackOnBatchFailure: true}},
		Items:    startItems(ids...),
	}, ExecutionContext{})

	assert.Equal(t, StatusRolledBack, result.Status)
	assert.True(t, result.RollbackTriggered)
	assert.Equal(t, 2, result.Summary.GroupsExecuted)

	calls := executor.calls()
	assert.NotContains(t, calls, "start i5")
	assert.NotContains(t, calls, "start i6")

	var stops []string
	for _, call := range calls {
		if strings.HasPrefix(call, "stop ") {
			stops = append(stops, call)
		}
	}
	require.Len(t, stops, 3)
	assert.Equal(t, "stop i4", stops[0])
	assert.ElementsMatch(t, []string{"stop i1", "stop i2"}, stops[1:])

	byID := itemsByID(result)
	assert.Equal(t, ItemRolledBack, byID["i1"].Status)
	assert.Equal(t, ItemFailed, byID["i3"].Status)
	assert.Equal(t, ItemSkipped, byID["i5"].Status)
	assert.Equal(t, 3, result.Summary.RolledBackItems)
}

func restartItems(ids ...string) []Item {
	items := make([]Item, len(ids))
	for i, id := range ids {
		items[i] = Item{ItemID: id, Operation: OperationRestart, Target: id}
	}
	return items
}

func TestExecute_RollingRestartFailureWithNothingToUndo(t *testing.T) {
	ids := []string{"i1", "i2", "i3", "i4"}
	executor := newFakeExecutor(ids...)
	executor.fail("restart i3", errors.NewProcessError("boom", nil))
	c := newCoordinator(t, executor, nil, Options{})

	result := execute(t, c, Batch{
		Name:     "rolling-restart",
		Strategy: Strategy{Type: StrategyRolling, Rolling: &RollingConfig{BatchSize: 2, RollbackOnBatchFailure: true}},
		Items:    restartItems(ids...),
	}, ExecutionContext{})

	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, result.RollbackTriggered)
	assert.Contains(t, result.Error, "no completed item could be rolled back")
	assert.Zero(t, result.Summary.RolledBackItems)

	byID := itemsByID(result)
	assert.Equal(t, ItemSucceeded, byID["i1"].Status)
	require.NotNil(t, byID["i1"].Rollback)
	assert.Contains(t, byID["i1"].Rollback.Message, "no compensating operation")

	_, err := c.RollbackExecution(context.Background(), result.ExecutionID)
	assert.True(t, errors.IsConflictError(err))
}

func TestExecute_RollingPartialRollbackReportsKeptItems(t *testing.T) {
	executor := newFakeExecutor("a", "b", "c")
	executor.fail("start c", errors.NewProcessError("boom", nil))
	c := newCoordinator(t, executor, nil, Options{})

	items := []Item{
		{ItemID: "a", Operation: OperationStart, Target: "a"},
		{ItemID: "b", Operation: OperationRestart, Target: "b"},
		{ItemID: "c", Operation: OperationStart, Target: "c"},
	}
	result := execute(t, c, Batch{
		Name:     "rolling-mixed",
		Strategy: Strategy{Type: StrategyRolling, Rolling: &RollingConfig{BatchSize: 1, RollbackOnBatchFailure: true}},
		Items:    items,
	}, ExecutionContext{})

	assert.Equal(t, StatusRolledBack, result.Status)
	assert.Contains(t, result.Error, "1 completed item(s) could not be rolled back")
	byID := itemsByID(result)
	assert.Equal(t, ItemRolledBack, byID["a"].Status)
	assert.Equal(t, ItemSucceeded, byID["b"].Status)
	assert.Contains(t, executor.calls(), "stop a")
}

func TestExecute_RollingFailureWithoutRollbackContinues(t *testing.T) {
	ids := []string{"i1", "i2", "i3"}
	executor := newFakeExecutor(ids...)
	executor.fail("start i1", errors.NewProcessError("boom", nil))
	c := newCoordinator(t, executor, nil, Options{})

	result := execute(t, c, Batch{
		Name:     "rolling",
		Strategy: Strategy{Type: StrategyRolling, Rolling: &RollingConfig{BatchSize: 1}},
		Items:    startItems(ids...),
	}, ExecutionContext{})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 3, result.Summary.GroupsExecuted)
	assert.Equal(t, 2, result.Summary.SuccessfulItems)
	assert.False(t, result.RollbackTriggered)
}

func TestCanaryCount(t *testing.T) {
	tests := []struct {
		name     string
		size     CanarySize
		n        int
		expected int
	}{
		{"ten_percent", CanarySize{Percentage: 10}, 10, 1},
		{"rounds_half_up", CanarySize{Percentage: 25}, 10, 3},
		{"at_least_one", CanarySize{Percentage: 1}, 10, 1},
		{"rounds_to_zero_kept_at_one", CanarySize{Percentage: 10}, 4, 1},
		{"count", CanarySize{Count: 2}, 10, 2},
		{"count_clamped", CanarySize{Count: 20}, 5, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, canaryCount(tt.size, tt.n))
		})
	}
}

func canaryBatch(n int, config CanaryConfig) (Batch, []string) {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%02d", i)
	}
	return Batch{Name: "canary", Strategy: Strategy{Type: StrategyCanary, Canary: &config}, Items: startItems(ids...)}, ids
}

func TestExecute_CanaryFailureRollsBackSubset(t *testing.T) {
	batch, ids := canaryBatch(10, CanaryConfig{Size: CanarySize{Percentage: 20}, AutoPromote: true})
	executor := newFakeExecutor(ids...)
	executor.fail("start c01", errors.NewProcessError("boom", nil))
	c := newCoordinator(t, executor, nil, Options{})

	result := execute(t, c, batch, ExecutionContext{})

	assert.Equal(t, StatusRolledBack, result.Status)
	require.NotNil(t, result.Canary)
	assert.Equal(t, []string{"c00", "c01"}, result.Canary.CanaryItems)
	assert.Equal(t, 50.0, result.Canary.SuccessRate)
	assert.False(t, result.Canary.CriteriaMet)
	assert.False(t, result.Canary.Promoted)

	calls := executor.calls()
	for _, id := range ids[2:] {
		assert.NotContains(t, calls, "start "+id)
	}
	assert.Contains(t, calls, "stop c00")

	byID := itemsByID(result)
	assert.Equal(t, ItemRolledBack, byID["c00"].Status)
	assert.Equal(t, "canary not promoted", byID["c09"].Message)
}

func TestExecute_CanaryPromotion(t *testing.T) {
	batch, ids := canaryBatch(4, CanaryConfig{
		Size:            CanarySize{Percentage: 25},
		AutoPromote:     true,
		SuccessCriteria: SuccessCriteria{SuccessRateThreshold: 90, RequireHealthy: true, EvaluationWindow: 30 * time.Millisecond},
	})
	executor := newFakeExecutor(ids...)
	health := &fakeHealth{}
	c := newCoordinator(t, executor, health, Options{})

	result := execute(t, c, batch, ExecutionContext{})

	require.Equal(t, StatusCompleted, result.Status, result.Error)
	require.NotNil(t, result.Canary)
	assert.True(t, result.Canary.Promoted)
	assert.True(t, result.Canary.Healthy)
	assert.Equal(t, 4, result.Summary.SuccessfulItems)
	assert.Equal(t, "start c00", executor.calls()[0])
	assert.GreaterOrEqual(t, len(health.checked), 2)
	assert.Equal(t, []string{"canary", "canary_evaluation", "promotion"}, result.Summary.PhasesCompleted)
}

func TestExecute_CanaryUnhealthyOrNotAutoPromoted(t *testing.T) {
	t.Run("unhealthy", func(t *testing.T) {
		batch, ids := canaryBatch(3, CanaryConfig{
			Size:            CanarySize{Count: 1},
			AutoPromote:     true,
			SuccessCriteria: SuccessCriteria{RequireHealthy: true},
		})
		executor := newFakeExecutor(ids...)
		c := newCoordinator(t, executor, &fakeHealth{unhealthy: map[string]bool{"c00": true}}, Options{})

		result := execute(t, c, batch, ExecutionContext{})
		assert.Equal(t, StatusRolledBack, result.Status)
		assert.False(t, result.Canary.Healthy)
		assert.Equal(t, []string{"start c00", "stop c00"}, executor.calls())
	})

	t.Run("manual_promotion", func(t *testing.T) {
		batch, ids := canaryBatch(3, CanaryConfig{Size: CanarySize{Count: 1}})
		executor := newFakeExecutor(ids...)
		c := newCoordinator(t, executor, nil, Options{})

		result := execute(t, c, batch, ExecutionContext{})
		assert.Equal(t, StatusRolledBack, result.Status)
		assert.True(t, result.Canary.CriteriaMet)
		assert.False(t, result.Canary.Promoted)
		assert.NotContains(t, executor.calls(), "start c01")
	})
}

func TestExecute_Retry(t *testing.T) {
	processErr := errors.NewProcessError("flaky", nil)
	retry := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, DelayMultiplier: 2, RetryOnErrors: []string{"process"}}

	t.Run("recovers", func(t *testing.T) {
		executor := newFakeExecutor("a")
		executor.fail("start a", processErr, processErr, nil)
		c := newCoordinator(t, executor, nil, Options{})

		items := startItems("a")
		items[0].Retry = retry
		result := execute(t, c, Batch{Name: "retry", Strategy: Strategy{Type: StrategySequential}, Items: items}, ExecutionContext{})

		item := itemsByID(result)["a"]
		assert.Equal(t, ItemSucceeded, item.Status)
		assert.Equal(t, 3, item.Attempts)
		assert.Equal(t, uint64(2), c.Metrics().Retries)
	})

	t.Run("exhausted", func(t *testing.T) {
		executor := newFakeExecutor("a")
		executor.fail("start a", processErr)
		c := newCoordinator(t, executor, nil, Options{})

		items := startItems("a")
		items[0].Retry = retry
		result := execute(t, c, Batch{Name: "retry", Strategy: Strategy{Type: StrategySequential}, Items: items}, ExecutionContext{})

		item := itemsByID(result)["a"]
		assert.Equal(t, ItemFailed, item.Status)
		assert.Equal(t, 3, item.Attempts)
		assert.Equal(t, string(errors.ErrorTypeRetryExhausted), item.ErrorKind)
	})

	t.Run("kind_not_retried", func(t *testing.T) {
		executor := newFakeExecutor("a")
		executor.fail("start a", errors.NewPolicyDeniedError("denied", nil))
		c := newCoordinator(t, executor, nil, Options{})

		items := startItems("a")
		items[0].Retry = retry
		result := execute(t, c, Batch{Name: "retry", Strategy: Strategy{Type: StrategySequential}, Items: items}, ExecutionContext{})

		item := itemsByID(result)["a"]
		assert.Equal(t, 1, item.Attempts)
		assert.Equal(t, string(errors.ErrorTypePolicyDenied), item.ErrorKind)
	})
}

func TestExecute_ItemTimeoutAndAutoRollback(t *testing.T) {
	executor := newFakeExecutor("a")
	executor.blocking["start a"] = true
	c := newCoordinator(t, executor, nil, Options{})

	items := startItems("a")
	items[0].Timeout = 20 * time.Millisecond
	items[0].Rollback = &RollbackConfig{AutoRollback: true}
	result := execute(t, c, Batch{Name: "timeout", Strategy: Strategy{Type: StrategySequential}, Items: items}, ExecutionContext{})

	item := itemsByID(result)["a"]
	assert.Equal(t, ItemFailed, item.Status)
	assert.Equal(t, string(errors.ErrorTypeTimeout), item.ErrorKind)
	require.NotNil(t, item.Rollback)
	assert.True(t, item.Rollback.Success)
	assert.Equal(t, []string{"start a", "stop a"}, executor.calls())
}

func TestExecute_Cancel(t *testing.T) {
	executor := newFakeExecutor("a", "b", "c")
	executor.blocking["start a"] = true
	c := newCoordinator(t, executor, nil, Options{})

	batchID, err := c.CreateBatch(Batch{Name: "cancel", Strategy: Strategy{Type: StrategySequential}, Items: startItems("a", "b", "c")})
	require.NoError(t, err)
	executionID, err := c.ExecuteBatch(context.Background(), batchID, ExecutionContext{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		progress, err := c.GetExecutionProgress(executionID)
		return err == nil && len(progress.CurrentItems) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = c.GetExecutionResult(executionID)
	assert.True(t, errors.IsConflictError(err))
	assert.True(t, errors.IsConflictError(c.RemoveBatch(batchID)))

	require.NoError(t, c.CancelExecution(executionID))
	result, err := c.Wait(context.Background(), executionID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, result.Status)
	byID := itemsByID(result)
	assert.Equal(t, string(errors.ErrorTypeCancelled), byID["a"].ErrorKind)
	assert.Equal(t, ItemSkipped, byID["b"].Status)
	assert.Equal(t, []string{"start a"}, executor.calls())

	assert.True(t, errors.IsConflictError(c.CancelExecution(executionID)))
	assert.True(t, errors.IsNotFoundError(c.CancelExecution("ghost")))
	assert.Equal(t, uint64(1), c.Metrics().CancelledExecutions)
}

func TestExecute_MaxConcurrentExecutions(t *testing.T) {
	executor := newFakeExecutor("a")
	executor.blocking["start a"] = true
	c := newCoordinator(t, executor, nil, Options{MaxConcurrentExecutions: 1})

	batchID, err := c.CreateBatch(Batch{Name: "busy", Strategy: Strategy{Type: StrategySequential}, Items: startItems("a")})
	require.NoError(t, err)
	first, err := c.ExecuteBatch(context.Background(), batchID, ExecutionContext{})
	require.NoError(t, err)

	_, err = c.ExecuteBatch(context.Background(), batchID, ExecutionContext{})
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, c.CancelExecution(first))
	_, err = c.Wait(context.Background(), first)
	require.NoError(t, err)
}

func TestCancelAll(t *testing.T) {
	executor := newFakeExecutor("a", "b", "c")
	executor.blocking["start a"] = true
	c := newCoordinator(t, executor, nil, Options{})
	ctx := context.Background()

	blocked, err := c.CreateBatch(Batch{Name: "blocked", Strategy: Strategy{Type: StrategySequential}, Items: startItems("a")})
	require.NoError(t, err)
	paused, err := c.CreateBatch(Batch{
		Name:     "paused",
		Strategy: Strategy{Type: StrategyRolling, Rolling: &RollingConfig{BatchSize: 1, PauseDuration: time.Hour}},
		Items:    startItems("b", "c"),
	})
	require.NoError(t, err)

	first, err := c.ExecuteBatch(ctx, blocked, ExecutionContext{})
	require.NoError(t, err)
	second, err := c.ExecuteBatch(ctx, paused, ExecutionContext{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		calls := executor.calls()
		return containsCall(calls, "start a") && containsCall(calls, "done start b")
	}, 2*time.Second, 5*time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.CancelAll(waitCtx))

	for _, id := range []string{first, second} {
		result, err := c.GetExecutionResult(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, result.Status)
	}
	assert.NotContains(t, executor.calls(), "start c")
	assert.Equal(t, 0, c.Metrics().ActiveExecutions)

	result := execute(t, c, Batch{Name: "after", Strategy: Strategy{Type: StrategySequential}, Items: startItems("c")}, ExecutionContext{})
	assert.Equal(t, StatusCompleted, result.Status)
}

func containsCall(calls []string, call string) bool {
	for _, c := range calls {
		if c == call {
			return true
		}
	}
	return false
}

func TestExecute_DryRun(t *testing.T) {
	executor := newFakeExecutor("a")
	audit := &fakeAudit{}
	c, err := NewCoordinator(Dependencies{Executor: executor, Audit: audit}, Options{}, newMockLogger())
	require.NoError(t, err)
	defer c.Close()

	items := append(startItems("a", "ghost"), Item{ItemID: "s", Operation: OperationScale, Target: "search", Parameters: map[string]string{"instances": "3"}})
	result := execute(t, c, Batch{Name: "dry", Strategy: Strategy{Type: StrategyParallel}, Items: items}, ExecutionContext{DryRun: true})

	assert.Empty(t, executor.calls())
	assert.True(t, result.DryRun)
	byID := itemsByID(result)
	assert.Equal(t, ItemSucceeded, byID["a"].Status)
	assert.Contains(t, byID["a"].Message, "dry run")
	assert.Equal(t, string(errors.ErrorTypeNotFound), byID["ghost"].ErrorKind)
	assert.Contains(t, byID["s"].Message, "scale search to 3")
	assert.Empty(t, audit.results)

	_, err = c.RollbackExecution(context.Background(), result.ExecutionID)
	assert.True(t, errors.IsValidationError(err))
}

func TestRollbackExecution(t *testing.T) {
	executor := newFakeExecutor("a", "b")
	audit := &fakeAudit{}
	c, err := NewCoordinator(Dependencies{Executor: executor, Audit: audit}, Options{}, newMockLogger())
	require.NoError(t, err)
	defer c.Close()

	items := append(startItems("a", "b"), Item{ItemID: "s", Operation: OperationScale, Target: "search", Parameters: map[string]string{"instances": "3"}})
	executor.counts["search"] = 1
	result := execute(t, c, Batch{Name: "undo", Strategy: Strategy{Type: StrategySequential}, Items: items}, ExecutionContext{})
	require.Equal(t, StatusCompleted, result.Status)

	report, err := c.RollbackExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{"s", "b", "a"}, report.Order)

	calls := executor.calls()
	assert.Equal(t, []string{"scale search 1", "stop b", "stop a"}, calls[len(calls)-3:])

	_, err = c.RollbackExecution(context.Background(), result.ExecutionID)
	assert.True(t, errors.IsConflictError(err))

	stored, err := c.GetExecutionResult(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	require.Len(t, audit.results, 1)
	assert.Equal(t, result.ExecutionID, audit.results[0].ExecutionID)
	assert.Len(t, c.ListExecutions(), 1)
}

func TestCompensate_AlreadyRunningIsKept(t *testing.T) {
	executor := newFakeExecutor("a")
	executor.setState("a", statemachine.StateRunning)
	c := newCoordinator(t, executor, nil, Options{})

	result := execute(t, c, Batch{Name: "noop", Strategy: Strategy{Type: StrategySequential}, Items: startItems("a")}, ExecutionContext{})
	report, err := c.RollbackExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "instance was already running", report.Items["a"].Message)
	assert.NotContains(t, executor.calls(), "stop a")
}

func TestTemplates(t *testing.T) {
	executor := newFakeExecutor()
	c := newCoordinator(t, executor, nil, Options{})

	template := Template{
		TemplateID: "restart-env",
		Name:       "Restart environment",
		Parameters: []TemplateParameter{
			{Name: "env", Required: true, Pattern: "^(dev|prod)$"},
			{Name: "count", Default: "2"},
		},
		Items: []TemplateItem{
			{ItemID: "api", Operation: OperationRestart, TargetTemplate: "api-{{env}}"},
			{ItemID: "scale", Operation: OperationScale, TargetTemplate: "worker", Parameters: map[string]string{"instances": "{{count}}"}, Dependencies: []string{"api"}},
		},
		Strategy: Strategy{Type: StrategySequential},
	}
	require.NoError(t, c.CreateTemplate(template))
	assert.True(t, errors.IsConflictError(c.CreateTemplate(template)))

	t.Run("undeclared_placeholder", func(t *testing.T) {
		bad := template
		bad.TemplateID = "bad"
		bad.Items = []TemplateItem{{ItemID: "x", Operation: OperationStart, TargetTemplate: "{{region}}"}}
		assert.True(t, errors.IsValidationError(c.CreateTemplate(bad)))
	})

	t.Run("instantiate", func(t *testing.T) {
		batchID, err := c.InstantiateTemplate("restart-env", "", map[string]string{"env": "prod"})
		require.NoError(t, err)

		batch, err := c.GetBatch(batchID)
		require.NoError(t, err)
		assert.Equal(t, "Restart environment", batch.Name)
		assert.Equal(t, "api-prod", batch.Items[0].Target)
		assert.Equal(t, "2", batch.Items[1].Parameters["instances"])
	})

	t.Run("parameter_errors", func(t *testing.T) {
		_, err := c.InstantiateTemplate("restart-env", "x", nil)
		assert.True(t, errors.IsValidationError(err))
		_, err = c.InstantiateTemplate("restart-env", "x", map[string]string{"env": "staging"})
		assert.True(t, errors.IsValidationError(err))
		_, err = c.InstantiateTemplate("restart-env", "x", map[string]string{"env": "dev", "zone": "a"})
		assert.True(t, errors.IsValidationError(err))
		_, err = c.InstantiateTemplate("ghost", "x", nil)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("list_and_remove", func(t *testing.T) {
		templates := c.ListTemplates()
		require.Len(t, templates, 1)
		assert.Equal(t, "restart-env", templates[0].TemplateID)
		require.NoError(t, c.RemoveTemplate("restart-env"))
		assert.True(t, errors.IsNotFoundError(c.RemoveTemplate("restart-env")))
	})
}

func TestCoordinator_EventsAndCollectors(t *testing.T) {
	executor := newFakeExecutor("a")
	c := newCoordinator(t, executor, nil, Options{})
	sub := c.Subscribe()
	defer sub.Close()

	execute(t, c, Batch{Name: "events", Strategy: Strategy{Type: StrategySequential}, Items: startItems("a")}, ExecutionContext{})

	var types []EventType
	for sub.Pending() > 0 {
		event, err := sub.Next(context.Background())
		require.NoError(t, err)
		types = append(types, event.Type)
	}
	assert.Equal(t, []EventType{
		EventBatchCreated, EventExecutionStarted, EventItemStarted, EventItemCompleted, EventProgress, EventExecutionCompleted,
	}, types)

	registry := prometheus.NewRegistry()
	for _, collector := range c.Collectors() {
		require.NoError(t, registry.Register(collector))
	}
	families, err := registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	sort.Strings(names)
	assert.Contains(t, names, "plugin_lifecycle_batch_executions_total")
	assert.Contains(t, names, "plugin_lifecycle_batch_items_total")

	metrics := c.Metrics()
	assert.Equal(t, uint64(1), metrics.SuccessfulExecutions)
	assert.Equal(t, uint64(1), metrics.ItemsExecuted)
}
