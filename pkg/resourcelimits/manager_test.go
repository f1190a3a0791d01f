package resourcelimits

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

type MockSampler struct {
	mock.Mock
}

func (m *MockSampler) Sample(ctx context.Context, pid int) (Usage, error) {
	args := m.Called(ctx, pid)
	return args.Get(0).(Usage), args.Error(1)
}

func TestCheckViolations(t *testing.T) {
	limits := Limits{
		Memory:  &MemoryLimits{MaxRSS: 1000, WarningThreshold: 80, Policy: PolicyRestart},
		CPU:     &CPULimits{MaxPercent: 50, MaxTime: 10 * time.Second, Policy: PolicyAlert},
		Process: &ProcessLimits{MaxFileDescriptors: 10, MaxChildProcesses: 2},
	}

	t.Run("within_limits", func(t *testing.T) {
		assert.Empty(t, CheckViolations("x", Usage{MemoryRSS: 100, CPUPercent: 5}, limits))
	})

	t.Run("memory_warning", func(t *testing.T) {
		violations := CheckViolations("x", Usage{MemoryRSS: 900}, limits)
		require.Len(t, violations, 1)
		assert.Equal(t, SeverityWarning, violations[0].Severity)
		assert.Empty(t, violations[0].Policy)
	})

	t.Run("critical_carries_policy", func(t *testing.T) {
		violations := CheckViolations("x", Usage{MemoryRSS: 2000, CPUPercent: 75, CPUTime: 11}, limits)
		require.Len(t, violations, 3)
		assert.Equal(t, PolicyRestart, violations[0].Policy)
		assert.Equal(t, LimitTypeCPU, violations[1].LimitType)
		assert.Equal(t, PolicyAlert, violations[1].Policy)
		assert.Equal(t, "x", violations[2].InstanceID)
	})

	t.Run("process_limits", func(t *testing.T) {
		violations := CheckViolations("x", Usage{OpenFileDescriptors: 11, ChildProcesses: 3}, limits)
		assert.Len(t, violations, 2)
	})
}

func TestValidateLimits(t *testing.T) {
	assert.NoError(t, ValidateLimits(Limits{}))
	assert.Error(t, ValidateLimits(Limits{Memory: &MemoryLimits{MaxRSS: -1}}))
	assert.Error(t, ValidateLimits(Limits{CPU: &CPULimits{WarningThreshold: 101}}))
	assert.Error(t, ValidateLimits(Limits{Process: &ProcessLimits{MaxChildProcesses: -2}}))
}

func TestManager_RegisterAndUsage(t *testing.T) {
	sampler := &MockSampler{}
	sampler.On("Sample", mock.Anything, 42).Return(Usage{MemoryRSS: 10, CPUPercent: 1.5}, nil)

	manager := NewManager(sampler, nil)
	require.NoError(t, manager.RegisterInstance("x", 42, Limits{CPU: &CPULimits{MaxPercent: 1}}))
	assert.True(t, errors.IsConflictError(manager.RegisterInstance("x", 42, Limits{})))
	assert.True(t, errors.IsValidationError(manager.RegisterInstance("y", 1, Limits{Memory: &MemoryLimits{MaxRSS: -5}})))

	usage, err := manager.GetUsage(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1.5, usage.CPUPercent)
	assert.Equal(t, 1.5, usage.AsMap()["cpu_percent"])

	violations, err := manager.CheckViolations(context.Background(), "x")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Len(t, manager.GetViolations("x"), 1)

	require.NoError(t, manager.UnregisterInstance("x"))
	_, err = manager.GetUsage(context.Background(), "x")
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(manager.UnregisterInstance("x")))
}

func TestManager_SweepDispatchesCritical(t *testing.T) {
	sampler := &MockSampler{}
	sampler.On("Sample", mock.Anything, 1).Return(Usage{MemoryRSS: 500}, nil)
	sampler.On("Sample", mock.Anything, 2).Return(Usage{MemoryRSS: 5000}, nil)

	manager := NewManager(sampler, nil)
	limits := Limits{Memory: &MemoryLimits{MaxRSS: 1000, Policy: PolicyShutdown}}
	require.NoError(t, manager.RegisterInstance("ok", 1, limits))
	require.NoError(t, manager.RegisterInstance("hog", 2, limits))
	require.NoError(t, manager.RegisterInstance("untracked", 3, Limits{}))

	var mutex sync.Mutex
	var received []Violation
	manager.SetViolationCallback(func(v Violation) {
		mutex.Lock()
		defer mutex.Unlock()
		received = append(received, v)
	})

	manager.Sweep(context.Background())

	require.Len(t, received, 1)
	assert.Equal(t, "hog", received[0].InstanceID)
	assert.Equal(t, PolicyShutdown, received[0].Policy)
	sampler.AssertNotCalled(t, "Sample", mock.Anything, 3)
}

func TestProcessSampler_CurrentProcess(t *testing.T) {
	usage, err := ProcessSampler{}.Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, usage.MemoryRSS, int64(0))

	_, err = ProcessSampler{}.Sample(context.Background(), 0)
	assert.True(t, errors.IsValidationError(err))
}
