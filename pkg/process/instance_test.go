//go:build !windows

package process

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

func shellPath(t *testing.T) string {
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestValidateExecutionConfig(t *testing.T) {
	sh := shellPath(t)

	tests := []struct {
		name    string
		config  ExecutionConfig
		wantErr bool
	}{
		{"valid", ExecutionConfig{ExecutablePath: sh}, false},
		{"missing_path", ExecutionConfig{}, true},
		{"nonexistent", ExecutionConfig{ExecutablePath: "/nonexistent/binary"}, true},
		{"relative_workdir", ExecutionConfig{ExecutablePath: sh, WorkingDirectory: "relative"}, true},
		{"bad_env", ExecutionConfig{ExecutablePath: sh, Environment: []string{"NOVALUE"}}, true},
		{"negative_timeout", ExecutionConfig{ExecutablePath: sh, GracefulTimeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExecutionConfig(tt.config)
			if tt.wantErr {
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInstance_StartStop(t *testing.T) {
	sh := shellPath(t)
	instance := NewInstance("p-1", "p", ExecutionConfig{
		ExecutablePath:  sh,
		Args:            []string{"-c", "sleep 30"},
		GracefulTimeout: 2 * time.Second,
	}, nil)

	assert.Equal(t, 0, instance.PID())
	require.NoError(t, instance.Start(context.Background()))
	assert.Greater(t, instance.PID(), 0)
	assert.True(t, errors.IsAlreadyRunningError(instance.Start(context.Background())))

	require.NoError(t, instance.Stop(context.Background()))
	select {
	case <-instance.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 0, instance.PID())

	// Stopping an exited process is a no-op
	assert.NoError(t, instance.Stop(context.Background()))
}

func TestInstance_ExitIsObserved(t *testing.T) {
	sh := shellPath(t)
	instance := NewInstance("p-2", "p", ExecutionConfig{
		ExecutablePath: sh,
		Args:           []string{"-c", "echo hello; exit 3"},
	}, nil)

	require.NoError(t, instance.Start(context.Background()))
	select {
	case <-instance.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Error(t, instance.ExitError())

	// Restart after exit
	require.NoError(t, instance.Start(context.Background()))
	<-instance.Exited()
}

func TestInstance_KillAfterTimeout(t *testing.T) {
	sh := shellPath(t)
	instance := NewInstance("p-3", "p", ExecutionConfig{
		ExecutablePath:  sh,
		Args:            []string{"-c", "trap '' TERM; sleep 30"},
		GracefulTimeout: 200 * time.Millisecond,
	}, nil)

	require.NoError(t, instance.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, instance.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInstance_StartCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	instance := NewInstance("p-4", "p", ExecutionConfig{ExecutablePath: shellPath(t)}, nil)
	assert.True(t, errors.IsCancelledError(instance.Start(ctx)))
}
