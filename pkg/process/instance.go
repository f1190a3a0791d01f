// Package process runs a plugin instance as an OS process.
package process

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

// Instance is one plugin process. It can be started again after it exits.
type Instance struct {
	instanceID string
	pluginID   string
	config     ExecutionConfig
	logger     logging.Logger

	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
	mutex   sync.Mutex
}

func NewInstance(instanceID, pluginID string, config ExecutionConfig, logger logging.Logger) *Instance {
	if config.GracefulTimeout <= 0 {
		config.GracefulTimeout = DefaultGracefulTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	closed := make(chan struct{})
	close(closed)
	return &Instance{
		instanceID: instanceID,
		pluginID:   pluginID,
		config:     config,
		logger:     logger,
		exited:     closed,
	}
}

func (p *Instance) InstanceID() string { return p.instanceID }

func (p *Instance) PluginID() string { return p.pluginID }

// PID returns the process ID, or 0 when not running
func (p *Instance) PID() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.cmd == nil || p.cmd.Process == nil || p.isExitedUnsafe() {
		return 0
	}
	return p.cmd.Process.Pid
}

// Start launches the process. The process is not bound to ctx; ctx only
// bounds the launch itself.
func (p *Instance) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("start cancelled", err).WithContext("instance_id", p.instanceID)
	}
	if err := ValidateExecutionConfig(p.config); err != nil {
		return errors.NewValidationError("invalid execution configuration", err).WithContext("instance_id", p.instanceID)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isExitedUnsafe() {
		return errors.NewAlreadyRunningError("process already running", nil).
			WithContext("instance_id", p.instanceID).WithContext("pid", p.cmd.Process.Pid)
	}

	workDir, err := workingDirectory(p.config)
	if err != nil {
		return err
	}

	cmd := exec.Command(p.config.ExecutablePath, p.config.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), p.config.Environment...)
	setupProcessAttributes(cmd)

	output := newLineWriter(p.logger, p.instanceID)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = time.Second

	p.logger.Debugf("Executing process, id: %s, path: '%s', args: %v, dir: '%s'",
		p.instanceID, p.config.ExecutablePath, p.config.Args, workDir)

	if err := cmd.Start(); err != nil {
		return errors.NewProcessError("failed to start the process", err).
			WithContext("instance_id", p.instanceID).
			WithContext("executable_path", p.config.ExecutablePath)
	}

	exited := make(chan struct{})
	p.cmd = cmd
	p.exited = exited
	p.exitErr = nil

	go p.wait(cmd, exited, output)

	p.logger.Infof("Process started, id: %s, pid: %d", p.instanceID, cmd.Process.Pid)
	return nil
}

func (p *Instance) wait(cmd *exec.Cmd, exited chan struct{}, output *lineWriter) {
	err := cmd.Wait()
	output.Flush()

	p.mutex.Lock()
	p.exitErr = err
	close(exited)
	p.mutex.Unlock()

	if err != nil {
		p.logger.Warnf("Process exited, id: %s, error: %v", p.instanceID, err)
	} else {
		p.logger.Infof("Process exited, id: %s", p.instanceID)
	}
}

// Stop asks the process to terminate and kills it when the graceful timeout or
// ctx expires first
func (p *Instance) Stop(ctx context.Context) error {
	p.mutex.Lock()
	cmd := p.cmd
	exited := p.exited
	p.mutex.Unlock()

	if cmd == nil || isClosed(exited) {
		return nil
	}

	pid := cmd.Process.Pid
	p.logger.Infof("Stopping process, id: %s, pid: %d", p.instanceID, pid)

	if err := sendTerminationSignal(cmd.Process); err != nil {
		p.logger.Warnf("Failed to send termination signal, id: %s, error: %v", p.instanceID, err)
	}

	graceful, cancel := context.WithTimeout(ctx, p.config.GracefulTimeout)
	defer cancel()

	select {
	case <-exited:
		return nil
	case <-graceful.Done():
	}

	p.logger.Warnf("Process did not exit gracefully, killing, id: %s, pid: %d", p.instanceID, pid)
	if err := killProcess(cmd.Process); err != nil && !isClosed(exited) {
		return errors.NewProcessError("failed to kill process", err).WithContext("instance_id", p.instanceID)
	}
	<-exited
	return nil
}

// Exited is closed when the current process exits
func (p *Instance) Exited() <-chan struct{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.exited
}

// ExitError returns the wait error of the last exit
func (p *Instance) ExitError() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.exitErr
}

func (p *Instance) isExitedUnsafe() bool {
	return isClosed(p.exited)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
