package plugin

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/process"
)

// Instance is the runtime of one plugin instance
type Instance interface {
	InstanceID() string
	PluginID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ExitNotifier is implemented by runtimes that can exit on their own.
// Exited returns a channel closed when the current run ends.
type ExitNotifier interface {
	Exited() <-chan struct{}
}

// ProcessInfo is implemented by runtimes backed by an OS process
type ProcessInfo interface {
	PID() int
}

type InstanceFactory interface {
	CreateInstance(ctx context.Context, instanceID string, manifest Manifest, sandbox Sandbox) (Instance, error)
}

// ProcessFactory creates process-backed instances
type ProcessFactory struct {
	pidFiles *process.PIDFiles
	logger   logging.Logger
}

// NewProcessFactory creates a factory. pidFiles may be nil.
func NewProcessFactory(pidFiles *process.PIDFiles, logger logging.Logger) *ProcessFactory {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ProcessFactory{pidFiles: pidFiles, logger: logger}
}

func (f *ProcessFactory) CreateInstance(ctx context.Context, instanceID string, manifest Manifest, sandbox Sandbox) (Instance, error) {
	if manifest.Execution.ExecutablePath == "" {
		return nil, errors.NewValidationError("plugin has no executable", nil).
			WithContext("plugin_id", manifest.ID).WithContext("instance_id", instanceID)
	}

	config := manifest.Execution
	config.Environment = append(append([]string{}, config.Environment...), sandbox.Environment...)
	config.Environment = append(config.Environment,
		fmt.Sprintf("PLUGIN_ID=%s", manifest.ID),
		fmt.Sprintf("PLUGIN_INSTANCE_ID=%s", instanceID),
	)
	if config.WorkingDirectory == "" && sandbox.Directory != "" {
		config.WorkingDirectory = sandbox.Directory
	}

	if err := process.ValidateExecutionConfig(config); err != nil {
		return nil, errors.NewValidationError("invalid execution configuration", err).
			WithContext("plugin_id", manifest.ID).WithContext("instance_id", instanceID)
	}

	return &processInstance{
		Instance: process.NewInstance(instanceID, manifest.ID, config, logging.Child(f.logger, instanceID+", ")),
		pidFiles: f.pidFiles,
		logger:   f.logger,
	}, nil
}

type processInstance struct {
	*process.Instance
	pidFiles *process.PIDFiles
	logger   logging.Logger
}

func (p *processInstance) Start(ctx context.Context) error {
	if err := p.Instance.Start(ctx); err != nil {
		return err
	}
	if p.pidFiles != nil {
		if err := p.pidFiles.Write(p.InstanceID(), p.PID()); err != nil {
			p.logger.Warnf("Failed to write PID file, id: %s, error: %v", p.InstanceID(), err)
		}
	}
	return nil
}

func (p *processInstance) Stop(ctx context.Context) error {
	err := p.Instance.Stop(ctx)
	if p.pidFiles != nil {
		if removeErr := p.pidFiles.Remove(p.InstanceID()); removeErr != nil {
			p.logger.Warnf("Failed to remove PID file, id: %s, error: %v", p.InstanceID(), removeErr)
		}
	}
	return err
}
