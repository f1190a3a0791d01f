package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

// Sandbox is the isolated environment an instance runs in
type Sandbox struct {
	ID          string
	PluginID    string
	Directory   string
	Environment []string
}

type SecurityManager interface {
	CreateSandbox(ctx context.Context, pluginID string, config SandboxConfig) (Sandbox, error)
	DestroySandbox(ctx context.Context, sandboxID string) error
}

// DirectorySandboxManager gives each isolated instance its own private
// working directory under a root
type DirectorySandboxManager struct {
	root      string
	sandboxes map[string]Sandbox
	logger    logging.Logger
	mutex     sync.Mutex
}

func NewDirectorySandboxManager(root string, logger logging.Logger) *DirectorySandboxManager {
	if root == "" {
		root = filepath.Join(os.TempDir(), "hsu-plugin-sandboxes")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DirectorySandboxManager{
		root:      root,
		sandboxes: make(map[string]Sandbox),
		logger:    logger,
	}
}

func (m *DirectorySandboxManager) CreateSandbox(ctx context.Context, pluginID string, config SandboxConfig) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return Sandbox{}, errors.NewCancelledError("sandbox creation cancelled", err).WithContext("plugin_id", pluginID)
	}

	sandbox := Sandbox{
		ID:          uuid.NewString(),
		PluginID:    pluginID,
		Environment: append([]string{}, config.Environment...),
	}

	if config.Isolated {
		sandbox.Directory = filepath.Join(m.root, pluginID, sandbox.ID)
		if err := os.MkdirAll(sandbox.Directory, 0700); err != nil {
			return Sandbox{}, errors.NewIOError("failed to create sandbox directory", err).
				WithContext("plugin_id", pluginID).WithContext("directory", sandbox.Directory)
		}
		sandbox.Environment = append(sandbox.Environment, "PLUGIN_SANDBOX_DIR="+sandbox.Directory)
	}

	m.mutex.Lock()
	m.sandboxes[sandbox.ID] = sandbox
	m.mutex.Unlock()

	m.logger.Debugf("Sandbox created, id: %s, plugin: %s, directory: '%s'", sandbox.ID, pluginID, sandbox.Directory)
	return sandbox, nil
}

func (m *DirectorySandboxManager) DestroySandbox(ctx context.Context, sandboxID string) error {
	m.mutex.Lock()
	sandbox, exists := m.sandboxes[sandboxID]
	delete(m.sandboxes, sandboxID)
	m.mutex.Unlock()

	if !exists {
		return errors.NewNotFoundError("sandbox not found", nil).WithContext("sandbox_id", sandboxID)
	}
	if sandbox.Directory != "" {
		if err := os.RemoveAll(sandbox.Directory); err != nil {
			return errors.NewIOError("failed to remove sandbox directory", err).WithContext("directory", sandbox.Directory)
		}
	}

	m.logger.Debugf("Sandbox destroyed, id: %s, plugin: %s", sandboxID, sandbox.PluginID)
	return nil
}

func (m *DirectorySandboxManager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sandboxes)
}
