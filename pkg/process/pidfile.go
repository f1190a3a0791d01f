package process

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

const DefaultAppName = "hsu-plugin-lifecycle"

// PIDFiles keeps one PID file per running plugin instance
type PIDFiles struct {
	directory string
	logger    logging.Logger
}

// NewPIDFiles uses directory, or a per-user runtime directory when empty
func NewPIDFiles(directory string, logger logging.Logger) *PIDFiles {
	if directory == "" {
		directory = filepath.Join(defaultRuntimeDirectory(), DefaultAppName)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &PIDFiles{directory: directory, logger: logger}
}

func (f *PIDFiles) Directory() string { return f.directory }

func (f *PIDFiles) Path(instanceID string) string {
	return filepath.Join(f.directory, instanceID+".pid")
}

func (f *PIDFiles) Write(instanceID string, pid int) error {
	path := f.Path(instanceID)
	if err := os.MkdirAll(f.directory, 0755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", f.directory)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		f.logger.Errorf("Failed to write PID file, id: %s, pid: %d, path: %s, error: %v", instanceID, pid, path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}
	f.logger.Debugf("PID file written, id: %s, pid: %d, path: %s", instanceID, pid, path)
	return nil
}

func (f *PIDFiles) Read(instanceID string) (int, error) {
	path := f.Path(instanceID)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}
	text := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", path).WithContext("content", text)
	}
	return pid, nil
}

func (f *PIDFiles) Remove(instanceID string) error {
	path := f.Path(instanceID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

func defaultRuntimeDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}
