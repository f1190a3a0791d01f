package process

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

const DefaultGracefulTimeout = 10 * time.Second

// ExecutionConfig describes how a plugin process is launched
type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path" json:"executable_path"`
	Args             []string      `yaml:"args,omitempty" json:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty" json:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	GracefulTimeout  time.Duration `yaml:"graceful_timeout,omitempty" json:"graceful_timeout,omitempty"`
}

func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if _, err := os.Stat(config.ExecutablePath); os.IsNotExist(err) {
		return errors.NewValidationError("executable not found: "+config.ExecutablePath, err)
	}

	if config.WorkingDirectory != "" {
		if !filepath.IsAbs(config.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}
		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	if config.GracefulTimeout < 0 {
		return errors.NewValidationError("graceful timeout cannot be negative", nil)
	}

	return nil
}

func workingDirectory(config ExecutionConfig) (string, error) {
	if config.WorkingDirectory != "" {
		return config.WorkingDirectory, nil
	}
	absPath, err := filepath.Abs(config.ExecutablePath)
	if err != nil {
		return "", errors.NewIOError("failed to get absolute path", err).WithContext("executable_path", config.ExecutablePath)
	}
	return filepath.Dir(absPath), nil
}
