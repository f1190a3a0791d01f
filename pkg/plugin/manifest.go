// Package plugin defines the collaborators the lifecycle core consumes:
// the plugin registry, instance runtimes and sandboxes.
package plugin

import (
	"github.com/go-playground/validator/v10"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/monitoring"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/process"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/resourcelimits"
)

// Dependency declares that every instance of a plugin needs an instance of
// another plugin running first
type Dependency struct {
	PluginID string `yaml:"plugin_id" json:"plugin_id" validate:"required"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

type SandboxConfig struct {
	Isolated    bool     `yaml:"isolated,omitempty" json:"isolated,omitempty"`
	Environment []string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

type Manifest struct {
	ID             string                       `yaml:"id" json:"id" validate:"required"`
	Name           string                       `yaml:"name,omitempty" json:"name,omitempty"`
	Version        string                       `yaml:"version,omitempty" json:"version,omitempty"`
	Description    string                       `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled        bool                         `yaml:"enabled" json:"enabled"`
	AutoStart      bool                         `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	Instances      int                          `yaml:"instances,omitempty" json:"instances,omitempty" validate:"gte=0"`
	Dependencies   []Dependency                 `yaml:"dependencies,omitempty" json:"dependencies,omitempty" validate:"dive"`
	Execution      process.ExecutionConfig      `yaml:"execution,omitempty" json:"execution,omitempty"`
	HealthCheck    monitoring.HealthCheckConfig `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	ResourceLimits resourcelimits.Limits        `yaml:"resource_limits,omitempty" json:"resource_limits,omitempty"`
	Sandbox        SandboxConfig                `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
	Metadata       map[string]string            `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

var manifestValidator = validator.New()

func ValidateManifest(manifest Manifest) error {
	if err := manifestValidator.Struct(manifest); err != nil {
		return errors.NewValidationError("invalid plugin manifest", err).WithContext("plugin_id", manifest.ID)
	}

	seen := make(map[string]bool, len(manifest.Dependencies))
	for _, dep := range manifest.Dependencies {
		if dep.PluginID == manifest.ID {
			return errors.NewCircularDependencyError("plugin depends on itself", nil).WithContext("plugin_id", manifest.ID)
		}
		if seen[dep.PluginID] {
			return errors.NewValidationError("duplicate plugin dependency", nil).
				WithContext("plugin_id", manifest.ID).WithContext("dependency", dep.PluginID)
		}
		seen[dep.PluginID] = true
	}

	if err := monitoring.ValidateHealthCheckConfig(withHealthDefaults(manifest.HealthCheck)); err != nil {
		return errors.NewValidationError("invalid health check", err).WithContext("plugin_id", manifest.ID)
	}
	if err := resourcelimits.ValidateLimits(manifest.ResourceLimits); err != nil {
		return errors.NewValidationError("invalid resource limits", err).WithContext("plugin_id", manifest.ID)
	}
	return nil
}

func withHealthDefaults(config monitoring.HealthCheckConfig) monitoring.HealthCheckConfig {
	if config.RunOptions.Interval == 0 {
		config.RunOptions.Interval = monitoring.DefaultInterval
	}
	if config.RunOptions.Timeout == 0 && config.RunOptions.Interval > monitoring.DefaultTimeout {
		config.RunOptions.Timeout = monitoring.DefaultTimeout
	} else if config.RunOptions.Timeout == 0 {
		config.RunOptions.Timeout = config.RunOptions.Interval / 2
	}
	return config
}
