package manager

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/automation"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/plugin"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
)

// Config represents the top-level configuration file structure
type Config struct {
	Service    ServiceConfig      `yaml:"service"`
	Lifecycle  lifecycle.Options  `yaml:"lifecycle,omitempty"`
	Automation automation.Options `yaml:"automation,omitempty"`
	Batch      batch.Options      `yaml:"batch,omitempty"`
	Plugins    []plugin.Manifest  `yaml:"plugins"`
	Policies   []policy.Policy    `yaml:"policies,omitempty"`
	Rules      []automation.Rule  `yaml:"rules,omitempty"`
	Templates  []batch.Template   `yaml:"templates,omitempty"`
}

// ServiceConfig represents service-level configuration
type ServiceConfig struct {
	LogLevel              string        `yaml:"log_level,omitempty"`
	AdminAddress          string        `yaml:"admin_address,omitempty"`
	GRPCHealthPort        int           `yaml:"grpc_health_port,omitempty"`
	JWTSecret             string        `yaml:"jwt_secret,omitempty"`
	RuntimeDirectory      string        `yaml:"runtime_directory,omitempty"`
	SandboxRoot           string        `yaml:"sandbox_root,omitempty"`
	AuditDatabase         string        `yaml:"audit_database,omitempty"`
	BundleFile            string        `yaml:"bundle_file,omitempty"`
	HistoryLimit          int           `yaml:"history_limit,omitempty"`
	DependencyCacheSize   int           `yaml:"dependency_cache_size,omitempty"`
	PolicyActionTimeout   time.Duration `yaml:"policy_action_timeout,omitempty"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval,omitempty"`
	ResourceCheckInterval time.Duration `yaml:"resource_check_interval,omitempty"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout,omitempty"`
}

const (
	DefaultAdminAddress          = ":8080"
	DefaultGRPCHealthPort        = 50055
	DefaultDependencyCacheSize   = 256
	DefaultHealthCheckInterval   = time.Second
	DefaultResourceCheckInterval = 30 * time.Second
	DefaultShutdownTimeout       = 30 * time.Second
)

// LoadConfigFromFile loads service configuration from a YAML file
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateServiceConfig(&config.Service); err != nil {
		return errors.NewValidationError("invalid service configuration", err)
	}

	seen := make(map[string]int, len(config.Plugins))
	for i, manifest := range config.Plugins {
		if err := ValidateID(manifest.ID); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid plugin ID at index %d", i), err).
				WithContext("plugin_id", manifest.ID)
		}
		if prev, exists := seen[manifest.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate plugin ID '%s' found at indices %d and %d", manifest.ID, prev, i),
				nil,
			)
		}
		seen[manifest.ID] = i

		if err := plugin.ValidateManifest(manifest); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid plugin manifest at index %d", i), err).
				WithContext("plugin_id", manifest.ID)
		}
	}

	for i, manifest := range config.Plugins {
		for _, dep := range manifest.Dependencies {
			if _, exists := seen[dep.PluginID]; !exists && !dep.Optional {
				return errors.NewValidationError(
					fmt.Sprintf("plugin at index %d depends on unknown plugin %s", i, dep.PluginID),
					nil,
				).WithContext("plugin_id", manifest.ID)
			}
		}
	}

	bundle := Bundle{Version: BundleVersion, Policies: config.Policies, Rules: config.Rules, Templates: config.Templates}
	if err := ValidateBundle(bundle); err != nil {
		return errors.NewValidationError("invalid policies, rules or templates", err)
	}
	return nil
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *Config) {
	service := &config.Service
	if service.LogLevel == "" {
		service.LogLevel = "info"
	}
	if service.AdminAddress == "" {
		service.AdminAddress = DefaultAdminAddress
	}
	if service.GRPCHealthPort == 0 {
		service.GRPCHealthPort = DefaultGRPCHealthPort
	}
	if service.DependencyCacheSize == 0 {
		service.DependencyCacheSize = DefaultDependencyCacheSize
	}
	if service.HealthCheckInterval == 0 {
		service.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if service.ResourceCheckInterval == 0 {
		service.ResourceCheckInterval = DefaultResourceCheckInterval
	}
	if service.ShutdownTimeout == 0 {
		service.ShutdownTimeout = DefaultShutdownTimeout
	}

	for i := range config.Policies {
		if config.Policies[i].EvaluationMode == "" {
			config.Policies[i].EvaluationMode = policy.EvaluationModeAll
		}
	}
}

func validateServiceConfig(config *ServiceConfig) error {
	if err := ValidatePort(config.GRPCHealthPort); err != nil {
		return errors.NewValidationError(fmt.Sprintf("invalid gRPC health port: %d", config.GRPCHealthPort), err).
			WithContext("valid_range", "1-65535")
	}
	if config.AdminAddress != "" {
		if err := ValidateNetworkAddress(config.AdminAddress); err != nil {
			return err
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if config.LogLevel != "" {
		valid := false
		for _, level := range validLogLevels {
			if config.LogLevel == level {
				valid = true
				break
			}
		}
		if !valid {
			return errors.NewValidationError(
				fmt.Sprintf("invalid log level: %s", config.LogLevel),
				nil,
			).WithContext("valid_levels", "debug, info, warn, error")
		}
	}

	if config.ShutdownTimeout < 0 || config.HealthCheckInterval < 0 || config.ResourceCheckInterval < 0 {
		return errors.NewValidationError("intervals and timeouts cannot be negative", nil)
	}
	return nil
}
