package lifecycle

import (
	"context"
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/monitoring"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/resourcelimits"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

// ResourceManager tracks resource usage of running instances
type ResourceManager interface {
	RegisterInstance(instanceID string, pid int, limits resourcelimits.Limits) error
	UnregisterInstance(instanceID string) error
	GetUsage(ctx context.Context, instanceID string) (resourcelimits.Usage, error)
}

// HealthMonitor checks health of running instances
type HealthMonitor interface {
	RegisterInstance(instanceID string, config monitoring.HealthCheckConfig, pid int) error
	UnregisterInstance(instanceID string) error
	PerformHealthCheck(ctx context.Context, instanceID string) (bool, error)
	GetStatus(instanceID string) (monitoring.HealthCheckState, error)
}

// Operation names used for policy evaluation and metrics
const (
	OperationCreate  = "create"
	OperationStart   = "start"
	OperationStop    = "stop"
	OperationRestart = "restart"
	OperationScale   = "scale"
	OperationRemove  = "remove"
)

const (
	DefaultStartTimeout       = 60 * time.Second
	DefaultStopTimeout        = 30 * time.Second
	DefaultHealthTimeout      = 30 * time.Second
	DefaultHealthPollInterval = 500 * time.Millisecond
)

type Options struct {
	StartTimeout       time.Duration `yaml:"start_timeout,omitempty"`
	StopTimeout        time.Duration `yaml:"stop_timeout,omitempty"`
	HealthTimeout      time.Duration `yaml:"health_timeout,omitempty"`
	HealthPollInterval time.Duration `yaml:"health_poll_interval,omitempty"`
	EventCapacity      int           `yaml:"event_capacity,omitempty"`
}

func (o *Options) setDefaults() {
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}
	if o.HealthPollInterval <= 0 {
		o.HealthPollInterval = DefaultHealthPollInterval
	}
}

// InstanceConfig customizes a new instance. Zero values fall back to the
// plugin manifest.
type InstanceConfig struct {
	InstanceID     string                        `yaml:"instance_id,omitempty" json:"instance_id,omitempty"`
	Dependencies   []dependency.Edge             `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	ResourceLimits *resourcelimits.Limits        `yaml:"resource_limits,omitempty" json:"resource_limits,omitempty"`
	HealthCheck    *monitoring.HealthCheckConfig `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	Metadata       map[string]string             `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

type EventType string

const (
	EventInstanceCreated   EventType = "instance_created"
	EventInstanceStarting  EventType = "instance_starting"
	EventInstanceStarted   EventType = "instance_started"
	EventInstanceStopping  EventType = "instance_stopping"
	EventInstanceStopped   EventType = "instance_stopped"
	EventInstanceRestarted EventType = "instance_restarted"
	EventInstanceReplaced  EventType = "instance_replaced"
	EventInstanceCrashed   EventType = "instance_crashed"
	EventInstanceRemoved   EventType = "instance_removed"
	EventPluginScaled      EventType = "plugin_scaled"
	EventOperationFailed   EventType = "operation_failed"
	EventOperationDenied   EventType = "operation_denied"
	EventRollbackPerformed EventType = "rollback_performed"
	EventNotification      EventType = "notification"
)

type Event struct {
	EventID    string            `json:"event_id"`
	Type       EventType         `json:"type"`
	InstanceID string            `json:"instance_id,omitempty"`
	PluginID   string            `json:"plugin_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

type InstanceInfo struct {
	InstanceID   string                       `json:"instance_id"`
	PluginID     string                       `json:"plugin_id"`
	State        statemachine.State           `json:"state"`
	Dependencies []dependency.Edge            `json:"dependencies,omitempty"`
	Dependents   []string                     `json:"dependents,omitempty"`
	PID          int                          `json:"pid,omitempty"`
	Health       monitoring.HealthCheckStatus `json:"health,omitempty"`
	CreatedAt    time.Time                    `json:"created_at"`
	StartedAt    time.Time                    `json:"started_at,omitempty"`
	RestartCount int                          `json:"restart_count"`
	Metadata     map[string]string            `json:"metadata,omitempty"`
}

type ScaleResult struct {
	PluginID string   `json:"plugin_id"`
	Previous int      `json:"previous"`
	Current  int      `json:"current"`
	Created  []string `json:"created,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

type Metrics struct {
	TotalInstances       int                        `json:"total_instances"`
	InstancesByState     map[statemachine.State]int `json:"instances_by_state"`
	OperationsSucceeded  uint64                     `json:"operations_succeeded"`
	OperationsFailed     uint64                     `json:"operations_failed"`
	OperationsDenied     uint64                     `json:"operations_denied"`
	Crashes              uint64                     `json:"crashes"`
	Rollbacks            uint64                     `json:"rollbacks"`
	ZeroDowntimeRestarts uint64                     `json:"zero_downtime_restarts"`
	AverageStartTime     time.Duration              `json:"average_start_time"`
}
