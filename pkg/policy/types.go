package policy

import (
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/rules"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

type EvaluationMode string

const (
	// EvaluationModeAll requires every condition to hold
	EvaluationModeAll EvaluationMode = "all"

	// EvaluationModeAny requires at least one condition to hold
	EvaluationModeAny EvaluationMode = "any"
)

// ConditionType selects which part of the evaluation context a condition reads
type ConditionType string

const (
	ConditionOperation ConditionType = "operation"
	ConditionPlugin    ConditionType = "plugin"
	ConditionInstance  ConditionType = "instance"
	ConditionState     ConditionType = "state"
	ConditionHealth    ConditionType = "health"
	ConditionResource  ConditionType = "resource" // Field names the resource, e.g. "cpu_percent"
	ConditionMetadata  ConditionType = "metadata" // Field names the metadata key
	ConditionTime      ConditionType = "time"     // Field is hour, minute, weekday or timestamp
)

type Condition struct {
	Type     ConditionType  `yaml:"type" json:"type" validate:"required,oneof=operation plugin instance state health resource metadata time"`
	Field    string         `yaml:"field,omitempty" json:"field,omitempty"`
	Operator rules.Operator `yaml:"operator" json:"operator" validate:"required"`
	Value    interface{}    `yaml:"value,omitempty" json:"value,omitempty"`
	Negate   bool           `yaml:"negate,omitempty" json:"negate,omitempty"`
}

type ActionType string

const (
	ActionNotify  ActionType = "notify"
	ActionStart   ActionType = "start"
	ActionStop    ActionType = "stop"
	ActionRestart ActionType = "restart"
	ActionScale   ActionType = "scale"
	ActionCustom  ActionType = "custom"
)

// Action is a side effect triggered by a matching policy
type Action struct {
	Type       ActionType        `yaml:"type" json:"type" validate:"required"`
	Target     string            `yaml:"target,omitempty" json:"target,omitempty"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Scope narrows the requests a policy applies to. Empty lists match everything.
type Scope struct {
	Plugins          []string `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	Instances        []string `yaml:"instances,omitempty" json:"instances,omitempty"`
	ExcludePlugins   []string `yaml:"exclude_plugins,omitempty" json:"exclude_plugins,omitempty"`
	ExcludeInstances []string `yaml:"exclude_instances,omitempty" json:"exclude_instances,omitempty"`
	Operations       []string `yaml:"operations,omitempty" json:"operations,omitempty"`
}

type Policy struct {
	ID             string         `yaml:"id" json:"id" validate:"required"`
	Name           string         `yaml:"name" json:"name" validate:"required"`
	Description    string         `yaml:"description,omitempty" json:"description,omitempty"`
	Priority       int            `yaml:"priority" json:"priority"`
	Enabled        bool           `yaml:"enabled" json:"enabled"`
	Scope          Scope          `yaml:"scope,omitempty" json:"scope,omitempty"`
	Conditions     []Condition    `yaml:"conditions,omitempty" json:"conditions,omitempty" validate:"dive"`
	EvaluationMode EvaluationMode `yaml:"evaluation_mode,omitempty" json:"evaluation_mode,omitempty" validate:"omitempty,oneof=all any"`
	Decision       Decision       `yaml:"decision" json:"decision" validate:"required,oneof=allow deny"`
	Reason         string         `yaml:"reason,omitempty" json:"reason,omitempty"`
	Actions        []Action       `yaml:"actions,omitempty" json:"actions,omitempty" validate:"dive"`
}

// EvaluationContext describes the operation being gated
type EvaluationContext struct {
	Operation     string             `json:"operation"`
	InstanceID    string             `json:"instance_id,omitempty"`
	PluginID      string             `json:"plugin_id,omitempty"`
	CurrentState  string             `json:"current_state,omitempty"`
	HealthStatus  string             `json:"health_status,omitempty"`
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// PolicyDecision is the single outcome of an evaluation
type PolicyDecision struct {
	DecisionID       string        `json:"decision_id"`
	Allowed          bool          `json:"allowed"`
	PolicyID         string        `json:"policy_id,omitempty"`
	Reason           string        `json:"reason"`
	TriggeredActions []Action      `json:"triggered_actions,omitempty"`
	EvaluatedAt      time.Time     `json:"evaluated_at"`
	Duration         time.Duration `json:"duration"`
}

type ConflictType string

const (
	// ConflictDirect means overlapping policies reach opposite decisions
	ConflictDirect ConflictType = "direct"

	// ConflictPriority means overlapping policies share a priority, so only
	// registration order separates them
	ConflictPriority ConflictType = "priority"
)

type Conflict struct {
	Policies    []string     `json:"policies"`
	Type        ConflictType `json:"type"`
	Description string       `json:"description"`
}

type EventType string

const (
	EventPolicyAdded     EventType = "policy_added"
	EventPolicyUpdated   EventType = "policy_updated"
	EventPolicyRemoved   EventType = "policy_removed"
	EventPolicyEvaluated EventType = "policy_evaluated"
	EventActionExecuted  EventType = "action_executed"
	EventActionFailed    EventType = "action_failed"
)

type Event struct {
	Type      EventType       `json:"type"`
	PolicyID  string          `json:"policy_id,omitempty"`
	Decision  *PolicyDecision `json:"decision,omitempty"`
	Action    *Action         `json:"action,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Metrics struct {
	PoliciesLoaded        int           `json:"policies_loaded"`
	TotalEvaluations      uint64        `json:"total_evaluations"`
	Allowed               uint64        `json:"allowed"`
	Denied                uint64        `json:"denied"`
	ConditionErrors       uint64        `json:"condition_errors"`
	ActionsExecuted       uint64        `json:"actions_executed"`
	ActionsFailed         uint64        `json:"actions_failed"`
	AverageEvaluationTime time.Duration `json:"average_evaluation_time"`
}
