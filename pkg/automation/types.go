package automation

import (
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/rules"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityNormal   Severity = "normal"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is the input of rule matching
type Event struct {
	EventID   string            `json:"event_id" yaml:"event_id"`
	EventType string            `json:"event_type" yaml:"event_type"`
	Source    string            `json:"source" yaml:"source"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
	Data      map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
	Severity  Severity          `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// Trigger selects events by type and source. Both are glob patterns where *
// matches any run of characters; an empty pattern matches everything.
type Trigger struct {
	EventType string `json:"event_type" yaml:"event_type" validate:"required"`
	Source    string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Condition compares one event field. Field is event_type, source, severity,
// or a key of the event data.
type Condition struct {
	Field    string         `json:"field" yaml:"field" validate:"required"`
	Operator rules.Operator `json:"operator" yaml:"operator" validate:"required"`
	Value    interface{}    `json:"value,omitempty" yaml:"value,omitempty"`
	Negate   bool           `json:"negate,omitempty" yaml:"negate,omitempty"`
}

type ActionType string

const (
	ActionStart               ActionType = "start"
	ActionStop                ActionType = "stop"
	ActionRestart             ActionType = "restart"
	ActionRestartZeroDowntime ActionType = "restart_zero_downtime"
	ActionScale               ActionType = "scale"
	ActionNotify              ActionType = "notify"
)

// Action runs against the lifecycle manager. Target and parameter values may
// reference event fields as {{field}}.
type Action struct {
	Type       ActionType        `json:"type" yaml:"type" validate:"required,oneof=start stop restart restart_zero_downtime scale notify"`
	Target     string            `json:"target,omitempty" yaml:"target,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
}

// Limits caps how often a rule may execute within a window
type Limits struct {
	MaxExecutions int           `json:"max_executions" yaml:"max_executions" validate:"gt=0"`
	Window        time.Duration `json:"window" yaml:"window" validate:"gt=0"`
}

type Rule struct {
	ID          string        `json:"id" yaml:"id" validate:"required"`
	Name        string        `json:"name" yaml:"name" validate:"required"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Priority    int           `json:"priority" yaml:"priority"`
	Trigger     Trigger       `json:"trigger" yaml:"trigger"`
	Conditions  []Condition   `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	Actions     []Action      `json:"actions" yaml:"actions" validate:"required,min=1,dive"`
	Cooldown    time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty" validate:"gte=0"`
	Limits      *Limits       `json:"limits,omitempty" yaml:"limits,omitempty"`
}

type ActionResult struct {
	Type     ActionType    `json:"type"`
	Target   string        `json:"target,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

type ExecutionResult struct {
	ExecutionID string         `json:"execution_id"`
	RuleID      string         `json:"rule_id"`
	EventID     string         `json:"event_id,omitempty"`
	Manual      bool           `json:"manual,omitempty"`
	Success     bool           `json:"success"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
	Actions     []ActionResult `json:"actions"`
	Error       string         `json:"error,omitempty"`
}

type EngineEventType string

const (
	EventRuleAdded          EngineEventType = "rule_added"
	EventRuleUpdated        EngineEventType = "rule_updated"
	EventRuleRemoved        EngineEventType = "rule_removed"
	EventRuleTriggered      EngineEventType = "rule_triggered"
	EventRuleSkipped        EngineEventType = "rule_skipped"
	EventExecutionCompleted EngineEventType = "execution_completed"
	EventExecutionFailed    EngineEventType = "execution_failed"
	EventNotification       EngineEventType = "notification"
)

type EngineEvent struct {
	Type        EngineEventType  `json:"type"`
	RuleID      string           `json:"rule_id,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Message     string           `json:"message,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

type Metrics struct {
	TotalRules           int               `json:"total_rules"`
	EventsProcessed      uint64            `json:"events_processed"`
	TotalExecutions      uint64            `json:"total_executions"`
	SuccessfulExecutions uint64            `json:"successful_executions"`
	FailedExecutions     uint64            `json:"failed_executions"`
	SkippedExecutions    uint64            `json:"skipped_executions"`
	ActionsExecuted      uint64            `json:"actions_executed"`
	AverageExecutionTime time.Duration     `json:"average_execution_time"`
	ExecutionsByRule     map[string]uint64 `json:"executions_by_rule"`
}
