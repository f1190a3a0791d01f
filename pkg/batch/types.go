package batch

import (
	"time"
)

type Operation string

const (
	OperationStart               Operation = "start"
	OperationStop                Operation = "stop"
	OperationRestart             Operation = "restart"
	OperationRestartZeroDowntime Operation = "restart_zero_downtime"
	OperationScale               Operation = "scale"
)

type StrategyType string

const (
	StrategySequential StrategyType = "sequential"
	StrategyParallel   StrategyType = "parallel"
	StrategyRolling    StrategyType = "rolling"
	StrategyCanary     StrategyType = "canary"
)

// RetryConfig retries an item with exponential backoff. Only errors whose kind
// is listed in RetryOnErrors are retried; an empty list retries every kind.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	InitialDelay    time.Duration `json:"initial_delay" yaml:"initial_delay" validate:"gte=0"`
	MaxDelay        time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty" validate:"gte=0"`
	DelayMultiplier float64       `json:"delay_multiplier,omitempty" yaml:"delay_multiplier,omitempty" validate:"omitempty,gte=1"`
	RetryOnErrors   []string      `json:"retry_on_errors,omitempty" yaml:"retry_on_errors,omitempty"`
}

// RollbackConfig compensates a failed item once its retries are exhausted
type RollbackConfig struct {
	AutoRollback bool          `json:"auto_rollback" yaml:"auto_rollback"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	PreserveData bool          `json:"preserve_data,omitempty" yaml:"preserve_data,omitempty"`
}

// Item is one unit of work. Target is an instance ID, or a plugin ID for scale.
type Item struct {
	ItemID       string            `json:"item_id" yaml:"item_id" validate:"required"`
	Operation    Operation         `json:"operation" yaml:"operation" validate:"required,oneof=start stop restart restart_zero_downtime scale"`
	Target       string            `json:"target" yaml:"target" validate:"required"`
	Priority     int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	Parameters   map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Retry        *RetryConfig      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Rollback     *RollbackConfig   `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

type RollingConfig struct {
	BatchSize                 int           `json:"batch_size" yaml:"batch_size" validate:"gte=1"`
	PauseDuration             time.Duration `json:"pause_duration,omitempty" yaml:"pause_duration,omitempty" validate:"gte=0"`
	HealthCheckBetweenBatches bool          `json:"health_check_between_batches,omitempty" yaml:"health_check_between_batches,omitempty"`
	RollbackOnBatchFailure    bool          `json:"rollback_on_batch_failure,omitempty" yaml:"rollback_on_batch_failure,omitempty"`
}

// CanarySize is either an item count or a percentage of the items
type CanarySize struct {
	Count      int     `json:"count,omitempty" yaml:"count,omitempty" validate:"gte=0"`
	Percentage float64 `json:"percentage,omitempty" yaml:"percentage,omitempty" validate:"gte=0,lte=100"`
}

// SuccessCriteria decides canary promotion. SuccessRateThreshold is a
// percentage; zero means every canary item must succeed. With RequireHealthy,
// canary targets are health checked throughout EvaluationWindow.
type SuccessCriteria struct {
	SuccessRateThreshold float64       `json:"success_rate_threshold,omitempty" yaml:"success_rate_threshold,omitempty" validate:"gte=0,lte=100"`
	RequireHealthy       bool          `json:"require_healthy,omitempty" yaml:"require_healthy,omitempty"`
	EvaluationWindow     time.Duration `json:"evaluation_window,omitempty" yaml:"evaluation_window,omitempty" validate:"gte=0"`
}

type CanaryConfig struct {
	Size            CanarySize      `json:"size" yaml:"size"`
	PauseDuration   time.Duration   `json:"pause_duration,omitempty" yaml:"pause_duration,omitempty" validate:"gte=0"`
	SuccessCriteria SuccessCriteria `json:"success_criteria" yaml:"success_criteria"`
	AutoPromote     bool            `json:"auto_promote" yaml:"auto_promote"`
}

type Strategy struct {
	Type    StrategyType   `json:"type" yaml:"type" validate:"required,oneof=sequential parallel rolling canary"`
	Rolling *RollingConfig `json:"rolling,omitempty" yaml:"rolling,omitempty"`
	Canary  *CanaryConfig  `json:"canary,omitempty" yaml:"canary,omitempty"`
}

type Batch struct {
	BatchID     string        `json:"batch_id" yaml:"batch_id"`
	Name        string        `json:"name" yaml:"name" validate:"required"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Items       []Item        `json:"items" yaml:"items" validate:"required,min=1,dive"`
	Strategy    Strategy      `json:"strategy" yaml:"strategy"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	CreatedAt   time.Time     `json:"created_at" yaml:"created_at"`
}

// ExecutionContext carries caller options for one execution
type ExecutionContext struct {
	DryRun      bool              `json:"dry_run,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRolledBack Status = "rolled_back"
)

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemRunning    ItemStatus = "running"
	ItemSucceeded  ItemStatus = "succeeded"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
	ItemRolledBack ItemStatus = "rolled_back"
)

type RollbackResult struct {
	Success     bool          `json:"success"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type ItemResult struct {
	ItemID      string          `json:"item_id"`
	Operation   Operation       `json:"operation"`
	Target      string          `json:"target"`
	Status      ItemStatus      `json:"status"`
	Group       int             `json:"group"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Attempts    int             `json:"attempts"`
	Rollback    *RollbackResult `json:"rollback,omitempty"`
}

// Succeeded reports whether the item's operation took effect and was not undone
func (r ItemResult) Succeeded() bool {
	return r.Status == ItemSucceeded
}

type CanaryDecision struct {
	CanaryItems []string `json:"canary_items"`
	SuccessRate float64  `json:"success_rate"`
	Healthy     bool     `json:"healthy"`
	CriteriaMet bool     `json:"criteria_met"`
	Promoted    bool     `json:"promoted"`
	Reason      string   `json:"reason"`
}

type Summary struct {
	TotalItems      int           `json:"total_items"`
	SuccessfulItems int           `json:"successful_items"`
	FailedItems     int           `json:"failed_items"`
	SkippedItems    int           `json:"skipped_items"`
	RolledBackItems int           `json:"rolled_back_items"`
	SuccessRate     float64       `json:"success_rate"`
	GroupsExecuted  int           `json:"groups_executed"`
	AverageItemTime time.Duration `json:"average_item_time"`
	TotalTime       time.Duration `json:"total_time"`
	PhasesCompleted []string      `json:"phases_completed,omitempty"`
}

// ExecutionResult is immutable once the execution has finished
type ExecutionResult struct {
	ExecutionID       string            `json:"execution_id"`
	BatchID           string            `json:"batch_id"`
	Strategy          StrategyType      `json:"strategy"`
	Status            Status            `json:"status"`
	Success           bool              `json:"success"`
	DryRun            bool              `json:"dry_run,omitempty"`
	RequestedBy       string            `json:"requested_by,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       time.Time         `json:"completed_at"`
	Duration          time.Duration     `json:"duration"`
	Items             []ItemResult      `json:"items"`
	Summary           Summary           `json:"summary"`
	Canary            *CanaryDecision   `json:"canary,omitempty"`
	RollbackTriggered bool              `json:"rollback_triggered"`
	Error             string            `json:"error,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Progress is a point-in-time view of an execution. Throughput is in items
// per minute.
type Progress struct {
	ExecutionID        string        `json:"execution_id"`
	BatchID            string        `json:"batch_id"`
	Status             Status        `json:"status"`
	Phase              string        `json:"phase"`
	Percentage         float64       `json:"percentage"`
	ItemsCompleted     int           `json:"items_completed"`
	TotalItems         int           `json:"total_items"`
	CurrentItems       []string      `json:"current_items,omitempty"`
	Throughput         float64       `json:"throughput"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	Timestamp          time.Time     `json:"timestamp"`
}

// RollbackReport describes a rollback requested after an execution finished
type RollbackReport struct {
	ExecutionID string                    `json:"execution_id"`
	Success     bool                      `json:"success"`
	Items       map[string]RollbackResult `json:"items"`
	Order       []string                  `json:"order"`
}

type EventType string

const (
	EventBatchCreated       EventType = "batch_created"
	EventBatchRemoved       EventType = "batch_removed"
	EventExecutionStarted   EventType = "execution_started"
	EventItemStarted        EventType = "item_started"
	EventItemCompleted      EventType = "item_completed"
	EventProgress           EventType = "progress"
	EventRollbackTriggered  EventType = "rollback_triggered"
	EventRollbackCompleted  EventType = "rollback_completed"
	EventCanaryEvaluated    EventType = "canary_evaluated"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionCancelled EventType = "execution_cancelled"
)

type Event struct {
	Type        EventType        `json:"type"`
	BatchID     string           `json:"batch_id,omitempty"`
	ExecutionID string           `json:"execution_id,omitempty"`
	ItemID      string           `json:"item_id,omitempty"`
	Message     string           `json:"message,omitempty"`
	Item        *ItemResult      `json:"item,omitempty"`
	Progress    *Progress        `json:"progress,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

type Metrics struct {
	TotalBatches         int           `json:"total_batches"`
	ActiveExecutions     int           `json:"active_executions"`
	TotalExecutions      uint64        `json:"total_executions"`
	SuccessfulExecutions uint64        `json:"successful_executions"`
	FailedExecutions     uint64        `json:"failed_executions"`
	CancelledExecutions  uint64        `json:"cancelled_executions"`
	RolledBackExecutions uint64        `json:"rolled_back_executions"`
	ItemsExecuted        uint64        `json:"items_executed"`
	ItemsFailed          uint64        `json:"items_failed"`
	Retries              uint64        `json:"retries"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}
