package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/automation"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/plugin"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

func (s *Service) CreateInstance(ctx context.Context, pluginID string, config lifecycle.InstanceConfig) (string, error) {
	if err := s.ensureRunning(lifecycle.OperationCreate); err != nil {
		return "", err
	}
	return s.lifecycle.CreateInstance(ctx, pluginID, config)
}

// StartInstance starts an instance after its dependencies
func (s *Service) StartInstance(ctx context.Context, instanceID string) error {
	if err := s.ensureRunning(lifecycle.OperationStart); err != nil {
		return err
	}
	return s.lifecycle.StartInstanceWithDependencies(ctx, instanceID)
}

// StopInstance stops an instance and its running dependents. A zero timeout
// uses the configured stop timeout.
func (s *Service) StopInstance(ctx context.Context, instanceID string, timeout time.Duration) error {
	if err := s.ensureRunning(lifecycle.OperationStop); err != nil {
		return err
	}
	return s.lifecycle.StopInstanceGracefully(ctx, instanceID, timeout)
}

func (s *Service) RestartInstance(ctx context.Context, instanceID string) error {
	if err := s.ensureRunning(lifecycle.OperationRestart); err != nil {
		return err
	}
	return s.lifecycle.RestartInstance(ctx, instanceID)
}

func (s *Service) RemoveInstance(ctx context.Context, instanceID string) error {
	if err := s.ensureRunning(lifecycle.OperationRemove); err != nil {
		return err
	}
	return s.lifecycle.RemoveInstance(ctx, instanceID)
}

// ScalePluginWithDependencies brings a plugin to target active instances.
// New instances join the dependency graph with the plugin's declared
// dependencies and are started dependency-first before this returns.
func (s *Service) ScalePluginWithDependencies(ctx context.Context, pluginID string, target int) (lifecycle.ScaleResult, error) {
	if err := s.ensureRunning(lifecycle.OperationScale); err != nil {
		return lifecycle.ScaleResult{}, err
	}
	if target < 0 {
		return lifecycle.ScaleResult{}, errors.NewValidationError("target instance count cannot be negative", nil).
			WithContext("plugin_id", pluginID).WithContext("target", target)
	}
	return s.lifecycle.ScalePlugin(ctx, pluginID, target)
}

func (s *Service) GetInstance(instanceID string) (lifecycle.InstanceInfo, error) {
	return s.lifecycle.GetInstance(instanceID)
}

func (s *Service) ListInstances() []lifecycle.InstanceInfo {
	return s.lifecycle.ListInstances()
}

func (s *Service) ListPlugins() []plugin.Manifest {
	return s.registry.ListEnabledPlugins()
}

func (s *Service) GetAllInstanceStates() map[string]statemachine.State {
	return s.machine.GetAllStates()
}

// GetInstanceStateHistory returns transitions of an instance, most recent
// first. With an audit store the history outlives the instance and the
// in-memory retention limit.
func (s *Service) GetInstanceStateHistory(ctx context.Context, instanceID string, limit int) ([]statemachine.TransitionResult, error) {
	if s.audit != nil {
		history, err := s.audit.RecentTransitions(ctx, instanceID, limit)
		if err != nil {
			return nil, err
		}
		if len(history) > 0 {
			return history, nil
		}
	}
	return s.machine.GetHistory(instanceID, limit)
}

// ExecuteRollingRestart restarts instances in place, batchSize at a time,
// checking health between groups. It returns the batch execution ID.
func (s *Service) ExecuteRollingRestart(ctx context.Context, instances []string, batchSize int) (string, error) {
	if err := s.ensureRunning("rolling_restart"); err != nil {
		return "", err
	}
	if batchSize < 1 {
		return "", errors.NewValidationError("batch size must be at least 1", nil).WithContext("batch_size", batchSize)
	}

	b := restartBatch(fmt.Sprintf("rolling-restart-%d", len(instances)), batch.OperationRestart, instances)
	b.Strategy = batch.Strategy{
		Type: batch.StrategyRolling,
		Rolling: &batch.RollingConfig{
			BatchSize:                 batchSize,
			HealthCheckBetweenBatches: true,
			RollbackOnBatchFailure:    true,
		},
	}
	return s.submit(ctx, b)
}

// ExecuteZeroDowntimeRestart replaces instances with fresh ones, a canary
// percentage first. The rest follow only when every canary replacement
// succeeded and is healthy.
func (s *Service) ExecuteZeroDowntimeRestart(ctx context.Context, instances []string, canaryPercentage float64) (string, error) {
	if err := s.ensureRunning("zero_downtime_restart"); err != nil {
		return "", err
	}
	if canaryPercentage <= 0 || canaryPercentage > 100 {
		return "", errors.NewValidationError("canary percentage must be in (0, 100]", nil).
			WithContext("canary_percentage", canaryPercentage)
	}

	b := restartBatch(fmt.Sprintf("zero-downtime-restart-%d", len(instances)), batch.OperationRestartZeroDowntime, instances)
	b.Strategy = batch.Strategy{
		Type: batch.StrategyCanary,
		Canary: &batch.CanaryConfig{
			Size: batch.CanarySize{Percentage: canaryPercentage},
			SuccessCriteria: batch.SuccessCriteria{
				SuccessRateThreshold: 100,
				RequireHealthy:       true,
			},
			AutoPromote: true,
		},
	}
	return s.submit(ctx, b)
}

func restartBatch(name string, operation batch.Operation, instances []string) batch.Batch {
	b := batch.Batch{Name: name, Items: make([]batch.Item, 0, len(instances))}
	for _, id := range instances {
		b.Items = append(b.Items, batch.Item{ItemID: id, Operation: operation, Target: id})
	}
	return b
}

// SubmitBatch creates and starts a batch, returning the execution ID
func (s *Service) SubmitBatch(ctx context.Context, b batch.Batch, execCtx batch.ExecutionContext) (string, error) {
	if err := s.ensureRunning("batch"); err != nil {
		return "", err
	}
	batchID, err := s.batches.CreateBatch(b)
	if err != nil {
		return "", err
	}
	return s.batches.ExecuteBatch(ctx, batchID, execCtx)
}

// SubmitTemplate instantiates a batch template and starts it
func (s *Service) SubmitTemplate(ctx context.Context, templateID string, params map[string]string, execCtx batch.ExecutionContext) (string, error) {
	if err := s.ensureRunning("batch"); err != nil {
		return "", err
	}
	batchID, err := s.batches.InstantiateTemplate(templateID, "", params)
	if err != nil {
		return "", err
	}
	return s.batches.ExecuteBatch(ctx, batchID, execCtx)
}

func (s *Service) submit(ctx context.Context, b batch.Batch) (string, error) {
	batchID, err := s.batches.CreateBatch(b)
	if err != nil {
		return "", err
	}
	return s.batches.ExecuteBatch(ctx, batchID, batch.ExecutionContext{RequestedBy: "plugin-manager"})
}

func (s *Service) GetBatchProgress(executionID string) (batch.Progress, error) {
	return s.batches.GetExecutionProgress(executionID)
}

// GetBatchResult returns a finished execution, falling back to the audit
// store once it has left the in-memory cache
func (s *Service) GetBatchResult(ctx context.Context, executionID string) (batch.ExecutionResult, error) {
	result, err := s.batches.GetExecutionResult(executionID)
	if err == nil || s.audit == nil || !errors.IsNotFoundError(err) {
		return result, err
	}
	return s.audit.BatchResult(ctx, executionID)
}

// WaitBatch blocks until an execution finishes or ctx is done
func (s *Service) WaitBatch(ctx context.Context, executionID string) (batch.ExecutionResult, error) {
	return s.batches.Wait(ctx, executionID)
}

func (s *Service) CancelBatch(executionID string) error {
	return s.batches.CancelExecution(executionID)
}

func (s *Service) RollbackBatch(ctx context.Context, executionID string) (batch.RollbackReport, error) {
	if err := s.ensureRunning("batch_rollback"); err != nil {
		return batch.RollbackReport{}, err
	}
	return s.batches.RollbackExecution(ctx, executionID)
}

func (s *Service) ListBatchTemplates() []batch.Template {
	return s.batches.ListTemplates()
}

func (s *Service) AddLifecyclePolicy(p policy.Policy) error {
	if err := s.ensureRunning("add_policy"); err != nil {
		return err
	}
	return s.policies.AddPolicy(p)
}

func (s *Service) RemoveLifecyclePolicy(policyID string) error {
	if err := s.ensureRunning("remove_policy"); err != nil {
		return err
	}
	return s.policies.RemovePolicy(policyID)
}

func (s *Service) ListPolicies() []policy.Policy {
	return s.policies.ListPolicies()
}

func (s *Service) AddAutomationRule(rule automation.Rule) error {
	if err := s.ensureRunning("add_rule"); err != nil {
		return err
	}
	return s.automation.AddRule(rule)
}

func (s *Service) RemoveAutomationRule(ruleID string) error {
	if err := s.ensureRunning("remove_rule"); err != nil {
		return err
	}
	return s.automation.RemoveRule(ruleID)
}

func (s *Service) ListAutomationRules() []automation.Rule {
	return s.automation.ListRules()
}

// TriggerAutomationRule runs a rule by hand with the given event data
func (s *Service) TriggerAutomationRule(ctx context.Context, ruleID string, data map[string]string) (automation.ExecutionResult, error) {
	if err := s.ensureRunning("trigger_rule"); err != nil {
		return automation.ExecutionResult{}, err
	}
	return s.automation.TriggerRule(ctx, ruleID, data)
}

// VisualizeDependencies renders the instance dependency graph
func (s *Service) VisualizeDependencies(format dependency.Format) (string, error) {
	return s.resolver.Visualize(format)
}
