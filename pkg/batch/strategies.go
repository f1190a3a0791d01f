package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

func (c *Coordinator) run(ctx context.Context, exec *execution) {
	ctx, span := c.tracer.Start(ctx, "batch.execute", trace.WithAttributes(
		attribute.String("batch.id", exec.batch.BatchID),
		attribute.String("batch.execution_id", exec.id),
		attribute.String("batch.strategy", string(exec.batch.Strategy.Type)),
	))
	defer span.End()

	switch exec.batch.Strategy.Type {
	case StrategySequential:
		c.runSequential(ctx, exec)
	case StrategyParallel:
		c.runParallel(ctx, exec)
	case StrategyRolling:
		c.runRolling(ctx, exec, *exec.batch.Strategy.Rolling)
	case StrategyCanary:
		c.runCanary(ctx, exec, *exec.batch.Strategy.Canary)
	}

	result := exec.finish(ctx.Err())
	if result.Status != StatusCompleted {
		span.SetStatus(codes.Error, result.Error)
	}
	c.complete(exec, result)
}

// complete moves a finished execution to the retained results
func (c *Coordinator) complete(exec *execution, result ExecutionResult) {
	exec.cancel()

	c.finished.Add(exec.id, exec)
	c.mutex.Lock()
	delete(c.active, exec.id)
	c.mutex.Unlock()

	c.totalExecutions.Add(1)
	c.executionNanos.Add(int64(result.Duration))
	eventType := EventExecutionCompleted
	switch result.Status {
	case StatusCompleted:
		c.successful.Add(1)
	case StatusCancelled:
		c.cancelled.Add(1)
		eventType = EventExecutionCancelled
	case StatusRolledBack:
		c.rolledBack.Add(1)
		eventType = EventExecutionFailed
	default:
		c.failed.Add(1)
		eventType = EventExecutionFailed
	}
	c.metrics.activeExecutions.Dec()
	c.metrics.executionsTotal.WithLabelValues(string(result.Strategy), string(result.Status)).Inc()
	c.metrics.executionDuration.WithLabelValues(string(result.Strategy)).Observe(result.Duration.Seconds())

	if c.deps.Audit != nil && !result.DryRun {
		if err := c.deps.Audit.RecordBatchResult(context.Background(), result); err != nil {
			c.logger.Warnf("Failed to record batch result, execution: %s, error: %v", exec.id, err)
		}
	}

	c.logger.Infof("Batch execution finished, id: %s, batch: %s, status: %s, succeeded: %d, failed: %d, skipped: %d, duration: %v",
		exec.id, result.BatchID, result.Status, result.Summary.SuccessfulItems, result.Summary.FailedItems,
		result.Summary.SkippedItems, result.Duration)
	c.publish(Event{Type: eventType, BatchID: result.BatchID, ExecutionID: exec.id, Message: result.Error, Result: &result})
	close(exec.done)
}

func (c *Coordinator) runSequential(ctx context.Context, exec *execution) {
	exec.setPhase("sequential")
	for i, id := range exec.order {
		if ctx.Err() != nil {
			return
		}
		exec.startGroup()
		c.runOrSkip(ctx, exec, id, i)
	}
}

// runParallel runs every dependency level at once. Items of a level do not
// depend on each other.
func (c *Coordinator) runParallel(ctx context.Context, exec *execution) {
	exec.setPhase("parallel")
	levels, err := dependency.Levels(exec.order, itemDependencies(exec, exec.order))
	if err != nil {
		exec.setFailure(err.Error())
		return
	}

	for i, level := range levels {
		if ctx.Err() != nil {
			return
		}
		exec.startGroup()
		var group errgroup.Group
		for _, id := range level {
			id := id
			group.Go(func() error {
				c.runOrSkip(ctx, exec, id, i)
				return nil
			})
		}
		_ = group.Wait()
	}
}

// runRolling executes the ordered items in fixed-size groups. A failed group
// stops the rollout and undoes the completed groups when
// RollbackOnBatchFailure is set.
func (c *Coordinator) runRolling(ctx context.Context, exec *execution, config RollingConfig) {
	groups := chunk(exec.order, config.BatchSize)
	var executed []string

	for i, group := range groups {
		if ctx.Err() != nil {
			return
		}
		exec.setPhase(fmt.Sprintf("group %d/%d", i+1, len(groups)))
		exec.startGroup()
		c.logger.Infof("Executing rolling group, execution: %s, group: %d/%d, items: %v", exec.id, i+1, len(groups), group)

		c.runGroup(ctx, exec, group, i)
		executed = append(executed, group...)

		failure := ""
		if exec.anyFailed(group) {
			failure = fmt.Sprintf("group %d failed", i+1)
		} else if config.HealthCheckBetweenBatches {
			if err := c.checkHealth(ctx, exec, group); err != nil {
				failure = fmt.Sprintf("group %d failed health checks: %v", i+1, err)
			}
		}

		if failure != "" {
			exec.setFailure(failure)
			c.logger.Warnf("Rolling group failed, execution: %s, reason: %s", exec.id, failure)
			if config.RollbackOnBatchFailure {
				c.rollbackRuns(exec, executed, failure)
				return
			}
		}

		if i < len(groups)-1 && !pause(ctx, config.PauseDuration) {
			return
		}
	}
}

// runCanary executes the first items as a canary wave, evaluates the success
// criteria and then either promotes the rest or rolls the canary back.
func (c *Coordinator) runCanary(ctx context.Context, exec *execution, config CanaryConfig) {
	count := canaryCount(config.Size, len(exec.order))
	canary := exec.order[:count]
	rest := exec.order[count:]

	exec.setPhase("canary")
	exec.startGroup()
	c.logger.Infof("Executing canary wave, execution: %s, items: %v", exec.id, canary)
	c.runGroup(ctx, exec, canary, 0)

	if !pause(ctx, config.PauseDuration) {
		return
	}

	exec.setPhase("canary_evaluation")
	decision := c.evaluateCanary(ctx, exec, canary, config.SuccessCriteria)
	if ctx.Err() != nil {
		return
	}
	decision.Promoted = decision.CriteriaMet && config.AutoPromote
	if decision.CriteriaMet && !config.AutoPromote {
		decision.Reason += ", automatic promotion disabled"
	}
	exec.setCanary(decision)
	c.publish(Event{Type: EventCanaryEvaluated, BatchID: exec.batch.BatchID, ExecutionID: exec.id, Message: decision.Reason})
	c.logger.Infof("Canary evaluated, execution: %s, success_rate: %.1f, healthy: %t, promoted: %t",
		exec.id, decision.SuccessRate, decision.Healthy, decision.Promoted)

	if !decision.Promoted {
		exec.setFailure("canary not promoted: " + decision.Reason)
		c.rollbackRuns(exec, canary, "canary not promoted")
		return
	}

	if len(rest) > 0 {
		exec.setPhase("promotion")
		exec.startGroup()
		c.runGroup(ctx, exec, rest, 1)
	}
}

// canaryCount sizes the canary wave. A percentage is rounded; the result is
// kept within 1..n.
func canaryCount(size CanarySize, n int) int {
	count := size.Count
	if count == 0 {
		count = int(math.Round(float64(n) * size.Percentage / 100))
	}
	if count < 1 {
		count = 1
	}
	if count > n {
		count = n
	}
	return count
}

func (c *Coordinator) evaluateCanary(ctx context.Context, exec *execution, canary []string, criteria SuccessCriteria) CanaryDecision {
	decision := CanaryDecision{CanaryItems: append([]string(nil), canary...), Healthy: true}

	succeeded := 0
	for _, id := range canary {
		if exec.itemStatus(id) == ItemSucceeded {
			succeeded++
		}
	}
	decision.SuccessRate = float64(succeeded) / float64(len(canary)) * 100

	threshold := criteria.SuccessRateThreshold
	if threshold == 0 {
		threshold = 100
	}
	if decision.SuccessRate < threshold {
		decision.Reason = fmt.Sprintf("success rate %.1f%% below threshold %.1f%%", decision.SuccessRate, threshold)
		return decision
	}

	if criteria.RequireHealthy {
		if err := c.observeHealth(ctx, exec, canary, criteria.EvaluationWindow); err != nil {
			decision.Healthy = false
			decision.Reason = "canary unhealthy: " + err.Error()
			return decision
		}
	}

	decision.CriteriaMet = true
	decision.Reason = fmt.Sprintf("success rate %.1f%% meets threshold %.1f%%", decision.SuccessRate, threshold)
	return decision
}

// observeHealth checks the canary targets repeatedly until window has passed.
// Any failed check fails the observation.
func (c *Coordinator) observeHealth(ctx context.Context, exec *execution, ids []string, window time.Duration) error {
	deadline := time.Now().Add(window)
	for {
		if err := c.checkHealth(ctx, exec, ids); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if !pause(ctx, min(remaining, c.options.HealthPollInterval)) {
			return errors.NewCancelledError("health observation cancelled", ctx.Err())
		}
	}
}

// checkHealth probes the instances that succeeded items left running
func (c *Coordinator) checkHealth(ctx context.Context, exec *execution, ids []string) error {
	if c.deps.Health == nil {
		return nil
	}

	var targets []string
	for _, run := range exec.succeededInReverse(ids) {
		switch run.item.Operation {
		case OperationStart, OperationRestart:
			targets = append(targets, run.item.Target)
		case OperationRestartZeroDowntime:
			targets = append(targets, run.replacement)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		group.Go(func() error {
			healthy, err := c.deps.Health.PerformHealthCheck(groupCtx, target)
			if err != nil {
				return err
			}
			if !healthy {
				return errors.NewProcessError("instance is unhealthy", nil).WithContext("instance_id", target)
			}
			return nil
		})
	}
	return group.Wait()
}

// runGroup executes a group on the worker pool. Items that depend on other
// members of the group wait for them; everything else runs concurrently.
func (c *Coordinator) runGroup(ctx context.Context, exec *execution, ids []string, group int) {
	levels, err := dependency.Levels(ids, itemDependencies(exec, ids))
	if err != nil {
		exec.setFailure(err.Error())
		return
	}

	for _, level := range levels {
		if ctx.Err() != nil {
			return
		}
		var wg sync.WaitGroup
		for _, id := range level {
			id := id
			wg.Add(1)
			err := c.pool.Submit(func() {
				defer wg.Done()
				c.runOrSkip(ctx, exec, id, group)
			})
			if err != nil {
				wg.Done()
				c.logger.Errorf("Failed to schedule batch item, execution: %s, item: %s, error: %v", exec.id, id, err)
				if result, ok := exec.skip(id, group, "worker pool unavailable"); ok {
					c.publishItem(exec, result)
				}
				exec.setFailure("worker pool unavailable")
			}
		}
		wg.Wait()
	}
}

// rollbackRuns compensates the succeeded items among ids, most recently
// completed first
func (c *Coordinator) rollbackRuns(exec *execution, ids []string, reason string) {
	exec.triggerRollback()
	exec.setPhase("rollback")
	c.logger.Warnf("Rolling back batch execution, execution: %s, reason: %s", exec.id, reason)
	c.publish(Event{Type: EventRollbackTriggered, BatchID: exec.batch.BatchID, ExecutionID: exec.id, Message: reason})

	for _, run := range exec.succeededInReverse(ids) {
		rollback, compensated := c.compensate(run, ItemSucceeded)
		result := exec.recordRollback(run, rollback, compensated)
		exec.countRollback(result)
		c.publishItem(exec, result)
	}
	c.publish(Event{Type: EventRollbackCompleted, BatchID: exec.batch.BatchID, ExecutionID: exec.id, Message: reason})
}

// itemDependencies maps each of ids to its dependencies within ids
func itemDependencies(exec *execution, ids []string) map[string][]string {
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	deps := make(map[string][]string, len(ids))
	for _, id := range ids {
		var inGroup []string
		for _, dep := range exec.run(id).item.Dependencies {
			if members[dep] {
				inGroup = append(inGroup, dep)
			}
		}
		deps[id] = inGroup
	}
	return deps
}

func chunk(ids []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var groups [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		groups = append(groups, ids[start:end])
	}
	return groups
}

// pause waits for d and reports false when ctx ended first
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
