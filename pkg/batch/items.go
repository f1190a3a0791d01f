package batch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

const defaultMaxRetryDelay = 30 * time.Second

// runOrSkip runs an item unless one of its dependencies did not succeed or
// the execution was stopped.
func (c *Coordinator) runOrSkip(ctx context.Context, exec *execution, id string, group int) {
	run := exec.run(id)
	if ctx.Err() != nil {
		return
	}
	for _, dep := range run.item.Dependencies {
		if status := exec.itemStatus(dep); status != ItemSucceeded {
			reason := fmt.Sprintf("dependency %s did not succeed", dep)
			if result, ok := exec.skip(id, group, reason); ok {
				c.logger.Warnf("Skipping batch item, execution: %s, item: %s, reason: %s", exec.id, id, reason)
				c.publishItem(exec, result)
			}
			return
		}
	}
	c.runItem(ctx, exec, run, group)
}

func (c *Coordinator) runItem(ctx context.Context, exec *execution, run *itemRun, group int) {
	item := run.item
	exec.markRunning(item.ItemID, group)
	c.publish(Event{Type: EventItemStarted, BatchID: exec.batch.BatchID, ExecutionID: exec.id, ItemID: item.ItemID})

	ctx, span := c.tracer.Start(ctx, "batch.item", trace.WithAttributes(
		attribute.String("batch.execution_id", exec.id),
		attribute.String("batch.item_id", item.ItemID),
		attribute.String("batch.operation", string(item.Operation)),
		attribute.String("batch.target", item.Target),
	))
	defer span.End()

	start := time.Now()
	var message string
	var attempts int
	var err error
	if exec.execCtx.DryRun {
		attempts = 1
		message, err = c.dryRun(item)
	} else {
		c.capturePrior(run)
		message, attempts, err = c.attempt(ctx, exec, run)
	}

	completedAt := time.Now()
	outcome := ItemResult{
		Status:      ItemSucceeded,
		Attempts:    attempts,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(start),
		Message:     message,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome.Status = ItemFailed
		outcome.Error = err.Error()
		outcome.ErrorKind = string(errors.KindOf(err))
		c.itemsFailed.Add(1)
		c.metrics.itemsTotal.WithLabelValues(string(item.Operation), "failure").Inc()
		c.logger.Errorf("Batch item failed, execution: %s, item: %s, operation: %s, target: %s, attempts: %d, error: %v",
			exec.id, item.ItemID, item.Operation, item.Target, attempts, err)
	} else {
		c.metrics.itemsTotal.WithLabelValues(string(item.Operation), "success").Inc()
		c.logger.Infof("Batch item succeeded, execution: %s, item: %s, operation: %s, target: %s",
			exec.id, item.ItemID, item.Operation, item.Target)
	}
	c.itemsExecuted.Add(1)

	result := exec.complete(run, outcome)
	if err != nil && item.Rollback != nil && item.Rollback.AutoRollback && !exec.execCtx.DryRun {
		rollback, compensated := c.compensate(run, ItemFailed)
		result = exec.recordRollback(run, rollback, compensated)
	}
	c.publishItem(exec, result)
}

// attempt runs the item operation under its retry configuration. Every
// attempt gets its own timeout.
func (c *Coordinator) attempt(ctx context.Context, exec *execution, run *itemRun) (string, int, error) {
	item := run.item
	timeout := item.Timeout
	if timeout <= 0 {
		timeout = c.options.DefaultItemTimeout
	}

	var message string
	attempts := 0
	operation := func() error {
		attempts++
		if attempts > 1 {
			c.retries.Add(1)
			c.metrics.itemRetries.Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		msg, err := c.perform(attemptCtx, run)
		if err == nil {
			message = msg
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(errors.NewCancelledError("batch item cancelled", err).WithContext("item_id", item.ItemID))
		}
		if attemptCtx.Err() == context.DeadlineExceeded && !errors.IsTimeoutError(err) {
			err = errors.NewTimeoutError("batch item timed out", err).
				WithContext("item_id", item.ItemID).WithContext("timeout", timeout.String())
		}
		if !retryable(item.Retry, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		c.logger.Warnf("Retrying batch item, execution: %s, item: %s, attempt: %d, delay: %v, error: %v",
			exec.id, item.ItemID, attempts, delay, err)
	}

	err := backoff.RetryNotify(operation, retryPolicy(ctx, item.Retry), notify)
	if err == nil {
		return message, attempts, nil
	}
	if ctx.Err() != nil && !errors.IsCancelledError(err) {
		err = errors.NewCancelledError("batch item cancelled", err).WithContext("item_id", item.ItemID)
	}
	if item.Retry != nil && item.Retry.MaxAttempts > 1 && attempts >= item.Retry.MaxAttempts && !errors.IsCancelledError(err) {
		err = errors.NewRetryExhaustedError(fmt.Sprintf("item failed after %d attempts", attempts), err).
			WithContext("item_id", item.ItemID).WithContext("attempts", attempts)
	}
	return "", attempts, err
}

// retryPolicy builds the exponential schedule of a retry configuration. A nil
// configuration allows a single attempt.
func retryPolicy(ctx context.Context, retry *RetryConfig) backoff.BackOff {
	schedule := backoff.NewExponentialBackOff()
	schedule.RandomizationFactor = 0
	schedule.MaxElapsedTime = 0
	schedule.MaxInterval = defaultMaxRetryDelay

	var retries uint64
	if retry != nil {
		schedule.InitialInterval = retry.InitialDelay
		if retry.DelayMultiplier >= 1 {
			schedule.Multiplier = retry.DelayMultiplier
		}
		if retry.MaxDelay > 0 {
			schedule.MaxInterval = retry.MaxDelay
		}
		if retry.MaxAttempts > 1 {
			retries = uint64(retry.MaxAttempts - 1)
		}
	}
	schedule.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(schedule, retries), ctx)
}

// retryable reports whether err is worth another attempt. An empty
// RetryOnErrors list retries every error kind.
func retryable(retry *RetryConfig, err error) bool {
	if retry == nil || retry.MaxAttempts <= 1 {
		return false
	}
	if len(retry.RetryOnErrors) == 0 {
		return true
	}
	kind := string(errors.KindOf(err))
	for _, allowed := range retry.RetryOnErrors {
		if allowed == kind {
			return true
		}
	}
	return false
}

// capturePrior records the state compensation restores to
func (c *Coordinator) capturePrior(run *itemRun) {
	switch run.item.Operation {
	case OperationStart, OperationStop:
		if info, err := c.deps.Executor.GetInstance(run.item.Target); err == nil {
			run.priorActive = info.State.IsActive()
		}
	}
}

func (c *Coordinator) perform(ctx context.Context, run *itemRun) (string, error) {
	item := run.item
	executor := c.deps.Executor

	switch item.Operation {
	case OperationStart:
		if err := executor.StartInstanceWithDependencies(ctx, item.Target); err != nil {
			return "", err
		}
		return "instance started", nil

	case OperationStop:
		timeout, err := stopTimeout(item)
		if err != nil {
			return "", err
		}
		if err := executor.StopInstanceGracefully(ctx, item.Target, timeout); err != nil {
			return "", err
		}
		return "instance stopped", nil

	case OperationRestart:
		if err := executor.RestartInstance(ctx, item.Target); err != nil {
			return "", err
		}
		return "instance restarted", nil

	case OperationRestartZeroDowntime:
		replacement, err := executor.RestartInstanceZeroDowntime(ctx, item.Target)
		if err != nil {
			return "", err
		}
		run.replacement = replacement
		return "instance replaced by " + replacement, nil

	case OperationScale:
		target, err := scaleTarget(item)
		if err != nil {
			return "", err
		}
		result, err := executor.ScalePlugin(ctx, item.Target, target)
		if err != nil {
			return "", err
		}
		run.previous = result.Previous
		return fmt.Sprintf("scaled from %d to %d instances", result.Previous, result.Current), nil

	default:
		return "", errors.NewValidationError("unknown batch operation", nil).
			WithContext("item_id", item.ItemID).WithContext("operation", string(item.Operation))
	}
}

// dryRun checks that an item could be executed without changing anything
func (c *Coordinator) dryRun(item Item) (string, error) {
	switch item.Operation {
	case OperationScale:
		target, err := scaleTarget(item)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("dry run: would scale %s to %d instances", item.Target, target), nil
	case OperationStop:
		if _, err := stopTimeout(item); err != nil {
			return "", err
		}
	}
	info, err := c.deps.Executor.GetInstance(item.Target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("dry run: would %s %s (state %s)", item.Operation, item.Target, info.State), nil
}

func stopTimeout(item Item) (time.Duration, error) {
	raw := item.Parameters["timeout"]
	if raw == "" {
		return 0, nil
	}
	timeout, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.NewValidationError("invalid stop timeout", err).
			WithContext("item_id", item.ItemID).WithContext("timeout", raw)
	}
	return timeout, nil
}

func scaleTarget(item Item) (int, error) {
	raw := item.Parameters["instances"]
	target, err := strconv.Atoi(raw)
	if err != nil || target < 0 {
		return 0, errors.NewValidationError("scale item requires a non-negative instances parameter", err).
			WithContext("item_id", item.ItemID).WithContext("instances", raw)
	}
	return target, nil
}

// compensate undoes the effect of an item. It reports false when the
// operation has nothing to undo.
func (c *Coordinator) compensate(run *itemRun, status ItemStatus) (RollbackResult, bool) {
	item := run.item
	timeout := c.options.DefaultItemTimeout
	if item.Rollback != nil && item.Rollback.Timeout > 0 {
		timeout = item.Rollback.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rollback := RollbackResult{StartedAt: time.Now()}
	compensated := true
	var err error

	switch item.Operation {
	case OperationStart:
		if run.priorActive {
			compensated = false
			rollback.Message = "instance was already running"
		} else {
			err = c.deps.Executor.StopInstanceGracefully(ctx, item.Target, 0)
			rollback.Message = "instance stopped"
		}

	case OperationStop:
		if !run.priorActive {
			compensated = false
			rollback.Message = "instance was not running"
		} else {
			err = c.deps.Executor.StartInstanceWithDependencies(ctx, item.Target)
			rollback.Message = "instance started"
		}

	case OperationScale:
		current, _ := scaleTarget(item)
		switch {
		case status != ItemSucceeded:
			compensated = false
			rollback.Message = "failed scale operations restore the previous count"
		case current > run.previous && item.Rollback != nil && item.Rollback.PreserveData:
			compensated = false
			rollback.Message = "preserve_data set, added instances kept"
		default:
			_, err = c.deps.Executor.ScalePlugin(ctx, item.Target, run.previous)
			rollback.Message = fmt.Sprintf("scaled back to %d instances", run.previous)
		}

	default:
		compensated = false
		rollback.Message = fmt.Sprintf("%s has no compensating operation", item.Operation)
	}

	rollback.CompletedAt = time.Now()
	rollback.Duration = rollback.CompletedAt.Sub(rollback.StartedAt)
	if err != nil {
		rollback.Error = errors.NewRollbackFailedError("compensation failed", err).
			WithContext("item_id", item.ItemID).WithContext("target", item.Target).Error()
		c.logger.Errorf("Batch item rollback failed, item: %s, target: %s, error: %v", item.ItemID, item.Target, err)
		return rollback, compensated
	}
	rollback.Success = true
	c.logger.Infof("Batch item rolled back, item: %s, target: %s, result: %s", item.ItemID, item.Target, rollback.Message)
	return rollback, compensated
}

func (c *Coordinator) publishItem(exec *execution, result ItemResult) {
	c.publish(Event{
		Type:        EventItemCompleted,
		BatchID:     exec.batch.BatchID,
		ExecutionID: exec.id,
		ItemID:      result.ItemID,
		Item:        &result,
	})
	progress := exec.progress()
	c.publish(Event{Type: EventProgress, BatchID: exec.batch.BatchID, ExecutionID: exec.id, Progress: &progress})
}
