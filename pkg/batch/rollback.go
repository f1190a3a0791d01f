package batch

import (
	"context"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

// RollbackExecution compensates the items a finished execution left
// succeeded, most recently completed first. The execution result itself is
// not changed; an execution can be rolled back once.
func (c *Coordinator) RollbackExecution(ctx context.Context, executionID string) (RollbackReport, error) {
	exec, err := c.getExecution(executionID)
	if err != nil {
		return RollbackReport{}, err
	}

	exec.mutex.Lock()
	switch {
	case !exec.finished:
		exec.mutex.Unlock()
		return RollbackReport{}, errors.NewConflictError("batch execution still running", nil).WithContext("execution_id", executionID)
	case exec.rollingBack || exec.rollback != nil || exec.rollbackTriggered:
		exec.mutex.Unlock()
		return RollbackReport{}, errors.NewConflictError("batch execution already rolled back", nil).WithContext("execution_id", executionID)
	case exec.execCtx.DryRun:
		exec.mutex.Unlock()
		return RollbackReport{}, errors.NewValidationError("dry run executions have nothing to roll back", nil).WithContext("execution_id", executionID)
	}
	exec.rollingBack = true
	exec.mutex.Unlock()

	c.logger.Infof("Rolling back finished batch execution, id: %s", executionID)
	c.publish(Event{Type: EventRollbackTriggered, BatchID: exec.batch.BatchID, ExecutionID: executionID, Message: "requested"})

	report := RollbackReport{ExecutionID: executionID, Success: true, Items: make(map[string]RollbackResult)}
	failures := errors.NewErrorCollection()
	for _, run := range exec.succeededInReverse(nil) {
		if ctx.Err() != nil {
			failures.Add(errors.NewCancelledError("rollback cancelled", ctx.Err()).WithContext("execution_id", executionID))
			report.Success = false
			break
		}
		rollback, _ := c.compensate(run, ItemSucceeded)
		report.Items[run.item.ItemID] = rollback
		report.Order = append(report.Order, run.item.ItemID)
		if !rollback.Success {
			report.Success = false
			failures.Add(errors.NewRollbackFailedError(rollback.Error, nil).WithContext("item_id", run.item.ItemID))
		}
	}

	exec.mutex.Lock()
	exec.rollingBack = false
	exec.rollback = &report
	exec.mutex.Unlock()

	c.publish(Event{Type: EventRollbackCompleted, BatchID: exec.batch.BatchID, ExecutionID: executionID})
	if err := failures.ToError(); err != nil {
		return report, errors.NewRollbackFailedError("batch rollback incomplete", err).WithContext("execution_id", executionID)
	}
	return report, nil
}
