package batch

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// itemRun is the mutable record of one item during an execution. The prior
// fields capture what compensation needs to restore.
type itemRun struct {
	item        Item
	result      ItemResult
	priorActive bool
	previous    int
	replacement string
	completedAt int
}

type execution struct {
	id        string
	batch     Batch
	order     []string
	execCtx   ExecutionContext
	cancel    func()
	done      chan struct{}
	startedAt time.Time

	mutex             sync.Mutex
	status            Status
	phase             string
	phases            []string
	items             map[string]*itemRun
	running           map[string]bool
	completions       int
	groups            int
	canary            *CanaryDecision
	rollbackTriggered bool
	compensated       int
	uncompensated     int
	cancelRequested   bool
	failure           string
	result            ExecutionResult
	finished          bool
	rollingBack       bool
	rollback          *RollbackReport
}

func newExecution(id string, batch Batch, order []string, execCtx ExecutionContext, cancel func()) *execution {
	items := make(map[string]*itemRun, len(batch.Items))
	for _, item := range batch.Items {
		items[item.ItemID] = &itemRun{
			item: item,
			result: ItemResult{
				ItemID:    item.ItemID,
				Operation: item.Operation,
				Target:    item.Target,
				Status:    ItemPending,
				Group:     -1,
			},
			completedAt: -1,
		}
	}
	return &execution{
		id:        id,
		batch:     batch,
		order:     order,
		execCtx:   execCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		status:    StatusRunning,
		phase:     "pending",
		items:     items,
		running:   make(map[string]bool),
	}
}

func (e *execution) requestCancel() {
	e.mutex.Lock()
	e.cancelRequested = true
	e.mutex.Unlock()
	e.cancel()
}

func (e *execution) setPhase(phase string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.phase != "pending" && e.phase != phase {
		e.phases = append(e.phases, e.phase)
	}
	e.phase = phase
}

func (e *execution) startGroup() {
	e.mutex.Lock()
	e.groups++
	e.mutex.Unlock()
}

func (e *execution) markRunning(id string, group int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	run := e.items[id]
	run.result.Status = ItemRunning
	run.result.Group = group
	run.result.StartedAt = time.Now()
	e.running[id] = true
}

// complete stores the outcome of a run and returns a copy of it
func (e *execution) complete(run *itemRun, outcome ItemResult) ItemResult {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.running, run.item.ItemID)
	run.result.Status = outcome.Status
	run.result.Attempts = outcome.Attempts
	run.result.CompletedAt = outcome.CompletedAt
	run.result.Duration = outcome.Duration
	run.result.Message = outcome.Message
	run.result.Error = outcome.Error
	run.result.ErrorKind = outcome.ErrorKind
	if run.result.Status == ItemSucceeded {
		run.completedAt = e.completions
		e.completions++
	}
	return run.result
}

// skip marks a pending item as skipped. It reports false when the item has
// already been started.
func (e *execution) skip(id string, group int, reason string) (ItemResult, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	run := e.items[id]
	if run.result.Status != ItemPending {
		return run.result, false
	}
	run.result.Status = ItemSkipped
	run.result.Group = group
	run.result.Message = reason
	return run.result, true
}

func (e *execution) itemStatus(id string) ItemStatus {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.items[id].result.Status
}

func (e *execution) run(id string) *itemRun {
	return e.items[id]
}

// anyFailed reports whether an item of ids failed
func (e *execution) anyFailed(ids []string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, id := range ids {
		if e.items[id].result.Status == ItemFailed {
			return true
		}
	}
	return false
}

// succeededInReverse returns the runs among ids that succeeded, most recently
// completed first. An empty ids selects every item.
func (e *execution) succeededInReverse(ids []string) []*itemRun {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if len(ids) == 0 {
		ids = e.order
	}
	var runs []*itemRun
	for _, id := range ids {
		if run := e.items[id]; run.result.Status == ItemSucceeded {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].completedAt > runs[j].completedAt
	})
	return runs
}

func (e *execution) setFailure(message string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.failure == "" {
		e.failure = message
	}
}

func (e *execution) triggerRollback() {
	e.mutex.Lock()
	e.rollbackTriggered = true
	e.mutex.Unlock()
}

// recordRollback attaches a compensation outcome to an item. A successful
// compensation of a succeeded item marks it rolled back.
func (e *execution) recordRollback(run *itemRun, rollback RollbackResult, compensated bool) ItemResult {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	run.result.Rollback = &rollback
	if compensated && rollback.Success && run.result.Status == ItemSucceeded {
		run.result.Status = ItemRolledBack
	}
	return run.result
}

// countRollback tallies the succeeded items an automatic rollback visited
func (e *execution) countRollback(result ItemResult) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if result.Status == ItemRolledBack {
		e.compensated++
	} else {
		e.uncompensated++
	}
}

func (e *execution) setCanary(decision CanaryDecision) {
	e.mutex.Lock()
	e.canary = &decision
	e.mutex.Unlock()
}

func (e *execution) isFinished() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.finished
}

func (e *execution) resultSnapshot() ExecutionResult {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	result := e.result
	result.Items = append([]ItemResult(nil), e.result.Items...)
	return result
}

func (e *execution) progress() Progress {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	progress := Progress{
		ExecutionID: e.id,
		BatchID:     e.batch.BatchID,
		Status:      e.status,
		Phase:       e.phase,
		TotalItems:  len(e.order),
		Timestamp:   time.Now(),
	}
	for _, id := range e.order {
		switch e.items[id].result.Status {
		case ItemPending:
		case ItemRunning:
			progress.CurrentItems = append(progress.CurrentItems, id)
		default:
			progress.ItemsCompleted++
		}
	}
	if progress.TotalItems > 0 {
		progress.Percentage = float64(progress.ItemsCompleted) / float64(progress.TotalItems) * 100
	}

	elapsed := time.Since(e.startedAt)
	if e.finished {
		elapsed = e.result.Duration
	}
	if minutes := elapsed.Minutes(); minutes > 0 && progress.ItemsCompleted > 0 {
		progress.Throughput = float64(progress.ItemsCompleted) / minutes
		remaining := progress.TotalItems - progress.ItemsCompleted
		progress.EstimatedRemaining = time.Duration(float64(remaining) / progress.Throughput * float64(time.Minute))
	}
	return progress
}

// finish skips the items never started, computes the final status and summary
// and freezes the result.
func (e *execution) finish(ctxErr error) ExecutionResult {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	reason := "execution aborted"
	switch {
	case e.cancelRequested:
		reason = "execution cancelled"
	case e.canary != nil && !e.canary.Promoted:
		reason = "canary not promoted"
	case e.rollbackTriggered:
		reason = "execution rolled back"
	case ctxErr != nil:
		reason = "batch timed out"
	}

	summary := Summary{TotalItems: len(e.order)}
	var itemTime time.Duration
	var timed int
	items := make([]ItemResult, 0, len(e.order))
	for _, id := range e.order {
		run := e.items[id]
		if run.result.Status == ItemPending {
			run.result.Status = ItemSkipped
			run.result.Message = reason
		}
		switch run.result.Status {
		case ItemSucceeded:
			summary.SuccessfulItems++
		case ItemFailed:
			summary.FailedItems++
		case ItemSkipped:
			summary.SkippedItems++
		case ItemRolledBack:
			summary.RolledBackItems++
		}
		if run.result.Duration > 0 {
			itemTime += run.result.Duration
			timed++
		}
		items = append(items, run.result)
	}
	if summary.TotalItems > 0 {
		summary.SuccessRate = float64(summary.SuccessfulItems) / float64(summary.TotalItems) * 100
	}
	if timed > 0 {
		summary.AverageItemTime = itemTime / time.Duration(timed)
	}

	var status Status
	var message string
	switch {
	case e.cancelRequested:
		status = StatusCancelled
		message = "execution cancelled"
	case e.rollbackTriggered && e.compensated == 0:
		status = StatusFailed
		message = joinMessages(e.failure, "no completed item could be rolled back")
	case e.rollbackTriggered:
		status = StatusRolledBack
		message = e.failure
		if e.uncompensated > 0 {
			message = joinMessages(message, fmt.Sprintf("%d completed item(s) could not be rolled back", e.uncompensated))
		}
	case ctxErr != nil:
		status = StatusFailed
		message = "batch timed out"
	case summary.FailedItems > 0 || summary.SkippedItems > 0 || e.failure != "":
		status = StatusFailed
		message = e.failure
		if message == "" {
			message = "one or more items did not succeed"
		}
	default:
		status = StatusCompleted
	}

	if e.phase != "pending" {
		e.phases = append(e.phases, e.phase)
	}
	e.phase = "finished"

	completedAt := time.Now()
	summary.GroupsExecuted = e.groups
	summary.TotalTime = completedAt.Sub(e.startedAt)
	summary.PhasesCompleted = append([]string(nil), e.phases...)

	e.status = status
	e.finished = true
	e.result = ExecutionResult{
		ExecutionID:       e.id,
		BatchID:           e.batch.BatchID,
		Strategy:          e.batch.Strategy.Type,
		Status:            status,
		Success:           status == StatusCompleted,
		DryRun:            e.execCtx.DryRun,
		RequestedBy:       e.execCtx.RequestedBy,
		StartedAt:         e.startedAt,
		CompletedAt:       completedAt,
		Duration:          summary.TotalTime,
		Items:             items,
		Summary:           summary,
		Canary:            e.canary,
		RollbackTriggered: e.rollbackTriggered,
		Error:             message,
		Metadata:          e.execCtx.Metadata,
	}
	return e.result
}

func joinMessages(first, second string) string {
	if first == "" {
		return second
	}
	return first + "; " + second
}
