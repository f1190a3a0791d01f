// Package batch runs sets of lifecycle operations under sequential, parallel,
// rolling and canary strategies with per-item retry and rollback.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/events"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

const (
	DefaultWorkerPoolSize          = 8
	DefaultItemTimeout             = 5 * time.Minute
	DefaultMaxRetainedResults      = 100
	DefaultMaxConcurrentExecutions = 10
	DefaultHealthPollInterval      = time.Second
)

// Executor performs the lifecycle operation behind each item
type Executor interface {
	StartInstanceWithDependencies(ctx context.Context, id string) error
	StopInstanceGracefully(ctx context.Context, id string, timeout time.Duration) error
	RestartInstance(ctx context.Context, id string) error
	RestartInstanceZeroDowntime(ctx context.Context, id string) (string, error)
	ScalePlugin(ctx context.Context, pluginID string, target int) (lifecycle.ScaleResult, error)
	GetInstance(id string) (lifecycle.InstanceInfo, error)
}

type HealthProber interface {
	PerformHealthCheck(ctx context.Context, instanceID string) (bool, error)
}

// AuditSink receives every finished execution result
type AuditSink interface {
	RecordBatchResult(ctx context.Context, result ExecutionResult) error
}

type Dependencies struct {
	Executor Executor
	Health   HealthProber
	Audit    AuditSink
	Tracer   trace.Tracer
}

type Options struct {
	WorkerPoolSize          int           `yaml:"worker_pool_size,omitempty"`
	DefaultItemTimeout      time.Duration `yaml:"default_item_timeout,omitempty"`
	MaxRetainedResults      int           `yaml:"max_retained_results,omitempty"`
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions,omitempty"`
	HealthPollInterval      time.Duration `yaml:"health_poll_interval,omitempty"`
	EventCapacity           int           `yaml:"event_capacity,omitempty"`
}

func (o *Options) setDefaults() {
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if o.DefaultItemTimeout <= 0 {
		o.DefaultItemTimeout = DefaultItemTimeout
	}
	if o.MaxRetainedResults <= 0 {
		o.MaxRetainedResults = DefaultMaxRetainedResults
	}
	if o.MaxConcurrentExecutions <= 0 {
		o.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if o.HealthPollInterval <= 0 {
		o.HealthPollInterval = DefaultHealthPollInterval
	}
}

type Coordinator struct {
	deps     Dependencies
	options  Options
	logger   logging.Logger
	tracer   trace.Tracer
	broker   *events.Broker[Event]
	metrics  *batchMetrics
	validate *validator.Validate
	pool     *ants.Pool
	slots    *semaphore.Weighted

	mutex     sync.RWMutex
	batches   map[string]Batch
	templates map[string]Template
	active    map[string]*execution
	finished  *lru.Cache[string, *execution]
	running   sync.WaitGroup

	totalExecutions atomic.Uint64
	successful      atomic.Uint64
	failed          atomic.Uint64
	cancelled       atomic.Uint64
	rolledBack      atomic.Uint64
	itemsExecuted   atomic.Uint64
	itemsFailed     atomic.Uint64
	retries         atomic.Uint64
	executionNanos  atomic.Int64
}

func NewCoordinator(deps Dependencies, options Options, logger logging.Logger) (*Coordinator, error) {
	if deps.Executor == nil {
		return nil, errors.NewValidationError("batch coordinator requires an executor", nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	options.setDefaults()

	pool, err := ants.NewPool(options.WorkerPoolSize)
	if err != nil {
		return nil, errors.NewInternalError("failed to create batch worker pool", err)
	}
	finished, err := lru.New[string, *execution](options.MaxRetainedResults)
	if err != nil {
		pool.Release()
		return nil, errors.NewInternalError("failed to create execution result cache", err)
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("batch")
	}

	return &Coordinator{
		deps:      deps,
		options:   options,
		logger:    logger,
		tracer:    tracer,
		broker:    events.NewBroker[Event]("batch", options.EventCapacity, logger),
		metrics:   initBatchMetrics(),
		validate:  validator.New(),
		pool:      pool,
		slots:     semaphore.NewWeighted(int64(options.MaxConcurrentExecutions)),
		batches:   make(map[string]Batch),
		templates: make(map[string]Template),
		active:    make(map[string]*execution),
		finished:  finished,
	}, nil
}

// CreateBatch validates and stores a batch, returning its ID. Item dependencies
// must name items of the same batch and must not form a cycle.
func (c *Coordinator) CreateBatch(batch Batch) (string, error) {
	if err := c.validateBatch(batch); err != nil {
		return "", err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if batch.BatchID == "" {
		batch.BatchID = uuid.New().String()
	}
	if _, exists := c.batches[batch.BatchID]; exists {
		return "", errors.NewConflictError("batch already exists", nil).WithContext("batch_id", batch.BatchID)
	}
	batch.Items = append([]Item(nil), batch.Items...)
	batch.CreatedAt = time.Now()
	c.batches[batch.BatchID] = batch

	c.logger.Infof("Batch created, id: %s, name: %s, items: %d, strategy: %s",
		batch.BatchID, batch.Name, len(batch.Items), batch.Strategy.Type)
	c.publish(Event{Type: EventBatchCreated, BatchID: batch.BatchID})
	return batch.BatchID, nil
}

func (c *Coordinator) validateBatch(batch Batch) error {
	if err := c.validate.Struct(batch); err != nil {
		return errors.NewValidationError("invalid batch", err).WithContext("batch_id", batch.BatchID)
	}

	switch batch.Strategy.Type {
	case StrategyRolling:
		if batch.Strategy.Rolling == nil {
			return errors.NewValidationError("rolling strategy requires rolling configuration", nil).WithContext("batch_id", batch.BatchID)
		}
	case StrategyCanary:
		canary := batch.Strategy.Canary
		if canary == nil || (canary.Size.Count == 0 && canary.Size.Percentage == 0) {
			return errors.NewValidationError("canary strategy requires a canary size", nil).WithContext("batch_id", batch.BatchID)
		}
	}

	ids := make(map[string]bool, len(batch.Items))
	for _, item := range batch.Items {
		if ids[item.ItemID] {
			return errors.NewValidationError("duplicate batch item", nil).
				WithContext("batch_id", batch.BatchID).WithContext("item_id", item.ItemID)
		}
		ids[item.ItemID] = true
	}
	for _, item := range batch.Items {
		for _, dep := range item.Dependencies {
			if !ids[dep] {
				return errors.NewValidationError(fmt.Sprintf("item depends on unknown item %s", dep), nil).
					WithContext("batch_id", batch.BatchID).WithContext("item_id", item.ItemID)
			}
		}
	}

	if _, err := executionOrder(batch.Items); err != nil {
		return err
	}
	return nil
}

// executionOrder sorts items by priority, highest first, then places every
// item after its dependencies.
func executionOrder(items []Item) ([]string, error) {
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	keys := make([]string, len(sorted))
	deps := make(map[string][]string, len(sorted))
	for i, item := range sorted {
		keys[i] = item.ItemID
		deps[item.ItemID] = item.Dependencies
	}
	return dependency.TopologicalOrder(keys, deps)
}

func (c *Coordinator) GetBatch(batchID string) (Batch, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	batch, exists := c.batches[batchID]
	if !exists {
		return Batch{}, errors.NewNotFoundError("batch not found", nil).WithContext("batch_id", batchID)
	}
	return batch, nil
}

// ListBatches returns stored batches, oldest first
func (c *Coordinator) ListBatches() []Batch {
	c.mutex.RLock()
	batches := make([]Batch, 0, len(c.batches))
	for _, batch := range c.batches {
		batches = append(batches, batch)
	}
	c.mutex.RUnlock()

	sort.Slice(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].BatchID < batches[j].BatchID
		}
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})
	return batches
}

// RemoveBatch deletes a batch definition. Batches with an execution in
// progress cannot be removed.
func (c *Coordinator) RemoveBatch(batchID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.batches[batchID]; !exists {
		return errors.NewNotFoundError("batch not found", nil).WithContext("batch_id", batchID)
	}
	for _, exec := range c.active {
		if exec.batch.BatchID == batchID {
			return errors.NewConflictError("batch has an execution in progress", nil).
				WithContext("batch_id", batchID).WithContext("execution_id", exec.id)
		}
	}
	delete(c.batches, batchID)
	c.publish(Event{Type: EventBatchRemoved, BatchID: batchID})
	return nil
}

// ExecuteBatch starts an execution of a stored batch and returns its ID
// without waiting for it. The execution outlives ctx; use CancelExecution to
// stop it.
func (c *Coordinator) ExecuteBatch(ctx context.Context, batchID string, execCtx ExecutionContext) (string, error) {
	batch, err := c.GetBatch(batchID)
	if err != nil {
		return "", err
	}
	order, err := executionOrder(batch.Items)
	if err != nil {
		return "", err
	}
	if !c.slots.TryAcquire(1) {
		return "", errors.NewConflictError("maximum concurrent batch executions reached", nil).
			WithContext("batch_id", batchID).WithContext("limit", c.options.MaxConcurrentExecutions)
	}

	runCtx := context.WithoutCancel(ctx)
	var cancelTimeout context.CancelFunc = func() {}
	if batch.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(runCtx, batch.Timeout)
	}
	runCtx, cancel := context.WithCancel(runCtx)

	exec := newExecution(uuid.New().String(), batch, order, execCtx, func() {
		cancel()
		cancelTimeout()
	})

	c.mutex.Lock()
	c.active[exec.id] = exec
	c.mutex.Unlock()
	c.metrics.activeExecutions.Inc()

	c.logger.Infof("Starting batch execution, id: %s, batch: %s, strategy: %s, items: %d, dry_run: %t",
		exec.id, batchID, batch.Strategy.Type, len(order), execCtx.DryRun)
	c.publish(Event{Type: EventExecutionStarted, BatchID: batchID, ExecutionID: exec.id})

	c.running.Add(1)
	go func() {
		defer c.running.Done()
		defer c.slots.Release(1)
		c.run(runCtx, exec)
	}()
	return exec.id, nil
}

// Wait blocks until the execution finishes or ctx is done
func (c *Coordinator) Wait(ctx context.Context, executionID string) (ExecutionResult, error) {
	exec, err := c.getExecution(executionID)
	if err != nil {
		return ExecutionResult{}, err
	}

	select {
	case <-exec.done:
		return exec.resultSnapshot(), nil
	case <-ctx.Done():
		return ExecutionResult{}, errors.NewTimeoutError("timed out waiting for batch execution", ctx.Err()).
			WithContext("execution_id", executionID)
	}
}

func (c *Coordinator) GetExecutionProgress(executionID string) (Progress, error) {
	exec, err := c.getExecution(executionID)
	if err != nil {
		return Progress{}, err
	}
	return exec.progress(), nil
}

// GetExecutionResult returns the final result of a finished execution
func (c *Coordinator) GetExecutionResult(executionID string) (ExecutionResult, error) {
	exec, err := c.getExecution(executionID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !exec.isFinished() {
		return ExecutionResult{}, errors.NewConflictError("batch execution still running", nil).WithContext("execution_id", executionID)
	}
	return exec.resultSnapshot(), nil
}

// ListExecutions returns the results of retained finished executions, most
// recent first
func (c *Coordinator) ListExecutions() []ExecutionResult {
	var results []ExecutionResult
	for _, exec := range c.finished.Values() {
		results = append(results, exec.resultSnapshot())
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CompletedAt.After(results[j].CompletedAt)
	})
	return results
}

// CancelExecution stops an execution in progress. Items already running see
// their context cancelled; items not yet started are skipped.
func (c *Coordinator) CancelExecution(executionID string) error {
	c.mutex.RLock()
	exec, active := c.active[executionID]
	c.mutex.RUnlock()

	if !active {
		if _, ok := c.finished.Get(executionID); ok {
			return errors.NewConflictError("batch execution already finished", nil).WithContext("execution_id", executionID)
		}
		return errors.NewNotFoundError("batch execution not found", nil).WithContext("execution_id", executionID)
	}

	c.logger.Infof("Cancelling batch execution, id: %s", executionID)
	exec.requestCancel()
	return nil
}

func (c *Coordinator) getExecution(executionID string) (*execution, error) {
	c.mutex.RLock()
	exec, active := c.active[executionID]
	c.mutex.RUnlock()
	if active {
		return exec, nil
	}
	if exec, ok := c.finished.Get(executionID); ok {
		return exec, nil
	}
	return nil, errors.NewNotFoundError("batch execution not found", nil).WithContext("execution_id", executionID)
}

func (c *Coordinator) Metrics() Metrics {
	c.mutex.RLock()
	batches := len(c.batches)
	active := len(c.active)
	c.mutex.RUnlock()

	metrics := Metrics{
		TotalBatches:         batches,
		ActiveExecutions:     active,
		TotalExecutions:      c.totalExecutions.Load(),
		SuccessfulExecutions: c.successful.Load(),
		FailedExecutions:     c.failed.Load(),
		CancelledExecutions:  c.cancelled.Load(),
		RolledBackExecutions: c.rolledBack.Load(),
		ItemsExecuted:        c.itemsExecuted.Load(),
		ItemsFailed:          c.itemsFailed.Load(),
		Retries:              c.retries.Load(),
	}
	if metrics.TotalExecutions > 0 {
		metrics.AverageExecutionTime = time.Duration(c.executionNanos.Load() / int64(metrics.TotalExecutions))
	}
	return metrics
}

func (c *Coordinator) Collectors() []prometheus.Collector {
	return c.metrics.collectors()
}

func (c *Coordinator) Subscribe() *events.Subscription[Event] {
	return c.broker.Subscribe()
}

// CancelAll cancels every execution in progress and waits until they have
// finished. The coordinator stays usable afterwards.
func (c *Coordinator) CancelAll(ctx context.Context) error {
	cancelled := c.cancelActive()
	if cancelled > 0 {
		c.logger.Infof("Cancelling active batch executions, count: %d", cancelled)
	}

	drained := make(chan struct{})
	go func() {
		c.running.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("timed out waiting for batch executions to stop", ctx.Err()).
			WithContext("executions", cancelled)
	}
}

func (c *Coordinator) cancelActive() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for _, exec := range c.active {
		exec.requestCancel()
	}
	return len(c.active)
}

// Close cancels executions in progress, waits for them to finish and releases
// the worker pool.
func (c *Coordinator) Close() {
	c.cancelActive()
	c.running.Wait()
	c.pool.Release()
	c.broker.Close()
}

func (c *Coordinator) publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	c.broker.Publish(event)
}
