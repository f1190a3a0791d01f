// Package lifecycle orchestrates plugin instances: it creates, starts, stops,
// restarts and scales them in dependency order, gated by policy.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/events"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/monitoring"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/plugin"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/resourcelimits"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

// Dependencies are the collaborators of a Manager. Registry, Factory,
// StateMachine and Resolver are required.
type Dependencies struct {
	Registry     plugin.Registry
	Factory      plugin.InstanceFactory
	Security     plugin.SecurityManager
	Resources    ResourceManager
	Health       HealthMonitor
	StateMachine *statemachine.Machine
	Resolver     *dependency.Resolver
	Policy       *policy.Engine
	Tracer       trace.Tracer
}

// instanceEntry is owned by the Manager. opMutex serializes lifecycle
// operations on the instance and is never held while taking another
// instance's opMutex.
type instanceEntry struct {
	id        string
	pluginID  string
	runtime   plugin.Instance
	sandbox   plugin.Sandbox
	limits    resourcelimits.Limits
	health    monitoring.HealthCheckConfig
	metadata  map[string]string
	createdAt time.Time

	opMutex      sync.Mutex
	expectStop   atomic.Bool
	generation   atomic.Uint64
	startedAt    atomic.Int64
	restartCount atomic.Int64
}

type Manager struct {
	deps    Dependencies
	options Options
	logger  logging.Logger
	tracer  trace.Tracer
	broker  *events.Broker[Event]
	metrics *managerMetrics

	instances map[string]*instanceEntry
	mutex     sync.Mutex
	done      chan struct{}

	// scaleLocks serializes ScalePlugin per plugin; guarded by mutex
	scaleLocks map[string]*sync.Mutex
	closeOnce sync.Once

	succeeded    atomic.Uint64
	failed       atomic.Uint64
	denied       atomic.Uint64
	crashes      atomic.Uint64
	rollbacks    atomic.Uint64
	replacements atomic.Uint64
	starts       atomic.Uint64
	startNanos   atomic.Int64
}

func NewManager(deps Dependencies, options Options, logger logging.Logger) (*Manager, error) {
	if deps.Registry == nil || deps.Factory == nil {
		return nil, errors.NewValidationError("registry and instance factory are required", nil)
	}
	if deps.StateMachine == nil || deps.Resolver == nil {
		return nil, errors.NewValidationError("state machine and dependency resolver are required", nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	options.setDefaults()

	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("lifecycle")
	}

	return &Manager{
		deps:       deps,
		options:    options,
		logger:     logger,
		tracer:     tracer,
		broker:     events.NewBroker[Event]("lifecycle", options.EventCapacity, logger),
		metrics:    initManagerMetrics(),
		instances:  make(map[string]*instanceEntry),
		done:       make(chan struct{}),
		scaleLocks: make(map[string]*sync.Mutex),
	}, nil
}

// CreateInstance registers a new instance of a plugin and returns its ID.
// Plugin dependencies are mapped onto existing instances, preferring running
// ones; a required dependency without any instance fails the call.
func (m *Manager) CreateInstance(ctx context.Context, pluginID string, config InstanceConfig) (string, error) {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "lifecycle.CreateInstance", attribute.String("plugin_id", pluginID))
	defer span.End()

	id, err := m.createInstance(ctx, pluginID, config, nil)
	m.finishOperation(span, OperationCreate, start, err)
	return id, err
}

func (m *Manager) createInstance(ctx context.Context, pluginID string, config InstanceConfig, inherited []dependency.Edge) (string, error) {
	manifest, err := m.deps.Registry.GetPlugin(pluginID)
	if err != nil {
		return "", err
	}
	if !manifest.Enabled {
		return "", errors.NewValidationError("plugin is disabled", nil).WithContext("plugin_id", pluginID)
	}

	id := config.InstanceID
	if id == "" {
		id = pluginID + "-" + uuid.NewString()[:8]
	}

	if m.deps.Policy != nil {
		evalCtx := policy.EvaluationContext{Operation: OperationCreate, InstanceID: id, PluginID: pluginID, Metadata: config.Metadata}
		if err := m.checkDecision(m.deps.Policy.EvaluateOperation(ctx, evalCtx), evalCtx); err != nil {
			return "", err
		}
	}

	edges := inherited
	if edges == nil {
		edges, err = m.pluginEdges(manifest, id)
		if err != nil {
			return "", err
		}
		edges = append(edges, config.Dependencies...)
	}

	m.mutex.Lock()
	_, exists := m.instances[id]
	m.mutex.Unlock()
	if exists {
		return "", errors.NewConflictError("instance already exists", nil).WithContext("instance_id", id)
	}

	m.logger.Infof("Creating instance, id: %s, plugin: %s, dependencies: %d", id, pluginID, len(edges))

	var sandbox plugin.Sandbox
	if m.deps.Security != nil {
		sandbox, err = m.deps.Security.CreateSandbox(ctx, pluginID, manifest.Sandbox)
		if err != nil {
			return "", errors.NewPermissionError("failed to create sandbox", err).WithContext("instance_id", id).WithContext("plugin_id", pluginID)
		}
	}

	runtime, err := m.deps.Factory.CreateInstance(ctx, id, manifest, sandbox)
	if err != nil {
		m.destroySandbox(sandbox)
		return "", errors.NewProcessError("failed to create instance runtime", err).WithContext("instance_id", id).WithContext("plugin_id", pluginID)
	}

	entry := &instanceEntry{
		id:        id,
		pluginID:  pluginID,
		runtime:   runtime,
		sandbox:   sandbox,
		limits:    manifest.ResourceLimits,
		health:    manifest.HealthCheck,
		metadata:  copyMetadata(manifest.Metadata, config.Metadata),
		createdAt: time.Now(),
	}
	if config.ResourceLimits != nil {
		entry.limits = *config.ResourceLimits
	}
	if config.HealthCheck != nil {
		entry.health = *config.HealthCheck
	}

	if err := m.deps.Resolver.AddInstance(id, edges); err != nil {
		m.destroySandbox(sandbox)
		return "", err
	}
	if err := m.deps.StateMachine.AddInstance(id); err != nil {
		_ = m.deps.Resolver.RemoveInstance(id)
		m.destroySandbox(sandbox)
		return "", err
	}
	for _, t := range []statemachine.Transition{statemachine.TransitionRegister, statemachine.TransitionValidate} {
		if _, err := m.deps.StateMachine.Transition(id, t, "instance created"); err != nil {
			m.logger.Errorf("Failed to register instance state, id: %s, error: %v", id, err)
		}
	}

	m.mutex.Lock()
	m.instances[id] = entry
	m.mutex.Unlock()
	m.metrics.instances.WithLabelValues(pluginID).Inc()

	m.publish(EventInstanceCreated, entry, "instance created", nil)
	m.logger.Infof("Instance created, id: %s, plugin: %s", id, pluginID)
	return id, nil
}

// pluginEdges maps manifest dependencies onto existing instances
func (m *Manager) pluginEdges(manifest plugin.Manifest, instanceID string) ([]dependency.Edge, error) {
	var edges []dependency.Edge
	for _, dep := range manifest.Dependencies {
		target := m.pickInstance(dep.PluginID)
		if target == "" {
			if dep.Optional {
				continue
			}
			return nil, errors.NewDependencyNotSatisfiedError("no instance of required plugin", nil).
				WithContext("instance_id", instanceID).
				WithContext("plugin_id", manifest.ID).
				WithContext("dependency", dep.PluginID)
		}
		edges = append(edges, dependency.Edge{Target: target, Optional: dep.Optional})
	}
	return edges, nil
}

// pickInstance returns the oldest running instance of a plugin, or the oldest
// instance in any state
func (m *Manager) pickInstance(pluginID string) string {
	candidates := m.instancesOf(pluginID)
	for _, entry := range candidates {
		if state, err := m.deps.StateMachine.GetState(entry.id); err == nil && state == statemachine.StateRunning {
			return entry.id
		}
	}
	if len(candidates) > 0 {
		return candidates[0].id
	}
	return ""
}

// instancesOf returns the plugin's instances, oldest first
func (m *Manager) instancesOf(pluginID string) []*instanceEntry {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var result []*instanceEntry
	for _, entry := range m.instances {
		if entry.pluginID == pluginID {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].createdAt.Equal(result[j].createdAt) {
			return result[i].id < result[j].id
		}
		return result[i].createdAt.Before(result[j].createdAt)
	})
	return result
}

// RemoveInstance unregisters a stopped instance
func (m *Manager) RemoveInstance(ctx context.Context, id string) error {
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}

	entry.opMutex.Lock()
	defer entry.opMutex.Unlock()

	state, err := m.deps.StateMachine.GetState(id)
	if err != nil {
		return err
	}
	if state.IsActive() || state == statemachine.StateStopping || state == statemachine.StateRestarting {
		return errors.NewConflictError("instance must be stopped before removal", nil).
			WithContext("instance_id", id).WithContext("current_state", string(state))
	}

	if err := m.authorize(ctx, OperationRemove, entry, state); err != nil {
		return err
	}

	if err := m.deps.Resolver.RemoveInstance(id); err != nil {
		return err
	}
	if err := m.deps.StateMachine.RemoveInstance(id); err != nil {
		m.logger.Warnf("Failed to remove instance state, id: %s, error: %v", id, err)
	}
	m.destroySandbox(entry.sandbox)

	m.mutex.Lock()
	delete(m.instances, id)
	m.mutex.Unlock()
	m.metrics.instances.WithLabelValues(entry.pluginID).Dec()

	m.publish(EventInstanceRemoved, entry, "instance removed", nil)
	m.logger.Infof("Instance removed, id: %s", id)
	return nil
}

func (m *Manager) GetInstance(id string) (InstanceInfo, error) {
	entry, err := m.getEntry(id)
	if err != nil {
		return InstanceInfo{}, err
	}
	return m.describe(entry), nil
}

// ListInstances returns all instances sorted by ID
func (m *Manager) ListInstances() []InstanceInfo {
	entries := m.allEntries()
	result := make([]InstanceInfo, 0, len(entries))
	for _, entry := range entries {
		result = append(result, m.describe(entry))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InstanceID < result[j].InstanceID })
	return result
}

// InstancesOfPlugin returns the IDs of a plugin's instances, oldest first
func (m *Manager) InstancesOfPlugin(pluginID string) []string {
	entries := m.instancesOf(pluginID)
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.id
	}
	return ids
}

func (m *Manager) describe(entry *instanceEntry) InstanceInfo {
	info := InstanceInfo{
		InstanceID:   entry.id,
		PluginID:     entry.pluginID,
		Dependents:   m.deps.Resolver.GetDependents(entry.id),
		CreatedAt:    entry.createdAt,
		RestartCount: int(entry.restartCount.Load()),
		Metadata:     entry.metadata,
	}
	info.State, _ = m.deps.StateMachine.GetState(entry.id)
	info.Dependencies, _ = m.deps.Resolver.GetDependencies(entry.id)
	if started := entry.startedAt.Load(); started != 0 && info.State == statemachine.StateRunning {
		info.StartedAt = time.Unix(0, started)
	}
	if p, ok := entry.runtime.(plugin.ProcessInfo); ok {
		info.PID = p.PID()
	}
	if m.deps.Health != nil {
		if status, err := m.deps.Health.GetStatus(entry.id); err == nil {
			info.Health = status.Status
		}
	}
	return info
}

func (m *Manager) SubscribeEvents() *events.Subscription[Event] {
	return m.broker.Subscribe()
}

func (m *Manager) Metrics() Metrics {
	metrics := Metrics{
		InstancesByState:     make(map[statemachine.State]int),
		OperationsSucceeded:  m.succeeded.Load(),
		OperationsFailed:     m.failed.Load(),
		OperationsDenied:     m.denied.Load(),
		Crashes:              m.crashes.Load(),
		Rollbacks:            m.rollbacks.Load(),
		ZeroDowntimeRestarts: m.replacements.Load(),
	}
	for _, entry := range m.allEntries() {
		metrics.TotalInstances++
		if state, err := m.deps.StateMachine.GetState(entry.id); err == nil {
			metrics.InstancesByState[state]++
		}
	}
	if starts := m.starts.Load(); starts > 0 {
		metrics.AverageStartTime = time.Duration(m.startNanos.Load() / int64(starts))
	}
	return metrics
}

func (m *Manager) Collectors() []prometheus.Collector {
	return m.metrics.collectors()
}

// Close stops exit watchers and the event broker. Instances are left as they are.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.broker.Close()
	})
}

func (m *Manager) getEntry(id string) (*instanceEntry, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, exists := m.instances[id]
	if !exists {
		return nil, errors.NewNotFoundError("instance not found", nil).WithContext("instance_id", id)
	}
	return entry, nil
}

func (m *Manager) allEntries() []*instanceEntry {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entries := make([]*instanceEntry, 0, len(m.instances))
	for _, entry := range m.instances {
		entries = append(entries, entry)
	}
	return entries
}

// authorize consults the policy engine. A deny returns PolicyDenied before
// anything is mutated.
func (m *Manager) authorize(ctx context.Context, operation string, entry *instanceEntry, state statemachine.State) error {
	if m.deps.Policy == nil {
		return nil
	}

	evalCtx := policy.EvaluationContext{
		Operation:    operation,
		InstanceID:   entry.id,
		PluginID:     entry.pluginID,
		CurrentState: string(state),
		Metadata:     entry.metadata,
	}
	if m.deps.Health != nil {
		if status, err := m.deps.Health.GetStatus(entry.id); err == nil {
			evalCtx.HealthStatus = string(status.Status)
		}
	}
	if m.deps.Resources != nil && state == statemachine.StateRunning {
		if usage, err := m.deps.Resources.GetUsage(ctx, entry.id); err == nil {
			evalCtx.ResourceUsage = usage.AsMap()
		}
	}

	return m.checkDecision(m.deps.Policy.EvaluateOperation(ctx, evalCtx), evalCtx)
}

func (m *Manager) checkDecision(decision policy.PolicyDecision, evalCtx policy.EvaluationContext) error {
	if decision.Allowed {
		return nil
	}
	m.denied.Add(1)
	m.metrics.operationsTotal.WithLabelValues(evalCtx.Operation, "denied").Inc()
	m.broker.Publish(Event{
		EventID:    uuid.NewString(),
		Type:       EventOperationDenied,
		InstanceID: evalCtx.InstanceID,
		PluginID:   evalCtx.PluginID,
		Message:    decision.Reason,
		Data:       map[string]string{"operation": evalCtx.Operation, "policy_id": decision.PolicyID},
		Timestamp:  time.Now(),
	})
	return decision.DeniedError(evalCtx)
}

func (m *Manager) publish(eventType EventType, entry *instanceEntry, message string, data map[string]string) {
	m.broker.Publish(Event{
		EventID:    uuid.NewString(),
		Type:       eventType,
		InstanceID: entry.id,
		PluginID:   entry.pluginID,
		Message:    message,
		Data:       data,
		Timestamp:  time.Now(),
	})
}

func (m *Manager) destroySandbox(sandbox plugin.Sandbox) {
	if m.deps.Security == nil || sandbox.ID == "" {
		return
	}
	if err := m.deps.Security.DestroySandbox(context.Background(), sandbox.ID); err != nil {
		m.logger.Warnf("Failed to destroy sandbox, id: %s, error: %v", sandbox.ID, err)
	}
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (m *Manager) finishOperation(span trace.Span, operation string, start time.Time, err error) {
	m.metrics.operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.IsPolicyDeniedError(err) {
			m.failed.Add(1)
			m.metrics.operationsTotal.WithLabelValues(operation, "failure").Inc()
		}
		return
	}
	m.succeeded.Add(1)
	m.metrics.operationsTotal.WithLabelValues(operation, "success").Inc()
}

func copyMetadata(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
