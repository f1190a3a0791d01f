package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/plugin"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

// StartInstanceWithDependencies starts the instance after everything it
// depends on, in dependency-first order. When a node fails, instances started
// by this call are stopped again in reverse order; instances that were already
// running are left alone.
func (m *Manager) StartInstanceWithDependencies(ctx context.Context, id string) error {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "lifecycle.StartInstanceWithDependencies", attribute.String("instance_id", id))
	defer span.End()

	err := m.startWithDependencies(ctx, id)
	m.finishOperation(span, OperationStart, start, err)
	return err
}

func (m *Manager) startWithDependencies(ctx context.Context, id string) error {
	if _, err := m.getEntry(id); err != nil {
		return err
	}

	order, err := m.deps.Resolver.ResolveDependencies(id)
	if err != nil {
		return err
	}

	m.logger.Infof("Starting instance with dependencies, id: %s, order: %v", id, order)

	var started []string
	for _, nodeID := range order {
		entry, err := m.getEntry(nodeID)
		if err == nil {
			var wasStarted bool
			wasStarted, err = m.startOne(ctx, entry)
			if wasStarted {
				started = append(started, nodeID)
			}
		}
		if err == nil {
			continue
		}

		m.logger.Errorf("Failed to start instance, id: %s, requested: %s, error: %v", nodeID, id, err)
		m.rollbackStarted(started, id)

		if nodeID == id {
			return err
		}
		return errors.NewDependencyNotSatisfiedError("dependency failed to start", err).
			WithContext("instance_id", id).
			WithContext("dependency", nodeID)
	}

	m.logger.Infof("Instance started with dependencies, id: %s, newly_started: %d", id, len(started))
	return nil
}

// rollbackStarted stops the given instances in reverse order
func (m *Manager) rollbackStarted(started []string, requested string) {
	if len(started) == 0 {
		return
	}
	m.logger.Warnf("Rolling back started instances, requested: %s, instances: %v", requested, started)

	for i := len(started) - 1; i >= 0; i-- {
		entry, err := m.getEntry(started[i])
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.options.StopTimeout)
		_, stopErr := m.stopOne(ctx, entry, m.options.StopTimeout, false)
		cancel()
		if stopErr != nil {
			m.logger.Errorf("Failed to roll back instance, id: %s, error: %v", entry.id, stopErr)
			continue
		}
		m.rollbacks.Add(1)
		m.metrics.rollbacksTotal.Inc()
		m.publish(EventRollbackPerformed, entry, "stopped by start rollback", map[string]string{"requested": requested})
	}
}

// startOne starts a single instance. It reports whether this call moved the
// instance to running.
func (m *Manager) startOne(ctx context.Context, entry *instanceEntry) (bool, error) {
	entry.opMutex.Lock()
	defer entry.opMutex.Unlock()
	return m.startLocked(ctx, entry, true)
}

func (m *Manager) startLocked(ctx context.Context, entry *instanceEntry, checkPolicy bool) (bool, error) {
	id := entry.id
	state, err := m.deps.StateMachine.GetState(id)
	if err != nil {
		return false, err
	}
	if state == statemachine.StateRunning {
		m.logger.Debugf("Instance already running, id: %s", id)
		return false, nil
	}

	if satisfied, missing := m.deps.Resolver.AreDependenciesSatisfied(id, m.isRunning); !satisfied {
		return false, errors.NewDependencyNotSatisfiedError("required dependencies are not running", nil).
			WithContext("instance_id", id).
			WithContext("missing", fmt.Sprintf("%v", missing))
	}

	if checkPolicy {
		if err := m.authorize(ctx, OperationStart, entry, state); err != nil {
			return false, err
		}
	}

	if state == statemachine.StateRegistered {
		if _, err := m.deps.StateMachine.Transition(id, statemachine.TransitionValidate, "start requested"); err != nil {
			return false, err
		}
	}
	if _, err := m.deps.StateMachine.Transition(id, statemachine.TransitionInitialize, "start requested"); err != nil {
		return false, err
	}

	m.logger.Infof("Starting instance, id: %s, plugin: %s", id, entry.pluginID)
	m.publish(EventInstanceStarting, entry, "starting", nil)

	if _, err := m.deps.StateMachine.Transition(id, statemachine.TransitionCompleteInit, "initialized"); err != nil {
		return false, err
	}

	startedAt := time.Now()
	startCtx, cancel := context.WithTimeout(ctx, m.options.StartTimeout)
	generation := entry.generation.Add(1)
	entry.expectStop.Store(false)
	err = entry.runtime.Start(startCtx)
	deadline := startCtx.Err()
	cancel()

	if err != nil {
		m.failInstance(entry, fmt.Sprintf("start failed: %v", err))
		if deadline == context.DeadlineExceeded {
			return false, errors.NewTimeoutError("instance did not start in time", err).
				WithContext("instance_id", id).WithContext("timeout", m.options.StartTimeout.String())
		}
		if ctx.Err() != nil {
			return false, errors.NewCancelledError("instance start was cancelled", ctx.Err()).WithContext("instance_id", id)
		}
		return false, errors.NewProcessError("failed to start instance", err).WithContext("instance_id", id)
	}

	m.registerCollaborators(entry)

	if _, err := m.deps.StateMachine.Transition(id, statemachine.TransitionCompleteStart, "started"); err != nil {
		m.logger.Errorf("Failed to transition instance to running state, id: %s, error: %v", id, err)
		return true, err
	}

	elapsed := time.Since(startedAt)
	entry.startedAt.Store(time.Now().UnixNano())
	m.starts.Add(1)
	m.startNanos.Add(int64(elapsed))

	m.watchExit(entry, generation)
	m.publish(EventInstanceStarted, entry, "started", map[string]string{"duration": elapsed.String()})
	m.logger.Infof("Instance started, id: %s, duration: %v", id, elapsed)
	return true, nil
}

func (m *Manager) registerCollaborators(entry *instanceEntry) {
	pid := 0
	if p, ok := entry.runtime.(plugin.ProcessInfo); ok {
		pid = p.PID()
	}

	if m.deps.Resources != nil && pid > 0 && !entry.limits.IsEmpty() {
		if err := m.deps.Resources.RegisterInstance(entry.id, pid, entry.limits); err != nil {
			m.logger.Warnf("Failed to register instance for resource tracking, id: %s, error: %v", entry.id, err)
		}
	}
	if m.deps.Health != nil {
		if err := m.deps.Health.RegisterInstance(entry.id, entry.health, pid); err != nil {
			m.logger.Warnf("Failed to register instance for health checks, id: %s, error: %v", entry.id, err)
		}
	}
}

func (m *Manager) unregisterCollaborators(entry *instanceEntry) {
	if m.deps.Resources != nil && !entry.limits.IsEmpty() {
		if err := m.deps.Resources.UnregisterInstance(entry.id); err != nil && !errors.IsNotFoundError(err) {
			m.logger.Warnf("Failed to unregister instance from resource tracking, id: %s, error: %v", entry.id, err)
		}
	}
	if m.deps.Health != nil {
		if err := m.deps.Health.UnregisterInstance(entry.id); err != nil && !errors.IsNotFoundError(err) {
			m.logger.Warnf("Failed to unregister instance from health checks, id: %s, error: %v", entry.id, err)
		}
	}
}

func (m *Manager) isRunning(id string) bool {
	state, err := m.deps.StateMachine.GetState(id)
	return err == nil && state == statemachine.StateRunning
}

// StopInstanceGracefully stops the instance after every running instance that
// depends on it, dependents first. Stopping an instance that is not running
// succeeds without any transition.
func (m *Manager) StopInstanceGracefully(ctx context.Context, id string, timeout time.Duration) error {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "lifecycle.StopInstanceGracefully", attribute.String("instance_id", id))
	defer span.End()

	err := m.stopWithDependents(ctx, id, timeout)
	m.finishOperation(span, OperationStop, start, err)
	return err
}

func (m *Manager) stopWithDependents(ctx context.Context, id string, timeout time.Duration) error {
	entry, err := m.getEntry(id)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = m.options.StopTimeout
	}

	dependents := m.runningDependents(id)
	if len(dependents) > 0 {
		m.logger.Infof("Stopping dependents first, id: %s, dependents: %v", id, dependents)
		levels, err := m.deps.Resolver.StartupLevels(dependents)
		if err != nil {
			return err
		}
		for i := len(levels) - 1; i >= 0; i-- {
			for _, dependentID := range levels[i] {
				dependent, err := m.getEntry(dependentID)
				if err != nil {
					continue
				}
				if _, err := m.stopOne(ctx, dependent, timeout, true); err != nil {
					return errors.NewConflictError("failed to stop dependent instance", err).
						WithContext("instance_id", id).WithContext("dependent", dependentID)
				}
			}
		}
	}

	_, err = m.stopOne(ctx, entry, timeout, true)
	return err
}

// runningDependents returns every active instance that transitively depends on id
func (m *Manager) runningDependents(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	var result []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range m.deps.Resolver.GetDependents(current) {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			queue = append(queue, dependent)
			if state, err := m.deps.StateMachine.GetState(dependent); err == nil && state.IsActive() {
				result = append(result, dependent)
			}
		}
	}
	return result
}

// stopOne stops a single instance. It reports whether a stop was performed.
func (m *Manager) stopOne(ctx context.Context, entry *instanceEntry, timeout time.Duration, checkPolicy bool) (bool, error) {
	entry.opMutex.Lock()
	defer entry.opMutex.Unlock()

	state, err := m.deps.StateMachine.GetState(entry.id)
	if err != nil {
		return false, err
	}

	switch state {
	case statemachine.StateStopped, statemachine.StateDiscovered, statemachine.StateRegistered, statemachine.StateValidated:
		m.logger.Debugf("Instance already stopped, id: %s, state: %s", entry.id, state)
		return false, nil
	case statemachine.StateError:
		entry.expectStop.Store(true)
		m.unregisterCollaborators(entry)
		stopCtx, cancel := context.WithTimeout(ctx, timeout)
		if err := entry.runtime.Stop(stopCtx); err != nil {
			m.logger.Warnf("Failed to stop failed instance runtime, id: %s, error: %v", entry.id, err)
		}
		cancel()
		return false, nil
	}

	if checkPolicy {
		if err := m.authorize(ctx, OperationStop, entry, state); err != nil {
			return false, err
		}
	}

	return true, m.stopLocked(ctx, entry, timeout)
}

func (m *Manager) stopLocked(ctx context.Context, entry *instanceEntry, timeout time.Duration) error {
	id := entry.id
	m.logger.Infof("Stopping instance, id: %s, timeout: %v", id, timeout)

	if _, err := m.deps.StateMachine.Transition(id, statemachine.TransitionStop, "stop requested"); err != nil {
		return err
	}
	m.publish(EventInstanceStopping, entry, "stopping", nil)

	entry.expectStop.Store(true)
	m.unregisterCollaborators(entry)

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	err := entry.runtime.Stop(stopCtx)
	deadline := stopCtx.Err()
	cancel()

	if err != nil {
		m.failInstance(entry, fmt.Sprintf("stop failed: %v", err))
		if deadline == context.DeadlineExceeded {
			return errors.NewTimeoutError("instance did not stop in time", err).
				WithContext("instance_id", id).WithContext("timeout", timeout.String())
		}
		return errors.NewProcessError("failed to stop instance", err).WithContext("instance_id", id)
	}

	if _, err := m.deps.StateMachine.Transition(id, statemachine.TransitionCompleteStop, "stopped"); err != nil {
		m.logger.Errorf("Failed to transition instance to stopped state, id: %s, error: %v", id, err)
		return err
	}

	m.publish(EventInstanceStopped, entry, "stopped", nil)
	m.logger.Infof("Instance stopped, id: %s", id)
	return nil
}

// RestartInstance restarts the instance in place
func (m *Manager) RestartInstance(ctx context.Context, id string) error {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "lifecycle.RestartInstance", attribute.String("instance_id", id))
	defer span.End()

	err := m.restartInPlace(ctx, id)
	m.finishOperation(span, OperationRestart, start, err)
	return err
}

func (m *Manager) restartInPlace(ctx context.Context, id string) error {
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
	if err := m.authorize(ctx, OperationRestart, entry, state); err != nil {
		return err
	}

	if state != statemachine.StateRunning {
		m.logger.Infof("Instance not running, starting instead of restarting, id: %s, state: %s", id, state)
		_, err := m.startLocked(ctx, entry, false)
		return err
	}

	m.logger.Infof("Restarting instance, id: %s", id)
	if _, err := m.deps.StateMachine.Transition(id, statemachine.TransitionRestart, "restart requested"); err != nil {
		return err
	}

	entry.expectStop.Store(true)
	m.unregisterCollaborators(entry)

	stopCtx, cancel := context.WithTimeout(ctx, m.options.StopTimeout)
	err = entry.runtime.Stop(stopCtx)
	cancel()
	if err != nil {
		m.failInstance(entry, fmt.Sprintf("restart stop failed: %v", err))
		return errors.NewProcessError("failed to stop instance for restart", err).WithContext("instance_id", id)
	}

	if _, err := m.startLocked(ctx, entry, false); err != nil {
		return err
	}

	entry.restartCount.Add(1)
	m.publish(EventInstanceRestarted, entry, "restarted", nil)
	return nil
}

// RestartInstanceZeroDowntime replaces the instance with a new one. The
// replacement is started and must pass health checks before dependents are
// rewired to it and the original is stopped and removed. It returns the ID of
// the replacement.
func (m *Manager) RestartInstanceZeroDowntime(ctx context.Context, id string) (string, error) {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "lifecycle.RestartInstanceZeroDowntime", attribute.String("instance_id", id))
	defer span.End()

	newID, err := m.replaceInstance(ctx, id)
	m.finishOperation(span, OperationRestart, start, err)
	return newID, err
}

func (m *Manager) replaceInstance(ctx context.Context, id string) (string, error) {
	entry, err := m.getEntry(id)
	if err != nil {
		return "", err
	}

	state, err := m.deps.StateMachine.GetState(id)
	if err != nil {
		return "", err
	}
	if state != statemachine.StateRunning {
		return "", errors.NewInvalidTransitionError("zero-downtime restart requires a running instance", nil).
			WithContext("instance_id", id).WithContext("current_state", string(state))
	}
	if err := m.authorize(ctx, OperationRestart, entry, state); err != nil {
		return "", err
	}

	edges, err := m.deps.Resolver.GetDependencies(id)
	if err != nil {
		return "", err
	}
	if edges == nil {
		edges = []dependency.Edge{}
	}

	limits := entry.limits
	health := entry.health
	newID, err := m.createInstance(ctx, entry.pluginID, InstanceConfig{
		ResourceLimits: &limits,
		HealthCheck:    &health,
		Metadata:       entry.metadata,
	}, edges)
	if err != nil {
		return "", err
	}

	m.logger.Infof("Replacing instance, id: %s, replacement: %s", id, newID)

	if err := m.startWithDependencies(ctx, newID); err != nil {
		m.discardReplacement(newID)
		return "", err
	}

	if err := m.waitHealthy(ctx, newID); err != nil {
		m.discardReplacement(newID)
		return "", err
	}

	rewired, err := m.deps.Resolver.ReplaceDependency(id, newID)
	if err != nil {
		m.discardReplacement(newID)
		return "", err
	}

	if _, err := m.stopOne(ctx, entry, m.options.StopTimeout, false); err != nil {
		m.logger.Errorf("Failed to stop replaced instance, id: %s, error: %v", id, err)
		return newID, err
	}
	if err := m.RemoveInstance(ctx, id); err != nil {
		m.logger.Warnf("Failed to remove replaced instance, id: %s, error: %v", id, err)
	}

	m.replacements.Add(1)
	if replacement, err := m.getEntry(newID); err == nil {
		m.publish(EventInstanceReplaced, replacement, "replaced "+id, map[string]string{
			"replaced":   id,
			"dependents": fmt.Sprintf("%v", rewired),
		})
	}
	m.logger.Infof("Instance replaced, id: %s, replacement: %s, rewired: %v", id, newID, rewired)
	return newID, nil
}

func (m *Manager) discardReplacement(id string) {
	entry, err := m.getEntry(id)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.options.StopTimeout)
	defer cancel()

	if _, err := m.stopOne(ctx, entry, m.options.StopTimeout, false); err != nil {
		m.logger.Errorf("Failed to stop discarded replacement, id: %s, error: %v", id, err)
		return
	}
	if err := m.RemoveInstance(ctx, id); err != nil {
		m.logger.Warnf("Failed to remove discarded replacement, id: %s, error: %v", id, err)
	}
}

// waitHealthy polls the health monitor until the instance is healthy
func (m *Manager) waitHealthy(ctx context.Context, id string) error {
	if m.deps.Health == nil {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.options.HealthTimeout)
	defer cancel()

	ticker := time.NewTicker(m.options.HealthPollInterval)
	defer ticker.Stop()

	for {
		healthy, err := m.deps.Health.PerformHealthCheck(waitCtx, id)
		if err == nil && healthy {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return errors.NewCancelledError("health wait cancelled", ctx.Err()).WithContext("instance_id", id)
			}
			return errors.NewTimeoutError("instance did not become healthy", err).
				WithContext("instance_id", id).WithContext("timeout", m.options.HealthTimeout.String())
		case <-ticker.C:
		}
	}
}

// ScalePlugin brings the number of active instances of a plugin to target.
// New instances are started with their dependencies before returning; on
// failure the instances created by this call are stopped and removed.
func (m *Manager) ScalePlugin(ctx context.Context, pluginID string, target int) (ScaleResult, error) {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "lifecycle.ScalePlugin",
		attribute.String("plugin_id", pluginID), attribute.Int("target", target))
	defer span.End()

	result, err := m.scale(ctx, pluginID, target)
	m.finishOperation(span, OperationScale, start, err)
	return result, err
}

func (m *Manager) scaleLock(pluginID string) *sync.Mutex {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	lock, ok := m.scaleLocks[pluginID]
	if !ok {
		lock = &sync.Mutex{}
		m.scaleLocks[pluginID] = lock
	}
	return lock
}

func (m *Manager) scale(ctx context.Context, pluginID string, target int) (ScaleResult, error) {
	if target < 0 {
		return ScaleResult{}, errors.NewValidationError("target instance count cannot be negative", nil).WithContext("plugin_id", pluginID)
	}
	if _, err := m.deps.Registry.GetPlugin(pluginID); err != nil {
		return ScaleResult{}, err
	}

	lock := m.scaleLock(pluginID)
	lock.Lock()
	defer lock.Unlock()

	active := m.activeInstances(pluginID)
	result := ScaleResult{PluginID: pluginID, Previous: len(active), Current: len(active)}

	if m.deps.Policy != nil {
		evalCtx := m.scaleEvaluationContext(pluginID, len(active), target)
		if err := m.checkDecision(m.deps.Policy.EvaluateOperation(ctx, evalCtx), evalCtx); err != nil {
			return result, err
		}
	}

	m.logger.Infof("Scaling plugin, plugin: %s, current: %d, target: %d", pluginID, len(active), target)

	switch {
	case target > len(active):
		for i := len(active); i < target; i++ {
			id, err := m.createInstance(ctx, pluginID, InstanceConfig{}, nil)
			if err != nil {
				m.discardCreated(result.Created)
				return ScaleResult{PluginID: pluginID, Previous: result.Previous, Current: result.Previous}, err
			}
			result.Created = append(result.Created, id)
			if err := m.startWithDependencies(ctx, id); err != nil {
				m.discardCreated(result.Created)
				return ScaleResult{PluginID: pluginID, Previous: result.Previous, Current: result.Previous}, err
			}
			result.Current++
		}

	case target < len(active):
		for i := len(active) - 1; i >= target; i-- {
			id := active[i]
			if err := m.stopWithDependents(ctx, id, m.options.StopTimeout); err != nil {
				return result, err
			}
			result.Current--
			if err := m.RemoveInstance(ctx, id); err != nil {
				m.logger.Warnf("Scaled-down instance kept registered, id: %s, error: %v", id, err)
				continue
			}
			result.Removed = append(result.Removed, id)
		}
	}

	if len(result.Created) > 0 || len(result.Removed) > 0 {
		m.broker.Publish(Event{
			EventID:   uuid.NewString(),
			Type:      EventPluginScaled,
			PluginID:  pluginID,
			Message:   fmt.Sprintf("scaled from %d to %d", result.Previous, result.Current),
			Data:      map[string]string{"target": fmt.Sprintf("%d", target)},
			Timestamp: time.Now(),
		})
	}
	return result, nil
}

func (m *Manager) scaleEvaluationContext(pluginID string, current, target int) policy.EvaluationContext {
	return policy.EvaluationContext{
		Operation: OperationScale,
		PluginID:  pluginID,
		Metadata: map[string]string{
			"current_instances": fmt.Sprintf("%d", current),
			"target_instances":  fmt.Sprintf("%d", target),
		},
	}
}

// activeInstances returns IDs of the plugin's active instances, oldest first
func (m *Manager) activeInstances(pluginID string) []string {
	var ids []string
	for _, entry := range m.instancesOf(pluginID) {
		if state, err := m.deps.StateMachine.GetState(entry.id); err == nil && state.IsActive() {
			ids = append(ids, entry.id)
		}
	}
	return ids
}

func (m *Manager) discardCreated(ids []string) {
	for i := len(ids) - 1; i >= 0; i-- {
		m.discardReplacement(ids[i])
	}
}

// EmergencyShutdown stops every instance in reverse dependency order,
// continuing past failures. Instances that fail to stop are moved to error.
func (m *Manager) EmergencyShutdown(ctx context.Context) error {
	m.logger.Warnf("Emergency shutdown requested")

	order, err := m.deps.Resolver.StopOrder()
	if err != nil {
		m.logger.Errorf("Failed to compute stop order, stopping in arbitrary order, error: %v", err)
		order = nil
		for _, entry := range m.allEntries() {
			order = append(order, entry.id)
		}
	}

	collection := errors.NewErrorCollection()
	for _, id := range order {
		entry, err := m.getEntry(id)
		if err != nil {
			continue
		}
		if _, err := m.stopOne(ctx, entry, m.options.StopTimeout, false); err != nil {
			m.logger.Errorf("Emergency stop failed, id: %s, error: %v", id, err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

// watchExit reports a crash when the runtime exits without being asked to
func (m *Manager) watchExit(entry *instanceEntry, generation uint64) {
	notifier, ok := entry.runtime.(plugin.ExitNotifier)
	if !ok {
		return
	}
	exited := notifier.Exited()

	go func() {
		select {
		case <-exited:
		case <-m.done:
			return
		}
		if entry.expectStop.Load() || entry.generation.Load() != generation {
			return
		}
		m.ReportCrash(entry.id, "process exited unexpectedly")
	}()
}

// ReportCrash moves a running instance to error and emits instance_crashed
func (m *Manager) ReportCrash(id string, reason string) {
	entry, err := m.getEntry(id)
	if err != nil {
		return
	}

	entry.opMutex.Lock()
	state, err := m.deps.StateMachine.GetState(id)
	if err != nil || state == statemachine.StateError || state == statemachine.StateStopped {
		entry.opMutex.Unlock()
		return
	}
	m.unregisterCollaborators(entry)
	if _, err := m.deps.StateMachine.Fail(id, reason); err != nil {
		m.logger.Errorf("Failed to record crash, id: %s, error: %v", id, err)
	}
	entry.opMutex.Unlock()

	m.crashes.Add(1)
	m.metrics.crashesTotal.Inc()
	m.logger.Errorf("Instance crashed, id: %s, reason: %s", id, reason)
	m.publish(EventInstanceCrashed, entry, reason, map[string]string{"previous_state": string(state)})
}

func (m *Manager) failInstance(entry *instanceEntry, reason string) {
	if _, err := m.deps.StateMachine.Fail(entry.id, reason); err != nil {
		m.logger.Errorf("Failed to transition instance to error state, id: %s, error: %v", entry.id, err)
	}
	m.unregisterCollaborators(entry)
	m.publish(EventOperationFailed, entry, reason, nil)
}
