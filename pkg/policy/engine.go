// Package policy gates lifecycle operations with prioritized allow/deny rules.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/events"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/rules"
)

const DefaultActionTimeout = 30 * time.Second

// ActionExecutor performs the actions of a matching policy
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action Action, evalCtx EvaluationContext) error
}

type Options struct {
	ActionTimeout time.Duration
	EventCapacity int
}

type engineMetrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	actionsTotal       *prometheus.CounterVec
}

func initEngineMetrics() *engineMetrics {
	return &engineMetrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_policy_evaluations_total",
				Help: "Total number of policy evaluations by decision",
			},
			[]string{"decision"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plugin_lifecycle_policy_evaluation_duration_seconds",
				Help:    "Duration of policy evaluations",
				Buckets: prometheus.DefBuckets,
			},
		),
		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugin_lifecycle_policy_actions_total",
				Help: "Total number of triggered policy actions by result",
			},
			[]string{"result"},
		),
	}
}

// Engine evaluates policies in descending priority; the first matching policy
// decides. Equal priorities keep registration order.
type Engine struct {
	policies []*Policy
	executor ActionExecutor
	options  Options
	logger   logging.Logger
	broker   *events.Broker[Event]
	metrics  *engineMetrics
	validate *validator.Validate
	mutex    sync.RWMutex

	totalEvaluations atomic.Uint64
	allowed          atomic.Uint64
	denied           atomic.Uint64
	conditionErrors  atomic.Uint64
	actionsExecuted  atomic.Uint64
	actionsFailed    atomic.Uint64
	evaluationNanos  atomic.Int64
}

func NewEngine(options Options, executor ActionExecutor, logger logging.Logger) *Engine {
	if options.ActionTimeout <= 0 {
		options.ActionTimeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{
		executor: executor,
		options:  options,
		logger:   logger,
		broker:   events.NewBroker[Event]("policy", options.EventCapacity, logger),
		metrics:  initEngineMetrics(),
		validate: validator.New(),
	}
}

// SetActionExecutor replaces the executor used for triggered actions
func (e *Engine) SetActionExecutor(executor ActionExecutor) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.executor = executor
}

// ValidatePolicy checks structure, operators and patterns
func (e *Engine) ValidatePolicy(p Policy) error {
	if err := e.validate.Struct(p); err != nil {
		return errors.NewValidationError("invalid policy", err).WithContext("policy_id", p.ID)
	}
	for i, c := range p.Conditions {
		if err := rules.ValidateOperator(c.Operator); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid operator in condition %d", i), err).WithContext("policy_id", p.ID)
		}
		if (c.Type == ConditionResource || c.Type == ConditionMetadata) && c.Field == "" {
			return errors.NewValidationError(fmt.Sprintf("condition %d of type %s requires a field", i, c.Type), nil).
				WithContext("policy_id", p.ID)
		}
		if c.Operator == rules.OperatorMatches || c.Operator == rules.OperatorNotMatches {
			if _, err := rules.Compare("", c.Operator, c.Value); err != nil {
				return errors.NewValidationError(fmt.Sprintf("invalid pattern in condition %d", i), err).WithContext("policy_id", p.ID)
			}
		}
	}
	return nil
}

func (e *Engine) AddPolicy(p Policy) error {
	if err := e.ValidatePolicy(p); err != nil {
		return err
	}
	if p.EvaluationMode == "" {
		p.EvaluationMode = EvaluationModeAll
	}

	e.mutex.Lock()
	for _, existing := range e.policies {
		if existing.ID == p.ID {
			e.mutex.Unlock()
			return errors.NewConflictError("policy already exists", nil).WithContext("policy_id", p.ID)
		}
	}
	stored := p
	e.policies = append(e.policies, &stored)
	e.sortUnsafe()
	e.mutex.Unlock()

	e.logger.Infof("Policy added, id: %s, priority: %d, decision: %s", p.ID, p.Priority, p.Decision)
	e.broker.Publish(Event{Type: EventPolicyAdded, PolicyID: p.ID, Timestamp: time.Now()})
	return nil
}

// UpdatePolicy replaces a policy, keeping its registration position
func (e *Engine) UpdatePolicy(p Policy) error {
	if err := e.ValidatePolicy(p); err != nil {
		return err
	}
	if p.EvaluationMode == "" {
		p.EvaluationMode = EvaluationModeAll
	}

	e.mutex.Lock()
	found := false
	for i, existing := range e.policies {
		if existing.ID == p.ID {
			stored := p
			e.policies[i] = &stored
			found = true
			break
		}
	}
	if found {
		e.sortUnsafe()
	}
	e.mutex.Unlock()

	if !found {
		return errors.NewNotFoundError("policy not found", nil).WithContext("policy_id", p.ID)
	}

	e.logger.Infof("Policy updated, id: %s, priority: %d", p.ID, p.Priority)
	e.broker.Publish(Event{Type: EventPolicyUpdated, PolicyID: p.ID, Timestamp: time.Now()})
	return nil
}

func (e *Engine) RemovePolicy(id string) error {
	e.mutex.Lock()
	index := -1
	for i, existing := range e.policies {
		if existing.ID == id {
			index = i
			break
		}
	}
	if index >= 0 {
		e.policies = append(e.policies[:index], e.policies[index+1:]...)
	}
	e.mutex.Unlock()

	if index < 0 {
		return errors.NewNotFoundError("policy not found", nil).WithContext("policy_id", id)
	}

	e.logger.Infof("Policy removed, id: %s", id)
	e.broker.Publish(Event{Type: EventPolicyRemoved, PolicyID: id, Timestamp: time.Now()})
	return nil
}

func (e *Engine) GetPolicy(id string) (Policy, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	for _, p := range e.policies {
		if p.ID == id {
			return *p, nil
		}
	}
	return Policy{}, errors.NewNotFoundError("policy not found", nil).WithContext("policy_id", id)
}

// ListPolicies returns policies in evaluation order
func (e *Engine) ListPolicies() []Policy {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	result := make([]Policy, len(e.policies))
	for i, p := range e.policies {
		result[i] = *p
	}
	return result
}

func (e *Engine) sortUnsafe() {
	sort.SliceStable(e.policies, func(i, j int) bool {
		return e.policies[i].Priority > e.policies[j].Priority
	})
}

// EvaluateOperation returns exactly one decision. Without a matching policy the
// operation is allowed. Triggered actions run in the background.
func (e *Engine) EvaluateOperation(ctx context.Context, evalCtx EvaluationContext) PolicyDecision {
	start := time.Now()
	if evalCtx.Timestamp.IsZero() {
		evalCtx.Timestamp = start
	}

	e.mutex.RLock()
	policies := make([]Policy, len(e.policies))
	for i, p := range e.policies {
		policies[i] = *p
	}
	executor := e.executor
	e.mutex.RUnlock()

	decision := PolicyDecision{
		DecisionID:  uuid.NewString(),
		Allowed:     true,
		Reason:      "no matching policy",
		EvaluatedAt: start,
	}

	for _, p := range policies {
		if !p.Enabled || !inScope(p.Scope, evalCtx) {
			continue
		}
		if !e.conditionsMatch(p, evalCtx) {
			continue
		}

		decision.PolicyID = p.ID
		decision.Allowed = p.Decision == DecisionAllow
		decision.Reason = p.Reason
		if decision.Reason == "" {
			decision.Reason = fmt.Sprintf("%s by policy %s", p.Decision, p.ID)
		}
		decision.TriggeredActions = append([]Action(nil), p.Actions...)
		break
	}

	decision.Duration = time.Since(start)
	e.record(decision)

	if decision.Allowed {
		e.logger.Debugf("Operation allowed, operation: %s, instance: %s, policy: %s", evalCtx.Operation, evalCtx.InstanceID, decision.PolicyID)
	} else {
		e.logger.Infof("Operation denied, operation: %s, instance: %s, policy: %s, reason: %s",
			evalCtx.Operation, evalCtx.InstanceID, decision.PolicyID, decision.Reason)
	}
	e.broker.Publish(Event{Type: EventPolicyEvaluated, PolicyID: decision.PolicyID, Decision: &decision, Timestamp: time.Now()})

	if len(decision.TriggeredActions) > 0 {
		go e.runActions(executor, decision, evalCtx)
	}
	return decision
}

// DeniedError converts a deny decision into a PolicyDenied error
func (d PolicyDecision) DeniedError(evalCtx EvaluationContext) error {
	if d.Allowed {
		return nil
	}
	return errors.NewPolicyDeniedError(d.Reason, nil).
		WithContext("policy_id", d.PolicyID).
		WithContext("operation", evalCtx.Operation).
		WithContext("instance_id", evalCtx.InstanceID)
}

func (e *Engine) record(decision PolicyDecision) {
	e.totalEvaluations.Add(1)
	e.evaluationNanos.Add(int64(decision.Duration))

	label := string(DecisionAllow)
	if decision.Allowed {
		e.allowed.Add(1)
	} else {
		e.denied.Add(1)
		label = string(DecisionDeny)
	}
	e.metrics.evaluationsTotal.WithLabelValues(label).Inc()
	e.metrics.evaluationDuration.Observe(decision.Duration.Seconds())
}

func (e *Engine) conditionsMatch(p Policy, evalCtx EvaluationContext) bool {
	if len(p.Conditions) == 0 {
		return true
	}

	for _, c := range p.Conditions {
		matched, err := evaluateCondition(c, evalCtx)
		if err != nil {
			e.conditionErrors.Add(1)
			e.logger.Warnf("Policy condition failed, policy: %s, type: %s, error: %v", p.ID, c.Type, err)
			matched = false
		}

		if p.EvaluationMode == EvaluationModeAny && matched {
			return true
		}
		if p.EvaluationMode != EvaluationModeAny && !matched {
			return false
		}
	}
	return p.EvaluationMode != EvaluationModeAny
}

func evaluateCondition(c Condition, evalCtx EvaluationContext) (bool, error) {
	var actual interface{}
	switch c.Type {
	case ConditionOperation:
		actual = evalCtx.Operation
	case ConditionPlugin:
		actual = optional(evalCtx.PluginID)
	case ConditionInstance:
		actual = optional(evalCtx.InstanceID)
	case ConditionState:
		actual = optional(evalCtx.CurrentState)
	case ConditionHealth:
		actual = optional(evalCtx.HealthStatus)
	case ConditionResource:
		if v, ok := evalCtx.ResourceUsage[c.Field]; ok {
			actual = v
		}
	case ConditionMetadata:
		if v, ok := evalCtx.Metadata[c.Field]; ok {
			actual = v
		}
	case ConditionTime:
		actual = timeField(evalCtx.Timestamp, c.Field)
	default:
		return false, errors.NewValidationError(fmt.Sprintf("unknown condition type: %s", c.Type), nil)
	}

	matched, err := rules.Compare(actual, c.Operator, c.Value)
	if err != nil {
		return false, err
	}
	if c.Negate {
		return !matched, nil
	}
	return matched, nil
}

func optional(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func timeField(ts time.Time, field string) interface{} {
	switch field {
	case "hour":
		return ts.Hour()
	case "minute":
		return ts.Minute()
	case "weekday":
		return strings.ToLower(ts.Weekday().String())
	default:
		return ts.Format(time.RFC3339)
	}
}

func inScope(scope Scope, evalCtx EvaluationContext) bool {
	if evalCtx.PluginID != "" && contains(scope.ExcludePlugins, evalCtx.PluginID) {
		return false
	}
	if evalCtx.InstanceID != "" && contains(scope.ExcludeInstances, evalCtx.InstanceID) {
		return false
	}
	if len(scope.Plugins) > 0 && !contains(scope.Plugins, evalCtx.PluginID) {
		return false
	}
	if len(scope.Instances) > 0 && !contains(scope.Instances, evalCtx.InstanceID) {
		return false
	}
	if len(scope.Operations) > 0 && !contains(scope.Operations, evalCtx.Operation) {
		return false
	}
	return true
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func (e *Engine) runActions(executor ActionExecutor, decision PolicyDecision, evalCtx EvaluationContext) {
	for _, action := range decision.TriggeredActions {
		action := action

		var err error
		if executor == nil {
			if action.Type != ActionNotify {
				err = errors.NewInternalError("no action executor configured", nil)
			} else {
				e.logger.Infof("Policy notification, policy: %s, operation: %s, instance: %s, message: %s",
					decision.PolicyID, evalCtx.Operation, evalCtx.InstanceID, action.Parameters["message"])
			}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), e.options.ActionTimeout)
			err = executor.ExecuteAction(ctx, action, evalCtx)
			cancel()
		}

		if err != nil {
			e.actionsFailed.Add(1)
			e.metrics.actionsTotal.WithLabelValues("failure").Inc()
			e.logger.Warnf("Policy action failed, policy: %s, action: %s, target: %s, error: %v",
				decision.PolicyID, action.Type, action.Target, err)
			e.broker.Publish(Event{Type: EventActionFailed, PolicyID: decision.PolicyID, Action: &action, Error: err.Error(), Timestamp: time.Now()})
			continue
		}

		e.actionsExecuted.Add(1)
		e.metrics.actionsTotal.WithLabelValues("success").Inc()
		e.broker.Publish(Event{Type: EventActionExecuted, PolicyID: decision.PolicyID, Action: &action, Timestamp: time.Now()})
	}
}

// DetectConflicts reports pairs of enabled policies whose scopes overlap but
// whose decisions differ
func (e *Engine) DetectConflicts() []Conflict {
	policies := e.ListPolicies()

	var conflicts []Conflict
	for i := 0; i < len(policies); i++ {
		for j := i + 1; j < len(policies); j++ {
			a, b := policies[i], policies[j]
			if !a.Enabled || !b.Enabled || a.Decision == b.Decision || !scopesOverlap(a.Scope, b.Scope) {
				continue
			}

			conflict := Conflict{
				Policies:    []string{a.ID, b.ID},
				Type:        ConflictDirect,
				Description: fmt.Sprintf("policy %s decides %s but policy %s decides %s", a.ID, a.Decision, b.ID, b.Decision),
			}
			if a.Priority == b.Priority {
				conflict.Type = ConflictPriority
				conflict.Description += "; both have priority " + fmt.Sprint(a.Priority)
			}
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts
}

func scopesOverlap(a, b Scope) bool {
	return listsOverlap(a.Plugins, b.Plugins) &&
		listsOverlap(a.Instances, b.Instances) &&
		listsOverlap(a.Operations, b.Operations)
}

func listsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}

func (e *Engine) Metrics() Metrics {
	e.mutex.RLock()
	loaded := len(e.policies)
	e.mutex.RUnlock()

	metrics := Metrics{
		PoliciesLoaded:   loaded,
		TotalEvaluations: e.totalEvaluations.Load(),
		Allowed:          e.allowed.Load(),
		Denied:           e.denied.Load(),
		ConditionErrors:  e.conditionErrors.Load(),
		ActionsExecuted:  e.actionsExecuted.Load(),
		ActionsFailed:    e.actionsFailed.Load(),
	}
	if metrics.TotalEvaluations > 0 {
		metrics.AverageEvaluationTime = time.Duration(e.evaluationNanos.Load() / int64(metrics.TotalEvaluations))
	}
	return metrics
}

// Collectors returns the Prometheus collectors of the engine
func (e *Engine) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		e.metrics.evaluationsTotal,
		e.metrics.evaluationDuration,
		e.metrics.actionsTotal,
	}
}

func (e *Engine) Subscribe() *events.Subscription[Event] {
	return e.broker.Subscribe()
}

func (e *Engine) Close() {
	e.broker.Close()
}
