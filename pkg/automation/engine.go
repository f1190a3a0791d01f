// Package automation reacts to lifecycle events by running rule actions
// against the lifecycle manager.
package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ryanuber/go-glob"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/events"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/rules"
)

const (
	DefaultHistorySize             = 1000
	DefaultMaxConcurrentExecutions = 10
	DefaultActionTimeout           = 60 * time.Second
)

// Controller is the part of the lifecycle manager rule actions drive
type Controller interface {
	StartInstanceWithDependencies(ctx context.Context, id string) error
	StopInstanceGracefully(ctx context.Context, id string, timeout time.Duration) error
	RestartInstance(ctx context.Context, id string) error
	RestartInstanceZeroDowntime(ctx context.Context, id string) (string, error)
	ScalePlugin(ctx context.Context, pluginID string, target int) (lifecycle.ScaleResult, error)
}

type Options struct {
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions,omitempty"`
	HistorySize             int           `yaml:"history_size,omitempty"`
	ActionTimeout           time.Duration `yaml:"action_timeout,omitempty"`
	EventCapacity           int           `yaml:"event_capacity,omitempty"`
	DefaultRules            bool          `yaml:"default_rules,omitempty"`
}

type registeredRule struct {
	rule    Rule
	seq     uint64
	limiter *rate.Limiter
}

type Engine struct {
	controller Controller
	options    Options
	logger     logging.Logger
	broker     *events.Broker[EngineEvent]
	metrics    *engineMetrics
	validate   *validator.Validate
	cooldowns  *cache.Cache
	slots      *semaphore.Weighted

	mutex   sync.RWMutex
	rules   []*registeredRule
	nextSeq uint64

	historyMutex sync.Mutex
	history      []ExecutionResult

	eventsProcessed  atomic.Uint64
	totalExecutions  atomic.Uint64
	successful       atomic.Uint64
	failed           atomic.Uint64
	skipped          atomic.Uint64
	actionsExecuted  atomic.Uint64
	executionNanos   atomic.Int64
	executionsByRule cmap.ConcurrentMap[string, uint64]
}

func NewEngine(controller Controller, options Options, logger logging.Logger) *Engine {
	if options.MaxConcurrentExecutions <= 0 {
		options.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if options.HistorySize <= 0 {
		options.HistorySize = DefaultHistorySize
	}
	if options.ActionTimeout <= 0 {
		options.ActionTimeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	e := &Engine{
		controller:       controller,
		options:          options,
		logger:           logger,
		broker:           events.NewBroker[EngineEvent]("automation", options.EventCapacity, logger),
		metrics:          initEngineMetrics(),
		validate:         validator.New(),
		cooldowns:        cache.New(cache.NoExpiration, time.Minute),
		slots:            semaphore.NewWeighted(int64(options.MaxConcurrentExecutions)),
		executionsByRule: cmap.New[uint64](),
	}

	if options.DefaultRules {
		for _, rule := range DefaultRules() {
			if err := e.AddRule(rule); err != nil {
				logger.Errorf("Failed to load default rule, id: %s, error: %v", rule.ID, err)
			}
		}
	}
	return e
}

// DefaultRules returns the rules loaded when Options.DefaultRules is set
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "auto-restart-on-crash",
			Name:        "Auto restart on crash",
			Description: "Restart instances that exit unexpectedly",
			Enabled:     true,
			Priority:    100,
			Trigger:     Trigger{EventType: string(lifecycle.EventInstanceCrashed)},
			Actions: []Action{
				{Type: ActionRestart, Target: "{{instance_id}}"},
				{Type: ActionNotify, Parameters: map[string]string{
					"message": "Instance {{instance_id}} of plugin {{plugin_id}} restarted after crash",
				}},
			},
			Cooldown: 30 * time.Second,
			Limits:   &Limits{MaxExecutions: 10, Window: time.Hour},
		},
	}
}

// ValidateRule checks structure and condition operators
func (e *Engine) ValidateRule(rule Rule) error {
	if err := e.validate.Struct(rule); err != nil {
		return errors.NewValidationError("invalid automation rule", err).WithContext("rule_id", rule.ID)
	}
	for i, c := range rule.Conditions {
		if err := rules.ValidateOperator(c.Operator); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid operator in condition %d", i), err).WithContext("rule_id", rule.ID)
		}
		if c.Operator == rules.OperatorMatches || c.Operator == rules.OperatorNotMatches {
			if _, err := rules.Compare("", c.Operator, c.Value); err != nil {
				return errors.NewValidationError(fmt.Sprintf("invalid pattern in condition %d", i), err).WithContext("rule_id", rule.ID)
			}
		}
	}
	return nil
}

func (e *Engine) AddRule(rule Rule) error {
	if err := e.ValidateRule(rule); err != nil {
		return err
	}

	e.mutex.Lock()
	for _, existing := range e.rules {
		if existing.rule.ID == rule.ID {
			e.mutex.Unlock()
			return errors.NewConflictError("automation rule already exists", nil).WithContext("rule_id", rule.ID)
		}
	}
	e.nextSeq++
	e.rules = append(e.rules, &registeredRule{rule: rule, seq: e.nextSeq, limiter: newLimiter(rule.Limits)})
	e.sortUnsafe()
	e.mutex.Unlock()

	e.logger.Infof("Automation rule added, id: %s, trigger: %s, priority: %d", rule.ID, rule.Trigger.EventType, rule.Priority)
	e.broker.Publish(EngineEvent{Type: EventRuleAdded, RuleID: rule.ID, Timestamp: time.Now()})
	return nil
}

// UpdateRule replaces a rule, keeping its registration position. Execution
// limits start over.
func (e *Engine) UpdateRule(rule Rule) error {
	if err := e.ValidateRule(rule); err != nil {
		return err
	}

	e.mutex.Lock()
	var found bool
	for _, existing := range e.rules {
		if existing.rule.ID == rule.ID {
			existing.rule = rule
			existing.limiter = newLimiter(rule.Limits)
			found = true
			break
		}
	}
	if found {
		e.sortUnsafe()
	}
	e.mutex.Unlock()

	if !found {
		return errors.NewNotFoundError("automation rule not found", nil).WithContext("rule_id", rule.ID)
	}
	e.logger.Infof("Automation rule updated, id: %s", rule.ID)
	e.broker.Publish(EngineEvent{Type: EventRuleUpdated, RuleID: rule.ID, Timestamp: time.Now()})
	return nil
}

func (e *Engine) RemoveRule(id string) error {
	e.mutex.Lock()
	index := -1
	for i, existing := range e.rules {
		if existing.rule.ID == id {
			index = i
			break
		}
	}
	if index >= 0 {
		e.rules = append(e.rules[:index], e.rules[index+1:]...)
	}
	e.mutex.Unlock()

	if index < 0 {
		return errors.NewNotFoundError("automation rule not found", nil).WithContext("rule_id", id)
	}
	e.logger.Infof("Automation rule removed, id: %s", id)
	e.broker.Publish(EngineEvent{Type: EventRuleRemoved, RuleID: id, Timestamp: time.Now()})
	return nil
}

func (e *Engine) GetRule(id string) (Rule, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	for _, existing := range e.rules {
		if existing.rule.ID == id {
			return existing.rule, nil
		}
	}
	return Rule{}, errors.NewNotFoundError("automation rule not found", nil).WithContext("rule_id", id)
}

// ListRules returns rules in evaluation order
func (e *Engine) ListRules() []Rule {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	result := make([]Rule, len(e.rules))
	for i, existing := range e.rules {
		result[i] = existing.rule
	}
	return result
}

func (e *Engine) sortUnsafe() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].rule.Priority != e.rules[j].rule.Priority {
			return e.rules[i].rule.Priority > e.rules[j].rule.Priority
		}
		return e.rules[i].seq < e.rules[j].seq
	})
}

func (e *Engine) snapshot() []*registeredRule {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	result := make([]*registeredRule, len(e.rules))
	for i, existing := range e.rules {
		copied := *existing
		result[i] = &copied
	}
	return result
}

// ProcessEvent runs every enabled rule matching the event, in priority then
// registration order. A failing rule does not stop the rules after it.
func (e *Engine) ProcessEvent(ctx context.Context, event Event) []ExecutionResult {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e.eventsProcessed.Add(1)
	e.metrics.eventsTotal.Inc()

	var results []ExecutionResult
	for _, registered := range e.snapshot() {
		rule := registered.rule
		if !rule.Enabled || !matchesTrigger(rule.Trigger, event) {
			continue
		}
		matched, err := e.conditionsMatch(rule, event)
		if err != nil {
			e.logger.Warnf("Automation condition failed, rule: %s, event: %s, error: %v", rule.ID, event.EventType, err)
			continue
		}
		if !matched {
			continue
		}

		if reason := e.admit(registered, event); reason != "" {
			e.skipped.Add(1)
			e.metrics.executionsTotal.WithLabelValues(rule.ID, "skipped").Inc()
			e.logger.Debugf("Automation rule skipped, rule: %s, event: %s, reason: %s", rule.ID, event.EventID, reason)
			e.broker.Publish(EngineEvent{Type: EventRuleSkipped, RuleID: rule.ID, Message: reason, Timestamp: time.Now()})
			continue
		}

		e.logger.Infof("Automation rule triggered, rule: %s, event: %s, type: %s", rule.ID, event.EventID, event.EventType)
		e.broker.Publish(EngineEvent{Type: EventRuleTriggered, RuleID: rule.ID, Message: event.EventType, Timestamp: time.Now()})
		results = append(results, e.execute(ctx, rule, event, false))
	}
	return results
}

// TriggerRule runs a rule manually with the given data, bypassing trigger
// matching, conditions, cooldown and limits. The returned error reports lookup
// failures only; action failures are in the result.
func (e *Engine) TriggerRule(ctx context.Context, ruleID string, data map[string]string) (ExecutionResult, error) {
	rule, err := e.GetRule(ruleID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !rule.Enabled {
		return ExecutionResult{}, errors.NewValidationError("automation rule is disabled", nil).WithContext("rule_id", ruleID)
	}

	event := Event{
		EventID:   uuid.NewString(),
		EventType: "manual",
		Source:    "manual",
		Timestamp: time.Now(),
		Data:      data,
		Severity:  SeverityNormal,
	}
	e.logger.Infof("Automation rule triggered manually, rule: %s", ruleID)
	return e.execute(ctx, rule, event, true), nil
}

// Run processes events until ctx is done or the channel is closed
func (e *Engine) Run(ctx context.Context, source <-chan Event) {
	e.logger.Infof("Automation engine running")
	defer e.logger.Infof("Automation engine stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-source:
			if !ok {
				return
			}
			e.ProcessEvent(ctx, event)
		}
	}
}

// Consume processes lifecycle events from a subscription until ctx is done or
// the subscription closes
func (e *Engine) Consume(ctx context.Context, sub *events.Subscription[lifecycle.Event]) {
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return
		}
		e.ProcessEvent(ctx, FromLifecycleEvent(event))
	}
}

// FromLifecycleEvent converts a lifecycle event into an automation event
func FromLifecycleEvent(event lifecycle.Event) Event {
	data := make(map[string]string, len(event.Data)+3)
	for k, v := range event.Data {
		data[k] = v
	}
	data["instance_id"] = event.InstanceID
	data["plugin_id"] = event.PluginID
	data["message"] = event.Message

	severity := SeverityNormal
	switch event.Type {
	case lifecycle.EventInstanceCrashed:
		severity = SeverityCritical
	case lifecycle.EventOperationFailed, lifecycle.EventRollbackPerformed:
		severity = SeverityHigh
	case lifecycle.EventOperationDenied:
		severity = SeverityLow
	}

	return Event{
		EventID:   event.EventID,
		EventType: string(event.Type),
		Source:    "lifecycle",
		Timestamp: event.Timestamp,
		Data:      data,
		Severity:  severity,
	}
}

func matchesTrigger(trigger Trigger, event Event) bool {
	if trigger.EventType != "" && !glob.Glob(trigger.EventType, event.EventType) {
		return false
	}
	if trigger.Source != "" && !glob.Glob(trigger.Source, event.Source) {
		return false
	}
	return true
}

func (e *Engine) conditionsMatch(rule Rule, event Event) (bool, error) {
	for _, c := range rule.Conditions {
		matched, err := rules.Compare(eventField(event, c.Field), c.Operator, c.Value)
		if err != nil {
			return false, err
		}
		if c.Negate {
			matched = !matched
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func eventField(event Event, field string) interface{} {
	switch field {
	case "event_type":
		return event.EventType
	case "source":
		return event.Source
	case "severity":
		return string(event.Severity)
	case "event_id":
		return event.EventID
	}
	if value, ok := event.Data[field]; ok {
		return value
	}
	return nil
}

// admit applies cooldown and execution limits; a non-empty result is the
// reason the rule may not run
func (e *Engine) admit(registered *registeredRule, event Event) string {
	rule := registered.rule
	if rule.Cooldown > 0 {
		key := cooldownKey(rule.ID, event)
		if err := e.cooldowns.Add(key, time.Now(), rule.Cooldown); err != nil {
			return "cooldown active for " + key
		}
	}
	if registered.limiter != nil && !registered.limiter.Allow() {
		return "execution limit reached"
	}
	return ""
}

func cooldownKey(ruleID string, event Event) string {
	target := event.Data["instance_id"]
	if target == "" {
		target = event.Source
	}
	return ruleID + "/" + target
}

func newLimiter(limits *Limits) *rate.Limiter {
	if limits == nil || limits.MaxExecutions <= 0 || limits.Window <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(limits.Window/time.Duration(limits.MaxExecutions)), limits.MaxExecutions)
}

func (e *Engine) execute(ctx context.Context, rule Rule, event Event, manual bool) ExecutionResult {
	result := ExecutionResult{
		ExecutionID: uuid.NewString(),
		RuleID:      rule.ID,
		EventID:     event.EventID,
		Manual:      manual,
		StartedAt:   time.Now(),
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		result.Error = errors.NewCancelledError("automation execution cancelled", err).Error()
		return e.finish(rule, result)
	}
	defer e.slots.Release(1)

	fields := eventFields(event)
	result.Success = true
	for _, action := range rule.Actions {
		actionResult := e.runAction(ctx, action, fields)
		result.Actions = append(result.Actions, actionResult)
		if !actionResult.Success {
			result.Success = false
			if result.Error == "" {
				result.Error = actionResult.Error
			}
		}
	}
	return e.finish(rule, result)
}

func (e *Engine) finish(rule Rule, result ExecutionResult) ExecutionResult {
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	e.totalExecutions.Add(1)
	e.executionNanos.Add(int64(result.Duration))
	e.executionsByRule.Upsert(rule.ID, 1, func(exists bool, current, added uint64) uint64 {
		return current + added
	})
	e.metrics.executionDuration.Observe(result.Duration.Seconds())

	e.recordHistory(result)

	if result.Success {
		e.successful.Add(1)
		e.metrics.executionsTotal.WithLabelValues(rule.ID, "success").Inc()
		e.logger.Infof("Automation rule executed, rule: %s, execution: %s, duration: %v", rule.ID, result.ExecutionID, result.Duration)
		e.broker.Publish(EngineEvent{Type: EventExecutionCompleted, RuleID: rule.ID, ExecutionID: result.ExecutionID, Result: &result, Timestamp: time.Now()})
	} else {
		e.failed.Add(1)
		e.metrics.executionsTotal.WithLabelValues(rule.ID, "failure").Inc()
		e.logger.Warnf("Automation rule failed, rule: %s, execution: %s, error: %s", rule.ID, result.ExecutionID, result.Error)
		e.broker.Publish(EngineEvent{Type: EventExecutionFailed, RuleID: rule.ID, ExecutionID: result.ExecutionID, Message: result.Error, Result: &result, Timestamp: time.Now()})
	}
	return result
}

func (e *Engine) recordHistory(result ExecutionResult) {
	e.historyMutex.Lock()
	defer e.historyMutex.Unlock()

	e.history = append(e.history, result)
	if overflow := len(e.history) - e.options.HistorySize; overflow > 0 {
		e.history = append([]ExecutionResult(nil), e.history[overflow:]...)
	}
}

// ExecutionHistory returns up to limit results, most recent first. An empty
// ruleID matches every rule; a non-positive limit returns everything retained.
func (e *Engine) ExecutionHistory(ruleID string, limit int) []ExecutionResult {
	e.historyMutex.Lock()
	defer e.historyMutex.Unlock()

	var result []ExecutionResult
	for i := len(e.history) - 1; i >= 0; i-- {
		if ruleID != "" && e.history[i].RuleID != ruleID {
			continue
		}
		result = append(result, e.history[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

func (e *Engine) Metrics() Metrics {
	e.mutex.RLock()
	total := len(e.rules)
	e.mutex.RUnlock()

	metrics := Metrics{
		TotalRules:           total,
		EventsProcessed:      e.eventsProcessed.Load(),
		TotalExecutions:      e.totalExecutions.Load(),
		SuccessfulExecutions: e.successful.Load(),
		FailedExecutions:     e.failed.Load(),
		SkippedExecutions:    e.skipped.Load(),
		ActionsExecuted:      e.actionsExecuted.Load(),
		ExecutionsByRule:     e.executionsByRule.Items(),
	}
	if metrics.TotalExecutions > 0 {
		metrics.AverageExecutionTime = time.Duration(e.executionNanos.Load() / int64(metrics.TotalExecutions))
	}
	return metrics
}

func (e *Engine) Collectors() []prometheus.Collector {
	return e.metrics.collectors()
}

func (e *Engine) Subscribe() *events.Subscription[EngineEvent] {
	return e.broker.Subscribe()
}

func (e *Engine) Close() {
	e.broker.Close()
}
