package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/rules"
)

type MockActionExecutor struct {
	mock.Mock
	done chan Action
}

func (m *MockActionExecutor) ExecuteAction(ctx context.Context, action Action, evalCtx EvaluationContext) error {
	args := m.Called(ctx, action, evalCtx)
	if m.done != nil {
		m.done <- action
	}
	return args.Error(0)
}

func newPolicy(id string, priority int, decision Decision, conditions ...Condition) Policy {
	return Policy{
		ID:         id,
		Name:       id,
		Priority:   priority,
		Enabled:    true,
		Decision:   decision,
		Reason:     id + " reason",
		Conditions: conditions,
	}
}

func TestEngine_DefaultAllow(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)

	decision := engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "start"})
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.PolicyID)
	assert.NotEmpty(t, decision.DecisionID)
	assert.NoError(t, decision.DeniedError(EvaluationContext{}))
}

func TestEngine_FirstMatchWinsByPriority(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)
	require.NoError(t, engine.AddPolicy(newPolicy("P2", 5, DecisionAllow)))
	require.NoError(t, engine.AddPolicy(newPolicy("P1", 10, DecisionDeny)))

	evalCtx := EvaluationContext{Operation: "stop", InstanceID: "search-1"}
	decision := engine.EvaluateOperation(context.Background(), evalCtx)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "P1", decision.PolicyID)
	assert.Equal(t, "P1 reason", decision.Reason)

	err := decision.DeniedError(evalCtx)
	assert.True(t, errors.IsPolicyDeniedError(err))
	instanceID, _ := errors.ContextValue(err, "instance_id")
	assert.Equal(t, "search-1", instanceID)
}

func TestEngine_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)
	require.NoError(t, engine.AddPolicy(newPolicy("first", 1, DecisionDeny)))
	require.NoError(t, engine.AddPolicy(newPolicy("second", 1, DecisionAllow)))

	decision := engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "start"})
	assert.Equal(t, "first", decision.PolicyID)

	// Updating keeps the position among equal priorities
	updated := newPolicy("first", 1, DecisionAllow)
	require.NoError(t, engine.UpdatePolicy(updated))
	ids := []string{}
	for _, p := range engine.ListPolicies() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"first", "second"}, ids)
}

func TestEngine_ScopeAndConditions(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)

	maintenance := newPolicy("no-stop-db", 100, DecisionDeny,
		Condition{Type: ConditionOperation, Operator: rules.OperatorEquals, Value: "stop"},
	)
	maintenance.Scope = Scope{Plugins: []string{"database"}, ExcludeInstances: []string{"db-scratch"}}
	require.NoError(t, engine.AddPolicy(maintenance))

	overload := newPolicy("cpu-guard", 50, DecisionDeny,
		Condition{Type: ConditionResource, Field: "cpu_percent", Operator: rules.OperatorGreaterThan, Value: 90},
		Condition{Type: ConditionHealth, Operator: rules.OperatorEquals, Value: "unhealthy"},
	)
	overload.EvaluationMode = EvaluationModeAny
	overload.Scope = Scope{Operations: []string{"start"}}
	require.NoError(t, engine.AddPolicy(overload))

	negated := newPolicy("only-prod-tag", 10, DecisionDeny,
		Condition{Type: ConditionMetadata, Field: "env", Operator: rules.OperatorEquals, Value: "prod", Negate: true},
	)
	negated.Scope = Scope{Operations: []string{"scale"}}
	require.NoError(t, engine.AddPolicy(negated))

	tests := []struct {
		name    string
		ctx     EvaluationContext
		allowed bool
		policy  string
	}{
		{"plugin_in_scope", EvaluationContext{Operation: "stop", PluginID: "database", InstanceID: "db-1"}, false, "no-stop-db"},
		{"excluded_instance", EvaluationContext{Operation: "stop", PluginID: "database", InstanceID: "db-scratch"}, true, ""},
		{"other_plugin", EvaluationContext{Operation: "stop", PluginID: "search"}, true, ""},
		{"any_mode_resource", EvaluationContext{Operation: "start", ResourceUsage: map[string]float64{"cpu_percent": 95}}, false, "cpu-guard"},
		{"any_mode_health", EvaluationContext{Operation: "start", HealthStatus: "unhealthy"}, false, "cpu-guard"},
		{"any_mode_no_match", EvaluationContext{Operation: "start", HealthStatus: "healthy"}, true, ""},
		{"negated_metadata", EvaluationContext{Operation: "scale", Metadata: map[string]string{"env": "dev"}}, false, "only-prod-tag"},
		{"negated_metadata_match", EvaluationContext{Operation: "scale", Metadata: map[string]string{"env": "prod"}}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := engine.EvaluateOperation(context.Background(), tt.ctx)
			assert.Equal(t, tt.allowed, decision.Allowed)
			assert.Equal(t, tt.policy, decision.PolicyID)
		})
	}
}

func TestEngine_DisabledPolicySkipped(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)
	p := newPolicy("off", 10, DecisionDeny)
	p.Enabled = false
	require.NoError(t, engine.AddPolicy(p))

	assert.True(t, engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "start"}).Allowed)
}

func TestEngine_TimeCondition(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)
	require.NoError(t, engine.AddPolicy(newPolicy("night-freeze", 1, DecisionDeny,
		Condition{Type: ConditionTime, Field: "hour", Operator: rules.OperatorBetween, Value: []int{0, 5}},
	)))

	night := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	day := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)

	assert.False(t, engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "start", Timestamp: night}).Allowed)
	assert.True(t, engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "start", Timestamp: day}).Allowed)
}

func TestEngine_ActionsRunInBackground(t *testing.T) {
	executor := &MockActionExecutor{done: make(chan Action, 1)}
	block := make(chan struct{})
	executor.On("ExecuteAction", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-block }).
		Return(nil)

	engine := NewEngine(Options{}, executor, nil)
	p := newPolicy("notify-on-stop", 1, DecisionAllow)
	p.Actions = []Action{{Type: ActionNotify, Parameters: map[string]string{"message": "stopping"}}}
	require.NoError(t, engine.AddPolicy(p))

	start := time.Now()
	decision := engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "stop"})
	assert.True(t, decision.Allowed)
	assert.Len(t, decision.TriggeredActions, 1)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(block)
	select {
	case action := <-executor.done:
		assert.Equal(t, ActionNotify, action.Type)
	case <-time.After(time.Second):
		t.Fatal("action not executed")
	}

	assert.Eventually(t, func() bool { return engine.Metrics().ActionsExecuted == 1 }, time.Second, 10*time.Millisecond)
}

func TestEngine_ActionFailureIsLoggedOnly(t *testing.T) {
	executor := &MockActionExecutor{}
	executor.On("ExecuteAction", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.NewInternalError("boom", nil))

	engine := NewEngine(Options{}, executor, nil)
	p := newPolicy("restart-it", 1, DecisionDeny)
	p.Actions = []Action{{Type: ActionRestart, Target: "x"}}
	require.NoError(t, engine.AddPolicy(p))

	decision := engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "stop"})
	assert.False(t, decision.Allowed)
	assert.Eventually(t, func() bool { return engine.Metrics().ActionsFailed == 1 }, time.Second, 10*time.Millisecond)
}

func TestEngine_Validation(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)

	tests := []struct {
		name   string
		policy Policy
	}{
		{"missing_id", Policy{Name: "x", Decision: DecisionAllow}},
		{"missing_name", Policy{ID: "x", Decision: DecisionAllow}},
		{"bad_decision", Policy{ID: "x", Name: "x", Decision: "maybe"}},
		{"bad_mode", Policy{ID: "x", Name: "x", Decision: DecisionAllow, EvaluationMode: "most"}},
		{"bad_operator", newPolicy("x", 1, DecisionAllow, Condition{Type: ConditionPlugin, Operator: "like"})},
		{"bad_condition_type", newPolicy("x", 1, DecisionAllow, Condition{Type: "weather", Operator: rules.OperatorEquals})},
		{"resource_without_field", newPolicy("x", 1, DecisionAllow, Condition{Type: ConditionResource, Operator: rules.OperatorGreaterThan, Value: 1})},
		{"bad_pattern", newPolicy("x", 1, DecisionAllow, Condition{Type: ConditionPlugin, Operator: rules.OperatorMatches, Value: "("})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.AddPolicy(tt.policy)
			assert.True(t, errors.IsValidationError(err), "got %v", err)
		})
	}

	require.NoError(t, engine.AddPolicy(newPolicy("dup", 1, DecisionAllow)))
	assert.True(t, errors.IsConflictError(engine.AddPolicy(newPolicy("dup", 1, DecisionAllow))))
	assert.True(t, errors.IsNotFoundError(engine.RemovePolicy("ghost")))
	assert.True(t, errors.IsNotFoundError(engine.UpdatePolicy(newPolicy("ghost", 1, DecisionAllow))))
	_, err := engine.GetPolicy("ghost")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestEngine_DetectConflicts(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)

	allowSearch := newPolicy("allow-search", 5, DecisionAllow)
	allowSearch.Scope = Scope{Plugins: []string{"search"}}
	denyAll := newPolicy("deny-all", 5, DecisionDeny)
	denyIndex := newPolicy("deny-index", 1, DecisionDeny)
	denyIndex.Scope = Scope{Plugins: []string{"index"}}

	require.NoError(t, engine.AddPolicy(allowSearch))
	require.NoError(t, engine.AddPolicy(denyAll))
	require.NoError(t, engine.AddPolicy(denyIndex))

	conflicts := engine.DetectConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictPriority, conflicts[0].Type)
	assert.ElementsMatch(t, []string{"allow-search", "deny-all"}, conflicts[0].Policies)
}

func TestEngine_MetricsAndEvents(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)
	sub := engine.Subscribe()
	defer sub.Close()

	require.NoError(t, engine.AddPolicy(newPolicy("deny", 1, DecisionDeny,
		Condition{Type: ConditionOperation, Operator: rules.OperatorEquals, Value: "stop"})))

	engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "stop"})
	engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "start"})

	metrics := engine.Metrics()
	assert.Equal(t, uint64(2), metrics.TotalEvaluations)
	assert.Equal(t, uint64(1), metrics.Denied)
	assert.Equal(t, uint64(1), metrics.Allowed)
	assert.Equal(t, 1.0, testutil.ToFloat64(engine.metrics.evaluationsTotal.WithLabelValues("deny")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var types []EventType
	for i := 0; i < 3; i++ {
		event, err := sub.Next(ctx)
		require.NoError(t, err)
		types = append(types, event.Type)
	}
	assert.Equal(t, []EventType{EventPolicyAdded, EventPolicyEvaluated, EventPolicyEvaluated}, types)
}

func TestEngine_ConcurrentEvaluation(t *testing.T) {
	engine := NewEngine(Options{}, nil, nil)
	require.NoError(t, engine.AddPolicy(newPolicy("deny", 1, DecisionDeny)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.EvaluateOperation(context.Background(), EvaluationContext{Operation: "start"})
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), engine.Metrics().Denied)
}
