package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/manager"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// fakeService implements the routes under test; any other method panics
// through the nil embedded interface
type fakeService struct {
	Service

	running atomic.Bool
	counter prometheus.Counter

	mutex       sync.Mutex
	calls       []string
	requestedBy string
	imported    string
}

func newFakeService() *fakeService {
	return &fakeService{
		counter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plugin_lifecycle_test_requests_total",
			Help: "Requests seen by the fake service.",
		}),
	}
}

func (f *fakeService) record(call string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeService) recorded() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) Running() bool { return f.running.Load() }

func (f *fakeService) Collectors() []prometheus.Collector {
	return []prometheus.Collector{f.counter}
}

func (f *fakeService) Health() manager.HealthReport {
	f.counter.Inc()
	return manager.HealthReport{Status: manager.HealthStatusHealthy, Running: f.Running(), Instances: 1, RunningInstances: 1}
}

func (f *fakeService) ListInstances() []lifecycle.InstanceInfo {
	return []lifecycle.InstanceInfo{{InstanceID: "search-1", PluginID: "search", State: statemachine.StateRunning}}
}

func (f *fakeService) GetInstance(id string) (lifecycle.InstanceInfo, error) {
	if id != "search-1" {
		return lifecycle.InstanceInfo{}, errors.NewNotFoundError("instance not found", nil).WithContext("instance_id", id)
	}
	return lifecycle.InstanceInfo{InstanceID: id, PluginID: "search", State: statemachine.StateRunning}, nil
}

func (f *fakeService) GetInstanceStateHistory(ctx context.Context, id string, limit int) ([]statemachine.TransitionResult, error) {
	f.record(fmt.Sprintf("history:%s:%d", id, limit))
	return []statemachine.TransitionResult{}, nil
}

func (f *fakeService) StartInstance(ctx context.Context, id string) error {
	f.record("start:" + id)
	return nil
}

func (f *fakeService) StopInstance(ctx context.Context, id string, timeout time.Duration) error {
	f.record(fmt.Sprintf("stop:%s:%v", id, timeout))
	return nil
}

func (f *fakeService) ScalePluginWithDependencies(ctx context.Context, pluginID string, target int) (lifecycle.ScaleResult, error) {
	if target > 5 {
		return lifecycle.ScaleResult{}, errors.NewPolicyDeniedError("scale denied by policy", nil).WithContext("policy_id", "max-five")
	}
	return lifecycle.ScaleResult{PluginID: pluginID, Previous: 1, Current: target}, nil
}

func (f *fakeService) SubmitBatch(ctx context.Context, b batch.Batch, execCtx batch.ExecutionContext) (string, error) {
	f.mutex.Lock()
	f.requestedBy = execCtx.RequestedBy
	f.mutex.Unlock()
	f.record("batch:" + b.Name)
	return "exec-1", nil
}

func (f *fakeService) ImportConfiguration(data []byte) (manager.ImportResult, error) {
	f.mutex.Lock()
	f.imported = string(data)
	f.mutex.Unlock()
	return manager.ImportResult{PoliciesAdded: 1}, nil
}

func newTestRouter(t *testing.T, service Service, options AdminOptions) http.Handler {
	t.Helper()
	router, err := NewAdminRouter(service, options, nil)
	require.NoError(t, err)
	return router
}

func serve(router http.Handler, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, body)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestAdminRouter_Reads(t *testing.T) {
	service := newFakeService()
	service.running.Store(true)
	router := newTestRouter(t, service, AdminOptions{})

	t.Run("status", func(t *testing.T) {
		response := serve(router, http.MethodGet, "/api/v1/status", "", nil)
		require.Equal(t, http.StatusOK, response.Code)

		var report manager.HealthReport
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &report))
		assert.Equal(t, manager.HealthStatusHealthy, report.Status)
		assert.True(t, report.Running)
	})

	t.Run("instance_not_found", func(t *testing.T) {
		response := serve(router, http.MethodGet, "/api/v1/instances/missing", "", nil)
		require.Equal(t, http.StatusNotFound, response.Code)

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
		assert.Equal(t, "not_found", body.Kind)
		assert.Equal(t, "missing", body.Context["instance_id"])
	})

	t.Run("history_limit", func(t *testing.T) {
		response := serve(router, http.MethodGet, "/api/v1/instances/search-1/history?limit=5", "", nil)
		assert.Equal(t, http.StatusOK, response.Code)

		response = serve(router, http.MethodGet, "/api/v1/instances/search-1/history?limit=zero", "", nil)
		assert.Equal(t, http.StatusBadRequest, response.Code)

		response = serve(router, http.MethodGet, "/api/v1/instances/search-1/history", "", nil)
		assert.Equal(t, http.StatusOK, response.Code)

		assert.Equal(t, []string{"history:search-1:5", fmt.Sprintf("history:search-1:%d", defaultHistoryLimit)}, service.recorded())
	})
}

func TestAdminRouter_Authentication(t *testing.T) {
	const secret = "test-secret"
	service := newFakeService()
	service.running.Store(true)
	router := newTestRouter(t, service, AdminOptions{JWTSecret: secret})

	token, err := IssueToken(secret, "operator", time.Minute)
	require.NoError(t, err)

	t.Run("reads_are_open", func(t *testing.T) {
		response := serve(router, http.MethodGet, "/api/v1/instances", "", nil)
		assert.Equal(t, http.StatusOK, response.Code)
	})

	t.Run("missing_token", func(t *testing.T) {
		response := serve(router, http.MethodPost, "/api/v1/instances/search-1/start", "", nil)
		assert.Equal(t, http.StatusUnauthorized, response.Code)
	})

	t.Run("foreign_token", func(t *testing.T) {
		foreign, err := IssueToken("other-secret", "operator", time.Minute)
		require.NoError(t, err)
		response := serve(router, http.MethodPost, "/api/v1/instances/search-1/start", foreign, nil)
		assert.Equal(t, http.StatusUnauthorized, response.Code)
	})

	t.Run("expired_token", func(t *testing.T) {
		expired, err := IssueToken(secret, "operator", -time.Minute)
		require.NoError(t, err)
		response := serve(router, http.MethodPost, "/api/v1/instances/search-1/start", expired, nil)
		assert.Equal(t, http.StatusUnauthorized, response.Code)
	})

	t.Run("valid_token", func(t *testing.T) {
		response := serve(router, http.MethodPost, "/api/v1/instances/search-1/start", token, nil)
		assert.Equal(t, http.StatusNoContent, response.Code)

		response = serve(router, http.MethodPost, "/api/v1/instances/search-1/stop?timeout=2s", token, nil)
		assert.Equal(t, http.StatusNoContent, response.Code)

		response = serve(router, http.MethodPost, "/api/v1/instances/search-1/stop?timeout=soon", token, nil)
		assert.Equal(t, http.StatusBadRequest, response.Code)

		assert.Equal(t, []string{"start:search-1", "stop:search-1:2s"}, service.recorded())
	})

	t.Run("requester_from_subject", func(t *testing.T) {
		body := `{"batch": {"name": "nightly", "items": [{"item_id": "a", "operation": "restart", "target": "search-1"}]}}`
		response := serve(router, http.MethodPost, "/api/v1/batches", token, strings.NewReader(body))
		require.Equal(t, http.StatusAccepted, response.Code)

		var execution ExecutionResponse
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &execution))
		assert.Equal(t, "exec-1", execution.ExecutionID)

		service.mutex.Lock()
		defer service.mutex.Unlock()
		assert.Equal(t, "operator", service.requestedBy)
	})
}

func TestAdminRouter_Mutations(t *testing.T) {
	service := newFakeService()
	service.running.Store(true)
	router := newTestRouter(t, service, AdminOptions{})

	t.Run("scale", func(t *testing.T) {
		response := serve(router, http.MethodPost, "/api/v1/plugins/search/scale", "", strings.NewReader(`{"instances": 3}`))
		require.Equal(t, http.StatusOK, response.Code)

		var result lifecycle.ScaleResult
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &result))
		assert.Equal(t, 3, result.Current)
	})

	t.Run("scale_denied", func(t *testing.T) {
		response := serve(router, http.MethodPost, "/api/v1/plugins/search/scale", "", strings.NewReader(`{"instances": 9}`))
		require.Equal(t, http.StatusForbidden, response.Code)

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &body))
		assert.Equal(t, "policy_denied", body.Kind)
		assert.Equal(t, "max-five", body.Context["policy_id"])
	})

	t.Run("malformed_body", func(t *testing.T) {
		response := serve(router, http.MethodPost, "/api/v1/plugins/search/scale", "", strings.NewReader(`{"instances": `))
		assert.Equal(t, http.StatusBadRequest, response.Code)
	})

	t.Run("import", func(t *testing.T) {
		bundle := "version: 1\npolicies: []\n"
		response := serve(router, http.MethodPut, "/api/v1/configuration", "", strings.NewReader(bundle))
		require.Equal(t, http.StatusOK, response.Code)

		var result manager.ImportResult
		require.NoError(t, json.Unmarshal(response.Body.Bytes(), &result))
		assert.Equal(t, 1, result.PoliciesAdded)

		service.mutex.Lock()
		defer service.mutex.Unlock()
		assert.Equal(t, bundle, service.imported)
	})
}

func TestAdminRouter_Probes(t *testing.T) {
	service := newFakeService()
	router := newTestRouter(t, service, AdminOptions{MaxGoroutines: 100000})

	response := serve(router, http.MethodGet, "/live", "", nil)
	assert.Equal(t, http.StatusOK, response.Code)

	response = serve(router, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, response.Code)

	service.running.Store(true)
	response = serve(router, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, response.Code)

	serve(router, http.MethodGet, "/api/v1/status", "", nil)
	response = serve(router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), "plugin_lifecycle_test_requests_total 1")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", errors.NewValidationError("bad", nil), http.StatusBadRequest},
		{"not_found", errors.NewNotFoundError("missing", nil), http.StatusNotFound},
		{"already_running", errors.NewAlreadyRunningError("running", nil), http.StatusConflict},
		{"invalid_transition", errors.NewInvalidTransitionError("no", nil), http.StatusConflict},
		{"circular_dependency", errors.NewCircularDependencyError("cycle", nil), http.StatusConflict},
		{"policy_denied", errors.NewPolicyDeniedError("denied", nil), http.StatusForbidden},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"plain", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StatusFor(tt.err))
		})
	}
}

func TestParseToken(t *testing.T) {
	token, err := IssueToken("secret", "cli", 0)
	require.NoError(t, err)

	subject, err := ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "cli", subject)

	_, err = ParseToken("secret", "not-a-token")
	assert.True(t, errors.IsPermissionError(err))

	_, err = IssueToken("", "cli", 0)
	assert.True(t, errors.IsValidationError(err))
}
