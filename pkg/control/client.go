package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/manager"
)

// Client talks to the admin API of a running lifecycle server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logging.Logger
}

type RetryOptions struct {
	RetryAttempts int
	RetryInterval time.Duration
}

func NewClient(baseURL, token string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// WaitLive polls the liveness endpoint until it answers
func (c *Client) WaitLive(ctx context.Context, options RetryOptions) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(options.RetryInterval), uint64(max(options.RetryAttempts, 0))), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.do(ctx, http.MethodGet, "/live", nil, "", nil)
		if err != nil {
			c.logger.Debugf("Admin API not live yet, attempt: %d, error: %v", attempt, err)
		}
		return err
	}, policy)
}

func (c *Client) Status(ctx context.Context) (manager.HealthReport, error) {
	var report manager.HealthReport
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, "", &report)
	return report, err
}

func (c *Client) ListInstances(ctx context.Context) ([]lifecycle.InstanceInfo, error) {
	var instances []lifecycle.InstanceInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/instances", nil, "", &instances)
	return instances, err
}

func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/instances/"+url.PathEscape(instanceID)+"/start", nil, "", nil)
}

func (c *Client) StopInstance(ctx context.Context, instanceID string, timeout time.Duration) error {
	path := "/api/v1/instances/" + url.PathEscape(instanceID) + "/stop"
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	return c.do(ctx, http.MethodPost, path, nil, "", nil)
}

func (c *Client) ScalePlugin(ctx context.Context, pluginID string, instances int) (lifecycle.ScaleResult, error) {
	var result lifecycle.ScaleResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/plugins/"+url.PathEscape(pluginID)+"/scale",
		ScaleRequest{Instances: instances}, &result)
	return result, err
}

func (c *Client) RollingRestart(ctx context.Context, instances []string, batchSize int) (string, error) {
	var response ExecutionResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/restarts/rolling",
		RestartRequest{Instances: instances, BatchSize: batchSize}, &response)
	return response.ExecutionID, err
}

func (c *Client) ZeroDowntimeRestart(ctx context.Context, instances []string, canaryPercentage float64) (string, error) {
	var response ExecutionResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/restarts/zero-downtime",
		RestartRequest{Instances: instances, CanaryPercentage: canaryPercentage}, &response)
	return response.ExecutionID, err
}

// BatchResult returns the raw execution result document
func (c *Client) BatchResult(ctx context.Context, executionID string) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/v1/batches/"+url.PathEscape(executionID), nil, "", &result)
	return result, err
}

// Analytics returns the raw analytics document
func (c *Client) Analytics(ctx context.Context) (json.RawMessage, error) {
	var analytics json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/v1/analytics", nil, "", &analytics)
	return analytics, err
}

func (c *Client) ExportConfiguration(ctx context.Context) ([]byte, error) {
	var bundle []byte
	err := c.do(ctx, http.MethodGet, "/api/v1/configuration", nil, "", &bundle)
	return bundle, err
}

func (c *Client) ImportConfiguration(ctx context.Context, bundle []byte) (manager.ImportResult, error) {
	var result manager.ImportResult
	err := c.do(ctx, http.MethodPut, "/api/v1/configuration", bytes.NewReader(bundle), "application/yaml", &result)
	return result, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return errors.NewInternalError("failed to encode request", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(body), "application/json", response)
}

// do sends one request. A *[]byte response receives the raw body, anything
// else is decoded from JSON. Failures are rebuilt as domain errors of the
// kind the server reported.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, response interface{}) error {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.NewValidationError("invalid admin request", err).WithContext("path", path)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		return errors.NewNetworkError("admin request failed", err).WithContext("path", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewNetworkError("failed to read admin response", err).WithContext("path", path)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp.StatusCode, path, data)
	}

	switch target := response.(type) {
	case nil:
		return nil
	case *[]byte:
		*target = data
		return nil
	default:
		if err := json.Unmarshal(data, target); err != nil {
			return errors.NewInternalError("failed to decode admin response", err).WithContext("path", path)
		}
		return nil
	}
}

func responseError(status int, path string, data []byte) error {
	var body ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(status)
		}
	}

	kind := errors.ErrorType(body.Kind)
	switch {
	case kind != "":
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = errors.ErrorTypePermission
	case status == http.StatusNotFound:
		kind = errors.ErrorTypeNotFound
	case status < http.StatusInternalServerError:
		kind = errors.ErrorTypeValidation
	default:
		kind = errors.ErrorTypeInternal
	}

	err := errors.NewDomainError(kind, fmt.Sprintf("admin API %d: %s", status, body.Error), nil).
		WithContext("path", path)
	for key, value := range body.Context {
		err = err.WithContext(key, value)
	}
	return err
}
