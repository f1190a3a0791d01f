package control

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/automation"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/manager"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/plugin"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

// Service is the plugin manager surface exposed over the admin API
type Service interface {
	Running() bool
	Health() manager.HealthReport
	GetLifecycleAnalytics() manager.Analytics
	Collectors() []prometheus.Collector

	ListPlugins() []plugin.Manifest
	ListInstances() []lifecycle.InstanceInfo
	GetInstance(instanceID string) (lifecycle.InstanceInfo, error)
	GetInstanceStateHistory(ctx context.Context, instanceID string, limit int) ([]statemachine.TransitionResult, error)
	VisualizeDependencies(format dependency.Format) (string, error)

	CreateInstance(ctx context.Context, pluginID string, config lifecycle.InstanceConfig) (string, error)
	StartInstance(ctx context.Context, instanceID string) error
	StopInstance(ctx context.Context, instanceID string, timeout time.Duration) error
	RestartInstance(ctx context.Context, instanceID string) error
	RemoveInstance(ctx context.Context, instanceID string) error
	ScalePluginWithDependencies(ctx context.Context, pluginID string, target int) (lifecycle.ScaleResult, error)

	ExecuteRollingRestart(ctx context.Context, instances []string, batchSize int) (string, error)
	ExecuteZeroDowntimeRestart(ctx context.Context, instances []string, canaryPercentage float64) (string, error)
	SubmitBatch(ctx context.Context, b batch.Batch, execCtx batch.ExecutionContext) (string, error)
	SubmitTemplate(ctx context.Context, templateID string, params map[string]string, execCtx batch.ExecutionContext) (string, error)
	GetBatchProgress(executionID string) (batch.Progress, error)
	GetBatchResult(ctx context.Context, executionID string) (batch.ExecutionResult, error)
	CancelBatch(executionID string) error
	RollbackBatch(ctx context.Context, executionID string) (batch.RollbackReport, error)
	ListBatchTemplates() []batch.Template

	ListPolicies() []policy.Policy
	AddLifecyclePolicy(p policy.Policy) error
	RemoveLifecyclePolicy(policyID string) error
	ListAutomationRules() []automation.Rule
	AddAutomationRule(rule automation.Rule) error
	RemoveAutomationRule(ruleID string) error
	TriggerAutomationRule(ctx context.Context, ruleID string, data map[string]string) (automation.ExecutionResult, error)

	ExportConfiguration() ([]byte, error)
	ImportConfiguration(data []byte) (manager.ImportResult, error)
}

type AdminOptions struct {
	// JWTSecret enables bearer authentication on mutating routes
	JWTSecret    string
	AllowOrigins []string
	// MaxGoroutines fails liveness above this count, zero disables the check
	MaxGoroutines int
}

const (
	defaultHistoryLimit = 50
	maxBundleSize       = 4 << 20
)

type admin struct {
	service Service
	logger  logging.Logger
}

// NewAdminRouter builds the admin HTTP API. Reads are open; mutations need a
// bearer token when a secret is configured.
func NewAdminRouter(service Service, options AdminOptions, logger logging.Logger) (http.Handler, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	a := &admin{service: service, logger: logger}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	for _, collector := range service.Collectors() {
		if err := registry.Register(collector); err != nil {
			return nil, errors.NewInternalError("failed to register metrics collector", err)
		}
	}

	health := healthcheck.NewHandler()
	if options.MaxGoroutines > 0 {
		health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(options.MaxGoroutines))
	}
	health.AddReadinessCheck("plugin-manager", func() error {
		if !service.Running() {
			return fmt.Errorf("plugin manager is not running")
		}
		return nil
	})

	origins := options.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery(), a.logRequests())
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/live", gin.WrapF(health.LiveEndpoint))
	router.GET("/ready", gin.WrapF(health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", a.status)
		v1.GET("/analytics", a.analytics)
		v1.GET("/plugins", a.listPlugins)
		v1.GET("/instances", a.listInstances)
		v1.GET("/instances/:id", a.getInstance)
		v1.GET("/instances/:id/history", a.instanceHistory)
		v1.GET("/dependencies", a.dependencies)
		v1.GET("/batches/:id", a.batchResult)
		v1.GET("/batches/:id/progress", a.batchProgress)
		v1.GET("/templates", a.listTemplates)
		v1.GET("/policies", a.listPolicies)
		v1.GET("/rules", a.listRules)
		v1.GET("/configuration", a.exportConfiguration)
	}

	mutating := v1.Group("")
	if options.JWTSecret != "" {
		mutating.Use(requireToken(options.JWTSecret))
	} else {
		logger.Warnf("Admin API mutations are unauthenticated, no JWT secret configured")
	}
	{
		mutating.POST("/instances", a.createInstance)
		mutating.POST("/instances/:id/start", a.startInstance)
		mutating.POST("/instances/:id/stop", a.stopInstance)
		mutating.POST("/instances/:id/restart", a.restartInstance)
		mutating.DELETE("/instances/:id", a.removeInstance)
		mutating.POST("/plugins/:id/scale", a.scalePlugin)
		mutating.POST("/restarts/rolling", a.rollingRestart)
		mutating.POST("/restarts/zero-downtime", a.zeroDowntimeRestart)
		mutating.POST("/batches", a.submitBatch)
		mutating.POST("/batches/:id/cancel", a.cancelBatch)
		mutating.POST("/batches/:id/rollback", a.rollbackBatch)
		mutating.POST("/templates/:id/submit", a.submitTemplate)
		mutating.POST("/policies", a.addPolicy)
		mutating.DELETE("/policies/:id", a.removePolicy)
		mutating.POST("/rules", a.addRule)
		mutating.DELETE("/rules/:id", a.removeRule)
		mutating.POST("/rules/:id/trigger", a.triggerRule)
		mutating.PUT("/configuration", a.importConfiguration)
	}

	return router, nil
}

func (a *admin) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debugf("Admin request, method: %s, path: %s, status: %d, duration: %v",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (a *admin) status(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.Health())
}

func (a *admin) analytics(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.GetLifecycleAnalytics())
}

func (a *admin) listPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.ListPlugins())
}

func (a *admin) listInstances(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.ListInstances())
}

func (a *admin) getInstance(c *gin.Context) {
	info, err := a.service.GetInstance(c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *admin) instanceHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			a.fail(c, errors.NewValidationError("limit must be a positive integer", err).WithContext("limit", raw))
			return
		}
		limit = parsed
	}
	history, err := a.service.GetInstanceStateHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (a *admin) dependencies(c *gin.Context) {
	format := dependency.Format(c.DefaultQuery("format", string(dependency.FormatJSON)))
	rendered, err := a.service.VisualizeDependencies(format)
	if err != nil {
		a.fail(c, err)
		return
	}
	contentType := "text/plain; charset=utf-8"
	if format == dependency.FormatJSON {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(http.StatusOK, contentType, []byte(rendered))
}

func (a *admin) batchResult(c *gin.Context) {
	result, err := a.service.GetBatchResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *admin) batchProgress(c *gin.Context) {
	progress, err := a.service.GetBatchProgress(c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (a *admin) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.ListBatchTemplates())
}

func (a *admin) listPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.ListPolicies())
}

func (a *admin) listRules(c *gin.Context) {
	c.JSON(http.StatusOK, a.service.ListAutomationRules())
}

func (a *admin) exportConfiguration(c *gin.Context) {
	data, err := a.service.ExportConfiguration()
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml", data)
}

type CreateInstanceRequest struct {
	PluginID string                   `json:"plugin_id"`
	Config   lifecycle.InstanceConfig `json:"config"`
}

type CreateInstanceResponse struct {
	InstanceID string `json:"instance_id"`
}

func (a *admin) createInstance(c *gin.Context) {
	var request CreateInstanceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		a.badRequest(c, err)
		return
	}
	id, err := a.service.CreateInstance(c.Request.Context(), request.PluginID, request.Config)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateInstanceResponse{InstanceID: id})
}

func (a *admin) startInstance(c *gin.Context) {
	a.instanceAction(c, a.service.StartInstance)
}

func (a *admin) restartInstance(c *gin.Context) {
	a.instanceAction(c, a.service.RestartInstance)
}

func (a *admin) removeInstance(c *gin.Context) {
	a.instanceAction(c, a.service.RemoveInstance)
}

// stopInstance accepts an optional timeout query such as "?timeout=10s"
func (a *admin) stopInstance(c *gin.Context) {
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			a.fail(c, errors.NewValidationError("invalid stop timeout", err).WithContext("timeout", raw))
			return
		}
		timeout = parsed
	}
	a.instanceAction(c, func(ctx context.Context, id string) error {
		return a.service.StopInstance(ctx, id, timeout)
	})
}

func (a *admin) instanceAction(c *gin.Context, action func(context.Context, string) error) {
	if err := action(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ScaleRequest struct {
	Instances int `json:"instances"`
}

func (a *admin) scalePlugin(c *gin.Context) {
	var request ScaleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		a.badRequest(c, err)
		return
	}
	result, err := a.service.ScalePluginWithDependencies(c.Request.Context(), c.Param("id"), request.Instances)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type RestartRequest struct {
	Instances        []string `json:"instances"`
	BatchSize        int      `json:"batch_size,omitempty"`
	CanaryPercentage float64  `json:"canary_percentage,omitempty"`
}

type ExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

func (a *admin) rollingRestart(c *gin.Context) {
	var request RestartRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		a.badRequest(c, err)
		return
	}
	a.accepted(c, func(ctx context.Context) (string, error) {
		return a.service.ExecuteRollingRestart(ctx, request.Instances, request.BatchSize)
	})
}

func (a *admin) zeroDowntimeRestart(c *gin.Context) {
	var request RestartRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		a.badRequest(c, err)
		return
	}
	a.accepted(c, func(ctx context.Context) (string, error) {
		return a.service.ExecuteZeroDowntimeRestart(ctx, request.Instances, request.CanaryPercentage)
	})
}

type SubmitBatchRequest struct {
	Batch  batch.Batch `json:"batch"`
	DryRun bool        `json:"dry_run,omitempty"`
}

func (a *admin) submitBatch(c *gin.Context) {
	var request SubmitBatchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		a.badRequest(c, err)
		return
	}
	execCtx := batch.ExecutionContext{DryRun: request.DryRun, RequestedBy: requester(c)}
	a.accepted(c, func(ctx context.Context) (string, error) {
		return a.service.SubmitBatch(ctx, request.Batch, execCtx)
	})
}

type SubmitTemplateRequest struct {
	Parameters map[string]string `json:"parameters,omitempty"`
	DryRun     bool              `json:"dry_run,omitempty"`
}

func (a *admin) submitTemplate(c *gin.Context) {
	var request SubmitTemplateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		a.badRequest(c, err)
		return
	}
	execCtx := batch.ExecutionContext{DryRun: request.DryRun, RequestedBy: requester(c)}
	templateID := c.Param("id")
	a.accepted(c, func(ctx context.Context) (string, error) {
		return a.service.SubmitTemplate(ctx, templateID, request.Parameters, execCtx)
	})
}

func (a *admin) accepted(c *gin.Context, submit func(context.Context) (string, error)) {
	id, err := submit(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ExecutionResponse{ExecutionID: id})
}

func (a *admin) cancelBatch(c *gin.Context) {
	if err := a.service.CancelBatch(c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *admin) rollbackBatch(c *gin.Context) {
	report, err := a.service.RollbackBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *admin) addPolicy(c *gin.Context) {
	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		a.badRequest(c, err)
		return
	}
	if err := a.service.AddLifecyclePolicy(p); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (a *admin) removePolicy(c *gin.Context) {
	if err := a.service.RemoveLifecyclePolicy(c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *admin) addRule(c *gin.Context) {
	var rule automation.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		a.badRequest(c, err)
		return
	}
	if err := a.service.AddAutomationRule(rule); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (a *admin) removeRule(c *gin.Context) {
	if err := a.service.RemoveAutomationRule(c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type TriggerRuleRequest struct {
	Data map[string]string `json:"data,omitempty"`
}

func (a *admin) triggerRule(c *gin.Context) {
	var request TriggerRuleRequest
	if err := c.ShouldBindJSON(&request); err != nil && err != io.EOF {
		a.badRequest(c, err)
		return
	}
	result, err := a.service.TriggerAutomationRule(c.Request.Context(), c.Param("id"), request.Data)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *admin) importConfiguration(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBundleSize+1))
	if err != nil {
		a.badRequest(c, err)
		return
	}
	if len(data) > maxBundleSize {
		a.fail(c, errors.NewValidationError("configuration bundle too large", nil).WithContext("limit", maxBundleSize))
		return
	}
	result, err := a.service.ImportConfiguration(data)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.logger.Infof("Imported configuration bundle, requested by: %s", requester(c))
	c.JSON(http.StatusOK, result)
}
