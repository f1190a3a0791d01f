// Package manager is the operational facade of the plugin lifecycle core. It
// wires the state machine, dependency resolver, policy and automation
// engines, the lifecycle manager and the batch coordinator, and owns the
// process-wide running state.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/audit"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/automation"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/monitoring"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/plugin"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/process"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/resourcelimits"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

const signalCapacity = 64

// Event types the service feeds to the automation engine alongside lifecycle
// events
const (
	EventHealthChanged     = "health_changed"
	EventResourceViolation = "resource_violation"
)

// Collaborators replace the production runtimes. Nil fields get the default
// implementation built from the configuration.
type Collaborators struct {
	Registry  plugin.Registry
	Factory   plugin.InstanceFactory
	Security  plugin.SecurityManager
	Resources lifecycle.ResourceManager
	Health    lifecycle.HealthMonitor
	Tracer    trace.Tracer
}

// runner is implemented by collaborators with a periodic background loop
type runner interface {
	Run(ctx context.Context, interval time.Duration)
}

type Service struct {
	config *Config
	logger logging.Logger

	registry   plugin.Registry
	health     lifecycle.HealthMonitor
	resources  lifecycle.ResourceManager
	machine    *statemachine.Machine
	resolver   *dependency.Resolver
	policies   *policy.Engine
	lifecycle  *lifecycle.Manager
	automation *automation.Engine
	batches    *batch.Coordinator
	audit      *audit.Store
	signals    chan automation.Event

	running   atomic.Bool
	startedAt atomic.Int64
	stateLock sync.Mutex
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once

	// the audit follower outlives the other loops so shutdown transitions are recorded
	cancelAudit context.CancelFunc
	auditLoop   sync.WaitGroup

	// configMutex serializes bundle imports
	configMutex sync.Mutex

	runningGauge prometheus.GaugeFunc
}

// NewService builds every component from config. The service is created
// stopped; call Start to begin accepting operations.
func NewService(config *Config, collaborators Collaborators, logger logging.Logger) (*Service, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	setConfigDefaults(config)
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	s := &Service{
		config:  config,
		logger:  logger,
		signals: make(chan automation.Event, signalCapacity),
	}

	registry := collaborators.Registry
	if registry == nil {
		static, err := plugin.NewStaticRegistry(config.Plugins...)
		if err != nil {
			return nil, errors.NewValidationError("failed to register plugins", err)
		}
		registry = static
	}
	factory := collaborators.Factory
	if factory == nil {
		factory = plugin.NewProcessFactory(process.NewPIDFiles(config.Service.RuntimeDirectory, logger), logger)
	}
	security := collaborators.Security
	if security == nil {
		security = plugin.NewDirectorySandboxManager(config.Service.SandboxRoot, logger)
	}
	if collaborators.Resources != nil {
		s.resources = collaborators.Resources
	} else {
		resources := resourcelimits.NewManager(resourcelimits.ProcessSampler{}, logger)
		resources.SetViolationCallback(s.onViolation)
		s.resources = resources
	}
	if collaborators.Health != nil {
		s.health = collaborators.Health
	} else {
		health := monitoring.NewHealthChecker(logger)
		health.SetStatusChangeCallback(s.onHealthChange)
		s.health = health
	}
	s.registry = registry

	s.machine = statemachine.NewMachine(statemachine.Options{HistoryLimit: config.Service.HistoryLimit}, logger)
	s.resolver = dependency.NewResolver(config.Service.DependencyCacheSize, logger)
	s.policies = policy.NewEngine(policy.Options{ActionTimeout: config.Service.PolicyActionTimeout}, nil, logger)

	manager, err := lifecycle.NewManager(lifecycle.Dependencies{
		Registry:     registry,
		Factory:      factory,
		Security:     security,
		Resources:    s.resources,
		Health:       s.health,
		StateMachine: s.machine,
		Resolver:     s.resolver,
		Policy:       s.policies,
		Tracer:       collaborators.Tracer,
	}, config.Lifecycle, logger)
	if err != nil {
		s.closeComponents()
		return nil, err
	}
	s.lifecycle = manager
	s.policies.SetActionExecutor(manager)
	s.automation = automation.NewEngine(manager, config.Automation, logger)

	batchDeps := batch.Dependencies{Executor: manager, Health: s.health, Tracer: collaborators.Tracer}
	if config.Service.AuditDatabase != "" {
		store, err := audit.Open(context.Background(), config.Service.AuditDatabase, logger)
		if err != nil {
			s.closeComponents()
			return nil, err
		}
		s.audit = store
		batchDeps.Audit = store
	}
	s.batches, err = batch.NewCoordinator(batchDeps, config.Batch, logger)
	if err != nil {
		s.closeComponents()
		return nil, err
	}

	initial := Bundle{Version: BundleVersion, Policies: config.Policies, Rules: config.Rules, Templates: config.Templates}
	if _, err := s.applyBundle(initial); err != nil {
		s.Close()
		return nil, errors.NewValidationError("failed to load configured policies, rules and templates", err)
	}

	s.runningGauge = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "plugin_lifecycle_service_running",
			Help: "Whether the plugin manager service is accepting operations",
		},
		func() float64 {
			if s.running.Load() {
				return 1
			}
			return 0
		},
	)

	logger.Infof("Plugin manager service created, plugins: %d, policies: %d, rules: %d, templates: %d",
		len(registry.ListEnabledPlugins()), len(config.Policies), len(config.Rules), len(config.Templates))
	return s, nil
}

// Start launches the background loops and auto-starts enabled plugins marked
// auto_start. Auto-start failures are logged; the service stays running.
func (s *Service) Start(ctx context.Context) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.running.Load() {
		return errors.NewAlreadyRunningError("plugin manager service is already running", nil)
	}
	s.logger.Infof("Starting plugin manager service")

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	lifecycleEvents := s.lifecycle.SubscribeEvents()
	s.spawn(func() {
		defer lifecycleEvents.Close()
		s.automation.Consume(loopCtx, lifecycleEvents)
	})
	s.spawn(func() { s.automation.Run(loopCtx, s.signals) })
	auditCtx, cancelAudit := context.WithCancel(context.Background())
	s.cancelAudit = cancelAudit
	if s.audit != nil {
		transitions := s.machine.Subscribe()
		s.auditLoop.Add(1)
		go func() {
			defer s.auditLoop.Done()
			defer transitions.Close()
			s.audit.Follow(auditCtx, transitions)
		}()
	}
	if r, ok := s.health.(runner); ok {
		s.spawn(func() { r.Run(loopCtx, s.config.Service.HealthCheckInterval) })
	}
	if r, ok := s.resources.(runner); ok {
		s.spawn(func() { r.Run(loopCtx, s.config.Service.ResourceCheckInterval) })
	}

	s.startedAt.Store(time.Now().UnixNano())
	s.running.Store(true)

	if err := s.autoStart(ctx); err != nil {
		s.logger.Errorf("Auto-start finished with errors: %v", err)
	}

	s.logger.Infof("Plugin manager service started")
	return nil
}

func (s *Service) spawn(loop func()) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		loop()
	}()
}

// autoStart scales every auto_start plugin to its configured instance count,
// dependencies first
func (s *Service) autoStart(ctx context.Context) error {
	manifests := make(map[string]plugin.Manifest)
	var keys []string
	deps := make(map[string][]string)
	for _, manifest := range s.registry.ListEnabledPlugins() {
		if !manifest.AutoStart {
			continue
		}
		manifests[manifest.ID] = manifest
		keys = append(keys, manifest.ID)
		for _, dep := range manifest.Dependencies {
			deps[manifest.ID] = append(deps[manifest.ID], dep.PluginID)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	order, err := dependency.TopologicalOrder(keys, deps)
	if err != nil {
		return err
	}

	collection := errors.NewErrorCollection()
	for _, pluginID := range order {
		target := manifests[pluginID].Instances
		if target < 1 {
			target = 1
		}
		result, err := s.lifecycle.ScalePlugin(ctx, pluginID, target)
		if err != nil {
			s.logger.Errorf("Failed to auto-start plugin, id: %s, error: %v", pluginID, err)
			collection.Add(err)
			continue
		}
		s.logger.Infof("Plugin auto-started, id: %s, instances: %d", pluginID, result.Current)
	}
	return collection.ToError()
}

// Stop rejects new operations, cancels batch executions in progress, ends the
// automation and monitoring loops and then stops every instance in reverse
// dependency order
func (s *Service) Stop(ctx context.Context) error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if !s.running.Load() {
		return errors.NewAlreadyStoppedError("plugin manager service is not running", nil)
	}
	s.logger.Infof("Stopping plugin manager service")
	s.running.Store(false)

	stopCtx, cancelStop := context.WithTimeout(ctx, s.config.Service.ShutdownTimeout)
	defer cancelStop()

	collection := errors.NewErrorCollection()
	if err := s.batches.CancelAll(stopCtx); err != nil {
		s.logger.Errorf("Batch executions did not stop in time: %v", err)
		collection.Add(err)
	}

	s.cancel()
	s.loops.Wait()

	if err := s.lifecycle.EmergencyShutdown(stopCtx); err != nil {
		collection.Add(err)
	}

	s.cancelAudit()
	s.auditLoop.Wait()

	if err := collection.ToError(); err != nil {
		s.logger.Errorf("Plugin manager service stopped with errors: %v", err)
		return err
	}
	s.logger.Infof("Plugin manager service stopped")
	return nil
}

// Close stops the service if it is running and releases every component
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.running.Load() {
			if err := s.Stop(context.Background()); err != nil {
				s.logger.Warnf("Errors while stopping during close: %v", err)
			}
		}
		s.closeComponents()
	})
}

func (s *Service) closeComponents() {
	if s.batches != nil {
		s.batches.Close()
	}
	if s.automation != nil {
		s.automation.Close()
	}
	if s.lifecycle != nil {
		s.lifecycle.Close()
	}
	s.policies.Close()
	s.machine.Close()
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.logger.Warnf("Failed to close audit store: %v", err)
		}
	}
}

// Running reports whether the service accepts operations
func (s *Service) Running() bool {
	return s.running.Load()
}

func (s *Service) ensureRunning(operation string) error {
	if !s.running.Load() {
		return errors.NewValidationError("plugin manager service is not running", nil).WithContext("operation", operation)
	}
	return nil
}

func (s *Service) onHealthChange(change monitoring.StatusChange) {
	severity := automation.SeverityNormal
	switch change.Current {
	case monitoring.HealthCheckStatusUnhealthy:
		severity = automation.SeverityHigh
	case monitoring.HealthCheckStatusDegraded:
		severity = automation.SeverityLow
	}
	s.signal(automation.Event{
		EventType: EventHealthChanged,
		Source:    "health",
		Severity:  severity,
		Data: map[string]string{
			"instance_id": change.InstanceID,
			"previous":    string(change.Previous),
			"current":     string(change.Current),
			"message":     change.Message,
		},
	})
}

func (s *Service) onViolation(violation resourcelimits.Violation) {
	s.signal(automation.Event{
		EventType: EventResourceViolation,
		Source:    "resources",
		Severity:  automation.SeverityCritical,
		Data: map[string]string{
			"instance_id": violation.InstanceID,
			"limit_type":  string(violation.LimitType),
			"policy":      string(violation.Policy),
			"message":     violation.Message,
		},
	})
}

// signal hands an event to the automation loop without blocking the caller
func (s *Service) signal(event automation.Event) {
	if !s.running.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case s.signals <- event:
	default:
		s.logger.Warnf("Automation signal queue full, dropping event, type: %s", event.EventType)
	}
}

// Collectors returns every Prometheus collector of the service
func (s *Service) Collectors() []prometheus.Collector {
	collectors := []prometheus.Collector{s.runningGauge}
	collectors = append(collectors, s.lifecycle.Collectors()...)
	collectors = append(collectors, s.policies.Collectors()...)
	collectors = append(collectors, s.automation.Collectors()...)
	collectors = append(collectors, s.batches.Collectors()...)
	return collectors
}
