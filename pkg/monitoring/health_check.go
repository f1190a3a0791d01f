package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 5 * time.Second

	maxConcurrentChecks = 16
)

type HealthCheckType string

const (
	HealthCheckTypeNone    HealthCheckType = ""
	HealthCheckTypeHTTP    HealthCheckType = "http"
	HealthCheckTypeGRPC    HealthCheckType = "grpc"
	HealthCheckTypeTCP     HealthCheckType = "tcp"
	HealthCheckTypeExec    HealthCheckType = "exec"
	HealthCheckTypeProcess HealthCheckType = "process"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

type GRPCHealthCheckConfig struct {
	Address string `yaml:"address" json:"address"`
	Service string `yaml:"service,omitempty" json:"service,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

type ExecHealthCheckConfig struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type" json:"type"`

	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty" json:"http,omitempty"`
	GRPC GRPCHealthCheckConfig `yaml:"grpc,omitempty" json:"grpc,omitempty"`
	TCP  TCPHealthCheckConfig  `yaml:"tcp,omitempty" json:"tcp,omitempty"`
	Exec ExecHealthCheckConfig `yaml:"exec,omitempty" json:"exec,omitempty"`

	RunOptions HealthCheckRunOptions `yaml:"run_options,omitempty" json:"run_options,omitempty"`
}

type HealthCheckRunOptions struct {
	Interval     time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

type HealthCheckState struct {
	InstanceID           string            `json:"instance_id"`
	Status               HealthCheckStatus `json:"status"`
	LastCheck            time.Time         `json:"last_check"`
	Message              string            `json:"message"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
}

// StatusChange is reported whenever an instance's status changes
type StatusChange struct {
	InstanceID string
	Previous   HealthCheckStatus
	Current    HealthCheckStatus
	Message    string
}

type StatusChangeCallback func(change StatusChange)

// Probe runs one check against an instance. It reports health and a message.
type Probe func(ctx context.Context, config HealthCheckConfig, pid int) (bool, string)

type monitoredInstance struct {
	config       HealthCheckConfig
	pid          int
	registeredAt time.Time
	state        HealthCheckState
	checking     bool
}

// HealthChecker tracks health of many instances
type HealthChecker struct {
	instances map[string]*monitoredInstance
	probes    map[HealthCheckType]Probe
	callback  StatusChangeCallback
	logger    logging.Logger
	mutex     sync.Mutex
}

func NewHealthChecker(logger logging.Logger) *HealthChecker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &HealthChecker{
		instances: make(map[string]*monitoredInstance),
		probes: map[HealthCheckType]Probe{
			HealthCheckTypeHTTP:    checkHTTP,
			HealthCheckTypeGRPC:    checkGRPC,
			HealthCheckTypeTCP:     checkTCP,
			HealthCheckTypeExec:    checkExec,
			HealthCheckTypeProcess: checkProcess,
		},
		logger: logger,
	}
}

// SetProbe overrides the probe used for a check type
func (h *HealthChecker) SetProbe(checkType HealthCheckType, probe Probe) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.probes[checkType] = probe
}

func (h *HealthChecker) SetStatusChangeCallback(callback StatusChangeCallback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.callback = callback
}

func (h *HealthChecker) RegisterInstance(instanceID string, config HealthCheckConfig, pid int) error {
	if instanceID == "" {
		return errors.NewValidationError("instance ID is required", nil)
	}
	setRunOptionsDefaults(&config.RunOptions)
	if err := ValidateHealthCheckConfig(config); err != nil {
		return errors.NewValidationError("invalid health check configuration", err).WithContext("instance_id", instanceID)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, exists := h.instances[instanceID]; exists {
		return errors.NewConflictError("instance already registered for health checks", nil).WithContext("instance_id", instanceID)
	}
	h.instances[instanceID] = &monitoredInstance{
		config:       config,
		pid:          pid,
		registeredAt: time.Now(),
		state:        HealthCheckState{InstanceID: instanceID, Status: HealthCheckStatusUnknown},
	}

	h.logger.Infof("Registered instance for health checks, id: %s, type: %s, interval: %v",
		instanceID, displayType(config.Type), config.RunOptions.Interval)
	return nil
}

func (h *HealthChecker) UnregisterInstance(instanceID string) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, exists := h.instances[instanceID]; !exists {
		return errors.NewNotFoundError("instance not registered for health checks", nil).WithContext("instance_id", instanceID)
	}
	delete(h.instances, instanceID)

	h.logger.Debugf("Unregistered instance from health checks, id: %s", instanceID)
	return nil
}

// UpdatePID points process checks at a new process
func (h *HealthChecker) UpdatePID(instanceID string, pid int) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	entry, exists := h.instances[instanceID]
	if !exists {
		return errors.NewNotFoundError("instance not registered for health checks", nil).WithContext("instance_id", instanceID)
	}
	entry.pid = pid
	return nil
}

// PerformHealthCheck runs the instance's probe once and updates its state
func (h *HealthChecker) PerformHealthCheck(ctx context.Context, instanceID string) (bool, error) {
	h.mutex.Lock()
	entry, exists := h.instances[instanceID]
	if !exists {
		h.mutex.Unlock()
		return false, errors.NewNotFoundError("instance not registered for health checks", nil).WithContext("instance_id", instanceID)
	}
	config := entry.config
	pid := entry.pid
	probe := h.probes[config.Type]
	h.mutex.Unlock()

	var healthy bool
	var message string

	switch {
	case config.Type == HealthCheckTypeNone:
		healthy, message = true, "no health check configured"
	case probe == nil:
		healthy, message = false, "unknown health check type: "+string(config.Type)
		h.logger.Errorf("Unknown health check type, id: %s, type: %s", instanceID, config.Type)
	default:
		h.logger.Debugf("Performing health check, id: %s, type: %s", instanceID, config.Type)
		checkCtx, cancel := context.WithTimeout(ctx, config.RunOptions.Timeout)
		healthy, message = probe(checkCtx, config, pid)
		cancel()
	}

	if err := ctx.Err(); err != nil {
		return false, errors.NewCancelledError("health check cancelled", err).WithContext("instance_id", instanceID)
	}

	h.updateState(instanceID, healthy, message)
	return healthy, nil
}

func (h *HealthChecker) updateState(instanceID string, healthy bool, message string) {
	h.mutex.Lock()
	entry, exists := h.instances[instanceID]
	if !exists {
		h.mutex.Unlock()
		return
	}

	state := &entry.state
	previous := state.Status
	state.LastCheck = time.Now()
	state.Message = message

	if healthy {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		state.Status = HealthCheckStatusHealthy
	} else {
		state.ConsecutiveFailures++
		state.ConsecutiveSuccesses = 0
		if state.ConsecutiveFailures == 1 {
			state.Status = HealthCheckStatusDegraded
		} else {
			state.Status = HealthCheckStatusUnhealthy
		}
	}
	current := state.Status
	failures := state.ConsecutiveFailures
	callback := h.callback
	h.mutex.Unlock()

	if previous == current {
		if !healthy {
			h.logger.Warnf("Health check failed, id: %s, status: %s, consecutive_failures: %d, message: %s",
				instanceID, current, failures, message)
		}
		return
	}

	if healthy {
		h.logger.Infof("Health check recovered, id: %s, previous: %s", instanceID, previous)
	} else {
		h.logger.Warnf("Health check status changed, id: %s, status: %s->%s, consecutive_failures: %d, message: %s",
			instanceID, previous, current, failures, message)
	}

	if callback != nil {
		callback(StatusChange{InstanceID: instanceID, Previous: previous, Current: current, Message: message})
	}
}

func (h *HealthChecker) GetStatus(instanceID string) (HealthCheckState, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	entry, exists := h.instances[instanceID]
	if !exists {
		return HealthCheckState{}, errors.NewNotFoundError("instance not registered for health checks", nil).WithContext("instance_id", instanceID)
	}
	return entry.state, nil
}

func (h *HealthChecker) GetAllStatuses() []HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	states := make([]HealthCheckState, 0, len(h.instances))
	for _, entry := range h.instances {
		states = append(states, entry.state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].InstanceID < states[j].InstanceID })
	return states
}

// Sweep checks every instance whose interval has elapsed
func (h *HealthChecker) Sweep(ctx context.Context) {
	now := time.Now()

	h.mutex.Lock()
	var due []string
	for id, entry := range h.instances {
		if entry.checking || entry.config.Type == HealthCheckTypeNone {
			continue
		}
		if now.Sub(entry.registeredAt) < entry.config.RunOptions.InitialDelay {
			continue
		}
		if !entry.state.LastCheck.IsZero() && now.Sub(entry.state.LastCheck) < entry.config.RunOptions.Interval {
			continue
		}
		entry.checking = true
		due = append(due, id)
	}
	h.mutex.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentChecks)
	for _, id := range due {
		id := id
		group.Go(func() error {
			defer h.finishCheck(id)
			if _, err := h.PerformHealthCheck(groupCtx, id); err != nil {
				h.logger.Debugf("Health check skipped, id: %s, error: %v", id, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (h *HealthChecker) finishCheck(instanceID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if entry, exists := h.instances[instanceID]; exists {
		entry.checking = false
	}
}

// Run sweeps on every tick until ctx is done
func (h *HealthChecker) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	h.logger.Infof("Starting health checker, tick: %v", tick)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Infof("Health checker stopped")
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

func setRunOptionsDefaults(options *HealthCheckRunOptions) {
	if options.Interval == 0 {
		options.Interval = DefaultInterval
	}
	if options.Timeout == 0 {
		options.Timeout = DefaultTimeout
		if options.Timeout >= options.Interval {
			options.Timeout = options.Interval / 2
		}
	}
}

func displayType(checkType HealthCheckType) string {
	if checkType == HealthCheckTypeNone {
		return "none"
	}
	return string(checkType)
}

func checkHTTP(ctx context.Context, config HealthCheckConfig, _ int) (bool, string) {
	method := config.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, config.HTTP.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("Failed to create HTTP request: %v", err)
	}
	for key, value := range config.HTTP.Headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP health check passed: %s", resp.Status)
	}
	return false, fmt.Sprintf("HTTP health check failed: %s", resp.Status)
}

func checkGRPC(ctx context.Context, config HealthCheckConfig, _ int) (bool, string) {
	conn, err := grpc.NewClient(config.GRPC.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Sprintf("gRPC client creation failed: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: config.GRPC.Service})
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Sprintf("gRPC service not serving: %s", resp.GetStatus())
	}
	return true, fmt.Sprintf("gRPC service serving at %s", config.GRPC.Address)
}

func checkTCP(ctx context.Context, config HealthCheckConfig, _ int) (bool, string) {
	address := net.JoinHostPort(config.TCP.Address, fmt.Sprintf("%d", config.TCP.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	conn.Close()

	return true, fmt.Sprintf("TCP connection successful to %s", address)
}

func checkExec(ctx context.Context, config HealthCheckConfig, _ int) (bool, string) {
	output, err := exec.CommandContext(ctx, config.Exec.Command, config.Exec.Args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return false, "Exec health check timed out"
	}
	if err != nil {
		return false, fmt.Sprintf("Exec health check failed: %v, output: %s", err, string(output))
	}
	return true, fmt.Sprintf("Exec health check passed, output: %s", string(output))
}

func checkProcess(ctx context.Context, _ HealthCheckConfig, pid int) (bool, string) {
	if pid <= 0 {
		return false, "Process not started"
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Sprintf("Process lookup failed: PID %d: %v", pid, err)
	}
	if !exists {
		return false, fmt.Sprintf("Process not running: PID %d", pid)
	}
	return true, fmt.Sprintf("Process is running: PID %d", pid)
}
