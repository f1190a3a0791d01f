// Package resourcelimits samples per-instance resource usage and reports limit
// violations.
package resourcelimits

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

const sweepConcurrency = 8

// Sampler reads the usage of an OS process
type Sampler interface {
	Sample(ctx context.Context, pid int) (Usage, error)
}

// ProcessSampler samples processes through gopsutil
type ProcessSampler struct{}

func (ProcessSampler) Sample(ctx context.Context, pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, errors.NewValidationError("PID must be positive", nil).WithContext("pid", pid)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, errors.NewProcessError("process not found", err).WithContext("pid", pid)
	}

	usage := Usage{Timestamp: time.Now()}

	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		usage.MemoryRSS = int64(mem.RSS)
		usage.MemoryVirtual = int64(mem.VMS)
	}
	if percent, err := proc.MemoryPercentWithContext(ctx); err == nil {
		usage.MemoryPercent = float64(percent)
	}
	if percent, err := proc.CPUPercentWithContext(ctx); err == nil {
		usage.CPUPercent = percent
	}
	if times, err := proc.TimesWithContext(ctx); err == nil && times != nil {
		usage.CPUTime = times.User + times.System
	}
	if counters, err := proc.IOCountersWithContext(ctx); err == nil && counters != nil {
		usage.IOReadBytes = int64(counters.ReadBytes)
		usage.IOWriteBytes = int64(counters.WriteBytes)
	}
	if fds, err := proc.NumFDsWithContext(ctx); err == nil {
		usage.OpenFileDescriptors = int(fds)
	}
	if children, err := proc.ChildrenWithContext(ctx); err == nil {
		usage.ChildProcesses = len(children)
	}

	return usage, nil
}

type entry struct {
	pid        int
	limits     Limits
	lastUsage  *Usage
	violations []Violation
}

type ViolationCallback func(violation Violation)

// Manager tracks registered instances and their limits
type Manager struct {
	entries  map[string]*entry
	sampler  Sampler
	callback ViolationCallback
	logger   logging.Logger
	mutex    sync.RWMutex
}

func NewManager(sampler Sampler, logger logging.Logger) *Manager {
	if sampler == nil {
		sampler = ProcessSampler{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		entries: make(map[string]*entry),
		sampler: sampler,
		logger:  logger,
	}
}

// SetViolationCallback receives critical violations found by Run
func (m *Manager) SetViolationCallback(callback ViolationCallback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callback = callback
}

func (m *Manager) RegisterInstance(id string, pid int, limits Limits) error {
	if id == "" {
		return errors.NewValidationError("instance ID cannot be empty", nil)
	}
	if err := ValidateLimits(limits); err != nil {
		return errors.NewValidationError("invalid resource limits", err).WithContext("instance_id", id)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.entries[id]; exists {
		return errors.NewConflictError("instance already registered for resource tracking", nil).WithContext("instance_id", id)
	}
	m.entries[id] = &entry{pid: pid, limits: limits}

	m.logger.Debugf("Resource tracking registered, id: %s, pid: %d", id, pid)
	return nil
}

func (m *Manager) UnregisterInstance(id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.entries[id]; !exists {
		return errors.NewNotFoundError("instance not registered for resource tracking", nil).WithContext("instance_id", id)
	}
	delete(m.entries, id)

	m.logger.Debugf("Resource tracking unregistered, id: %s", id)
	return nil
}

func (m *Manager) GetLimits(id string) (Limits, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	e, exists := m.entries[id]
	if !exists {
		return Limits{}, errors.NewNotFoundError("instance not registered for resource tracking", nil).WithContext("instance_id", id)
	}
	return e.limits, nil
}

// GetUsage samples the instance's process. Sampling happens outside the lock.
func (m *Manager) GetUsage(ctx context.Context, id string) (Usage, error) {
	m.mutex.RLock()
	e, exists := m.entries[id]
	var pid int
	if exists {
		pid = e.pid
	}
	m.mutex.RUnlock()

	if !exists {
		return Usage{}, errors.NewNotFoundError("instance not registered for resource tracking", nil).WithContext("instance_id", id)
	}

	usage, err := m.sampler.Sample(ctx, pid)
	if err != nil {
		return Usage{}, errors.NewProcessError("failed to sample resource usage", err).WithContext("instance_id", id)
	}

	m.mutex.Lock()
	if current, ok := m.entries[id]; ok {
		current.lastUsage = &usage
	}
	m.mutex.Unlock()

	return usage, nil
}

// CheckViolations samples the instance and compares it against its limits
func (m *Manager) CheckViolations(ctx context.Context, id string) ([]Violation, error) {
	usage, err := m.GetUsage(ctx, id)
	if err != nil {
		return nil, err
	}
	limits, err := m.GetLimits(id)
	if err != nil {
		return nil, err
	}

	violations := CheckViolations(id, usage, limits)

	m.mutex.Lock()
	if current, ok := m.entries[id]; ok {
		current.violations = violations
	}
	m.mutex.Unlock()

	return violations, nil
}

// GetViolations returns the violations found by the last check
func (m *Manager) GetViolations(id string) []Violation {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if e, exists := m.entries[id]; exists {
		return append([]Violation(nil), e.violations...)
	}
	return nil
}

func (m *Manager) Instances() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if !e.limits.IsEmpty() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep checks every instance with limits and dispatches critical violations
func (m *Manager) Sweep(ctx context.Context) {
	m.mutex.RLock()
	callback := m.callback
	m.mutex.RUnlock()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(sweepConcurrency)

	for _, id := range m.Instances() {
		id := id
		group.Go(func() error {
			violations, err := m.CheckViolations(groupCtx, id)
			if err != nil {
				m.logger.Debugf("Resource check failed, id: %s, error: %v", id, err)
				return nil
			}
			for _, v := range violations {
				m.logger.Warnf("Resource violation, id: %s, severity: %s, message: %s", id, v.Severity, v.Message)
				if v.Severity == SeverityCritical && callback != nil {
					callback(v)
				}
			}
			return nil
		})
	}
	_ = group.Wait()
}

// Run sweeps on every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debugf("Resource violation loop stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
