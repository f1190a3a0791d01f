package manager

import (
	"sort"
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/automation"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/dependency"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/lifecycle"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/statemachine"
)

// Analytics is a point-in-time view across every component
type Analytics struct {
	GeneratedAt     time.Time            `json:"generated_at" yaml:"generated_at"`
	Running         bool                 `json:"running" yaml:"running"`
	Uptime          time.Duration        `json:"uptime" yaml:"uptime"`
	Instances       lifecycle.Metrics    `json:"instances" yaml:"instances"`
	States          statemachine.Metrics `json:"states" yaml:"states"`
	Dependencies    dependency.Analytics `json:"dependencies" yaml:"dependencies"`
	Policies        policy.Metrics       `json:"policies" yaml:"policies"`
	PolicyConflicts []policy.Conflict    `json:"policy_conflicts,omitempty" yaml:"policy_conflicts,omitempty"`
	Automation      automation.Metrics   `json:"automation" yaml:"automation"`
	Batches         batch.Metrics        `json:"batches" yaml:"batches"`
}

type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusStopped  HealthStatus = "stopped"
)

// HealthReport summarizes service health. The service is degraded while any
// instance is in the error state.
type HealthReport struct {
	Status           HealthStatus  `json:"status"`
	Running          bool          `json:"running"`
	Uptime           time.Duration `json:"uptime"`
	Instances        int           `json:"instances"`
	RunningInstances int           `json:"running_instances"`
	FailedInstances  []string      `json:"failed_instances,omitempty"`
	AuditEnabled     bool          `json:"audit_enabled"`
}

func (s *Service) GetLifecycleAnalytics() Analytics {
	return Analytics{
		GeneratedAt:     time.Now(),
		Running:         s.running.Load(),
		Uptime:          s.uptime(),
		Instances:       s.lifecycle.Metrics(),
		States:          s.machine.Metrics(),
		Dependencies:    s.resolver.Analytics(),
		Policies:        s.policies.Metrics(),
		PolicyConflicts: s.policies.DetectConflicts(),
		Automation:      s.automation.Metrics(),
		Batches:         s.batches.Metrics(),
	}
}

func (s *Service) Health() HealthReport {
	report := HealthReport{
		Status:       HealthStatusStopped,
		Running:      s.running.Load(),
		Uptime:       s.uptime(),
		AuditEnabled: s.audit != nil,
	}

	states := s.machine.GetAllStates()
	report.Instances = len(states)
	for id, state := range states {
		switch state {
		case statemachine.StateRunning:
			report.RunningInstances++
		case statemachine.StateError:
			report.FailedInstances = append(report.FailedInstances, id)
		}
	}

	sort.Strings(report.FailedInstances)

	if report.Running {
		report.Status = HealthStatusHealthy
		if len(report.FailedInstances) > 0 {
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

func (s *Service) uptime() time.Duration {
	if !s.running.Load() {
		return 0
	}
	return time.Since(time.Unix(0, s.startedAt.Load()))
}
