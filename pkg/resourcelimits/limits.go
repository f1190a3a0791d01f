package resourcelimits

import (
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

type LimitType string

const (
	LimitTypeMemory  LimitType = "memory"
	LimitTypeCPU     LimitType = "cpu"
	LimitTypeProcess LimitType = "process"
)

// Usage is a point-in-time resource sample of one instance
type Usage struct {
	Timestamp time.Time `json:"timestamp"`

	MemoryRSS     int64   `json:"memory_rss"`
	MemoryVirtual int64   `json:"memory_virtual"`
	MemoryPercent float64 `json:"memory_percent"`

	CPUPercent float64 `json:"cpu_percent"`
	CPUTime    float64 `json:"cpu_time"` // seconds

	IOReadBytes  int64 `json:"io_read_bytes"`
	IOWriteBytes int64 `json:"io_write_bytes"`

	OpenFileDescriptors int `json:"open_file_descriptors"`
	ChildProcesses      int `json:"child_processes"`
}

// AsMap flattens usage for policy resource conditions
func (u Usage) AsMap() map[string]float64 {
	return map[string]float64{
		"memory_rss":            float64(u.MemoryRSS),
		"memory_virtual":        float64(u.MemoryVirtual),
		"memory_percent":        u.MemoryPercent,
		"cpu_percent":           u.CPUPercent,
		"cpu_time":              u.CPUTime,
		"io_read_bytes":         float64(u.IOReadBytes),
		"io_write_bytes":        float64(u.IOWriteBytes),
		"open_file_descriptors": float64(u.OpenFileDescriptors),
		"child_processes":       float64(u.ChildProcesses),
	}
}

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Policy names the action to take on a critical violation
type Policy string

const (
	PolicyNone     Policy = "none"
	PolicyLog      Policy = "log"
	PolicyAlert    Policy = "alert"
	PolicyRestart  Policy = "restart"
	PolicyShutdown Policy = "graceful_shutdown"
)

type Violation struct {
	InstanceID   string      `json:"instance_id"`
	LimitType    LimitType   `json:"limit_type"`
	CurrentValue interface{} `json:"current_value"`
	LimitValue   interface{} `json:"limit_value"`
	Severity     Severity    `json:"severity"`
	Policy       Policy      `json:"policy,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Message      string      `json:"message"`
}

type MemoryLimits struct {
	MaxRSS           int64   `yaml:"max_rss,omitempty" json:"max_rss,omitempty"`
	MaxVirtual       int64   `yaml:"max_virtual,omitempty" json:"max_virtual,omitempty"`
	WarningThreshold float64 `yaml:"warning_threshold,omitempty" json:"warning_threshold,omitempty"` // percent of MaxRSS
	Policy           Policy  `yaml:"policy,omitempty" json:"policy,omitempty"`
}

type CPULimits struct {
	MaxPercent       float64       `yaml:"max_percent,omitempty" json:"max_percent,omitempty"`
	MaxTime          time.Duration `yaml:"max_time,omitempty" json:"max_time,omitempty"`
	WarningThreshold float64       `yaml:"warning_threshold,omitempty" json:"warning_threshold,omitempty"` // percent of MaxPercent
	Policy           Policy        `yaml:"policy,omitempty" json:"policy,omitempty"`
}

type ProcessLimits struct {
	MaxFileDescriptors int    `yaml:"max_file_descriptors,omitempty" json:"max_file_descriptors,omitempty"`
	MaxChildProcesses  int    `yaml:"max_child_processes,omitempty" json:"max_child_processes,omitempty"`
	Policy             Policy `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// Limits declares the resource budget of a plugin instance
type Limits struct {
	Memory  *MemoryLimits  `yaml:"memory,omitempty" json:"memory,omitempty"`
	CPU     *CPULimits     `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Process *ProcessLimits `yaml:"process,omitempty" json:"process,omitempty"`
}

func (l Limits) IsEmpty() bool {
	return l.Memory == nil && l.CPU == nil && l.Process == nil
}

func (l Limits) policyFor(limitType LimitType) Policy {
	switch limitType {
	case LimitTypeMemory:
		if l.Memory != nil {
			return l.Memory.Policy
		}
	case LimitTypeCPU:
		if l.CPU != nil {
			return l.CPU.Policy
		}
	case LimitTypeProcess:
		if l.Process != nil {
			return l.Process.Policy
		}
	}
	return ""
}

func ValidateLimits(limits Limits) error {
	if m := limits.Memory; m != nil {
		if m.MaxRSS < 0 || m.MaxVirtual < 0 {
			return errors.NewValidationError("memory limits cannot be negative", nil)
		}
		if m.WarningThreshold < 0 || m.WarningThreshold > 100 {
			return errors.NewValidationError("memory warning threshold must be between 0 and 100", nil)
		}
	}
	if c := limits.CPU; c != nil {
		if c.MaxPercent < 0 || c.MaxTime < 0 {
			return errors.NewValidationError("CPU limits cannot be negative", nil)
		}
		if c.WarningThreshold < 0 || c.WarningThreshold > 100 {
			return errors.NewValidationError("CPU warning threshold must be between 0 and 100", nil)
		}
	}
	if p := limits.Process; p != nil {
		if p.MaxFileDescriptors < 0 || p.MaxChildProcesses < 0 {
			return errors.NewValidationError("process limits cannot be negative", nil)
		}
	}
	return nil
}
