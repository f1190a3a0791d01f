package resourcelimits

import (
	"fmt"
	"time"
)

// CheckViolations compares a usage sample against limits. Critical violations
// carry the policy configured for their limit type.
func CheckViolations(instanceID string, usage Usage, limits Limits) []Violation {
	now := usage.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	var violations []Violation
	add := func(limitType LimitType, severity Severity, current, limit interface{}, message string) {
		v := Violation{
			InstanceID:   instanceID,
			LimitType:    limitType,
			CurrentValue: current,
			LimitValue:   limit,
			Severity:     severity,
			Timestamp:    now,
			Message:      message,
		}
		if severity == SeverityCritical {
			v.Policy = limits.policyFor(limitType)
		}
		violations = append(violations, v)
	}

	if m := limits.Memory; m != nil {
		switch {
		case m.MaxRSS > 0 && usage.MemoryRSS > m.MaxRSS:
			add(LimitTypeMemory, SeverityCritical, usage.MemoryRSS, m.MaxRSS,
				fmt.Sprintf("Memory RSS (%d bytes) exceeds limit (%d bytes)", usage.MemoryRSS, m.MaxRSS))
		case m.MaxRSS > 0 && m.WarningThreshold > 0 && float64(usage.MemoryRSS) > float64(m.MaxRSS)*m.WarningThreshold/100:
			warning := int64(float64(m.MaxRSS) * m.WarningThreshold / 100)
			add(LimitTypeMemory, SeverityWarning, usage.MemoryRSS, warning,
				fmt.Sprintf("Memory RSS (%d bytes) exceeds warning threshold (%d bytes)", usage.MemoryRSS, warning))
		}
		if m.MaxVirtual > 0 && usage.MemoryVirtual > m.MaxVirtual {
			add(LimitTypeMemory, SeverityCritical, usage.MemoryVirtual, m.MaxVirtual,
				fmt.Sprintf("Virtual memory (%d bytes) exceeds limit (%d bytes)", usage.MemoryVirtual, m.MaxVirtual))
		}
	}

	if c := limits.CPU; c != nil {
		switch {
		case c.MaxPercent > 0 && usage.CPUPercent > c.MaxPercent:
			add(LimitTypeCPU, SeverityCritical, usage.CPUPercent, c.MaxPercent,
				fmt.Sprintf("CPU usage (%.1f%%) exceeds limit (%.1f%%)", usage.CPUPercent, c.MaxPercent))
		case c.MaxPercent > 0 && c.WarningThreshold > 0 && usage.CPUPercent > c.MaxPercent*c.WarningThreshold/100:
			warning := c.MaxPercent * c.WarningThreshold / 100
			add(LimitTypeCPU, SeverityWarning, usage.CPUPercent, warning,
				fmt.Sprintf("CPU usage (%.1f%%) exceeds warning threshold (%.1f%%)", usage.CPUPercent, warning))
		}
		if c.MaxTime > 0 && time.Duration(usage.CPUTime*float64(time.Second)) > c.MaxTime {
			add(LimitTypeCPU, SeverityCritical, usage.CPUTime, c.MaxTime.Seconds(),
				fmt.Sprintf("CPU time (%.1fs) exceeds limit (%v)", usage.CPUTime, c.MaxTime))
		}
	}

	if p := limits.Process; p != nil {
		if p.MaxFileDescriptors > 0 && usage.OpenFileDescriptors > p.MaxFileDescriptors {
			add(LimitTypeProcess, SeverityCritical, usage.OpenFileDescriptors, p.MaxFileDescriptors,
				fmt.Sprintf("Open file descriptors (%d) exceeds limit (%d)", usage.OpenFileDescriptors, p.MaxFileDescriptors))
		}
		if p.MaxChildProcesses > 0 && usage.ChildProcesses > p.MaxChildProcesses {
			add(LimitTypeProcess, SeverityCritical, usage.ChildProcesses, p.MaxChildProcesses,
				fmt.Sprintf("Child processes (%d) exceeds limit (%d)", usage.ChildProcesses, p.MaxChildProcesses))
		}
	}

	return violations
}
