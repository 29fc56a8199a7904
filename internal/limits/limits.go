// Package limits implements pure, stateless validation and normalization of
// per-sandbox resource quotas.
package limits

import (
	"fmt"

	"sandboxkernel/internal/kernelerr"
)

// ResourceLimits is the normalized quota attached to every Sandbox.
type ResourceLimits struct {
	CPUMillis      int `json:"cpu_millis" gorm:"column:cpu_millis"`
	MemoryMiB      int `json:"memory_mib" gorm:"column:memory_mib"`
	DiskMiB        int `json:"disk_mib" gorm:"column:disk_mib"`
	TimeoutSeconds int `json:"timeout_seconds" gorm:"column:timeout_seconds"`
}

// bound describes the closed interval and default for one limit field.
type bound struct {
	min, max, def int
}

var (
	cpuBound     = bound{min: 1, max: 64000, def: 2000}
	memBound     = bound{min: 16, max: 65536, def: 1024}
	diskBound    = bound{min: 16, max: 262144, def: 1024}
	timeoutBound = bound{min: 1, max: 86400, def: 120}
)

func (b bound) clamp(v int) int {
	if v < b.min {
		return b.min
	}
	if v > b.max {
		return b.max
	}
	return v
}

// Defaults is the process-wide default ResourceLimits, read once at startup
// from operator configuration and itself clamped to the legal intervals.
type Defaults struct {
	CPUMillis      int
	MemoryMiB      int
	DiskMiB        int
	TimeoutSeconds int
}

// DefaultDefaults returns the built-in defaults named in spec §3.1, used when
// the operator supplies none.
func DefaultDefaults() Defaults {
	return Defaults{
		CPUMillis:      cpuBound.def,
		MemoryMiB:      memBound.def,
		DiskMiB:        diskBound.def,
		TimeoutSeconds: timeoutBound.def,
	}
}

// Normalize clamps operator-supplied defaults to the legal intervals. Called
// once at startup so a misconfigured default can never itself be out of
// range.
func (d Defaults) Normalize() Defaults {
	return Defaults{
		CPUMillis:      cpuBound.clamp(d.CPUMillis),
		MemoryMiB:      memBound.clamp(d.MemoryMiB),
		DiskMiB:        diskBound.clamp(d.DiskMiB),
		TimeoutSeconds: timeoutBound.clamp(d.TimeoutSeconds),
	}
}

// Maybe carries caller-supplied overrides; a nil pointer field means
// "use the default".
type Maybe struct {
	CPUMillis      *int
	MemoryMiB      *int
	DiskMiB        *int
	TimeoutSeconds *int
}

// Normalize fills missing fields from defaults and clamps every field to its
// legal interval. An unparseable caller value should be rejected by the
// caller before this is reached (e.g. a non-numeric string) by returning
// InvalidInput; Normalize itself only clamps already-parsed integers.
func Normalize(maybe Maybe, defaults Defaults) (ResourceLimits, error) {
	defaults = defaults.Normalize()

	out := ResourceLimits{
		CPUMillis:      defaults.CPUMillis,
		MemoryMiB:      defaults.MemoryMiB,
		DiskMiB:        defaults.DiskMiB,
		TimeoutSeconds: defaults.TimeoutSeconds,
	}

	if maybe.CPUMillis != nil {
		out.CPUMillis = cpuBound.clamp(*maybe.CPUMillis)
	}
	if maybe.MemoryMiB != nil {
		out.MemoryMiB = memBound.clamp(*maybe.MemoryMiB)
	}
	if maybe.DiskMiB != nil {
		out.DiskMiB = diskBound.clamp(*maybe.DiskMiB)
	}
	if maybe.TimeoutSeconds != nil {
		out.TimeoutSeconds = timeoutBound.clamp(*maybe.TimeoutSeconds)
	}

	return out, nil
}

// ValidateRaw rejects a limit value that falls strictly outside its legal
// interval before clamping — used by callers (the Facade) that want to
// distinguish "clamped" from "rejected" per spec §8's boundary-behavior
// tests ("one unit outside is InvalidInput").
func ValidateRaw(field string, value int) error {
	var b bound
	switch field {
	case "cpu_millis":
		b = cpuBound
	case "memory_mib":
		b = memBound
	case "disk_mib":
		b = diskBound
	case "timeout_seconds":
		b = timeoutBound
	default:
		return kernelerr.New(kernelerr.InvalidInput, fmt.Sprintf("unknown limit field %q", field))
	}
	if value < b.min || value > b.max {
		return kernelerr.New(kernelerr.InvalidInput,
			fmt.Sprintf("%s=%d out of range [%d,%d]", field, value, b.min, b.max))
	}
	return nil
}
