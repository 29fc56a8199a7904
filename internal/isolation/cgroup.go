package isolation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sandboxkernel/internal/logging"
)

// cpuPeriodUS is the cpu.max period, matching the kernel default.
const cpuPeriodUS = 100000

// Cgroup is a cgroup v2 subtree scoped to one sandbox, enforcing the
// CPU/memory/PID quotas named in spec §4.D. Grounded on the pack's
// cgroupManager (cgroup_linux.go), extended with cpu.max, which that
// reference left unset.
type Cgroup struct {
	path string
}

// newCgroup creates a cgroup v2 subtree under root for sandboxID and writes
// the quota's controller files. Returns an error (never nil, nil) when
// anything fails; callers decide whether that is fatal or a degrade signal
// per the caller's switches.
func newCgroup(root, sandboxID string, quota Quota) (*Cgroup, error) {
	if !cgroupsV2Available() {
		return nil, fmt.Errorf("cgroup v2 not available at %s", root)
	}

	cgroupPath := filepath.Join(root, "sandbox-"+sandboxID)
	if err := os.MkdirAll(cgroupPath, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", cgroupPath, err)
	}

	controllers := []string{}
	if quota.MemoryMiB > 0 {
		controllers = append(controllers, "+memory")
	}
	if quota.PIDsLimit > 0 {
		controllers = append(controllers, "+pids")
	}
	if quota.CPUMillis > 0 {
		controllers = append(controllers, "+cpu")
	}
	if err := enableControllers(root, controllers); err != nil {
		os.Remove(cgroupPath)
		return nil, fmt.Errorf("enable controllers: %w", err)
	}

	if quota.MemoryMiB > 0 {
		bytes := int64(quota.MemoryMiB) * 1024 * 1024
		if err := writeAttr(cgroupPath, "memory.max", strconv.FormatInt(bytes, 10)); err != nil {
			os.Remove(cgroupPath)
			return nil, err
		}
	}
	if quota.PIDsLimit > 0 {
		if err := writeAttr(cgroupPath, "pids.max", strconv.Itoa(quota.PIDsLimit)); err != nil {
			os.Remove(cgroupPath)
			return nil, err
		}
	}
	if quota.CPUMillis > 0 {
		// quota.CPUMillis is thousandths of a CPU; scale against a fixed
		// 100ms period to get a "<quota> <period>" pair in microseconds.
		quotaUS := quota.CPUMillis * cpuPeriodUS / 1000
		if err := writeAttr(cgroupPath, "cpu.max", fmt.Sprintf("%d %d", quotaUS, cpuPeriodUS)); err != nil {
			os.Remove(cgroupPath)
			return nil, err
		}
	}

	logging.S().Infow("cgroup created", "path", cgroupPath, "cpu_millis", quota.CPUMillis,
		"memory_mib", quota.MemoryMiB, "pids", quota.PIDsLimit)
	return &Cgroup{path: cgroupPath}, nil
}

// AddPID moves pid into this cgroup. The runtime calls it right after the
// child process has started, so the quota applies from the moment of the
// move, not from the child's first instruction.
func (c *Cgroup) AddPID(pid int) error {
	if c == nil {
		return nil
	}
	return writeAttr(c.path, "cgroup.procs", strconv.Itoa(pid))
}

// Destroy removes the cgroup directory. The kernel refuses to remove a
// cgroup with live processes in it, so callers must wait for the sandboxed
// process to exit first.
func (c *Cgroup) Destroy() error {
	if c == nil {
		return nil
	}
	return os.Remove(c.path)
}

func writeAttr(cgroupPath, attr, value string) error {
	p := filepath.Join(cgroupPath, attr)
	if err := os.WriteFile(p, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// enableControllers writes to root/cgroup.subtree_control, retrying once
// through a leaf cgroup on EBUSY: cgroup v2's "no internal processes" rule
// forbids enabling controllers in a subtree_control while root itself holds
// member processes directly.
func enableControllers(root string, controllers []string) error {
	if len(controllers) == 0 {
		return nil
	}
	payload := strings.Join(controllers, " ")
	controlPath := filepath.Join(root, "cgroup.subtree_control")

	err := os.WriteFile(controlPath, []byte(payload), 0o644)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "device or resource busy") {
		return err
	}

	leafPath := filepath.Join(root, "kernel-leaf")
	if err := os.MkdirAll(leafPath, 0o755); err != nil {
		return fmt.Errorf("create leaf cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(leafPath, "cgroup.procs"), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("move self to leaf cgroup: %w", err)
	}
	return os.WriteFile(controlPath, []byte(payload), 0o644)
}
