// Package isolation builds the IsolationProfile applied to a sandboxed
// child process: Linux namespaces, a cgroup v2 subtree, and a seccomp-BPF
// syscall filter (spec §4.D).
//
// Namespace/cgroup/seccomp mechanics are grounded on the pack's Linux
// sandbox example (linux.go / cgroup_linux.go), but the seccomp model is
// inverted from that example's denylist into spec §4.D's default-deny
// allow-list.
package isolation

import (
	"os"

	"sandboxkernel/internal/kernelerr"
)

// Namespaces selects which Linux namespaces to unshare for a sandbox.
// Each is individually toggleable by operator policy (spec §4.D).
type Namespaces struct {
	User  bool
	Mount bool
	PID   bool
	UTS   bool
	IPC   bool
	Net   bool
}

// Switches are the operator-level overrides named in spec §6.2.
type Switches struct {
	DisableNamespaces bool
	DisableCgroups    bool
	DisableIsolation  bool // debug only: skip D entirely
	EnableNamespaces  bool // force on even if heuristics fail
	EnableCgroups     bool
	NoFallback        bool // fail hard instead of degrading
}

// Profile is the fully-assembled IsolationProfile for one sandbox.
type Profile struct {
	Namespaces Namespaces
	CloneFlags uintptr
	Cgroup     *Cgroup // nil when cgroups are disabled/unavailable
	Seccomp    *SeccompFilter
	Degraded   bool // true when any part of the confinement (namespaces, cgroup, seccomp) is disabled or could not be applied
}

// Quota is the subset of ResourceLimits the isolation layer needs (avoids an
// import cycle with internal/limits; the Facade converts).
type Quota struct {
	CPUMillis int
	MemoryMiB int
	PIDsLimit int
}

// Builder assembles IsolationProfiles for a configured cgroup root.
type Builder struct {
	cgroupRoot string
	switches   Switches
}

func NewBuilder(cgroupRoot string, switches Switches) *Builder {
	return &Builder{cgroupRoot: cgroupRoot, switches: switches}
}

// Build assembles the IsolationProfile for sandboxID with the given quota.
// Failure to satisfy a forced-on switch, or any failure when NoFallback is
// set, is fatal (IsolationUnavailable); otherwise the profile degrades
// gracefully and Degraded is set, per spec §4.D.
func (b *Builder) Build(sandboxID string, quota Quota) (*Profile, error) {
	if b.switches.DisableIsolation {
		return &Profile{Degraded: true}, nil
	}

	profile := &Profile{}

	if !b.switches.DisableNamespaces {
		ns := defaultNamespaces()
		profile.Namespaces = ns
		profile.CloneFlags = cloneFlags(ns)
	} else if b.switches.EnableNamespaces {
		return nil, kernelerr.New(kernelerr.IsolationUnavailable, "namespaces disabled but enable_namespaces also set")
	} else {
		profile.Degraded = true
	}

	if !b.switches.DisableCgroups {
		cg, err := newCgroup(b.cgroupRoot, sandboxID, quota)
		if err != nil {
			if b.switches.EnableCgroups || b.switches.NoFallback {
				return nil, kernelerr.Wrap(kernelerr.IsolationUnavailable, "cgroup write failed", err)
			}
			profile.Degraded = true
		} else {
			profile.Cgroup = cg
		}
	}

	filter, err := buildAllowListFilter()
	if err != nil {
		if b.switches.NoFallback {
			return nil, kernelerr.Wrap(kernelerr.IsolationUnavailable, "seccomp install failed", err)
		}
		profile.Degraded = true
	} else {
		profile.Seccomp = filter
	}

	return profile, nil
}

// Teardown releases the cgroup subtree created for a profile, if any.
func (p *Profile) Teardown() error {
	if p.Cgroup == nil {
		return nil
	}
	return p.Cgroup.Destroy()
}

func defaultNamespaces() Namespaces {
	return Namespaces{User: true, Mount: true, PID: true, UTS: true, IPC: true, Net: true}
}

// cgroupsV2Available reports whether the host exposes cgroup v2.
func cgroupsV2Available() bool {
	_, err := os.Stat("/sys/fs/cgroup/cgroup.controllers")
	return err == nil
}
