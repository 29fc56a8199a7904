package isolation

import (
	"os"
	"syscall"
)

// cloneFlags maps a Namespaces selection to the Cloneflags bitmask consumed
// by syscall.SysProcAttr, grounded on the pack's linuxSandbox.cloneFlags.
func cloneFlags(ns Namespaces) uintptr {
	var flags uintptr
	if ns.Mount {
		flags |= syscall.CLONE_NEWNS
	}
	if ns.PID {
		flags |= syscall.CLONE_NEWPID
	}
	if ns.UTS {
		flags |= syscall.CLONE_NEWUTS
	}
	if ns.IPC {
		flags |= syscall.CLONE_NEWIPC
	}
	if ns.Net {
		flags |= syscall.CLONE_NEWNET
	}
	if ns.User {
		flags |= syscall.CLONE_NEWUSER
	}
	return flags
}

// SysProcAttr builds the SysProcAttr for a sandboxed child: clone flags plus
// a uid/gid mapping when the user namespace is active, mapping the caller's
// real uid/gid to themselves inside the namespace (spec §4.D: the child
// process must not appear to run as a different host identity than the
// kernel itself).
func (p *Profile) SysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Cloneflags: p.CloneFlags}
	if !p.Namespaces.User {
		return attr
	}
	uid := os.Getuid()
	gid := os.Getgid()
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	return attr
}
