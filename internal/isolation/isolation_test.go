package isolation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sandboxkernel/internal/kernelerr"
)

func TestBuildDisableIsolationShortCircuits(t *testing.T) {
	b := NewBuilder("/sys/fs/cgroup", Switches{DisableIsolation: true})
	p, err := b.Build("demo", Quota{CPUMillis: 1000, MemoryMiB: 256, PIDsLimit: 32})
	require.NoError(t, err)
	require.True(t, p.Degraded)
	require.Nil(t, p.Cgroup)
}

func TestBuildDisableNamespacesDegradesByDefault(t *testing.T) {
	b := NewBuilder("/nonexistent-cgroup-root", Switches{DisableNamespaces: true, DisableCgroups: true})
	p, err := b.Build("demo", Quota{})
	require.NoError(t, err)
	require.True(t, p.Degraded)
	require.Zero(t, p.CloneFlags)
}

func TestBuildDisableNamespacesFatalWhenEnableForced(t *testing.T) {
	b := NewBuilder("/nonexistent-cgroup-root", Switches{DisableNamespaces: true, EnableNamespaces: true})
	_, err := b.Build("demo", Quota{})
	require.Error(t, err)
	require.Equal(t, kernelerr.IsolationUnavailable, kernelerr.KindOf(err))
}

func TestBuildCgroupFailureFatalWithNoFallback(t *testing.T) {
	// /proc is read-only: MkdirAll under it fails deterministically
	// regardless of whether the host actually has cgroup v2 mounted.
	b := NewBuilder("/proc/isolation-test-cgroup-root", Switches{DisableNamespaces: true, NoFallback: true})
	_, err := b.Build("demo", Quota{MemoryMiB: 128})
	require.Error(t, err)
	require.Equal(t, kernelerr.IsolationUnavailable, kernelerr.KindOf(err))
}

func TestTeardownNilCgroupIsNoop(t *testing.T) {
	p := &Profile{}
	require.NoError(t, p.Teardown())
}
