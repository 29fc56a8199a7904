package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sandboxkernel/internal/audit"
	"sandboxkernel/internal/isolation"
	"sandboxkernel/internal/kernelerr"
	"sandboxkernel/internal/limits"
	"sandboxkernel/internal/registry"
	"sandboxkernel/internal/runtime"
	"sandboxkernel/internal/store"
	"sandboxkernel/internal/workspace"
)

// TestMain lets the test binary re-exec itself as a sandboxed child, the
// same trick cmd/kernel's main() uses, so Facade.Exec exercises the real
// Process Runtime instead of a stub.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == runtime.ChildEntrypointArg {
		if err := runtime.ChildEntrypoint(os.Args[2:]); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(context.Background(), "sqlite://"+filepath.Join(dir, "kernel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ws := workspace.New(filepath.Join(dir, "workspaces"), false)
	iso := isolation.NewBuilder(filepath.Join(dir, "cgroup"), isolation.Switches{DisableIsolation: true})
	reg := registry.New()
	runner := runtime.New()
	defaults := limits.DefaultDefaults().Normalize()

	return New(st, audit.NopLogger{}, ws, iso, reg, runner, defaults)
}

func TestFullLifecycle(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	sb, err := f.Create(ctx, "team-a", "box-1", "", limits.Maybe{})
	require.NoError(t, err)
	require.Equal(t, store.StatusCreated, sb.Status)

	sb, err = f.Start(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, sb.Status)

	exec, err := f.Exec(ctx, sb.ID, "echo", []string{"hello"}, nil, 0)
	require.NoError(t, err)
	require.NotNil(t, exec.ExitCode)
	require.Equal(t, 0, *exec.ExitCode)
	require.Contains(t, string(exec.Stdout), "hello")

	execs, err := f.ListExecutions(ctx, sb.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	sb, err = f.Stop(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusStopped, sb.Status)

	err = f.Delete(ctx, sb.ID)
	require.NoError(t, err)

	_, err = f.Get(ctx, sb.ID)
	require.True(t, kernelerr.Is(err, kernelerr.NotFound))
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.Create(ctx, "team-a", "box-1", "", limits.Maybe{})
	require.NoError(t, err)

	_, err = f.Create(ctx, "team-a", "box-1", "", limits.Maybe{})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.Conflict))
}

func TestCreateRejectsBadNamespace(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.Create(ctx, "Team_A!", "box-1", "", limits.Maybe{})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.InvalidInput))
}

func TestCreateRejectsUnimplementedRuntime(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.Create(ctx, "team-a", "box-1", "wasm", limits.Maybe{})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.InvalidInput))
}

func TestCreateRejectsOutOfRangeLimit(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	tooManyMillis := 64001
	_, err := f.Create(ctx, "team-a", "box-1", "", limits.Maybe{CPUMillis: &tooManyMillis})
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.InvalidInput))

	// A value one unit outside the legal interval must be rejected, not
	// clamped into range and silently persisted.
	sandboxes, err := f.List(ctx, "team-a")
	require.NoError(t, err)
	require.Empty(t, sandboxes)
}

func TestExecTimesOutAndReapsChild(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	timeoutSeconds := 1
	sb, err := f.Create(ctx, "team-a", "box-1", "", limits.Maybe{TimeoutSeconds: &timeoutSeconds})
	require.NoError(t, err)

	sb, err = f.Start(ctx, sb.ID)
	require.NoError(t, err)

	exec, err := f.Exec(ctx, sb.ID, "sleep", []string{"5"}, nil, 0)
	require.NoError(t, err)
	require.Nil(t, exec.ExitCode)
	require.True(t, exec.TimedOut)
	require.GreaterOrEqual(t, exec.DurationMs, int64(1000))

	// Exec only returns once terminateGracefully's SIGTERM/SIGKILL escalation
	// has observed the child exit via cmd.Wait(), so the runner's own
	// counters already reflect the reap.
	stats := f.runner.Stats()
	require.Equal(t, int64(1), stats.TimedOut+stats.Killed)
}

func TestExecRejectsWhenNotRunning(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	sb, err := f.Create(ctx, "team-a", "box-1", "", limits.Maybe{})
	require.NoError(t, err)

	_, err = f.Exec(ctx, sb.ID, "echo", []string{"hi"}, nil, 0)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.InvalidState))
}

func TestStopRejectsWhenNotRunning(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	sb, err := f.Create(ctx, "team-a", "box-1", "", limits.Maybe{})
	require.NoError(t, err)

	_, err = f.Stop(ctx, sb.ID)
	require.Error(t, err)
	require.True(t, kernelerr.Is(err, kernelerr.InvalidState))
}

func TestReconcileDowngradesRunningSandboxesOnRestart(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	sb, err := f.Create(ctx, "team-a", "box-1", "", limits.Maybe{})
	require.NoError(t, err)
	_, err = f.Start(ctx, sb.ID)
	require.NoError(t, err)

	// Simulate a fresh process: a new registry with no in-memory state,
	// sharing the same durable store and workspace root.
	fresh := New(f.store, audit.NopLogger{}, f.workspace, f.isolation, registry.New(), runtime.New(), f.defaults)
	require.NoError(t, fresh.Reconcile(ctx))

	got, err := fresh.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusStopped, got.Status)

	// The reconciled registry must accept a fresh Start; Transition would
	// reject EventStart from the stale in-memory Running state otherwise.
	_, err = fresh.Start(ctx, sb.ID)
	require.NoError(t, err)
}

func TestReconcileGarbageCollectsOrphanedWorkspaces(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.workspace.Provision("orphan-1", "process")
	require.NoError(t, err)
	require.True(t, f.workspace.Exists("orphan-1"))

	require.NoError(t, f.Reconcile(ctx))

	require.False(t, f.workspace.Exists("orphan-1"))
}

func TestReconcileMarksSandboxFailedWhenWorkspaceMissing(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	sb, err := f.Create(ctx, "team-a", "box-1", "", limits.Maybe{})
	require.NoError(t, err)

	require.NoError(t, f.workspace.Teardown(sb.ID))

	require.NoError(t, f.Reconcile(ctx))

	got, err := f.Get(ctx, sb.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
}
