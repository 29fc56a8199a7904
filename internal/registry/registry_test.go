package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndTransitionLifecycle(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("sb-1"))

	state, ok := r.Get("sb-1")
	require.True(t, ok)
	require.Equal(t, Created, state)

	state, err := r.Transition("sb-1", EventStart, "")
	require.NoError(t, err)
	require.Equal(t, Running, state)

	state, err = r.Transition("sb-1", EventStop, "")
	require.NoError(t, err)
	require.Equal(t, Stopped, state)

	state, err = r.Transition("sb-1", EventDelete, "")
	require.NoError(t, err)
	require.Equal(t, Deleted, state)
}

func TestCreateDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("sb-1"))
	require.Error(t, r.Create("sb-1"))
}

func TestInvalidTransitionRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("sb-1"))
	_, err := r.Transition("sb-1", EventStop, "")
	require.Error(t, err)
}

func TestExecRequiresRunning(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("sb-1"))
	_, err := r.BeginExec("sb-1")
	require.Error(t, err)

	_, err = r.Transition("sb-1", EventStart, "")
	require.NoError(t, err)

	release, err := r.BeginExec("sb-1")
	require.NoError(t, err)
	release()
}

func TestErrorTransitionFromAnyNonTerminalState(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("sb-1"))
	state, err := r.Transition("sb-1", EventError, "boom")
	require.NoError(t, err)
	require.Equal(t, Failed, state)

	for _, from := range []State{Running, Stopped} {
		r.Seed("sb-1", from)
		state, err = r.Transition("sb-1", EventError, "boom")
		require.NoError(t, err)
		require.Equal(t, Failed, state)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	r := New()
	ch := r.Subscribe(4)
	defer r.Unsubscribe(ch)

	require.NoError(t, r.Create("sb-1"))
	tr := <-ch
	require.Equal(t, "sb-1", tr.SandboxID)
	require.Equal(t, Created, tr.ToState)
}

func TestReconcileRunningDowngradesToStoppedWithReason(t *testing.T) {
	r := New()
	ch := r.Subscribe(4)
	defer r.Unsubscribe(ch)

	r.Seed("sb-1", Running)
	r.ReconcileRunning("sb-1")

	state, ok := r.Get("sb-1")
	require.True(t, ok)
	require.Equal(t, Stopped, state)

	tr := <-ch
	require.Equal(t, "host_restart", tr.Reason)
	require.Equal(t, Running, tr.FromState)
	require.Equal(t, Stopped, tr.ToState)
}

func TestReconcileRunningIsNoopForNonRunningState(t *testing.T) {
	r := New()
	r.Seed("sb-1", Stopped)
	r.ReconcileRunning("sb-1")
	state, _ := r.Get("sb-1")
	require.Equal(t, Stopped, state)
}

func TestRemoveDeletesEntry(t *testing.T) {
	r := New()
	require.NoError(t, r.Create("sb-1"))
	r.Remove("sb-1")
	_, ok := r.Get("sb-1")
	require.False(t, ok)
}
