package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeID(t *testing.T) {
	require.Equal(t, "abc-123_x", SanitizeID("ABC-123_x"))
	require.Equal(t, "a--b", SanitizeID("a/.b"))
}

func TestProvisionCreatesLayoutAndTeardownIsIdempotent(t *testing.T) {
	root := t.TempDir()
	m := New(root, false)

	ws, err := m.Provision("demo-id", "process")
	require.NoError(t, err)

	for _, dir := range []string{ws.Lower, ws.Upper, ws.Work} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}

	require.NoError(t, m.Teardown("demo-id"))
	_, err = os.Stat(filepath.Join(root, "demo-id"))
	require.True(t, os.IsNotExist(err))

	// Idempotent: tearing down a workspace that no longer exists succeeds.
	require.NoError(t, m.Teardown("demo-id"))
}

func TestProvisionRejectsDuplicate(t *testing.T) {
	root := t.TempDir()
	m := New(root, false)

	_, err := m.Provision("dup", "process")
	require.NoError(t, err)

	_, err = m.Provision("dup", "process")
	require.Error(t, err)
}
