package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestCappedBufferTruncatesAtLimit(t *testing.T) {
	buf := &cappedBuffer{limit: 8}
	n, err := buf.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 10, n) // Write always reports the full length consumed.
	require.Equal(t, []byte("01234567"), buf.bytes)
	require.True(t, buf.truncated)
}

func TestCappedBufferUntouchedUnderLimit(t *testing.T) {
	buf := &cappedBuffer{limit: 1024}
	_, err := buf.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), buf.bytes)
	require.False(t, buf.truncated)
}

func TestSanitizedEnvAlwaysIncludesBaseVars(t *testing.T) {
	env := sanitizedEnv("sb-1", map[string]string{"LANG": "C"})
	require.Contains(t, env, "SANDBOX_ID=sb-1")
	require.Contains(t, env, "HOME=/")
	require.Contains(t, env, "LANG=C")
}

func TestStatsSnapshotStartsZero(t *testing.T) {
	r := New()
	s := r.Stats()
	require.Zero(t, s.Total)
	require.Zero(t, s.Success)
	require.Zero(t, s.Failed)
	require.Zero(t, s.TimedOut)
	require.Zero(t, s.Killed)
}

func TestChildEntrypointRejectsMissingSeparator(t *testing.T) {
	err := ChildEntrypoint([]string{"sb-1", "echo", "hi"})
	require.Error(t, err)
}

func TestChildEntrypointRejectsMissingCommand(t *testing.T) {
	err := ChildEntrypoint([]string{"sb-1", "--"})
	require.Error(t, err)
}

func TestUnlimitedRunnerHasNoLimiter(t *testing.T) {
	r := New()
	require.Nil(t, r.limiterFor("sb-1"))
}

func TestLimitedRunnerGivesEachSandboxItsOwnBucket(t *testing.T) {
	r := NewLimited(rate.Limit(1), 1)
	l1 := r.limiterFor("sb-1")
	l2 := r.limiterFor("sb-2")
	require.NotNil(t, l1)
	require.NotNil(t, l2)
	require.NotSame(t, l1, l2)
	require.Same(t, l1, r.limiterFor("sb-1"))
}

func TestForgetLimiterDropsBucket(t *testing.T) {
	r := NewLimited(rate.Limit(1), 1)
	first := r.limiterFor("sb-1")
	r.ForgetLimiter("sb-1")
	second := r.limiterFor("sb-1")
	require.NotSame(t, first, second)
}
