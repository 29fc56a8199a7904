package limits

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestNormalizeFillsDefaults(t *testing.T) {
	got, err := Normalize(Maybe{}, DefaultDefaults())
	require.NoError(t, err)
	require.Equal(t, ResourceLimits{
		CPUMillis:      2000,
		MemoryMiB:      1024,
		DiskMiB:        1024,
		TimeoutSeconds: 120,
	}, got)
}

func TestNormalizeClampsOutOfRange(t *testing.T) {
	got, err := Normalize(Maybe{
		CPUMillis: intp(999999),
		MemoryMiB: intp(0),
	}, DefaultDefaults())
	require.NoError(t, err)
	require.Equal(t, 64000, got.CPUMillis)
	require.Equal(t, 16, got.MemoryMiB)
}

func TestValidateRawBoundaries(t *testing.T) {
	require.NoError(t, ValidateRaw("cpu_millis", 1))
	require.NoError(t, ValidateRaw("cpu_millis", 64000))
	require.Error(t, ValidateRaw("cpu_millis", 0))
	require.Error(t, ValidateRaw("cpu_millis", 64001))
}

func TestDefaultsNormalizeClampsMisconfiguredDefault(t *testing.T) {
	d := Defaults{CPUMillis: -5, MemoryMiB: 999999, DiskMiB: 1024, TimeoutSeconds: 120}.Normalize()
	require.Equal(t, 1, d.CPUMillis)
	require.Equal(t, 65536, d.MemoryMiB)
}
