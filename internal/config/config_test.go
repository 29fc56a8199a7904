package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sandboxkernel/internal/secrets"
)

var configKeys = []string{
	"workspace_root", "cgroup_root", "audit_log_path", "audit_enabled",
	"audit_hmac_key", "audit_hmac_passphrase", "audit_hmac_salt",
	"default_cpu_millis", "default_memory_mib",
	"default_disk_mib", "default_timeout_seconds", "isolation_disable",
	"isolation_disable_namespaces", "isolation_disable_cgroups",
	"isolation_enable_namespaces", "isolation_enable_cgroups",
	"isolation_no_fallback", "db_dsn",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		os.Unsetenv(k)
		os.Unsetenv(strings.ToUpper(k))
	}
}

func TestLoadFailsWithoutDBDSN(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("db_dsn", "sqlite://test.db")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "./.workspaces", cfg.WorkspaceRoot)
	require.Equal(t, "/sys/fs/cgroup/sandbox", cfg.CgroupRoot)
	require.False(t, cfg.AuditEnabled)
	require.Equal(t, 2000, cfg.Defaults.CPUMillis)
}

func TestLoadAcceptsUppercaseForm(t *testing.T) {
	clearEnv(t)
	os.Setenv("DB_DSN", "sqlite://test.db")
	os.Setenv("WORKSPACE_ROOT", "/var/kernel/workspaces")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/var/kernel/workspaces", cfg.WorkspaceRoot)
}

func TestLoadClampsOutOfRangeDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("db_dsn", "sqlite://test.db")
	os.Setenv("default_cpu_millis", "999999999")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 64000, cfg.Defaults.CPUMillis)
}

func TestLoadDecodesAuditHMACKeyWhenEnabled(t *testing.T) {
	clearEnv(t)
	key := make([]byte, 32)
	encoded := secrets.EncodeKey(key)
	os.Setenv("db_dsn", "sqlite://test.db")
	os.Setenv("audit_enabled", "true")
	os.Setenv("audit_hmac_key", encoded)
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.AuditEnabled)
	require.Len(t, cfg.AuditHMACKey, 32)
	require.Equal(t, key, cfg.AuditHMACKey)
}

func TestLoadDerivesAuditHMACKeyFromPassphrase(t *testing.T) {
	clearEnv(t)
	os.Setenv("db_dsn", "sqlite://test.db")
	os.Setenv("audit_enabled", "true")
	os.Setenv("audit_hmac_passphrase", "correct horse battery staple")
	os.Setenv("audit_hmac_salt", "fixed-operator-salt")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.AuditHMACKey, 32)
	require.Equal(t,
		secrets.DeriveKeyFromPassphrase("correct horse battery staple", "fixed-operator-salt"),
		cfg.AuditHMACKey)
}

func TestLoadRejectsPassphraseWithoutSalt(t *testing.T) {
	clearEnv(t)
	os.Setenv("db_dsn", "sqlite://test.db")
	os.Setenv("audit_enabled", "true")
	os.Setenv("audit_hmac_passphrase", "correct horse battery staple")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
}

func TestLoadPrefersRawKeyOverPassphrase(t *testing.T) {
	clearEnv(t)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	os.Setenv("db_dsn", "sqlite://test.db")
	os.Setenv("audit_enabled", "true")
	os.Setenv("audit_hmac_key", secrets.EncodeKey(key))
	os.Setenv("audit_hmac_passphrase", "should be ignored")
	os.Setenv("audit_hmac_salt", "should be ignored too")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, key, cfg.AuditHMACKey)
}

func TestLoadRejectsMalformedAuditHMACKey(t *testing.T) {
	clearEnv(t)
	os.Setenv("db_dsn", "sqlite://test.db")
	os.Setenv("audit_enabled", "true")
	os.Setenv("audit_hmac_key", "not-valid-base64!!!")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
}

func TestLoadIsolationSwitches(t *testing.T) {
	clearEnv(t)
	os.Setenv("db_dsn", "sqlite://test.db")
	os.Setenv("isolation_no_fallback", "true")
	os.Setenv("isolation_disable_cgroups", "1")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Isolation.NoFallback)
	require.True(t, cfg.Isolation.DisableCgroups)
	require.False(t, cfg.Isolation.DisableNamespaces)
}
