// Package config loads and validates the kernel's operator-facing
// configuration (spec §6.2).
//
// Grounded on the teacher's cmd/main.go (godotenv fallback chain) and
// config.SecretsConfig/DefaultSecretRequirements (a table of named
// requirements, each with a validator run before startup proceeds) — kept
// for the one secret the kernel actually owns, audit_hmac_key (or, for
// operators who prefer a memorable passphrase over a generated base64
// secret, audit_hmac_passphrase/audit_hmac_salt, resolved in
// resolveAuditHMACKey), instead of the teacher's JWT/Stripe/database-URL
// table.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"sandboxkernel/internal/isolation"
	"sandboxkernel/internal/kernelerr"
	"sandboxkernel/internal/limits"
	"sandboxkernel/internal/secrets"
)

// Config is every operator-supplied value named in spec §6.2.
type Config struct {
	WorkspaceRoot string
	CgroupRoot    string

	AuditLogPath string
	AuditEnabled bool
	AuditHMACKey []byte // nil when AuditEnabled is false or no key was configured

	Defaults limits.Defaults

	Isolation isolation.Switches

	DBDSN string
}

// requirement is one named, validated configuration key, grounded on the
// teacher's SecretRequirement table.
type requirement struct {
	key       string
	required  bool
	validator func(string) error
}

// Load reads .env (falling back to ../.env, matching the teacher's
// cmd/main.go), then the process environment, and returns a validated
// Config. Every key accepts both its canonical lowercase-with-underscore
// form and an upper-cased form for shell ergonomics (SPEC_FULL.md §6).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			// No .env file is not fatal; operators may configure purely
			// through the environment.
		}
	}

	cfg := &Config{
		WorkspaceRoot: getEnv("workspace_root", "./.workspaces"),
		CgroupRoot:    getEnv("cgroup_root", "/sys/fs/cgroup/sandbox"),
		AuditLogPath:  getEnv("audit_log_path", "./logs/audit.jsonl"),
		AuditEnabled:  getBool("audit_enabled", false),
		DBDSN:         getEnv("db_dsn", ""),
	}

	defaults := limits.DefaultDefaults()
	defaults.CPUMillis = getInt("default_cpu_millis", defaults.CPUMillis)
	defaults.MemoryMiB = getInt("default_memory_mib", defaults.MemoryMiB)
	defaults.DiskMiB = getInt("default_disk_mib", defaults.DiskMiB)
	defaults.TimeoutSeconds = getInt("default_timeout_seconds", defaults.TimeoutSeconds)
	cfg.Defaults = defaults.Normalize()

	cfg.Isolation = isolation.Switches{
		DisableNamespaces: getBool("isolation_disable_namespaces", false),
		DisableCgroups:    getBool("isolation_disable_cgroups", false),
		DisableIsolation:  getBool("isolation_disable", false),
		EnableNamespaces:  getBool("isolation_enable_namespaces", false),
		EnableCgroups:     getBool("isolation_enable_cgroups", false),
		NoFallback:        getBool("isolation_no_fallback", false),
	}

	requirements := []requirement{
		{key: "db_dsn", required: true, validator: validateNonEmpty},
	}
	if cfg.AuditEnabled && getEnv("audit_hmac_key", "") != "" {
		requirements = append(requirements, requirement{key: "audit_hmac_key", required: false, validator: validateHMACKey})
	}

	var missing, invalid []string
	for _, req := range requirements {
		value := getEnv(req.key, "")
		if value == "" {
			if req.required {
				missing = append(missing, req.key)
			}
			continue
		}
		if req.validator != nil {
			if err := req.validator(value); err != nil {
				invalid = append(invalid, fmt.Sprintf("%s: %v", req.key, err))
			}
		}
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return nil, kernelerr.New(kernelerr.InvalidInput, fmt.Sprintf(
			"configuration validation failed: missing=%v invalid=%v", missing, invalid))
	}

	if cfg.AuditEnabled {
		key, err := resolveAuditHMACKey()
		if err != nil {
			return nil, err
		}
		cfg.AuditHMACKey = key
	}

	return cfg, nil
}

// resolveAuditHMACKey prefers an operator-supplied raw key (audit_hmac_key)
// and falls back to deriving one from a passphrase and a fixed salt
// (audit_hmac_passphrase / audit_hmac_salt), for deployments that would
// rather manage a memorable passphrase than a generated base64 secret. The
// salt must stay stable across restarts or previously-signed audit lines
// become unverifiable, so both must be supplied together.
func resolveAuditHMACKey() ([]byte, error) {
	if raw := getEnv("audit_hmac_key", ""); raw != "" {
		key, err := secrets.DecodeKey(raw)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.InvalidInput, "decode audit_hmac_key", err)
		}
		return key, nil
	}

	passphrase := getEnv("audit_hmac_passphrase", "")
	if passphrase == "" {
		return nil, nil
	}
	salt := getEnv("audit_hmac_salt", "")
	if salt == "" {
		return nil, kernelerr.New(kernelerr.InvalidInput,
			"audit_hmac_salt is required when audit_hmac_passphrase is set")
	}
	return secrets.DeriveKeyFromPassphrase(passphrase, salt), nil
}

func validateNonEmpty(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

func validateHMACKey(v string) error {
	_, err := secrets.DecodeKey(v)
	return err
}

// getEnv reads key (lowercase-with-underscore form) falling back to its
// upper-cased form, then def.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := os.Getenv(strings.ToUpper(key)); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 || parsed > math.MaxInt32 {
		return def
	}
	return parsed
}
