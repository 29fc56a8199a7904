package store

import "strings"

// isUniqueViolation recognizes a unique-constraint failure across both
// backing engines without importing their driver-specific error types —
// sqlite's error text ("UNIQUE constraint failed") and Postgres's
// ("duplicate key value violates unique constraint") are both substring
// matched, mirroring the teacher's own error-string inspection style (see
// enableControllers' EBUSY handling in the isolation package's cgroup.go).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
