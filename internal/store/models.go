package store

import (
	"time"

	"sandboxkernel/internal/limits"
)

// SandboxStatus mirrors the Sandbox Registry's state machine states, kept
// here too since the store persists status independently of the in-memory
// registry (see spec §3.2: the registry is a short-lived view, the store
// owns durable state).
type SandboxStatus string

const (
	StatusCreated SandboxStatus = "created"
	StatusRunning SandboxStatus = "running"
	StatusStopped SandboxStatus = "stopped"
	StatusDeleted SandboxStatus = "deleted"
	StatusFailed  SandboxStatus = "failed"
)

// Sandbox is the durable record for one sandbox.
type Sandbox struct {
	ID             string        `gorm:"column:id;primaryKey"`
	Namespace      string        `gorm:"column:namespace;index:idx_ns_name,unique"`
	Name           string        `gorm:"column:name;index:idx_ns_name,unique"`
	Runtime        string        `gorm:"column:runtime"`
	Status         SandboxStatus `gorm:"column:status"`
	Limits         limits.ResourceLimits `gorm:"embedded"`
	WorkspacePath  string        `gorm:"column:workspace_path"`
	OverlayEnabled bool          `gorm:"column:overlay_enabled"`
	CreatedAt      time.Time     `gorm:"column:created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at"`
	LastStartedAt  *time.Time    `gorm:"column:last_started_at"`
	LastStoppedAt  *time.Time    `gorm:"column:last_stopped_at"`
}

func (Sandbox) TableName() string { return "sandboxes" }

// Execution is the durable, immutable record of one exec inside a sandbox.
type Execution struct {
	ID              string    `gorm:"column:id;primaryKey"`
	SandboxID       string    `gorm:"column:sandbox_id;index"`
	Command         string    `gorm:"column:command"`
	ArgsJSON        string    `gorm:"column:args"`
	ExecutedAt      time.Time `gorm:"column:executed_at"`
	ExitCode        *int      `gorm:"column:exit_code"`
	Stdout          string    `gorm:"column:stdout"`
	StdoutTruncated bool      `gorm:"column:stdout_truncated"`
	Stderr          string    `gorm:"column:stderr"`
	StderrTruncated bool      `gorm:"column:stderr_truncated"`
	DurationMs      int64     `gorm:"column:duration_ms"`
	TimedOut        bool      `gorm:"column:timed_out"`
	Cancelled       bool      `gorm:"column:cancelled"`
	RusageMaxRSSKb  *int64    `gorm:"column:rusage_max_rss_kb"`
	RusageUserMs    *int64    `gorm:"column:rusage_user_ms"`
	RusageSystemMs  *int64    `gorm:"column:rusage_system_ms"`
}

func (Execution) TableName() string { return "executions" }

// AuditEventRecord is the durable mirror of each line appended to the JSONL
// audit log (see internal/audit). The store keeps its own copy so the
// Metadata Store invariant in spec §8.3 ("exactly one matching AuditEvent
// exists in the log and in the store") can be checked independently of the
// filesystem.
type AuditEventRecord struct {
	ID         string    `gorm:"column:id;primaryKey"`
	RecordedAt time.Time `gorm:"column:recorded_at"`
	EventType  string    `gorm:"column:event_type"`
	Actor      *string   `gorm:"column:actor"`
	Namespace  string    `gorm:"column:namespace;index"`
	PayloadJSON string   `gorm:"column:payload"`
	Signature  *string   `gorm:"column:signature"`
}

func (AuditEventRecord) TableName() string { return "audit_events" }

// RotationOutboxEntry is the durable webhook payload inserted by an external
// key service in the same transaction as its own key-table mutation (spec
// §6.5). The kernel never interprets payload.
type RotationOutboxEntry struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	PayloadJSON string  `gorm:"column:payload"`
	Signature string    `gorm:"column:signature"`
	Delivered bool      `gorm:"column:delivered"`
}

func (RotationOutboxEntry) TableName() string { return "rotation_outbox" }
