package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"sandboxkernel/internal/kernelerr"
	"sandboxkernel/internal/logging"
)

// Store is the kernel's durable Metadata Store (spec §4.F). It owns exactly
// one backing relational engine, chosen at construction time by inspecting
// the DSN, mirroring the teacher's database.Manager dispatch pattern.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured DSN, selects the engine, applies pending
// migrations (tolerating re-application), and returns a ready Store.
// Grounded on db.NewDatabase's gorm.Open + connection-pool tuning and
// database.MigrationRunner's idempotent Up().
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, kernelerr.New(kernelerr.StorageError, "db_dsn is required")
	}

	runner, err := newMigrationRunner(dsn)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, "construct migration runner", err)
	}
	defer runner.close()

	if err := runner.run(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, "apply migrations", err)
	}

	var dialector gorm.Dialector
	switch detectEngine(dsn) {
	case enginePostgres:
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(sqliteDSN(dsn))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, "open database", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	logging.S().Infow("metadata store ready", "engine", string(detectEngine(dsn)))

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health reports whether the store can still reach its backing engine.
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return kernelerr.Wrap(kernelerr.StorageError, "get sql.DB", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return kernelerr.Wrap(kernelerr.StorageError, "ping", err)
	}
	return nil
}

// InsertSandbox persists a new sandbox record. Fails with Conflict if
// (namespace, name) already exists.
func (s *Store) InsertSandbox(ctx context.Context, sb *Sandbox) error {
	err := s.db.WithContext(ctx).Create(sb).Error
	if err != nil {
		if isUniqueViolation(err) {
			return kernelerr.Wrap(kernelerr.Conflict,
				fmt.Sprintf("sandbox %s/%s already exists", sb.Namespace, sb.Name), err)
		}
		return kernelerr.Wrap(kernelerr.StorageError, "insert sandbox", err)
	}
	return nil
}

// GetSandbox fetches one sandbox by id.
func (s *Store) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, kernelerr.New(kernelerr.NotFound, fmt.Sprintf("sandbox %s", id))
		}
		return nil, kernelerr.Wrap(kernelerr.StorageError, "get sandbox", err)
	}
	return &sb, nil
}

// UpdateSandboxStatus transitions a sandbox's durable status and timestamp
// bookkeeping as a single update.
func (s *Store) UpdateSandboxStatus(ctx context.Context, id string, status SandboxStatus, touch map[string]any) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range touch {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&Sandbox{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return kernelerr.Wrap(kernelerr.StorageError, "update sandbox status", res.Error)
	}
	if res.RowsAffected == 0 {
		return kernelerr.New(kernelerr.NotFound, fmt.Sprintf("sandbox %s", id))
	}
	return nil
}

// DeleteSandbox removes a sandbox and its executions inside one
// transaction. rotation_outbox rows carry no sandbox reference and are not
// touched.
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sandbox_id = ?", id).Delete(&Execution{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Sandbox{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return kernelerr.New(kernelerr.NotFound, fmt.Sprintf("sandbox %s", id))
		}
		return nil
	})
}

// ListSandboxes lists sandboxes in a namespace, newest first.
func (s *Store) ListSandboxes(ctx context.Context, namespace string) ([]Sandbox, error) {
	var out []Sandbox
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, "list sandboxes", err)
	}
	return out, nil
}

// AppendExecution persists an immutable execution record.
func (s *Store) AppendExecution(ctx context.Context, rec *Execution) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return kernelerr.Wrap(kernelerr.StorageError, "append execution", err)
	}
	return nil
}

// ListExecutions returns up to limit (capped at 100) executions for a
// sandbox, newest first.
func (s *Store) ListExecutions(ctx context.Context, sandboxID string, limit int) ([]Execution, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []Execution
	err := s.db.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, "list executions", err)
	}
	return out, nil
}

// AppendAudit inserts the durable mirror of an audit event. Insertion is a
// no-op (not an error) if the id already exists, satisfying the
// dedup-by-id idempotence law in spec §8.
func (s *Store) AppendAudit(ctx context.Context, rec *AuditEventRecord) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
	if err != nil && !isUniqueViolation(err) {
		return kernelerr.Wrap(kernelerr.AuditError, "append audit record", err)
	}
	return nil
}

// InsertRotationEvent durably enqueues an external key-service webhook
// payload (spec §6.5). The payload is opaque to the kernel.
func (s *Store) InsertRotationEvent(ctx context.Context, id string, payload, signature string) error {
	entry := &RotationOutboxEntry{
		ID:          id,
		CreatedAt:   time.Now().UTC(),
		PayloadJSON: payload,
		Signature:   signature,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error
	if err != nil && !isUniqueViolation(err) {
		return kernelerr.Wrap(kernelerr.StorageError, "insert rotation event", err)
	}
	return nil
}

// MarshalArgs is a small helper so callers don't need to import
// encoding/json themselves just to populate Execution.ArgsJSON.
func MarshalArgs(args []string) string {
	b, _ := json.Marshal(args)
	return string(b)
}

// UnmarshalArgs is the inverse of MarshalArgs.
func UnmarshalArgs(raw string) []string {
	var args []string
	_ = json.Unmarshal([]byte(raw), &args)
	return args
}
