// Package audit implements the kernel's append-only, optionally HMAC-signed
// JSONL event log (spec §4.A).
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sandboxkernel/internal/kernelerr"
)

// EventType enumerates the five lifecycle events the kernel records.
type EventType string

const (
	SandboxCreated EventType = "sandbox_created"
	SandboxStarted EventType = "sandbox_started"
	SandboxExec    EventType = "sandbox_exec"
	SandboxStopped EventType = "sandbox_stopped"
	SandboxDeleted EventType = "sandbox_deleted"
)

// Event is an AuditEvent prior to signing.
type Event struct {
	ID         string                 `json:"id"`
	RecordedAt time.Time              `json:"recorded_at"`
	EventType  EventType              `json:"event_type"`
	Namespace  string                 `json:"namespace"`
	Actor      *string                `json:"actor"`
	Payload    map[string]any         `json:"payload"`
}

// canonical is the fixed-field-order record that gets marshaled for both
// the written line and the bytes that are signed. A plain map is not used
// because encoding/json does not guarantee map key order; a struct with
// declared field order does, which is what spec §4.A and §6.4 require
// ("keys in the fixed order listed, no whitespace").
type canonical struct {
	ID         string         `json:"id"`
	RecordedAt string         `json:"recorded_at"`
	EventType  EventType      `json:"event_type"`
	Namespace  string         `json:"namespace"`
	Actor      *string        `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// signedLine additionally carries the signature field, appended only when a
// key is configured; it is never included in the bytes that are signed.
type signedLine struct {
	canonical
	Signature *string `json:"signature,omitempty"`
}

// Writer appends AuditEvents to a JSONL file under an exclusive lock,
// optionally signing each line with HMAC-SHA256. The shape (construct with
// a destination, expose one append-ish operation) is grounded on the
// teacher's enterprise.AuditService, though the guarantees here (fsync,
// signing, dedup) are new — the teacher's service was a plain gorm insert.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	hmacKey []byte
	seen    map[string]struct{} // in-process dedup by event id, see spec §8 idempotence law
}

// Open creates (or appends to) the log file at path, creating parent
// directories as needed. hmacKey may be nil, in which case lines are
// written unsigned.
func Open(path string, hmacKey []byte) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, kernelerr.Wrap(kernelerr.AuditError, "create audit log directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.AuditError, "open audit log", err)
	}
	return &Writer{
		file:    f,
		hmacKey: hmacKey,
		seen:    make(map[string]struct{}),
	}, nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Append canonicalizes, optionally signs, and durably appends one event
// line. Append with a previously-seen event id is a no-op, satisfying the
// dedup-by-id idempotence law in spec §8.
func (w *Writer) Append(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[ev.ID]; dup {
		return nil
	}

	c := canonical{
		ID:         ev.ID,
		RecordedAt: ev.RecordedAt.UTC().Format(time.RFC3339),
		EventType:  ev.EventType,
		Namespace:  ev.Namespace,
		Actor:      ev.Actor,
		Payload:    ev.Payload,
	}

	canonicalBytes, err := json.Marshal(c)
	if err != nil {
		return kernelerr.Wrap(kernelerr.AuditError, "canonicalize audit event", err)
	}

	line := signedLine{canonical: c}
	if w.hmacKey != nil {
		mac := hmac.New(sha256.New, w.hmacKey)
		mac.Write(canonicalBytes)
		sig := base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
		line.Signature = &sig
	}

	out, err := json.Marshal(line)
	if err != nil {
		return kernelerr.Wrap(kernelerr.AuditError, "marshal audit line", err)
	}
	out = append(out, '\n')

	if _, err := w.file.Write(out); err != nil {
		return kernelerr.Wrap(kernelerr.AuditError, "append audit line", err)
	}
	if err := w.file.Sync(); err != nil {
		return kernelerr.Wrap(kernelerr.AuditError, "fdatasync audit log", err)
	}

	w.seen[ev.ID] = struct{}{}
	return nil
}

// Verify recomputes the HMAC over a line's canonical fields and compares it
// to the stored signature, used by tests and operator tooling to confirm a
// line has not been tampered with.
func Verify(rawLine []byte, hmacKey []byte) (bool, error) {
	var line signedLine
	if err := json.Unmarshal(rawLine, &line); err != nil {
		return false, fmt.Errorf("unmarshal audit line: %w", err)
	}
	if line.Signature == nil {
		return false, fmt.Errorf("line carries no signature")
	}
	canonicalBytes, err := json.Marshal(line.canonical)
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(canonicalBytes)
	expected := base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(*line.Signature)), nil
}

// NopLogger is used when audit_enabled=false: every Append is a silent
// success and no file is touched, matching the env default in spec §6.2.
type NopLogger struct{}

func (NopLogger) Append(Event) error { return nil }
func (NopLogger) Close() error       { return nil }

// Logger is the interface the Facade depends on, so it can hold either a
// real Writer or NopLogger.
type Logger interface {
	Append(Event) error
	Close() error
}

var _ Logger = (*Writer)(nil)
var _ Logger = NopLogger{}
