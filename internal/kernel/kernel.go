// Package kernel implements the Kernel Facade (spec §4.H): the kernel's only
// public surface, composing the Resource Limits, Workspace Manager,
// Isolation Primitives, Process Runtime, Metadata Store, and Sandbox
// Registry components and emitting Audit Log events for every operation.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"sandboxkernel/internal/audit"
	"sandboxkernel/internal/isolation"
	"sandboxkernel/internal/kernelerr"
	"sandboxkernel/internal/limits"
	"sandboxkernel/internal/logging"
	"sandboxkernel/internal/registry"
	"sandboxkernel/internal/runtime"
	"sandboxkernel/internal/store"
	"sandboxkernel/internal/workspace"
)

var namespacePattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// Facade is the only type external callers interact with.
type Facade struct {
	store     *store.Store
	auditLog  audit.Logger
	workspace *workspace.Manager
	isolation *isolation.Builder
	registry  *registry.Registry
	runner    *runtime.Runner
	defaults  limits.Defaults
}

// New wires the Facade from its already-constructed components. Startup
// order (config -> store -> audit -> workspace/isolation builders ->
// registry -> Facade) is the caller's responsibility; New itself does not
// open any resource.
func New(st *store.Store, auditLog audit.Logger, ws *workspace.Manager, iso *isolation.Builder, reg *registry.Registry, runner *runtime.Runner, defaults limits.Defaults) *Facade {
	return &Facade{
		store:     st,
		auditLog:  auditLog,
		workspace: ws,
		isolation: iso,
		registry:  reg,
		runner:    runner,
		defaults:  defaults,
	}
}

// Reconcile hydrates the registry from durable state at process start (spec
// §4.G.4): any sandbox persisted as Running is downgraded to Stopped and
// audited with reason=host_restart; workspaces with no matching metadata
// are garbage-collected; metadata whose workspace is missing is marked
// Failed.
func (f *Facade) Reconcile(ctx context.Context) error {
	sandboxes, err := f.store.ListSandboxes(ctx, "")
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(sandboxes))
	for i := range sandboxes {
		sb := &sandboxes[i]
		known[sb.ID] = true
		f.registry.Seed(sb.ID, registry.State(sb.Status))

		if sb.Status == store.StatusRunning {
			f.registry.ReconcileRunning(sb.ID)
			if err := f.store.UpdateSandboxStatus(ctx, sb.ID, store.StatusStopped, map[string]any{
				"last_stopped_at": time.Now().UTC(),
			}); err != nil {
				return err
			}
			f.emitAudit(ctx, audit.SandboxStopped, sb.Namespace, sb.ID, map[string]any{"reason": "host_restart"})
			continue
		}

		if sb.Status != store.StatusDeleted && !f.workspace.Exists(sb.ID) {
			if err := f.store.UpdateSandboxStatus(ctx, sb.ID, store.StatusFailed, nil); err != nil {
				return err
			}
			f.registry.Seed(sb.ID, registry.Failed)
			logging.S().Warnw("sandbox marked failed: workspace missing at startup", "sandbox", sb.ID)
		}
	}

	ids, err := f.workspace.ListIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !known[id] {
			if err := f.workspace.Teardown(id); err != nil {
				logging.S().Warnw("failed to garbage-collect orphaned workspace", "id", id, "error", err)
			} else {
				logging.S().Infow("garbage-collected orphaned workspace", "id", id)
			}
		}
	}

	return nil
}

// Create validates inputs, normalizes limits, provisions a workspace,
// inserts durable metadata, registers the sandbox in-memory, and emits
// sandbox_created — compensating in reverse on any failure (spec §4.H).
func (f *Facade) Create(ctx context.Context, namespace, name, runtimeName string, maybe limits.Maybe) (*store.Sandbox, error) {
	if !namespacePattern.MatchString(namespace) {
		return nil, kernelerr.New(kernelerr.InvalidInput, "namespace must match [a-z0-9-]{1,64}")
	}
	if name == "" {
		return nil, kernelerr.New(kernelerr.InvalidInput, "name must not be empty")
	}
	if runtimeName == "" {
		runtimeName = "process"
	}
	if runtimeName != "process" {
		return nil, kernelerr.New(kernelerr.InvalidInput, fmt.Sprintf("runtime %q is reserved, not implemented", runtimeName))
	}

	if err := validateMaybe(maybe); err != nil {
		return nil, err
	}

	resolved, err := limits.Normalize(maybe, f.defaults)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	ws, err := f.workspace.Provision(id, runtimeName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sb := &store.Sandbox{
		ID:             id,
		Namespace:      namespace,
		Name:           name,
		Runtime:        runtimeName,
		Status:         store.StatusCreated,
		Limits:         resolved,
		WorkspacePath:  ws.Root,
		OverlayEnabled: ws.OverlayActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := f.store.InsertSandbox(ctx, sb); err != nil {
		_ = f.workspace.Teardown(id)
		return nil, err
	}

	if err := f.registry.Create(id); err != nil {
		_ = f.store.DeleteSandbox(ctx, id)
		_ = f.workspace.Teardown(id)
		return nil, kernelerr.Wrap(kernelerr.StorageError, "register sandbox", err)
	}

	if err := f.emitAudit(ctx, audit.SandboxCreated, namespace, id, map[string]any{
		"name": name, "runtime": runtimeName, "overlay": ws.OverlayActive,
	}); err != nil {
		f.registry.Remove(id)
		_ = f.store.DeleteSandbox(ctx, id)
		_ = f.workspace.Teardown(id)
		return nil, err
	}

	return sb, nil
}

// Start transitions a sandbox to Running and audits sandbox_started.
func (f *Facade) Start(ctx context.Context, id string) (*store.Sandbox, error) {
	sb, err := f.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := f.registry.Transition(id, registry.EventStart, ""); err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidState, err.Error(), err)
	}

	now := time.Now().UTC()
	// Start only probes that isolation CAN be built for this quota (failing
	// fast on a forced-on switch the host cannot satisfy); the profile
	// actually attached to a process is built fresh per Exec and torn down
	// when that exec completes, since cgroup/seccomp state is scoped to one
	// running child, not to the sandbox's Running period.
	quota := isolation.Quota{CPUMillis: sb.Limits.CPUMillis, MemoryMiB: sb.Limits.MemoryMiB, PIDsLimit: 256}
	profile, err := f.isolation.Build(id, quota)
	if err != nil {
		f.registry.Seed(id, registry.Stopped)
		return nil, err
	}
	degraded := profile.Degraded
	_ = profile.Teardown()

	if err := f.store.UpdateSandboxStatus(ctx, id, store.StatusRunning, map[string]any{"last_started_at": now}); err != nil {
		f.registry.Seed(id, registry.Stopped)
		return nil, err
	}

	if err := f.emitAudit(ctx, audit.SandboxStarted, sb.Namespace, id, map[string]any{"isolation_degraded": degraded}); err != nil {
		_ = f.store.UpdateSandboxStatus(ctx, id, store.StatusCreated, nil)
		f.registry.Seed(id, registry.Stopped)
		return nil, err
	}

	sb.Status = store.StatusRunning
	sb.LastStartedAt = &now
	return sb, nil
}

// Exec runs a command inside a running sandbox (spec §4.E) and persists an
// ExecutionRecord.
func (f *Facade) Exec(ctx context.Context, id, command string, args []string, stdin []byte, timeout time.Duration) (*store.Execution, error) {
	release, err := f.registry.BeginExec(id)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidState, err.Error(), err)
	}
	defer release()

	sb, err := f.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 || int(timeout.Seconds()) > sb.Limits.TimeoutSeconds {
		timeout = time.Duration(sb.Limits.TimeoutSeconds) * time.Second
	}

	quota := isolation.Quota{CPUMillis: sb.Limits.CPUMillis, MemoryMiB: sb.Limits.MemoryMiB, PIDsLimit: 256}
	profile, err := f.isolation.Build(id, quota)
	if err != nil {
		return nil, err
	}
	defer profile.Teardown()

	workDir := filepath.Join(sb.WorkspacePath, "upper")
	if sb.OverlayEnabled {
		workDir = filepath.Join(sb.WorkspacePath, "merged")
	}

	result, err := f.runner.Exec(ctx, runtime.Options{
		SandboxID: id,
		Command:   command,
		Args:      args,
		Stdin:     stdin,
		WorkDir:   workDir,
		Timeout:   timeout,
		Profile:   profile,
	})
	if err != nil {
		return nil, err
	}

	rec := &store.Execution{
		ID:              uuid.NewString(),
		SandboxID:       id,
		Command:         command,
		ArgsJSON:        store.MarshalArgs(args),
		ExecutedAt:      time.Now().UTC(),
		ExitCode:        result.ExitCode,
		Stdout:          string(result.Stdout),
		StdoutTruncated: result.StdoutTruncated,
		Stderr:          string(result.Stderr),
		StderrTruncated: result.StderrTruncated,
		DurationMs:      result.DurationMs,
		TimedOut:        result.TimedOut,
		Cancelled:       result.Cancelled,
	}
	if result.Rusage != nil {
		rec.RusageMaxRSSKb = &result.Rusage.MaxRSSKB
		rec.RusageUserMs = &result.Rusage.UserMS
		rec.RusageSystemMs = &result.Rusage.SystemMS
	}

	if err := f.store.AppendExecution(ctx, rec); err != nil {
		return nil, err
	}

	_ = f.emitAudit(ctx, audit.SandboxExec, sb.Namespace, id, map[string]any{
		"command": command, "exit_code": result.ExitCode, "timed_out": result.TimedOut, "cancelled": result.Cancelled,
	})

	return rec, nil
}

// Stop kills all in-flight execs, transitions to Stopped, and audits
// sandbox_stopped. The workspace is left intact (spec §4.G).
func (f *Facade) Stop(ctx context.Context, id string) (*store.Sandbox, error) {
	sb, err := f.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := f.registry.Transition(id, registry.EventStop, ""); err != nil {
		return nil, kernelerr.Wrap(kernelerr.InvalidState, err.Error(), err)
	}

	f.runner.KillAll(id)

	now := time.Now().UTC()
	if err := f.store.UpdateSandboxStatus(ctx, id, store.StatusStopped, map[string]any{"last_stopped_at": now}); err != nil {
		f.registry.Seed(id, registry.Running)
		return nil, err
	}

	if err := f.emitAudit(ctx, audit.SandboxStopped, sb.Namespace, id, map[string]any{"reason": "operator_stop"}); err != nil {
		return nil, err
	}

	sb.Status = store.StatusStopped
	sb.LastStoppedAt = &now
	return sb, nil
}

// Delete tears down the workspace, deletes durable records, audits
// sandbox_deleted, and tombstones the in-memory entry.
func (f *Facade) Delete(ctx context.Context, id string) error {
	sb, err := f.store.GetSandbox(ctx, id)
	if err != nil {
		return err
	}

	if _, err := f.registry.Transition(id, registry.EventDelete, ""); err != nil {
		return kernelerr.Wrap(kernelerr.InvalidState, err.Error(), err)
	}

	if err := f.workspace.Teardown(id); err != nil {
		return err
	}

	if err := f.store.DeleteSandbox(ctx, id); err != nil {
		return err
	}

	if err := f.emitAudit(ctx, audit.SandboxDeleted, sb.Namespace, id, nil); err != nil {
		return err
	}

	f.registry.Remove(id)
	f.runner.ForgetLimiter(id)
	return nil
}

// Get returns one sandbox by id.
func (f *Facade) Get(ctx context.Context, id string) (*store.Sandbox, error) {
	return f.store.GetSandbox(ctx, id)
}

// List returns every sandbox in namespace (all namespaces if empty).
func (f *Facade) List(ctx context.Context, namespace string) ([]store.Sandbox, error) {
	return f.store.ListSandboxes(ctx, namespace)
}

// ListExecutions returns up to limit executions for a sandbox, newest first.
func (f *Facade) ListExecutions(ctx context.Context, id string, limit int) ([]store.Execution, error) {
	return f.store.ListExecutions(ctx, id, limit)
}

// Stats exposes the Process Runtime's aggregate exec counters
// (SPEC_FULL.md §12).
func (f *Facade) Stats() runtime.Stats {
	return f.runner.Stats()
}

// emitAudit writes to both the JSONL audit log and its durable mirror in
// the Metadata Store, per spec §3.1's AuditEvent entity.
func (f *Facade) emitAudit(ctx context.Context, eventType audit.EventType, namespace, sandboxID string, payload map[string]any) error {
	ev := audit.Event{
		ID:         uuid.NewString(),
		RecordedAt: time.Now().UTC(),
		EventType:  eventType,
		Namespace:  namespace,
		Payload:    mergePayload(sandboxID, payload),
	}
	if err := f.auditLog.Append(ev); err != nil {
		return err
	}

	rec := &store.AuditEventRecord{
		ID:          ev.ID,
		RecordedAt:  ev.RecordedAt,
		EventType:   string(eventType),
		Namespace:   namespace,
		PayloadJSON: marshalPayload(ev.Payload),
	}
	return f.store.AppendAudit(ctx, rec)
}

// validateMaybe rejects a caller-supplied limit override that falls outside
// its legal interval, per spec §8's boundary behavior ("one unit outside
// [min,max] is InvalidInput"). Normalize clamps; this runs first so a
// rejected value is never silently clamped instead.
func validateMaybe(maybe limits.Maybe) error {
	fields := []struct {
		name  string
		value *int
	}{
		{"cpu_millis", maybe.CPUMillis},
		{"memory_mib", maybe.MemoryMiB},
		{"disk_mib", maybe.DiskMiB},
		{"timeout_seconds", maybe.TimeoutSeconds},
	}
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if err := limits.ValidateRaw(f.name, *f.value); err != nil {
			return err
		}
	}
	return nil
}

func mergePayload(sandboxID string, payload map[string]any) map[string]any {
	out := map[string]any{"sandbox_id": sandboxID}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func marshalPayload(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(b)
}
