// Package runtime implements the Process Runtime (spec §4.E): fork/exec a
// sandboxed child, apply its IsolationProfile, capture I/O under a cap, and
// enforce a wall-clock timeout with SIGTERM-then-SIGKILL escalation.
//
// Grounded on the teacher's execution.Sandbox.executeCommand (timeout
// select loop, rusage capture) and sandbox/v2.Executor (child setup
// ordering), generalized to the spec's IsolationProfile instead of the
// teacher's ulimit-via-shell-wrapper approach.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"sandboxkernel/internal/isolation"
	"sandboxkernel/internal/kernelerr"
	"sandboxkernel/internal/logging"
)

// ChildEntrypointArg is the argv[1] marker cmd/kernel checks for on process
// start to detect a re-exec'd sandbox child, rather than a normal kernel
// boot. Installing a seccomp filter on the calling process is irreversible,
// so the filter must be applied to a process that is about to become the
// sandboxed command via execve, not the long-lived kernel process itself —
// hence the re-exec, grounded on the teacher's DenyInit wrapper re-exec.
const ChildEntrypointArg = "__sandbox_exec__"

// maxCapturedBytes is the per-stream stdout/stderr cap (spec §3.1).
const maxCapturedBytes = 1 << 20

// killGrace is how long a child is given to exit after SIGTERM before
// SIGKILL is sent (spec §4.E.5).
const killGrace = 2 * time.Second

// Options describes one exec request.
type Options struct {
	SandboxID string
	Command   string
	Args      []string
	Stdin     []byte
	WorkDir   string
	Timeout   time.Duration
	Profile   *isolation.Profile
	// Env is the operator-approved allow-list of extra variables; PATH,
	// HOME, and SANDBOX_ID are always set regardless of Env's contents.
	Env map[string]string
}

// Result is the outcome of one exec, mapping directly onto ExecutionRecord
// (spec §3.1): ExitCode is nil when the child was terminated by signal,
// timed out, or was cancelled.
type Result struct {
	ExitCode        *int
	Stdout          []byte
	StdoutTruncated bool
	Stderr          []byte
	StderrTruncated bool
	DurationMs      int64
	TimedOut        bool
	Cancelled       bool
	Rusage          *Rusage
}

// Rusage is the optional, non-authoritative diagnostic field SPEC_FULL.md
// §4.E adds beyond spec.md's ExecutionRecord.
type Rusage struct {
	MaxRSSKB int64
	UserMS   int64
	SystemMS int64
}

// Stats counts execs across the runtime's lifetime (SPEC_FULL.md §12).
type Stats struct {
	Total    int64
	Success  int64
	Failed   int64
	TimedOut int64
	Killed   int64
}

// Runner executes sandboxed commands and tracks aggregate Stats.
type Runner struct {
	total, success, failed, timedOut, killed int64

	mu       sync.Mutex
	children map[string]map[*exec.Cmd]struct{} // sandboxID -> in-flight commands
	limiters map[string]*rate.Limiter          // sandboxID -> per-sandbox exec token bucket

	execRate  rate.Limit
	execBurst int
}

// New returns a Runner with no per-sandbox exec throttling. Use NewLimited
// to throttle the rate at which each sandbox's execs start.
func New() *Runner {
	return NewLimited(rate.Inf, 0)
}

// NewLimited returns a Runner that throttles each sandbox's exec rate to
// execRate per second with a burst of execBurst, generalizing the teacher's
// sandbox/v2.DockerExecutor hard active-execution cap into a token bucket
// (SPEC_FULL.md §11). execRate == rate.Inf disables throttling.
func NewLimited(execRate rate.Limit, execBurst int) *Runner {
	return &Runner{
		children:  make(map[string]map[*exec.Cmd]struct{}),
		limiters:  make(map[string]*rate.Limiter),
		execRate:  execRate,
		execBurst: execBurst,
	}
}

func (r *Runner) limiterFor(sandboxID string) *rate.Limiter {
	if r.execRate == rate.Inf {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[sandboxID]
	if !ok {
		l = rate.NewLimiter(r.execRate, r.execBurst)
		r.limiters[sandboxID] = l
	}
	return l
}

// ForgetLimiter drops a sandbox's token bucket, called on delete so a
// long-deleted sandbox id doesn't linger in memory forever.
func (r *Runner) ForgetLimiter(sandboxID string) {
	r.mu.Lock()
	delete(r.limiters, sandboxID)
	r.mu.Unlock()
}

func (r *Runner) track(sandboxID string, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.children[sandboxID]
	if !ok {
		set = make(map[*exec.Cmd]struct{})
		r.children[sandboxID] = set
	}
	set[cmd] = struct{}{}
}

func (r *Runner) untrack(sandboxID string, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.children[sandboxID]
	if !ok {
		return
	}
	delete(set, cmd)
	if len(set) == 0 {
		delete(r.children, sandboxID)
	}
}

// KillAll sends SIGKILL to every in-flight command for sandboxID, used by
// the stop transition (spec §4.G: "SIGKILL all children" on Running->Stopped).
func (r *Runner) KillAll(sandboxID string) {
	r.mu.Lock()
	set := r.children[sandboxID]
	cmds := make([]*exec.Cmd, 0, len(set))
	for cmd := range set {
		cmds = append(cmds, cmd)
	}
	r.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// Stats returns a snapshot of execution counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Total:    atomic.LoadInt64(&r.total),
		Success:  atomic.LoadInt64(&r.success),
		Failed:   atomic.LoadInt64(&r.failed),
		TimedOut: atomic.LoadInt64(&r.timedOut),
		Killed:   atomic.LoadInt64(&r.killed),
	}
}

// Exec runs one command per spec §4.E. ctx cancellation is treated
// identically to a timeout except Result.Cancelled is set instead of
// Result.TimedOut.
func (r *Runner) Exec(ctx context.Context, opts Options) (*Result, error) {
	if limiter := r.limiterFor(opts.SandboxID); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, kernelerr.Wrap(kernelerr.Cancelled, "wait for exec rate limit", err)
		}
	}

	atomic.AddInt64(&r.total, 1)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exe, err := os.Executable()
	if err != nil {
		atomic.AddInt64(&r.failed, 1)
		return nil, kernelerr.Wrap(kernelerr.StorageError, "resolve kernel executable for re-exec", err)
	}

	wrapperArgs := []string{ChildEntrypointArg, opts.SandboxID}
	if opts.Profile != nil && opts.Profile.Seccomp != nil {
		wrapperArgs = append(wrapperArgs, "--seccomp")
	}
	wrapperArgs = append(wrapperArgs, "--")
	wrapperArgs = append(wrapperArgs, opts.Command)
	wrapperArgs = append(wrapperArgs, opts.Args...)

	cmd := exec.CommandContext(execCtx, exe, wrapperArgs...)
	cmd.Dir = opts.WorkDir
	cmd.Env = sanitizedEnv(opts.SandboxID, opts.Env)
	if len(opts.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	stdout := &cappedBuffer{limit: maxCapturedBytes}
	stderr := &cappedBuffer{limit: maxCapturedBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if opts.Profile != nil && !opts.Profile.Degraded {
		cmd.SysProcAttr = opts.Profile.SysProcAttr()
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		atomic.AddInt64(&r.failed, 1)
		return nil, kernelerr.Wrap(kernelerr.StorageError, "start sandboxed process", err)
	}

	if opts.Profile != nil && opts.Profile.Cgroup != nil {
		if err := opts.Profile.Cgroup.AddPID(cmd.Process.Pid); err != nil {
			logging.S().Warnw("cgroup attach failed", "sandbox", opts.SandboxID, "error", err)
		}
	}

	r.track(opts.SandboxID, cmd)
	defer r.untrack(opts.SandboxID, cmd)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	result := &Result{}

	select {
	case <-execCtx.Done():
		killed := terminateGracefully(cmd, done)
		result.DurationMs = time.Since(start).Milliseconds()
		result.Stdout, result.StdoutTruncated = stdout.bytes, stdout.truncated
		result.Stderr, result.StderrTruncated = stderr.bytes, stderr.truncated
		if ctx.Err() == context.Canceled {
			result.Cancelled = true
		} else {
			result.TimedOut = true
		}
		if killed {
			atomic.AddInt64(&r.killed, 1)
		} else {
			atomic.AddInt64(&r.timedOut, 1)
		}
		return result, nil

	case waitErr := <-done:
		result.DurationMs = time.Since(start).Milliseconds()
		result.Stdout, result.StdoutTruncated = stdout.bytes, stdout.truncated
		result.Stderr, result.StderrTruncated = stderr.bytes, stderr.truncated
		result.Rusage = extractRusage(cmd.ProcessState)

		if waitErr == nil {
			code := 0
			result.ExitCode = &code
			atomic.AddInt64(&r.success, 1)
			return result, nil
		}

		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			atomic.AddInt64(&r.failed, 1)
			return nil, kernelerr.Wrap(kernelerr.StorageError, "wait for sandboxed process", waitErr)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			// Signal termination: exit_code is null per spec §3.1.
			atomic.AddInt64(&r.failed, 1)
			return result, nil
		}
		code := exitErr.ExitCode()
		result.ExitCode = &code
		atomic.AddInt64(&r.success, 1)
		return result, nil
	}
}

// terminateGracefully sends SIGTERM, waits killGrace for exit, then SIGKILL.
// Returns true if SIGKILL was needed.
func terminateGracefully(cmd *exec.Cmd, done <-chan error) bool {
	if cmd.Process == nil {
		return false
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return false
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		<-done
		return true
	}
}

func extractRusage(state *os.ProcessState) *Rusage {
	if state == nil {
		return nil
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return nil
	}
	return &Rusage{
		MaxRSSKB: ru.Maxrss,
		UserMS:   ru.Utime.Sec*1000 + ru.Utime.Usec/1000,
		SystemMS: ru.Stime.Sec*1000 + ru.Stime.Usec/1000,
	}
}

// sanitizedEnv builds the execve environment per spec §4.E.3: PATH, HOME=/,
// and SANDBOX_ID are always present; extra is an operator-approved
// allow-list layered on top, and its entries for those three keys are
// ignored.
func sanitizedEnv(sandboxID string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/",
		"SANDBOX_ID=" + sandboxID,
	}
	for k, v := range extra {
		if k == "PATH" || k == "HOME" || k == "SANDBOX_ID" {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

// cappedBuffer caps writes at limit bytes, discarding the remainder and
// setting truncated, grounded on the teacher's limitedWriter (which
// silently discarded with no truncation signal — spec §3.1 requires the
// flag).
type cappedBuffer struct {
	buf       bytes.Buffer
	bytes     []byte
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
	} else {
		c.buf.Write(p)
	}
	c.bytes = c.buf.Bytes()
	return len(p), nil
}

// ChildEntrypoint is invoked from cmd/kernel/main when os.Args[1] ==
// ChildEntrypointArg. It installs the default seccomp filter (last step
// before exec, per spec §4.E.3d) and execve's into the real command,
// replacing this process image. It does not return on success.
func ChildEntrypoint(args []string) error {
	// args: [sandboxID, ("--seccomp")?, "--", command, arg...]
	if len(args) < 3 {
		return fmt.Errorf("sandbox child entrypoint: too few arguments")
	}
	rest := args[1:]
	wantSeccomp := false
	if rest[0] == "--seccomp" {
		wantSeccomp = true
		rest = rest[1:]
	}
	if len(rest) == 0 || rest[0] != "--" {
		return fmt.Errorf("sandbox child entrypoint: missing -- separator")
	}
	rest = rest[1:]
	if len(rest) == 0 {
		return fmt.Errorf("sandbox child entrypoint: missing command")
	}

	if wantSeccomp {
		filter, err := isolation.BuildChildFilter()
		if err != nil {
			return fmt.Errorf("sandbox child entrypoint: build seccomp filter: %w", err)
		}
		if err := filter.Install(); err != nil {
			return fmt.Errorf("sandbox child entrypoint: install seccomp filter: %w", err)
		}
	}

	path, err := exec.LookPath(rest[0])
	if err != nil {
		return fmt.Errorf("sandbox child entrypoint: resolve %s: %w", rest[0], err)
	}
	argv := append([]string{rest[0]}, rest[1:]...)
	return syscall.Exec(path, argv, os.Environ())
}
