// Package workspace provisions and tears down the per-sandbox overlay
// filesystem layout (spec §4.C).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"

	"sandboxkernel/internal/kernelerr"
	"sandboxkernel/internal/logging"
)

// disallowedID matches any character not in the kernel's id/name alphabet.
var disallowedID = regexp.MustCompile(`[^a-z0-9\-_]`)

// SanitizeID lowercases and strips anything outside [a-z0-9-_], replacing
// each disallowed rune with '-'. Grounded on the teacher's
// sandbox/v2.sanitizeID — applied to every path component built from
// caller-controlled strings (sandbox id, namespace, name) before they touch
// the filesystem, closing the path-traversal class of bug the teacher's own
// writeWorkspaceFiles already guards against.
func SanitizeID(raw string) string {
	lower := strings.ToLower(raw)
	return disallowedID.ReplaceAllString(lower, "-")
}

// Workspace describes one sandbox's provisioned directory tree.
type Workspace struct {
	Root          string // <workspace_root>/<sandbox_id>
	Lower         string
	Upper         string
	Work          string
	Merged        string
	OverlayActive bool // true iff merged/ is an active OverlayFS mount
}

// ProcessRoot is the directory a child process should chdir into: merged/
// when overlay is active, upper/ in the fallback case.
func (w Workspace) ProcessRoot() string {
	if w.OverlayActive {
		return w.Merged
	}
	return w.Upper
}

// Manager provisions and tears down workspaces under a configured root.
type Manager struct {
	root       string
	noFallback bool
}

// New returns a Manager rooted at root (spec §6.2's workspace_root).
// noFallback mirrors the operator switch of the same name: when true, a
// failed overlay mount fails provision() instead of degrading to a plain
// upper/ root (spec §9 open question #2).
func New(root string, noFallback bool) *Manager {
	return &Manager{root: root, noFallback: noFallback}
}

// Provision creates the four-directory layout for id and attempts to mount
// an OverlayFS at merged/. runtime is accepted for symmetry with spec §4.C
// ("populate lower/ with the runtime's skeleton") — for the only
// implemented runtime, "process", lower/ is left empty.
func (m *Manager) Provision(id, runtime string) (Workspace, error) {
	safeID := SanitizeID(id)
	root := filepath.Join(m.root, safeID)

	if _, err := os.Stat(root); err == nil {
		return Workspace{}, kernelerr.New(kernelerr.WorkspaceError, fmt.Sprintf("workspace %s already exists", safeID))
	}

	ws := Workspace{
		Root:   root,
		Lower:  filepath.Join(root, "lower"),
		Upper:  filepath.Join(root, "upper"),
		Work:   filepath.Join(root, "work"),
		Merged: filepath.Join(root, "merged"),
	}

	for _, dir := range []string{ws.Lower, ws.Upper, ws.Work, ws.Merged} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			_ = os.RemoveAll(root)
			return Workspace{}, kernelerr.Wrap(kernelerr.WorkspaceError, "create workspace directory", err)
		}
	}

	if err := mountOverlay(ws.Lower, ws.Upper, ws.Work, ws.Merged); err != nil {
		logging.S().Warnw("overlay mount unavailable, falling back to plain upper root",
			"sandbox", safeID, "error", err)
		if m.noFallback {
			_ = os.RemoveAll(root)
			return Workspace{}, kernelerr.Wrap(kernelerr.WorkspaceError, "overlay mount failed and no_fallback is set", err)
		}
		ws.OverlayActive = false
		return ws, nil
	}

	ws.OverlayActive = true
	return ws, nil
}

// Teardown unmounts merged/ (if mounted) and recursively removes the
// workspace directory. Idempotent: a missing workspace is a success,
// matching spec §8's round-trip law.
func (m *Manager) Teardown(id string) error {
	safeID := SanitizeID(id)
	root := filepath.Join(m.root, safeID)
	merged := filepath.Join(root, "merged")

	if err := unix.Unmount(merged, 0); err != nil && err != unix.EINVAL && err != unix.ENOENT {
		logging.S().Warnw("overlay unmount failed, continuing with removal", "sandbox", safeID, "error", err)
	}

	if err := os.RemoveAll(root); err != nil {
		return kernelerr.Wrap(kernelerr.WorkspaceError, "remove workspace directory", err)
	}
	return nil
}

// ListIDs returns the sandbox ids with a provisioned workspace directory,
// used by startup reconciliation (spec §4.G.4) to find workspaces whose
// metadata record no longer exists.
func (m *Manager) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kernelerr.Wrap(kernelerr.WorkspaceError, "list workspace root", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Exists reports whether id has a provisioned workspace directory.
func (m *Manager) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(m.root, SanitizeID(id)))
	return err == nil
}

// mountOverlay attempts `mount -t overlay` with the given layer directories.
// Unavailability (kernel lacking overlay support, insufficient privilege,
// or an already-busy mountpoint) is reported as an ordinary error for the
// caller to fall back on, never a panic.
func mountOverlay(lower, upper, work, merged string) error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return kernelerr.Wrap(kernelerr.WorkspaceError, "mount overlay", err)
	}
	return nil
}
