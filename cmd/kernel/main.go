// Command kernel boots the sandbox kernel's Facade, reconciles durable
// state against the host, and then blocks until asked to shut down.
//
// The kernel has no HTTP/RPC front door in scope; callers embed this
// package's Facade directly. main here exists to (a) own process
// lifecycle and signal handling, grounded on the teacher's cmd/main.go
// graceful-shutdown shape, and (b) re-exec into runtime.ChildEntrypoint
// when launched as a sandboxed child rather than as the kernel itself.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sandboxkernel/internal/audit"
	"sandboxkernel/internal/config"
	"sandboxkernel/internal/isolation"
	"sandboxkernel/internal/kernel"
	"sandboxkernel/internal/logging"
	"sandboxkernel/internal/registry"
	"sandboxkernel/internal/runtime"
	"sandboxkernel/internal/store"
	"sandboxkernel/internal/workspace"
)

// defaultExecRatePerSecond and defaultExecBurst bound the default
// per-sandbox exec throttle.
// Nothing in spec §6.2's environment variable table names a tunable for
// this, so it is a fixed, generous default rather than an invented key.
const (
	defaultExecRatePerSecond = 20
	defaultExecBurst         = 10
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == runtime.ChildEntrypointArg {
		if err := runtime.ChildEntrypoint(os.Args[2:]); err != nil {
			log.Fatalf("sandbox child entrypoint failed: %v", err)
		}
		return
	}

	logging.Init()
	defer logging.Sync()
	log := logging.S()

	log.Info("starting sandbox kernel")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("configuration invalid", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatalw("failed to open metadata store", "error", err)
	}
	defer st.Close()

	var auditLog audit.Logger
	if cfg.AuditEnabled {
		writer, err := audit.Open(cfg.AuditLogPath, cfg.AuditHMACKey)
		if err != nil {
			log.Fatalw("failed to open audit log", "error", err)
		}
		defer writer.Close()
		auditLog = writer
	} else {
		auditLog = audit.NopLogger{}
	}

	ws := workspace.New(cfg.WorkspaceRoot, cfg.Isolation.NoFallback)
	iso := isolation.NewBuilder(cfg.CgroupRoot, cfg.Isolation)
	reg := registry.New()
	runner := runtime.NewLimited(defaultExecRatePerSecond, defaultExecBurst)

	facade := kernel.New(st, auditLog, ws, iso, reg, runner, cfg.Defaults)

	log.Info("reconciling durable state against host")
	if err := facade.Reconcile(ctx); err != nil {
		log.Fatalw("reconciliation failed", "error", err)
	}
	log.Info("sandbox kernel ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infow("received signal, starting graceful shutdown", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	sandboxes, err := facade.List(shutdownCtx, "")
	if err != nil {
		log.Warnw("failed to list sandboxes during shutdown", "error", err)
	}
	for _, sb := range sandboxes {
		if sb.Status != store.StatusRunning {
			continue
		}
		if _, err := facade.Stop(shutdownCtx, sb.ID); err != nil {
			log.Warnw("failed to stop sandbox during shutdown", "sandbox_id", sb.ID, "error", err)
		}
	}

	log.Info("graceful shutdown complete")
}
