// Package handoff replaces the running entrypoint with the service process.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// ExecLauncher re-executes a binary (by default the current one) in place of
// the current process. On success Handoff never returns: the PID, stdio and
// environment belong to the service from then on, so the container runtime
// supervises it directly.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string

	// BeforeExec runs right before the exec syscall, e.g. to flush telemetry.
	// Nothing deferred in the caller runs after a successful exec.
	BeforeExec func(ctx context.Context)

	logger     *slog.Logger
	exec       func(argv0 string, argv []string, envv []string) error
	executable func() (string, error)
}

// NewExecLauncher returns a launcher that execs the current binary with args
// (e.g. "serve") and the current environment.
func NewExecLauncher(logger *slog.Logger, args ...string) *ExecLauncher {
	return &ExecLauncher{
		Args:       args,
		logger:     logger,
		exec:       unix.Exec,
		executable: os.Executable,
	}
}

// Handoff execs the service. It only returns on failure.
func (l *ExecLauncher) Handoff(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := l.Path
	if path == "" {
		self, err := l.executable()
		if err != nil {
			return fmt.Errorf("resolving executable: %w", err)
		}
		path = self
	}

	env := l.Env
	if env == nil {
		env = os.Environ()
	}

	argv := append([]string{path}, l.Args...)
	l.logger.InfoContext(ctx, "exec service process", "path", path, "args", l.Args)

	if l.BeforeExec != nil {
		l.BeforeExec(ctx)
	}

	err := l.exec(path, argv, env)
	if err == nil {
		// Only reachable with a substituted exec func.
		return nil
	}
	if errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("exec %s: binary not found: %w", path, err)
	}
	return fmt.Errorf("exec %s: %w", path, err)
}
