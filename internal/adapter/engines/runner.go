// Package engines implements the engine port for the supported coding agent
// CLIs. All engines share one subprocess runner; each engine contributes its
// binary name and argument shape.
package engines

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
)

// maxCaptureBytes bounds the stdout/stderr copies kept in memory per stream.
// Full streams still reach the caller's writers when set.
const maxCaptureBytes = 1 << 20

// killGrace is how long a process gets between context cancellation and
// SIGKILL.
const killGrace = 5 * time.Second

// Runner executes engine subprocesses with prompt-on-stdin, capped output
// capture and wall-clock timeouts.
type Runner struct {
	lookPath func(string) (string, error) // for testing
}

// NewRunner creates a subprocess runner.
func NewRunner() *Runner {
	return &Runner{lookPath: exec.LookPath}
}

// Run executes bin with args in the request's working directory, writing the
// prompt to stdin. The exit code is reported in the result, not as an error;
// errors are reserved for spawn failures, timeouts and missing binaries.
func (r *Runner) Run(ctx context.Context, engineID, bin string, args []string, req engine.ExecRequest) (*engine.ExecResult, error) {
	if _, err := r.lookPath(bin); err != nil {
		return nil, fmt.Errorf("engine %s: binary %q not on PATH: %w", engineID, bin, domain.ErrAgentUnavailable)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.WaitDelay = killGrace
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = teeCapped(&stdout, req.Stdout)
	cmd.Stderr = teeCapped(&stderr, req.Stderr)

	start := time.Now()
	runErr := cmd.Run()
	result := &engine.ExecResult{
		EngineID: engineID,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			return result, fmt.Errorf("engine %s: timed out after %s: %w", engineID, req.Timeout, domain.ErrTimeout)
		}
		if errors.Is(runCtx.Err(), context.Canceled) {
			return result, fmt.Errorf("engine %s: %w", engineID, runCtx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("engine %s: run %s: %w", engineID, bin, runErr)
	}

	return result, nil
}

// teeCapped returns a writer that keeps at most maxCaptureBytes in buf and,
// when sink is non-nil, forwards everything to it.
func teeCapped(buf *bytes.Buffer, sink io.Writer) io.Writer {
	capped := &cappedWriter{buf: buf}
	if sink == nil {
		return capped
	}
	return io.MultiWriter(capped, sink)
}

// cappedWriter absorbs writes beyond the cap so long agent sessions cannot
// exhaust memory. It never reports an error.
type cappedWriter struct {
	buf *bytes.Buffer
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if room := maxCaptureBytes - w.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		w.buf.Write(p)
	}
	return n, nil
}
