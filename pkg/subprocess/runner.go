// Package subprocess runs external commands (verification scripts,
// git CLI invocations elsewhere in the tree) with bounded output
// capture, timeouts, and a worker pool for fan-out execution.
package subprocess

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// TimeoutExitCode is the sentinel exit code returned when a command
// is killed for exceeding its timeout.
const TimeoutExitCode = -1

// TimeoutStderr is the stderr payload substituted when a command
// times out, so callers can distinguish "ran and failed" from
// "never finished".
const TimeoutStderr = "TIMEOUT"

// maxWorkers bounds parallel fan-out to min(NumCPU, 10), the cap the
// verification engine and regression runner both use.
func maxWorkers() int64 {
	n := runtime.NumCPU()
	if n > 10 {
		n = 10
	}
	if n < 1 {
		n = 1
	}
	return int64(n)
}

// Spec describes one command invocation.
type Spec struct {
	Command    string
	Args       []string
	Dir        string
	Env        []string
	Timeout    time.Duration
	MaxOutput  int64 // bytes; 0 means unbounded
}

// Result is the outcome of running one Spec.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

const defaultMaxOutput = 1 << 20 // 1 MiB per stream

// Run executes one command, killing its process group on timeout and
// reporting the TimeoutExitCode/TimeoutStderr sentinel.
func Run(ctx context.Context, spec Spec) (Result, error) {
	maxOutput := spec.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	// New process group so a timeout kill takes any children with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr limitedBuffer
	stdout.limit = maxOutput
	stderr.limit = maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return Result{ExitCode: TimeoutExitCode, Stdout: stdout.String(), Stderr: TimeoutStderr, TimedOut: true}, nil
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, err
		}
	}

	return Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// RunParallel runs every spec concurrently, bounded by a worker pool
// of min(NumCPU, 10). Results are keyed by the caller-supplied id; one
// spec timing out does not cancel its siblings.
func RunParallel(ctx context.Context, specs map[string]Spec) map[string]Result {
	results := make(map[string]Result, len(specs))
	resultCh := make(chan struct {
		id     string
		result Result
	}, len(specs))

	sem := semaphore.NewWeighted(maxWorkers())
	g, gctx := errgroup.WithContext(context.Background()) // each spec's own timeout governs it, not a shared cancellation

	for id, spec := range specs {
		id, spec := id, spec
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				resultCh <- struct {
					id     string
					result Result
				}{id, Result{ExitCode: TimeoutExitCode, Stderr: TimeoutStderr}}
				return nil
			}
			defer sem.Release(1)

			result, err := Run(ctx, spec)
			if err != nil {
				result = Result{ExitCode: TimeoutExitCode, Stderr: err.Error()}
			}
			resultCh <- struct {
				id     string
				result Result
			}{id, result}
			return nil
		})
	}

	_ = g.Wait()
	close(resultCh)
	for entry := range resultCh {
		results[entry.id] = entry.result
	}
	return results
}

// limitedBuffer caps captured output at limit bytes, silently
// dropping the remainder, since a runaway script's output should
// never grow the in-memory state unbounded.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
