package stepexec

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/logmask"
)

// toolNotFoundExit is the POSIX convention a shell uses when the requested
// command cannot be resolved on PATH (spec.md §4.2).
const toolNotFoundExit = 127

// capturedSnippetLimit bounds how much of a step's stdout/stderr is kept in
// the StepResult itself; the full stream lives in the durable event log via
// the context's event sink.
const capturedSnippetLimit = 4096

// ShellExecutor runs a step's Run command through the host shell. Grounded
// on the shape of a conventional os/exec-based plugin apply step; streaming
// semantics (mask, fragment, bounded capture, never kill-only-fail) are new,
// specific to spec.md §4.2's "never terminate the process; return failure
// instead" rule — the process IS allowed to be killed on timeout/cancel,
// but the executor always returns a failure result rather than panicking or
// propagating an exception.
type ShellExecutor struct {
	DefaultTimeout time.Duration
	Shell          string // defaults to "/bin/sh"
}

// NewShellExecutor constructs a ShellExecutor with the given default
// per-step timeout, used when a step definition leaves Timeout unset.
func NewShellExecutor(defaultTimeout time.Duration) *ShellExecutor {
	return &ShellExecutor{DefaultTimeout: defaultTimeout, Shell: "/bin/sh"}
}

// Execute runs step.Run via the shell, streaming masked output through bc's
// event sink and returning the captured result.
func (e *ShellExecutor) Execute(ctx context.Context, bc *build.Context, step pipeline.Step) (build.StepResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	timeout := e.DefaultTimeout
	if step.Timeout > 0 {
		timeout = time.Duration(step.Timeout) * time.Second
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, shell, "-c", step.Run)
	cmd.Dir = bc.WorkspacePath
	cmd.Env = mergeEnv(bc.Env, step.Env)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return build.StepResult{Err: err}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return build.StepResult{Err: err}, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return build.StepResult{ExitCode: -1, Err: err}, err
	}

	stdoutCap := newCapture(capturedSnippetLimit)
	stderrCap := newCapture(capturedSnippetLimit)
	masks := logmask.NewPair(bc.MaskValues)

	var wg sync.WaitGroup
	wg.Add(2)
	go streamPipe(ctx, bc, step.ID, stdoutPipe, masks.Stdout, stdoutCap, &wg)
	go streamPipe(ctx, bc, step.ID, stderrPipe, masks.Stderr, stderrCap, &wg)
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := build.StepResult{
		Stdout:   stdoutCap.String(),
		Stderr:   stderrCap.String(),
		Duration: duration,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		result.Err = runCtx.Err()
		return result, nil
	}
	if ctx.Err() != nil {
		result.Err = ctx.Err()
		return result, nil
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Err = waitErr
			return result, nil
		}
	}
	if result.ExitCode == toolNotFoundExit {
		result.ToolMissing = true
	}
	return result, nil
}

func mergeEnv(base map[string]string, override map[string]string) []string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func streamPipe(ctx context.Context, bc *build.Context, stepID string, r io.Reader, masker *logmask.Masker, cap *capture, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		masked := masker.Write(line)
		if masked != "" {
			cap.Write(masked)
			bc.Publish(ctx, build.BuildEvent{
				Type:    build.EventStepLog,
				StepID:  stepID,
				Payload: map[string]interface{}{"text": masked},
			})
		}
	}
	if tail := masker.Flush(); tail != "" {
		cap.Write(tail)
		bc.Publish(ctx, build.BuildEvent{
			Type:    build.EventStepLog,
			StepID:  stepID,
			Payload: map[string]interface{}{"text": tail},
		})
	}
}

// capture accumulates up to limit bytes of a stream for StepResult's
// captured snippet fields, keeping the most recent bytes once the cap is
// exceeded: the oldest bytes are dropped from the front (most recent output
// is what a failing step's caller usually needs first).
type capture struct {
	limit int
	buf   []byte
}

func newCapture(limit int) *capture { return &capture{limit: limit} }

func (c *capture) Write(s string) {
	c.buf = append(c.buf, s...)
	if len(c.buf) > c.limit {
		c.buf = c.buf[len(c.buf)-c.limit:]
	}
}

func (c *capture) String() string { return string(c.buf) }
