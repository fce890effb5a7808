// Package plugin defines the Scheduler's view of the (out-of-scope)
// plugin execution layer: check commands are opaque sub-processes
// described only by their exit-code and stdout contract (spec.md §1/§4.2).
package plugin

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sentryd/sentryd/internal/checkable"
)

// Result is the raw outcome of one plugin invocation, before it is
// folded into a checkable.CheckResult by the Scheduler.
type Result struct {
	ExitCode       int
	Stdout         []byte
	ExecutionStart time.Time
	ExecutionEnd   time.Time
}

// Executor is the interface the Scheduler depends on; the plugin
// execution layer itself is out of scope beyond this contract.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
}

// ProcessExecutor runs a check command as an opaque sub-process via
// os/exec, the default Executor. On timeout it kills the process and
// synthesises an Unknown/"timeout exceeded" result per spec.md §5's
// cancellation rule.
type ProcessExecutor struct {
	// Shell, if set, runs command through this shell (e.g. "/bin/sh -c");
	// otherwise command is split on whitespace and exec'd directly.
	Shell []string
}

// Execute runs command with the given timeout.
func (p *ProcessExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	var cmd *exec.Cmd
	if len(p.Shell) > 0 {
		args := append(append([]string(nil), p.Shell[1:]...), command)
		cmd = exec.CommandContext(ctx, p.Shell[0], args...)
	} else {
		fields := strings.Fields(command)
		if len(fields) == 0 {
			fields = []string{command}
		}
		cmd = exec.CommandContext(ctx, fields[0], fields[1:]...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	end := time.Now()

	if ctx.Err() == context.DeadlineExceeded {
		return Result{
			ExitCode:       ExitUnknown,
			Stdout:         []byte("timeout exceeded"),
			ExecutionStart: start,
			ExecutionEnd:   end,
		}, nil
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, err
		}
	}

	return Result{
		ExitCode:       exitCode,
		Stdout:         out.Bytes(),
		ExecutionStart: start,
		ExecutionEnd:   end,
	}, nil
}

// ExitUnknown is the synthetic exit code used for a timed-out check.
const ExitUnknown = 3

// ToCheckResult folds a plugin Result into a checkable.CheckResult.
func (r Result) ToCheckResult() checkable.CheckResult {
	return checkable.CheckResult{
		ExitCode:       r.ExitCode,
		Output:         string(r.Stdout),
		ExecutionStart: r.ExecutionStart,
		ExecutionEnd:   r.ExecutionEnd,
		CheckTime:      r.ExecutionEnd,
	}
}
