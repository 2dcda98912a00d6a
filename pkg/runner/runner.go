// Package runner is the single abstraction every backend driver goes
// through to invoke external tools (qemu-img, zfs, zpool, udevadm,
// chattr). Centralizing it here, instead of calling exec.CommandContext
// inline at each call site, lets driver tests substitute a Fake runner
// and assert on exactly the argv each operation would have run, with
// no live process ever spawned in a test (spec.md §5).
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"k8s.io/klog/v2"
)

// Request describes one external command invocation.
type Request struct {
	Argv    []string // Argv[0] is the binary name, resolved via PATH
	Dir     string   // working directory; empty means the caller's cwd
	Timeout time.Duration
	Stdin   []byte
}

// Result carries everything a driver needs to interpret a finished
// command: spec.md requires stderr to be surfaced verbatim on failure.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ErrEmptyArgv is returned when a Request names no binary to run.
var ErrEmptyArgv = errors.New("runner: request has an empty argv")

// Runner executes external commands. The real implementation shells
// out; tests use Fake.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Exec is the production Runner, backed by os/exec.
type Exec struct{}

// NewExec returns the os/exec-backed Runner.
func NewExec() Exec { return Exec{} }

// Run spawns req.Argv[0] with the remaining elements as arguments,
// bounded by req.Timeout if set. A non-zero exit is returned as an
// error whose message embeds captured stderr, per spec.md §7.5
// ("Surfaced verbatim with the tool's stderr attached").
func (Exec) Run(ctx context.Context, req Request) (Result, error) {
	if len(req.Argv) == 0 {
		return Result{}, ErrEmptyArgv
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	//nolint:gosec // argv is built entirely by driver code from validated volume/storage state, never raw user input
	cmd := exec.CommandContext(runCtx, req.Argv[0], req.Argv[1:]...)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	klog.V(4).Infof("runner: exec %v (dir=%q timeout=%s)", req.Argv, req.Dir, req.Timeout)
	err := cmd.Run()

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	}

	if err != nil {
		return result, fmt.Errorf("%s: %w: %s", req.Argv[0], err, result.Stderr)
	}
	return result, nil
}
