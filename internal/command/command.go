// Package command runs external tools and returns a structured result, so
// every stage handles tool failures the same way and tests can swap in a fake.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/logging"
)

// stderrTail bounds how much of a failing tool's stderr ends up in the error.
const stderrTail = 2048

// Cmd describes a single tool invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current environment.
	Env map[string]string

	Stdin io.Reader
	// Stdout, when set, receives the tool's output instead of Result.Stdout.
	Stdout io.Writer
}

// New is shorthand for a Cmd with just a name and arguments.
func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// String renders the invocation for logs.
func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds what a finished tool left behind.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
	// GracePeriod is how long a cancelled tool gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration
}

var _ Runner = (*ExecRunner)(nil)

// Run executes cmd and waits for it. There is no timeout: long-running tools
// finish or fail on their own, and only ctx cancellation stops them early.
func (r *ExecRunner) Run(ctx context.Context, c Cmd) (*Result, error) {
	logger := logging.Ensure(r.Logger)
	logger.Debug("running tool", "command", c.String(), "dir", c.Dir)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.gracePeriod()

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		result.ExitCode = -1
		return result, builderr.Interrupted(c.Name, ctx.Err())
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
	}

	tail := tailOf(result.Stderr)
	logger.Error("tool failed", "command", c.String(), "exit_code", result.ExitCode, "stderr", tail)
	return result, &builderr.Error{
		Kind:    builderr.KindTool,
		Op:      c.Name,
		Message: describeFailure(result.ExitCode, tail),
		Err:     err,
	}
}

func (r *ExecRunner) gracePeriod() time.Duration {
	if r.GracePeriod > 0 {
		return r.GracePeriod
	}
	return 10 * time.Second
}

func describeFailure(exitCode int, stderr string) string {
	if stderr == "" {
		return fmt.Sprintf("exit code %d", exitCode)
	}
	return fmt.Sprintf("exit code %d: %s", exitCode, stderr)
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	return "..." + s[len(s)-stderrTail:]
}

// Output runs cmd and returns its trimmed stdout.
func Output(ctx context.Context, r Runner, cmd Cmd) (string, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
