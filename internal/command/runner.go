package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 10 * time.Minute
	waitDelay      = 5 * time.Second
)

// ErrTimeout reports a command that did not finish within its deadline.
var ErrTimeout = errors.New("command timed out")

// Cmd describes a single external command invocation.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration
}

// New builds a Cmd from a program name and its arguments.
func New(name string, args ...string) Cmd {
	return Cmd{Name: name, Args: args}
}

// String renders the command line for logs and errors.
func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the captured outcome of a command that ran to completion.
type Result struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// OK reports a zero exit code.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Runner executes external commands.
//
// A non-zero exit is reported through Result.ExitCode, never as an error.
// The error return is reserved for commands that could not be started or
// that exceeded their timeout.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Result, error)
}

// ExecRunner runs commands on the local host with os/exec.
type ExecRunner struct {
	logger  zerolog.Logger
	timeout time.Duration
}

// NewExecRunner returns an ExecRunner applying timeout to commands that do not set their own.
func NewExecRunner(logger zerolog.Logger, timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ExecRunner{logger: logger, timeout: timeout}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c Cmd) (Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Command:  c.String(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		r.logger.Warn().
			Str("command", result.Command).
			Dur("timeout", timeout).
			Msg("command timed out")
		return result, fmt.Errorf("%s: %w after %s", result.Command, ErrTimeout, timeout)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", result.Command, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("start %s: %w", c.Name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug().
		Str("command", result.Command).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command finished")

	return result, nil
}

// CommandFailed is returned by MustSucceed when a command exits non-zero.
type CommandFailed struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandFailed) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// MustSucceed runs cmd and converts a non-zero exit into a *CommandFailed.
func MustSucceed(ctx context.Context, r Runner, cmd Cmd) (Result, error) {
	result, err := r.Run(ctx, cmd)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		return result, &CommandFailed{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Stderr:   strings.TrimSpace(string(result.Stderr)),
		}
	}
	return result, nil
}

// Output runs cmd through MustSucceed and returns its trimmed stdout.
func Output(ctx context.Context, r Runner, cmd Cmd) (string, error) {
	result, err := MustSucceed(ctx, r, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(result.Stdout)), nil
}
