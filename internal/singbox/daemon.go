package singbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultCheckTimeout   = 10 * time.Second
	defaultReloadTimeout  = 10 * time.Second
	defaultRestartTimeout = 15 * time.Second

	// maxDiagnostic bounds the subprocess output carried in errors.
	maxDiagnostic = 512

	configPlaceholder = "{config}"
)

// Daemon controls the running proxy process.
type Daemon interface {
	Validate(ctx context.Context, configPath string) error
	Reload(ctx context.Context) error
	Restart(ctx context.Context) error
}

// CommandError describes a failed control command.
type CommandError struct {
	Args     []string
	ExitCode int // -1 when the process did not exit normally
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode extracts the exit status from a control command error: 0 for
// nil, -1 when unknown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

// CommandDaemon runs external commands to validate, reload and restart the
// daemon.
type CommandDaemon struct {
	CheckCommand   []string
	ReloadCommand  []string
	RestartCommand []string

	CheckTimeout   time.Duration
	ReloadTimeout  time.Duration
	RestartTimeout time.Duration
}

func NewCommandDaemon(check, reload, restart []string) *CommandDaemon {
	return &CommandDaemon{
		CheckCommand:   check,
		ReloadCommand:  reload,
		RestartCommand: restart,
		CheckTimeout:   defaultCheckTimeout,
		ReloadTimeout:  defaultReloadTimeout,
		RestartTimeout: defaultRestartTimeout,
	}
}

func (d *CommandDaemon) Validate(ctx context.Context, configPath string) error {
	args := make([]string, len(d.CheckCommand))
	for i, a := range d.CheckCommand {
		args[i] = strings.ReplaceAll(a, configPlaceholder, configPath)
	}
	return runCommand(ctx, d.CheckTimeout, args)
}

func (d *CommandDaemon) Reload(ctx context.Context) error {
	return runCommand(ctx, d.ReloadTimeout, d.ReloadCommand)
}

func (d *CommandDaemon) Restart(ctx context.Context) error {
	return runCommand(ctx, d.RestartTimeout, d.RestartCommand)
}

func runCommand(ctx context.Context, timeout time.Duration, args []string) error {
	if len(args) == 0 {
		return &CommandError{ExitCode: -1, Err: errors.New("empty command")}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}

	out := strings.TrimSpace(stderr.String())
	if out == "" {
		out = strings.TrimSpace(stdout.String())
	}
	ce := &CommandError{Args: args, ExitCode: -1, Output: truncate(out, maxDiagnostic), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ce.Err = fmt.Errorf("timed out after %s", timeout)
	}
	return ce
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
