// Package runner invokes the external tasks that do the work of each step.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/credential"
	"github.com/sells-group/archive-flow/internal/resilience"
)

// Exit codes with a reserved meaning.
const (
	// ExitNoCapacity means the task could not obtain quota; retry later.
	ExitNoCapacity = 75
	// ExitAuthExpired means the credential handed to the task was rejected.
	ExitAuthExpired = 77
)

var commandContext = exec.CommandContext

// Result is the outcome of one task process.
type Result struct {
	ExitSuccess bool
	ExitCode    int
	Stdout      string
	Stderr      string
}

// Diagnostic returns filtered stderr, or filtered stdout when stderr holds
// nothing but noise, truncated to limit characters. limit <= 0 disables it.
func (r Result) Diagnostic(limit int) string {
	msg := FilterNoise(r.Stderr)
	if msg == "" {
		msg = FilterNoise(r.Stdout)
	}
	if limit > 0 && len(msg) > limit {
		start := len(msg) - limit
		for start < len(msg) && !utf8.RuneStart(msg[start]) {
			start++
		}
		msg = msg[start:]
	}
	return msg
}

// Runner runs a task for one item.
type Runner interface {
	Run(ctx context.Context, taskID, itemID string, cred credential.Credential, timeout time.Duration) (Result, error)
}

// Option configures Exec.
type Option func(*Exec)

// WithInterpreter runs scripts through interpreter (e.g. python3).
func WithInterpreter(interpreter string) Option {
	return func(e *Exec) {
		e.interpreter = interpreter
	}
}

// WithCredentialEnv sets the environment variable that carries the credential.
func WithCredentialEnv(name string) Option {
	return func(e *Exec) {
		if name != "" {
			e.credentialEnv = name
		}
	}
}

// WithWorkDir sets the task working directory.
func WithWorkDir(dir string) Option {
	return func(e *Exec) {
		e.workDir = dir
	}
}

// WithDiagnosticLimit caps the diagnostic carried by TaskError.
func WithDiagnosticLimit(n int) Option {
	return func(e *Exec) {
		e.diagLimit = n
	}
}

// Exec runs each task as a child process.
type Exec struct {
	tasks         map[string]string
	interpreter   string
	credentialEnv string
	workDir       string
	diagLimit     int
}

// NewExec creates an Exec runner. tasks maps task id to the script or
// binary that implements it.
func NewExec(tasks map[string]string, opts ...Option) *Exec {
	e := &Exec{
		tasks:         tasks,
		credentialEnv: "ARCHIVE_TASK_CREDENTIAL",
		diagLimit:     800,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Has reports whether taskID is configured.
func (e *Exec) Has(taskID string) bool {
	_, ok := e.tasks[taskID]
	return ok
}

// Run starts the task and waits for it or the timeout.
func (e *Exec) Run(ctx context.Context, taskID, itemID string, cred credential.Credential, timeout time.Duration) (Result, error) {
	script, ok := e.tasks[taskID]
	if !ok || script == "" {
		return Result{}, resilience.NewConfigError("task %q is not configured", taskID)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	name, args := script, []string{"--item", itemID}
	if e.interpreter != "" {
		name, args = e.interpreter, append([]string{script}, args...)
	}

	cmd := commandContext(ctx, name, args...) //nolint:gosec
	cmd.Dir = e.workDir
	cmd.Env = append(os.Environ(),
		e.credentialEnv+"="+cred.Secret,
		"ARCHIVE_ITEM_ID="+itemID,
		"ARCHIVE_TASK_ID="+taskID,
	)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := zap.L().With(zap.String("task", taskID), zap.String("item", itemID))
	log.Debug("runner: starting task", zap.String("command", name), zap.Duration("timeout", timeout))

	err := cmd.Run()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err == nil {
		res.ExitSuccess = true
		return res, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, eris.Wrapf(context.DeadlineExceeded, "runner: task %s timed out after %s", taskID, timeout)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return res, resilience.NewConfigError("task %q: %v", taskID, err)
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return res, eris.Wrapf(err, "runner: task %s", taskID)
	}

	switch res.ExitCode {
	case ExitNoCapacity:
		return res, eris.Wrapf(resilience.ErrNoCapacity, "runner: task %s", taskID)
	case ExitAuthExpired:
		return res, eris.Wrapf(resilience.ErrAuthExpired, "runner: task %s", taskID)
	}
	return res, &resilience.TaskError{
		TaskID:     taskID,
		ExitCode:   res.ExitCode,
		Diagnostic: res.Diagnostic(e.diagLimit),
	}
}

var _ Runner = (*Exec)(nil)

var benignPatterns = []string{
	"FutureWarning",
	"UserWarning",
	"DeprecationWarning",
	"NotOpenSSLWarning",
	"RuntimeWarning: Couldn't find ffmpeg",
	"warnings.warn(",
}

// FilterNoise drops benign warning lines (and the indented source line
// Python prints beneath each) from task output.
func FilterNoise(out string) string {
	lines := strings.Split(out, "\n")
	kept := make([]string, 0, len(lines))
	skipIndented := false
	for _, line := range lines {
		if skipIndented && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			skipIndented = false
			continue
		}
		skipIndented = false
		if isBenign(line) {
			skipIndented = true
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isBenign(line string) bool {
	for _, p := range benignPatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}
