package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"

	"github.com/sells-group/archive-flow/internal/model"
)

// ErrAuthExpired signals that the credential used for a call has expired and
// must be refreshed before the call is retried.
var ErrAuthExpired = eris.New("credential expired")

// ErrNoCapacity signals that the shared task quota has no capacity right now.
// It is always retryable.
var ErrNoCapacity = eris.New("no task capacity available")

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// ConfigError reports a setup problem, such as an unknown task id. It is
// never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "configuration: " + e.Msg
}

// NewConfigError builds a ConfigError from a format string.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// TaskError is a task that ran and exited unsuccessfully.
type TaskError struct {
	TaskID   string
	ExitCode int
	// Diagnostic is the filtered stderr/stdout payload.
	Diagnostic string
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("task %s exited with code %d", e.TaskID, e.ExitCode)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

// GateError wraps a quality-gate evaluator failure.
type GateError struct {
	Err error
}

func (e *GateError) Error() string {
	return "quality gate: " + e.Err.Error()
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures, exhausted quota, expired credentials).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, ErrNoCapacity) || errors.Is(err, ErrAuthExpired) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// Classify maps an error onto the engine's failure taxonomy. Configuration
// errors win over everything else because they must never be retried.
func Classify(err error) model.ErrorClass {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return model.ErrorClassConfiguration
	}
	var ge *GateError
	if errors.As(err, &ge) {
		return model.ErrorClassGateFailure
	}
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return model.ErrorClassTaskFailure
	}
	if IsTransient(err) {
		return model.ErrorClassTransient
	}
	return model.ErrorClassTaskFailure
}
