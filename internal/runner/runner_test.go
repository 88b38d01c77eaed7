package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/archive-flow/internal/credential"
	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/resilience"
)

var testCred = credential.Credential{Name: "k1", Secret: "s3cret"}

func useHelper(t *testing.T, mode string, captured *[]string) {
	t.Helper()
	// Exec.Run replaces cmd.Env with os.Environ() plus task variables, so the
	// helper-process variables must live in the parent environment.
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("RUNNER_HELPER_MODE", mode)
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if captured != nil {
			*captured = append([]string{name}, args...)
		}
		return exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("RUNNER_HELPER_MODE") {
	case "success":
		fmt.Println("thumbnails written")
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "/usr/lib/python3/site-packages/torch/x.py:12: FutureWarning: old api")
		fmt.Fprintln(os.Stderr, "  warnings.warn(")
		fmt.Fprintln(os.Stderr, "ffprobe: no such stream")
		os.Exit(2)
	case "capacity":
		os.Exit(ExitNoCapacity)
	case "auth":
		os.Exit(ExitAuthExpired)
	case "sleep":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}

func TestExec_Success(t *testing.T) {
	var captured []string
	useHelper(t, "success", &captured)

	r := NewExec(map[string]string{"thumbnails": "tasks/thumbnails.py"}, WithInterpreter("python3"))
	res, err := r.Run(context.Background(), "thumbnails", "REEL-001", testCred, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, res.ExitSuccess)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "thumbnails written")
	assert.Equal(t, []string{"python3", "tasks/thumbnails.py", "--item", "REEL-001"}, captured)
}

func TestExec_UnknownTaskIsConfigError(t *testing.T) {
	r := NewExec(map[string]string{})
	_, err := r.Run(context.Background(), "nope", "REEL-001", testCred, time.Second)

	var ce *resilience.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, model.ErrorClassConfiguration, resilience.Classify(err))
	assert.False(t, r.Has("nope"))
}

func TestExec_NonZeroExitIsTaskError(t *testing.T) {
	useHelper(t, "failure", nil)

	r := NewExec(map[string]string{"media_info": "media_info"})
	res, err := r.Run(context.Background(), "media_info", "REEL-001", testCred, 10*time.Second)

	var te *resilience.TaskError
	require.ErrorAs(t, err, &te)
	assert.False(t, res.ExitSuccess)
	assert.Equal(t, 2, te.ExitCode)
	assert.Equal(t, "ffprobe: no such stream", te.Diagnostic)
}

func TestExec_ReservedExitCodes(t *testing.T) {
	r := NewExec(map[string]string{"caption": "caption"})

	useHelper(t, "capacity", nil)
	_, err := r.Run(context.Background(), "caption", "IMG-1", testCred, 10*time.Second)
	assert.ErrorIs(t, err, resilience.ErrNoCapacity)

	useHelper(t, "auth", nil)
	_, err = r.Run(context.Background(), "caption", "IMG-1", testCred, 10*time.Second)
	assert.ErrorIs(t, err, resilience.ErrAuthExpired)
}

func TestExec_TimeoutIsTransient(t *testing.T) {
	useHelper(t, "sleep", nil)

	r := NewExec(map[string]string{"process_frames": "frames"})
	start := time.Now()
	_, err := r.Run(context.Background(), "process_frames", "REEL-001", testCred, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, model.ErrorClassTransient, resilience.Classify(err))
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestFilterNoise(t *testing.T) {
	in := strings.Join([]string{
		"/lib/x.py:3: UserWarning: TypedStorage is deprecated",
		"  return self.fget.__get__(instance, owner)()",
		"",
		"Traceback (most recent call last):",
		"  File \"task.py\", line 9",
		"KeyError: 'duration'",
		"urllib3 NotOpenSSLWarning: LibreSSL",
	}, "\n")

	got := FilterNoise(in)
	assert.Equal(t, "Traceback (most recent call last):\n  File \"task.py\", line 9\nKeyError: 'duration'", got)
	assert.Empty(t, FilterNoise("DeprecationWarning: x\n"))
}

func TestResult_Diagnostic(t *testing.T) {
	r := Result{Stderr: "FutureWarning: x", Stdout: "error: out of disk"}
	assert.Equal(t, "error: out of disk", r.Diagnostic(0))

	r = Result{Stderr: "abcdefghij"}
	assert.Equal(t, "fghij", r.Diagnostic(5))

	// "é" is two bytes; a cut inside it moves forward to the next rune.
	r = Result{Stderr: "caf\u00e9 cr\u00e8me"}
	got := r.Diagnostic(3)
	assert.True(t, utf8.ValidString(got), "%q", got)
	assert.Equal(t, "me", got)
}
