// Package localexec runs component artifacts through an allowlisted local
// interpreter. It is the sandbox Executor used by the testing strategies.
package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fentz26/steward/internal/connectors"
)

// allowedInterpreters defines the strict allowlist of interpreters and the
// fixed arguments each one is started with.
var allowedInterpreters = map[string][]string{
	"python3": {"-I"},
	"node":    {},
	"sh":      {},
}

// ErrNotAllowed is returned for interpreters outside the allowlist.
var ErrNotAllowed = errors.New("interpreter not allowed")

// response is what an artifact prints on stdout.
type response struct {
	Output     json.RawMessage `json:"output"`
	ErrorClass string          `json:"error_class"`
	Error      string          `json:"error"`
}

// LocalExec implements connectors.Executor by writing the artifact to a
// scratch directory and running it with the input on stdin.
type LocalExec struct {
	interpreter string
	workDir     string
	timeout     time.Duration
}

// New creates a new LocalExec executor. An empty workDir uses the system
// temporary directory.
func New(interpreter, workDir string, timeout time.Duration) *LocalExec {
	return &LocalExec{interpreter: interpreter, workDir: workDir, timeout: timeout}
}

// Name returns the executor identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if an interpreter is in the allowlist.
func IsAllowed(interpreter string) bool {
	_, ok := allowedInterpreters[interpreter]
	return ok
}

// Execute runs the artifact's entry point with input. A non-zero exit or an
// error reported by the artifact is returned as a failed ExecResult, not as
// an error; errors are reserved for sandbox problems.
func (l *LocalExec) Execute(ctx context.Context, artifact, entryPoint string, input json.RawMessage) (*connectors.ExecResult, error) {
	fixed, ok := allowedInterpreters[l.interpreter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, l.interpreter)
	}

	dir, err := os.MkdirTemp(l.workDir, "steward-exec-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "artifact")
	if err := os.WriteFile(path, []byte(artifact), 0600); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	args := append(append([]string{}, fixed...), path, entryPoint)
	execCmd := exec.CommandContext(ctx, l.interpreter, args...)
	execCmd.Dir = dir
	execCmd.WaitDelay = time.Second
	execCmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + dir}
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	execCmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err = execCmd.Run()
	result := &connectors.ExecResult{DurationMS: time.Since(start).Milliseconds()}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("exec %s: %w", l.interpreter, ctx.Err())
	}
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		result.ErrorClass = "ExitError"
		result.Error = fmt.Sprintf("exit code %d: %s", exitError.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
		return result, nil
	}

	var resp response
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		result.ErrorClass = "ProtocolError"
		result.Error = fmt.Sprintf("decode artifact output: %v", err)
		return result, nil
	}
	result.Output = resp.Output
	result.ErrorClass = resp.ErrorClass
	result.Error = resp.Error
	if result.Error != "" && result.ErrorClass == "" {
		result.ErrorClass = "Error"
	}
	return result, nil
}
