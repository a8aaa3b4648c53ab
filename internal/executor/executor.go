// Package executor runs snippets in isolated worker processes.
//
// Each execution spawns a fresh interpreter process in its own process
// group, feeds it the snippet plus a namespace snapshot over stdin, and
// reads a single sentinel-delimited result back. Deadline enforcement is a
// hard SIGKILL of the whole group — never a cooperative signal — so a tight
// loop or blocked read in the snippet cannot outlive its budget.
package executor

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

//go:embed driver.py
var driverSource string

// resultSentinel separates snippet output from the worker's result record on
// the real stdout. Must match the driver script.
const resultSentinel = "\x00REPLD_RESULT\x00"

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTime   = 300 * time.Second
	minTimeout       = 1 * time.Second
	defaultOutputCap = 10000

	// maxStderrBytes caps the worker's raw stderr (interpreter noise, OOM
	// kill messages). Snippet stderr is captured inside the worker and is
	// bounded by the output cap, so this only guards the crash path.
	maxStderrBytes = 1 << 20 // 1 MB

	// waitDelay bounds how long Wait blocks on lingering pipe readers after
	// the process group has been killed.
	waitDelay = 2 * time.Second
)

// ErrUnavailable means the worker interpreter could not be spawned at all —
// host-level resource exhaustion rather than a property of the snippet.
var ErrUnavailable = errors.New("executor unavailable")

// Executor runs one snippet against one namespace snapshot.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Config configures the process executor.
type Config struct {
	// Python is the interpreter binary to spawn. Empty = "python3".
	Python string

	// DefaultTimeout applies when a request carries none. Zero = 30s.
	DefaultTimeout time.Duration

	// MaxTimeout clamps caller-supplied deadlines. Zero = 300s.
	MaxTimeout time.Duration

	// OutputCap is the default per-stream capture limit in characters.
	// Zero = 10000.
	OutputCap int
}

// ProcessExecutor implements Executor with one OS process per execution.
type ProcessExecutor struct {
	python         string
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	outputCap      int
	logger         *slog.Logger
}

// NewProcessExecutor creates a process executor.
func NewProcessExecutor(cfg Config, logger *slog.Logger) *ProcessExecutor {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxTimeout := cfg.MaxTimeout
	if maxTimeout == 0 {
		maxTimeout = defaultMaxTime
	}
	cap := cfg.OutputCap
	if cap <= 0 {
		cap = defaultOutputCap
	}
	return &ProcessExecutor{
		python:         python,
		defaultTimeout: timeout,
		maxTimeout:     maxTimeout,
		outputCap:      cap,
		logger:         logger,
	}
}

// Available reports whether the worker interpreter can be spawned.
// Used as a readiness check.
func (e *ProcessExecutor) Available(ctx context.Context) error {
	if _, err := exec.LookPath(e.python); err != nil {
		return fmt.Errorf("%w: %s not found", ErrUnavailable, e.python)
	}
	return nil
}

// ClampTimeout resolves a caller-supplied deadline against the configured
// default and maximum.
func (e *ProcessExecutor) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return e.defaultTimeout
	}
	if d < minTimeout {
		return minTimeout
	}
	if d > e.maxTimeout {
		return e.maxTimeout
	}
	return d
}

// wireResult is the JSON record the driver writes after the sentinel.
type wireResult struct {
	OK        bool           `json:"ok"`
	Error     string         `json:"error"`
	Value     string         `json:"value"`
	Namespace map[string]any `json:"namespace"`
	Dropped   []string       `json:"dropped"`
	Stdout    Stream         `json:"stdout"`
	Stderr    Stream         `json:"stderr"`
}

type wireRequest struct {
	Code      string         `json:"code"`
	Namespace map[string]any `json:"namespace"`
	OutputCap int            `json:"output_cap"`
}

// Execute runs one snippet in a fresh worker process.
//
// A non-nil error is returned only when the worker could not be spawned
// (ErrUnavailable) or the request could not be serialized. Timeouts and
// crashes are terminal Results, not errors.
func (e *ProcessExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	timeout := e.ClampTimeout(req.Timeout)
	outputCap := req.OutputCap
	if outputCap <= 0 {
		outputCap = e.outputCap
	}

	payload, err := json.Marshal(wireRequest{
		Code:      req.Code,
		Namespace: req.Namespace,
		OutputCap: outputCap,
	})
	if err != nil {
		return nil, fmt.Errorf("serializing execution request: %w", err)
	}

	pythonPath, err := exec.LookPath(e.python)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrUnavailable, e.python)
	}

	// Isolated scratch directory, removed after the run.
	tmpDir, err := os.MkdirTemp("", "repld-worker-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating worker temp dir: %v", ErrUnavailable, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			e.logger.Warn("failed to remove worker temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// -I runs the interpreter in isolated mode: no site-packages, no
	// PYTHON* env influence, no cwd on sys.path.
	cmd := exec.CommandContext(ctx, pythonPath, "-I", "-c", driverSource)
	cmd.Dir = tmpDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = workerEnv(tmpDir)

	// The worker runs in its own process group so the kill reaches any
	// children the snippet spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stdoutBuf bytes.Buffer
	var stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxStderrBytes}

	execID := uuid.NewString()
	e.logger.Debug("worker executing",
		slog.String("execution_id", execID),
		slog.Int("code_bytes", len(req.Code)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		e.logger.Warn("worker killed at deadline",
			slog.String("execution_id", execID),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		return &Result{Outcome: OutcomeTimedOut, Duration: duration}, nil
	}

	result, parseErr := parseWorkerOutput(stdoutBuf.String())
	if parseErr != nil {
		// The worker died before reporting: illegal instruction, OOM kill,
		// interpreter-level failure. Surface whatever diagnostic exists.
		diag := crashDiagnostic(runErr, stderrBuf.String())
		e.logger.Warn("worker crashed",
			slog.String("execution_id", execID),
			slog.String("diagnostic", diag),
			slog.Duration("duration", duration),
		)
		return &Result{Outcome: OutcomeCrashed, Diagnostic: diag, Duration: duration}, nil
	}

	if !result.OK {
		e.logger.Info("snippet raised",
			slog.String("execution_id", execID),
			slog.String("error", result.Error),
			slog.Duration("duration", duration),
		)
		return &Result{
			Outcome:    OutcomeCrashed,
			Diagnostic: result.Error,
			Stdout:     result.Stdout,
			Stderr:     result.Stderr,
			Duration:   duration,
		}, nil
	}

	e.logger.Debug("worker completed",
		slog.String("execution_id", execID),
		slog.Duration("duration", duration),
		slog.Int("stdout_chars", result.Stdout.TotalChars),
		slog.Int("dropped_bindings", len(result.Dropped)),
	)

	return &Result{
		Outcome:       OutcomeCompleted,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ReturnedValue: result.Value,
		Namespace:     result.Namespace,
		Dropped:       result.Dropped,
		Duration:      duration,
	}, nil
}

// parseWorkerOutput extracts the sentinel-delimited result record from the
// worker's real stdout.
func parseWorkerOutput(out string) (*wireResult, error) {
	idx := strings.LastIndex(out, resultSentinel)
	if idx == -1 {
		return nil, errors.New("no result record in worker output")
	}
	raw := out[idx+len(resultSentinel):]
	var result wireResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &result); err != nil {
		return nil, fmt.Errorf("decoding worker result: %w", err)
	}
	return &result, nil
}

// crashDiagnostic builds a non-empty diagnostic from the process error and
// captured stderr.
func crashDiagnostic(runErr error, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	const tail = 2000
	if len(stderr) > tail {
		stderr = "..." + stderr[len(stderr)-tail:]
	}
	switch {
	case stderr != "" && runErr != nil:
		return fmt.Sprintf("%v: %s", runErr, stderr)
	case stderr != "":
		return stderr
	case runErr != nil:
		return runErr.Error()
	default:
		return "worker exited without reporting a result"
	}
}

// workerEnv builds a minimal environment for the worker. The host's
// environment is never inherited, so credentials cannot leak into snippets.
func workerEnv(tmpDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"PYTHONIOENCODING=utf-8",
	}
}

// limitedWriter stops writing after a byte limit; excess is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
