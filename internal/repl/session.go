// Package repl implements stateful analysis sessions: named namespaces that
// hold large loaded content, execute snippets against it in isolated worker
// processes, and hand back only small derived results.
package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/replforge/repld/internal/executor"
	"github.com/replforge/repld/internal/observability"
)

const (
	// DefaultContextBinding is the name a single-file load binds its text
	// under. Part of the documented external interface, not hidden state.
	DefaultContextBinding = "context"

	// DefaultFilesBinding is the name a multi-file load binds its
	// path→text mapping under.
	DefaultFilesBinding = "files"

	// contextLengthBinding is the derived binding carrying the loaded size.
	contextLengthBinding = "context_length"

	// filePathBinding is the derived binding carrying the loaded path.
	filePathBinding = "file_path"

	previewChars = 500
)

// Limits bounds a session's resource usage. Zero values mean unlimited
// except where noted.
type Limits struct {
	// OutputLimit is the per-stream capture limit in characters.
	// Zero = DefaultOutputLimit.
	OutputLimit int

	// MaxExecutions caps executions per session. Zero = unlimited.
	MaxExecutions int

	// MaxResets caps resets per session. Zero = unlimited.
	MaxResets int

	// SmallFileThreshold marks loads below this many bytes with a note that
	// direct reading would have been cheaper. Zero = 50000.
	SmallFileThreshold int
}

func (l Limits) outputLimit() int {
	if l.OutputLimit <= 0 {
		return DefaultOutputLimit
	}
	return l.OutputLimit
}

func (l Limits) smallFileThreshold() int {
	if l.SmallFileThreshold <= 0 {
		return 50000
	}
	return l.SmallFileThreshold
}

// Session binds one namespace with its execution history. At most one
// execution runs at a time; concurrent attempts are rejected with
// ErrSessionBusy rather than queued, so callers always observe the
// rejection instead of a silent stall.
type Session struct {
	id      string
	ns      *Namespace
	exec    executor.Executor
	limits  Limits
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	// execMu serializes executions; TryLock failure is the busy signal.
	execMu sync.Mutex
	// executing is readable without the lock, for the eviction sweep.
	executing atomic.Bool

	mu             sync.Mutex
	createdAt      time.Time
	lastAccess     time.Time
	executionCount int
	resetCount     int
}

func newSession(id string, exec executor.Executor, limits Limits, logger *slog.Logger, metrics *observability.MetricsCollector) *Session {
	now := time.Now()
	return &Session{
		id:         id,
		ns:         NewNamespace(),
		exec:       exec,
		limits:     limits,
		logger:     logger.With(slog.String("session_id", id)),
		metrics:    metrics,
		createdAt:  now,
		lastAccess: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Executing reports whether an execution is currently in flight.
func (s *Session) Executing() bool { return s.executing.Load() }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// IdleFor returns how long ago the session was last used.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastAccess)
}

// LoadReport describes a completed single-file load.
type LoadReport struct {
	BindName  string
	Path      string
	Chars     int
	Lines     int
	Preview   string
	SmallFile bool
}

// LoadFile reads the file at path and binds its text under bindName
// (DefaultContextBinding when empty). The derived bindings context_length
// and file_path are set alongside. The content itself never travels back to
// the caller — only the report.
func (s *Session) LoadFile(path, bindName string) (*LoadReport, error) {
	s.touch()
	if bindName == "" {
		bindName = DefaultContextBinding
	}

	text, err := readTextFile(path)
	if err != nil {
		return nil, err
	}

	s.ns.Set(bindName, text)
	s.ns.Set(contextLengthBinding, len(text))
	s.ns.Set(filePathBinding, path)

	report := &LoadReport{
		BindName:  bindName,
		Path:      path,
		Chars:     len(text),
		Lines:     strings.Count(text, "\n") + 1,
		Preview:   preview(text),
		SmallFile: len(text) < s.limits.smallFileThreshold(),
	}

	s.logger.Info("file loaded",
		slog.String("path", path),
		slog.String("bind_name", bindName),
		slog.Int("chars", report.Chars),
	)
	if s.metrics != nil {
		s.metrics.LoadedBytesTotal.Add(float64(len(text)))
	}
	return report, nil
}

// FileResult is the per-file outcome of a multi-file load.
type FileResult struct {
	Path  string
	Name  string
	Chars int
	Err   error
}

// MultiLoadReport describes a multi-file load. Per-file failures are
// collected, not fail-fast, so partial success is visible.
type MultiLoadReport struct {
	BindName   string
	Files      []FileResult
	TotalChars int
	Loaded     int
	SmallFiles bool
}

// LoadFiles reads each path and binds a name→text mapping under bindName
// (DefaultFilesBinding when empty). Mapping keys default to the file base
// name; a parallel names slice overrides them positionally.
func (s *Session) LoadFiles(paths, names []string, bindName string) (*MultiLoadReport, error) {
	s.touch()
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no paths given", ErrNotFound)
	}
	if bindName == "" {
		bindName = DefaultFilesBinding
	}

	mapping := make(map[string]any, len(paths))
	report := &MultiLoadReport{BindName: bindName}
	for i, path := range paths {
		name := filepath.Base(path)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		text, err := readTextFile(path)
		if err != nil {
			report.Files = append(report.Files, FileResult{Path: path, Name: name, Err: err})
			continue
		}
		mapping[name] = text
		report.TotalChars += len(text)
		report.Loaded++
		report.Files = append(report.Files, FileResult{Path: path, Name: name, Chars: len(text)})
	}

	if report.Loaded == 0 {
		return report, fmt.Errorf("%w: none of %d paths could be loaded", ErrNotFound, len(paths))
	}

	s.ns.Set(bindName, mapping)
	s.ns.Set(contextLengthBinding, report.TotalChars)
	report.SmallFiles = report.TotalChars < s.limits.smallFileThreshold()

	s.logger.Info("files loaded",
		slog.Int("requested", len(paths)),
		slog.Int("loaded", report.Loaded),
		slog.Int("total_chars", report.TotalChars),
	)
	if s.metrics != nil {
		s.metrics.LoadedBytesTotal.Add(float64(report.TotalChars))
	}
	return report, nil
}

// ExecResult is the caller-facing outcome of one execution.
type ExecResult struct {
	Outcome executor.Outcome

	Stdout    string
	Stderr    string
	Truncated bool

	// ReturnedValue holds the rendered value of a single-expression
	// snippet. Empty otherwise.
	ReturnedValue string

	// Diagnostic is set when Outcome is OutcomeCrashed.
	Diagnostic string

	// Warnings lists bindings dropped during namespace handoff.
	Warnings []string

	ExecutionCount int
	// Remaining is the execution budget left, -1 when unlimited.
	Remaining int

	Duration time.Duration
}

// Execute runs one snippet against the session's namespace.
//
// The namespace is mutated only when the worker completes: a timeout or
// crash leaves it byte-identical to its pre-execution state. The session
// always returns to idle, whatever the outcome.
func (s *Session) Execute(ctx context.Context, code string, timeout time.Duration) (*ExecResult, error) {
	if !s.execMu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.execMu.Unlock()
	s.executing.Store(true)
	defer s.executing.Store(false)

	s.touch()

	s.mu.Lock()
	if s.limits.MaxExecutions > 0 && s.executionCount >= s.limits.MaxExecutions {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (%d executions used)", ErrExecutionBudget, s.limits.MaxExecutions)
	}
	s.executionCount++
	count := s.executionCount
	s.mu.Unlock()

	snapshot, skipped := s.ns.Snapshot()

	res, err := s.exec.Execute(ctx, executor.Request{
		Code:      code,
		Namespace: snapshot,
		Timeout:   timeout,
		OutputCap: s.limits.outputLimit(),
	})
	if err != nil {
		return nil, err
	}

	out := &ExecResult{
		Outcome:        res.Outcome,
		ReturnedValue:  res.ReturnedValue,
		Diagnostic:     res.Diagnostic,
		ExecutionCount: count,
		Remaining:      s.remaining(count),
		Duration:       res.Duration,
	}
	for _, name := range skipped {
		out.Warnings = append(out.Warnings, "binding "+name+" could not be sent to the worker and was omitted")
	}

	limit := s.limits.outputLimit()
	var stdoutTrunc, stderrTrunc bool
	out.Stdout, stdoutTrunc = FormatStream(res.Stdout, limit)
	out.Stderr, stderrTrunc = FormatStream(res.Stderr, limit)
	out.Truncated = stdoutTrunc || stderrTrunc
	if out.Truncated && s.metrics != nil {
		s.metrics.OutputTruncationsTotal.Inc()
	}

	if res.Outcome == executor.OutcomeCompleted {
		s.ns.Merge(res.Namespace)
		for _, name := range res.Dropped {
			out.Warnings = append(out.Warnings, "binding "+name+" could not be serialized back and was dropped")
		}
		if len(res.Dropped) > 0 {
			s.logger.Warn("bindings dropped during merge",
				slog.Any("names", res.Dropped),
			)
		}
	}

	s.touch()
	return out, nil
}

func (s *Session) remaining(count int) int {
	if s.limits.MaxExecutions <= 0 {
		return -1
	}
	return s.limits.MaxExecutions - count
}

// GetVariable renders the bound value for transport: strings verbatim,
// containers as JSON, anything unserializable as a descriptive placeholder.
// The rendering is bounded by maxLen characters (0 = the output limit).
func (s *Session) GetVariable(name string, maxLen int) (string, error) {
	s.touch()
	value, ok := s.ns.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: variable %q", ErrNotFound, name)
	}
	if maxLen <= 0 {
		maxLen = s.limits.outputLimit()
	}

	var rendered string
	switch v := value.(type) {
	case string:
		rendered = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			rendered = fmt.Sprintf("<unserializable value of type %T>", value)
		} else {
			rendered = string(data)
		}
	}
	rendered, _ = Truncate(rendered, maxLen)
	return rendered, nil
}

// Info is a snapshot of session metadata.
type Info struct {
	ID             string
	Variables      []string
	TotalSizeBytes int
	ExecutionCount int
	// Remaining is the execution budget left, -1 when unlimited.
	Remaining int
	Idle      time.Duration
	CreatedAt time.Time
}

// Info reports the session's bound names, approximate namespace size,
// execution count, and idle duration. It does not count as activity.
func (s *Session) Info() Info {
	s.mu.Lock()
	count := s.executionCount
	idle := time.Since(s.lastAccess)
	created := s.createdAt
	s.mu.Unlock()

	return Info{
		ID:             s.id,
		Variables:      s.ns.Names(),
		TotalSizeBytes: s.ns.ApproxSize(),
		ExecutionCount: count,
		Remaining:      s.remaining(count),
		Idle:           idle,
		CreatedAt:      created,
	}
}

// Reset clears the namespace and history. The identifier stays valid for
// reuse. Fails with ErrResetBudget once the configured reset allowance is
// spent.
func (s *Session) Reset() error {
	if !s.execMu.TryLock() {
		return ErrSessionBusy
	}
	defer s.execMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limits.MaxResets > 0 && s.resetCount >= s.limits.MaxResets {
		return fmt.Errorf("%w (%d resets used)", ErrResetBudget, s.limits.MaxResets)
	}
	s.resetCount++
	s.executionCount = 0
	s.lastAccess = time.Now()
	s.ns.Clear()

	s.logger.Info("session reset", slog.Int("reset_count", s.resetCount))
	if s.metrics != nil {
		s.metrics.SessionResetsTotal.Inc()
	}
	return nil
}

// readTextFile reads a file fully and validates it decodes as text.
func readTextFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrDecode, path)
	}
	return string(data), nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewChars {
		return text
	}
	return string(runes[:previewChars]) + "..."
}
