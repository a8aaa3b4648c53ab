package repl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replforge/repld/internal/executor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor returns a canned result and records the last request. When
// block is non-nil, Execute signals started and then waits for block to
// close, which lets tests hold a session in the Executing state.
type fakeExecutor struct {
	mu      sync.Mutex
	lastReq executor.Request
	result  *executor.Result
	err     error

	block   chan struct{}
	started chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.block != nil {
		close(f.started)
		<-f.block
	}
	return f.result, f.err
}

func (f *fakeExecutor) last() executor.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

func completedResult() *executor.Result {
	return &executor.Result{
		Outcome:   executor.OutcomeCompleted,
		Stdout:    executor.Stream{Text: "done\n", TotalChars: 5},
		Namespace: map[string]any{},
		Duration:  10 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, exec executor.Executor, limits Limits) *Session {
	t.Helper()
	return newSession("test", exec, limits, testLogger(), nil)
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSession_LoadFile(t *testing.T) {
	content := "line one\nline two\nline three"
	path := writeTempFile(t, "notes.txt", content)

	s := newTestSession(t, &fakeExecutor{}, Limits{})
	report, err := s.LoadFile(path, "")
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if report.BindName != DefaultContextBinding {
		t.Errorf("bind name = %q, want %q", report.BindName, DefaultContextBinding)
	}
	if report.Chars != len(content) {
		t.Errorf("chars = %d, want %d", report.Chars, len(content))
	}
	if report.Lines != 3 {
		t.Errorf("lines = %d, want 3", report.Lines)
	}
	if report.Preview != content {
		t.Errorf("short file preview should be the whole content")
	}
	if !report.SmallFile {
		t.Error("expected small-file flag for a tiny file")
	}

	if v, ok := s.ns.Get(DefaultContextBinding); !ok || v != content {
		t.Error("context binding not set")
	}
	if v, _ := s.ns.Get(contextLengthBinding); v != len(content) {
		t.Errorf("context_length = %v, want %d", v, len(content))
	}
	if v, _ := s.ns.Get(filePathBinding); v != path {
		t.Errorf("file_path = %v, want %s", v, path)
	}
}

func TestSession_LoadFile_CustomBinding(t *testing.T) {
	path := writeTempFile(t, "log.txt", "hello")

	s := newTestSession(t, &fakeExecutor{}, Limits{})
	report, err := s.LoadFile(path, "logdata")
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if report.BindName != "logdata" {
		t.Errorf("bind name = %q, want logdata", report.BindName)
	}
	if _, ok := s.ns.Get("logdata"); !ok {
		t.Error("custom binding not set")
	}
}

func TestSession_LoadFile_PreviewCapped(t *testing.T) {
	path := writeTempFile(t, "big.txt", strings.Repeat("x", 2000))

	s := newTestSession(t, &fakeExecutor{}, Limits{})
	report, err := s.LoadFile(path, "")
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	want := strings.Repeat("x", previewChars) + "..."
	if report.Preview != want {
		t.Errorf("preview length = %d, want %d", len(report.Preview), len(want))
	}
}

func TestSession_LoadFile_NotFound(t *testing.T) {
	s := newTestSession(t, &fakeExecutor{}, Limits{})
	_, err := s.LoadFile(filepath.Join(t.TempDir(), "nope.txt"), "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSession_LoadFile_InvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "binary.dat")
	if err := os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x01}, 0o600); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(t, &fakeExecutor{}, Limits{})
	_, err := s.LoadFile(path, "")
	if !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestSession_LoadFile_LargeNotSmall(t *testing.T) {
	path := writeTempFile(t, "big.txt", strings.Repeat("a", 100))

	s := newTestSession(t, &fakeExecutor{}, Limits{SmallFileThreshold: 50})
	report, err := s.LoadFile(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.SmallFile {
		t.Error("file above threshold should not carry the small-file flag")
	}
}

func TestSession_LoadFiles(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.log")
	p2 := filepath.Join(dir, "b.log")
	os.WriteFile(p1, []byte("aaaa"), 0o600)
	os.WriteFile(p2, []byte("bb"), 0o600)
	missing := filepath.Join(dir, "gone.log")

	s := newTestSession(t, &fakeExecutor{}, Limits{})
	report, err := s.LoadFiles([]string{p1, p2, missing}, nil, "")
	if err != nil {
		t.Fatalf("LoadFiles error: %v", err)
	}

	if report.Loaded != 2 {
		t.Errorf("loaded = %d, want 2", report.Loaded)
	}
	if report.TotalChars != 6 {
		t.Errorf("total chars = %d, want 6", report.TotalChars)
	}
	if len(report.Files) != 3 {
		t.Fatalf("file results = %d, want 3", len(report.Files))
	}
	if report.Files[2].Err == nil {
		t.Error("missing file should carry a per-file error")
	}

	v, ok := s.ns.Get(DefaultFilesBinding)
	if !ok {
		t.Fatal("files binding not set")
	}
	mapping := v.(map[string]any)
	if mapping["a.log"] != "aaaa" || mapping["b.log"] != "bb" {
		t.Errorf("mapping = %v", mapping)
	}
	if cl, _ := s.ns.Get(contextLengthBinding); cl != 6 {
		t.Errorf("context_length = %v, want 6", cl)
	}
}

func TestSession_LoadFiles_NameOverrides(t *testing.T) {
	p1 := writeTempFile(t, "a.log", "x")

	s := newTestSession(t, &fakeExecutor{}, Limits{})
	report, err := s.LoadFiles([]string{p1}, []string{"renamed"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if report.Files[0].Name != "renamed" {
		t.Errorf("name = %q, want renamed", report.Files[0].Name)
	}

	v, _ := s.ns.Get(DefaultFilesBinding)
	if _, ok := v.(map[string]any)["renamed"]; !ok {
		t.Error("override name missing from mapping")
	}
}

func TestSession_LoadFiles_AllFail(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t, &fakeExecutor{}, Limits{})

	report, err := s.LoadFiles([]string{
		filepath.Join(dir, "x.txt"),
		filepath.Join(dir, "y.txt"),
	}, nil, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if report == nil || len(report.Files) != 2 {
		t.Error("expected a report carrying both per-file failures")
	}
	if _, ok := s.ns.Get(DefaultFilesBinding); ok {
		t.Error("all-fail load must not bind anything")
	}
}

func TestSession_Execute_Completed(t *testing.T) {
	fake := &fakeExecutor{result: &executor.Result{
		Outcome:   executor.OutcomeCompleted,
		Stdout:    executor.Stream{Text: "42\n", TotalChars: 3},
		Namespace: map[string]any{"answer": float64(42)},
		Duration:  5 * time.Millisecond,
	}}
	s := newTestSession(t, fake, Limits{})
	s.ns.Set("existing", "kept")

	res, err := s.Execute(context.Background(), "answer = 42\nprint(answer)", 0)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Outcome != executor.OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
	if res.Stdout != "42\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", res.ExecutionCount)
	}
	if res.Remaining != -1 {
		t.Errorf("remaining = %d, want -1 for unlimited", res.Remaining)
	}

	// Completed executions merge the worker namespace back.
	if v, _ := s.ns.Get("answer"); v != float64(42) {
		t.Errorf("answer = %v, want 42", v)
	}
	if v, _ := s.ns.Get("existing"); v != "kept" {
		t.Errorf("existing binding lost: %v", v)
	}
}

func TestSession_Execute_SnapshotHandoff(t *testing.T) {
	fake := &fakeExecutor{result: completedResult()}
	s := newTestSession(t, fake, Limits{OutputLimit: 777})
	s.ns.Set("data", "payload")

	if _, err := s.Execute(context.Background(), "pass", 3*time.Second); err != nil {
		t.Fatal(err)
	}

	req := fake.last()
	if req.Namespace["data"] != "payload" {
		t.Error("snapshot missing binding")
	}
	if req.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", req.Timeout)
	}
	if req.OutputCap != 777 {
		t.Errorf("output cap = %d, want 777", req.OutputCap)
	}
}

func TestSession_Execute_TimedOutKeepsNamespace(t *testing.T) {
	fake := &fakeExecutor{result: &executor.Result{
		Outcome: executor.OutcomeTimedOut,
		Stdout:  executor.Stream{Text: "partial", TotalChars: 7},
	}}
	s := newTestSession(t, fake, Limits{})
	s.ns.Set("data", "before")

	res, err := s.Execute(context.Background(), "while True: pass", time.Second)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Outcome != executor.OutcomeTimedOut {
		t.Errorf("outcome = %v, want timed_out", res.Outcome)
	}
	if v, _ := s.ns.Get("data"); v != "before" {
		t.Error("timeout must leave the namespace unchanged")
	}
	if s.Executing() {
		t.Error("session should be idle after a timeout")
	}
}

func TestSession_Execute_CrashedKeepsNamespace(t *testing.T) {
	fake := &fakeExecutor{result: &executor.Result{
		Outcome:    executor.OutcomeCrashed,
		Diagnostic: "ZeroDivisionError: division by zero",
		Namespace:  map[string]any{"leak": true},
	}}
	s := newTestSession(t, fake, Limits{})

	res, err := s.Execute(context.Background(), "1/0", 0)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Diagnostic == "" {
		t.Error("expected diagnostic on crash")
	}
	if _, ok := s.ns.Get("leak"); ok {
		t.Error("crashed execution must not merge anything")
	}
}

func TestSession_Execute_Busy(t *testing.T) {
	fake := &fakeExecutor{
		result:  completedResult(),
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	s := newTestSession(t, fake, Limits{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "slow", 0)
		done <- err
	}()
	<-fake.started

	if !s.Executing() {
		t.Error("session should report Executing while a run is in flight")
	}
	if _, err := s.Execute(context.Background(), "fast", 0); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("concurrent execute err = %v, want ErrSessionBusy", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("concurrent reset err = %v, want ErrSessionBusy", err)
	}

	close(fake.block)
	if err := <-done; err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	if s.Executing() {
		t.Error("session should be idle after completion")
	}
}

func TestSession_Execute_Budget(t *testing.T) {
	fake := &fakeExecutor{result: completedResult()}
	s := newTestSession(t, fake, Limits{MaxExecutions: 2})

	res, err := s.Execute(context.Background(), "1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", res.Remaining)
	}

	res, err = s.Execute(context.Background(), "2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}

	if _, err := s.Execute(context.Background(), "3", 0); !errors.Is(err, ErrExecutionBudget) {
		t.Errorf("err = %v, want ErrExecutionBudget", err)
	}
}

func TestSession_Execute_ExecutorError(t *testing.T) {
	fake := &fakeExecutor{err: executor.ErrUnavailable}
	s := newTestSession(t, fake, Limits{})

	if _, err := s.Execute(context.Background(), "1", 0); !errors.Is(err, executor.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if s.Executing() {
		t.Error("session should be idle after an executor error")
	}
}

func TestSession_Execute_DroppedWarnings(t *testing.T) {
	fake := &fakeExecutor{result: &executor.Result{
		Outcome:   executor.OutcomeCompleted,
		Namespace: map[string]any{"ok": 1},
		Dropped:   []string{"sock", "fh"},
	}}
	s := newTestSession(t, fake, Limits{})

	res, err := s.Execute(context.Background(), "import socket", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("warnings = %v, want 2 entries", res.Warnings)
	}
	for _, w := range res.Warnings {
		if !strings.Contains(w, "dropped") {
			t.Errorf("warning %q should mention the drop", w)
		}
	}
}

func TestSession_Execute_Truncation(t *testing.T) {
	fake := &fakeExecutor{result: &executor.Result{
		Outcome:   executor.OutcomeCompleted,
		Stdout:    executor.Stream{Text: strings.Repeat("z", 50), TotalChars: 9999},
		Namespace: map[string]any{},
	}}
	s := newTestSession(t, fake, Limits{OutputLimit: 50})

	res, err := s.Execute(context.Background(), "print('z' * 9999)", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("expected truncated flag")
	}
	if !strings.Contains(res.Stdout, "9999 chars total") {
		t.Errorf("stdout marker missing true total: %q", res.Stdout)
	}
}

func TestSession_GetVariable(t *testing.T) {
	s := newTestSession(t, &fakeExecutor{}, Limits{})
	s.ns.Set("text", "plain string")
	s.ns.Set("nums", []any{1, 2, 3})
	s.ns.Set("opaque", make(chan int))

	got, err := s.GetVariable("text", 0)
	if err != nil || got != "plain string" {
		t.Errorf("GetVariable(text) = (%q, %v)", got, err)
	}

	got, err = s.GetVariable("nums", 0)
	if err != nil || got != "[1,2,3]" {
		t.Errorf("GetVariable(nums) = (%q, %v), want [1,2,3]", got, err)
	}

	got, err = s.GetVariable("opaque", 0)
	if err != nil || !strings.Contains(got, "unserializable") {
		t.Errorf("GetVariable(opaque) = (%q, %v), want placeholder", got, err)
	}

	if _, err := s.GetVariable("missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSession_GetVariable_MaxLength(t *testing.T) {
	s := newTestSession(t, &fakeExecutor{}, Limits{})
	s.ns.Set("big", strings.Repeat("a", 100))

	got, err := s.GetVariable("big", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 10)+"\n...") {
		t.Errorf("got %q, want 10-char prefix plus marker", got)
	}
}

func TestSession_Info(t *testing.T) {
	fake := &fakeExecutor{result: completedResult()}
	s := newTestSession(t, fake, Limits{MaxExecutions: 5})
	s.ns.Set("context", "data")

	if _, err := s.Execute(context.Background(), "pass", 0); err != nil {
		t.Fatal(err)
	}

	info := s.Info()
	if info.ID != "test" {
		t.Errorf("id = %q", info.ID)
	}
	if len(info.Variables) != 1 || info.Variables[0] != "context" {
		t.Errorf("variables = %v", info.Variables)
	}
	if info.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", info.ExecutionCount)
	}
	if info.Remaining != 4 {
		t.Errorf("remaining = %d, want 4", info.Remaining)
	}
	if info.TotalSizeBytes == 0 {
		t.Error("expected non-zero namespace size")
	}
}

func TestSession_Reset(t *testing.T) {
	fake := &fakeExecutor{result: completedResult()}
	s := newTestSession(t, fake, Limits{})
	s.ns.Set("data", "stuff")
	if _, err := s.Execute(context.Background(), "pass", 0); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset error: %v", err)
	}

	info := s.Info()
	if len(info.Variables) != 0 {
		t.Errorf("variables after reset = %v, want none", info.Variables)
	}
	if info.ExecutionCount != 0 {
		t.Errorf("execution count after reset = %d, want 0", info.ExecutionCount)
	}
}

func TestSession_Reset_Budget(t *testing.T) {
	s := newTestSession(t, &fakeExecutor{}, Limits{MaxResets: 1})

	if err := s.Reset(); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrResetBudget) {
		t.Errorf("second reset err = %v, want ErrResetBudget", err)
	}
}

func TestSession_Reset_RestoresExecutionBudget(t *testing.T) {
	fake := &fakeExecutor{result: completedResult()}
	s := newTestSession(t, fake, Limits{MaxExecutions: 1})

	if _, err := s.Execute(context.Background(), "1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(context.Background(), "2", 0); !errors.Is(err, ErrExecutionBudget) {
		t.Fatalf("err = %v, want ErrExecutionBudget", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(context.Background(), "3", 0); err != nil {
		t.Errorf("execute after reset: %v", err)
	}
}
