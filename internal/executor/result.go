package executor

import "time"

// Outcome tags the terminal state of one isolated execution.
type Outcome string

const (
	// OutcomeCompleted means the snippet ran to completion; the returned
	// namespace is safe to merge back into the session.
	OutcomeCompleted Outcome = "completed"
	// OutcomeTimedOut means the worker was killed at the deadline. No
	// namespace is returned.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeCrashed means the snippet raised an unhandled error or the
	// worker process died before reporting a result. No namespace is returned.
	OutcomeCrashed Outcome = "crashed"
)

// Request describes one snippet execution against a namespace snapshot.
type Request struct {
	// Code is the snippet to run. Opaque to the executor — no static
	// validation beyond what the interpreter itself performs.
	Code string

	// Namespace is the snapshot handed to the worker. The worker receives a
	// serialized copy; mutating it cannot corrupt the caller's state.
	Namespace map[string]any

	// Timeout is the wall-clock deadline. Zero = executor default.
	Timeout time.Duration

	// OutputCap bounds how many characters of each captured stream the
	// worker ships back. Zero = executor default. The worker always reports
	// the true total length so truncation markers stay accurate.
	OutputCap int
}

// Stream is one captured output stream as reported by the worker: a prefix
// bounded by the output cap plus the total number of characters written.
type Stream struct {
	Text       string `json:"text"`
	TotalChars int    `json:"total"`
}

// Truncated reports whether the worker withheld part of the stream.
func (s Stream) Truncated() bool {
	return s.TotalChars > len([]rune(s.Text))
}

// Result is the single terminal result of a Request.
type Result struct {
	Outcome Outcome

	Stdout Stream
	Stderr Stream

	// ReturnedValue is the rendered value of a single-expression snippet.
	// Empty for statement sequences and None results.
	ReturnedValue string

	// Namespace is the post-execution namespace. Populated only when
	// Outcome is OutcomeCompleted.
	Namespace map[string]any

	// Dropped lists bindings the worker could not serialize back across the
	// process boundary. Non-fatal; surfaced as warnings.
	Dropped []string

	// Diagnostic holds the error text when Outcome is OutcomeCrashed.
	Diagnostic string

	Duration time.Duration
}
