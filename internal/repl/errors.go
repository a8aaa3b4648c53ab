package repl

import "errors"

// Error taxonomy surfaced to dispatch layers. Timeouts and crashes are not
// errors — they are terminal outcomes on ExecResult — so everything here is
// either a precondition failure or a host-level fault.
var (
	// ErrNotFound covers missing paths, variables, and sessions.
	ErrNotFound = errors.New("not found")

	// ErrDecode means file content could not be decoded as text.
	ErrDecode = errors.New("content is not valid text")

	// ErrSessionBusy rejects a second execution against a session that
	// already has one in flight.
	ErrSessionBusy = errors.New("session busy: an execution is already running")

	// ErrExecutionBudget means the session's execution allowance is spent.
	ErrExecutionBudget = errors.New("execution budget exhausted: summarize findings from results already gathered")

	// ErrResetBudget means the session has been reset too many times.
	ErrResetBudget = errors.New("reset budget exhausted")
)
