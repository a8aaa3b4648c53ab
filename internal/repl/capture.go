package repl

import (
	"fmt"

	"github.com/replforge/repld/internal/executor"
)

// DefaultOutputLimit is the per-stream capture limit in characters.
const DefaultOutputLimit = 10000

// truncationMarker renders the suffix appended to a truncated stream.
// Truncation is prefix-preserving: the earliest output usually carries the
// progress signal the caller is after.
func truncationMarker(total int) string {
	return fmt.Sprintf("\n... [output truncated - %d chars total]", total)
}

// Truncate bounds text to limit characters, appending a marker naming the
// original length. Text at or under the limit is returned verbatim.
func Truncate(text string, limit int) (string, bool) {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text, false
	}
	return string(runes[:limit]) + truncationMarker(len(runes)), true
}

// FormatStream renders a worker-captured stream for the caller. The worker
// ships a bounded prefix plus the true total length, so the marker stays
// accurate even when the worker withheld most of the output.
func FormatStream(s executor.Stream, limit int) (string, bool) {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	runes := []rune(s.Text)
	if len(runes) > limit {
		runes = runes[:limit]
	}
	total := s.TotalChars
	if total < len(runes) {
		total = len(runes)
	}
	if total <= limit {
		return string(runes), false
	}
	return string(runes) + truncationMarker(total), true
}
