package httpapi

import (
	"encoding/hex"
	"testing"

	"github.com/replforge/repld/internal/executor"
)

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		in   executor.Outcome
		want string
	}{
		{executor.OutcomeCompleted, "completed"},
		{executor.OutcomeTimedOut, "timed_out"},
		{executor.OutcomeCrashed, "crashed"},
		{executor.Outcome("???"), "unknown"},
	}
	for _, tt := range tests {
		if got := outcomeString(tt.in); got != tt.want {
			t.Errorf("outcomeString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewCorrelationID(t *testing.T) {
	id := newCorrelationID()
	if len(id) != 16 {
		t.Errorf("len = %d, want 16", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Errorf("not hex: %v", err)
	}
	if newCorrelationID() == id {
		t.Error("correlation ids should not repeat")
	}
}
