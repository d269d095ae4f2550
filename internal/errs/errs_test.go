package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
		ok   bool
	}{
		{"user", User("bad room %q", "foo"), KindUser, true},
		{"permission", PermissionDenied("tool %s not allowed", "shell"), KindPermissionDenied, true},
		{"busy", Busy("room queue full"), KindBusy, true},
		{"retryable provider", RetryableProvider(errors.New("timeout"), "call failed"), KindRetryableProvider, true},
		{"permanent tool", PermanentTool(errors.New("bad schema"), "args invalid"), KindPermanentTool, true},
		{"wrapped", fmt.Errorf("context: %w", Corruption("missing parent")), KindCorruption, true},
		{"plain error", errors.New("boom"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := KindOf(tt.err)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("KindOf() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(RetryableTool(nil, "x")) {
		t.Fatal("RetryableTool should be retryable")
	}
	if !Retryable(Busy("x")) {
		t.Fatal("Busy should be retryable")
	}
	if Retryable(PermanentTool(nil, "x")) {
		t.Fatal("PermanentTool should not be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Fatal("plain errors should not be retryable")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"user", User("bad arg"), 2},
		{"permission", PermissionDenied("nope"), 3},
		{"permanent", PermanentProvider(nil, "4xx"), 4},
		{"unknown", errors.New("plain"), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", SecurityFlag("credential leaked"))
	if !Is(err, KindSecurityFlag) {
		t.Fatal("Is should see through fmt.Errorf wrapping")
	}
	if Is(err, KindBusy) {
		t.Fatal("Is should not match the wrong kind")
	}
}
