package conderr

import (
	"errors"
	"strings"
	"testing"
)

func TestKind_Retryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Transient, true},
		{Authentication, false},
		{Configuration, false},
		{Protocol, false},
		{Tool, false},
		{Cancelled, false},
		{Busy, false},
		{CompactionFailed, false},
		{InvariantViolation, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	err := New(Configuration, "instance not found").WithInstance("anthropic-main")
	got := err.Error()
	for _, want := range []string{"configuration", "instance not found", "anthropic-main"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, want it to contain %q", got, want)
		}
	}
}

func TestError_NilReceiver(t *testing.T) {
	var err *Error
	if err.Error() != "" {
		t.Errorf("nil *Error.Error() = %q, want empty", err.Error())
	}
	if err.Unwrap() != nil {
		t.Error("nil *Error.Unwrap() should be nil")
	}
	if err.Diagnostic() != "" {
		t.Errorf("nil *Error.Diagnostic() = %q, want empty", err.Diagnostic())
	}
}

func TestWrap_DefaultsDisplayToCauseMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Transient, cause, "")
	if err.Display != cause.Error() {
		t.Errorf("Display = %q, want %q", err.Display, cause.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestError_Diagnostic(t *testing.T) {
	cause := errors.New("dial tcp: no route to host")
	err := Wrap(Configuration, cause, "missing credentials").
		WithInstance("bedrock-prod").
		WithRemediation("write a credential file for instance id bedrock-prod")

	diag := err.Diagnostic()
	for _, want := range []string{"missing credentials", "suggested fix", "cause:", cause.Error()} {
		if !strings.Contains(diag, want) {
			t.Errorf("Diagnostic() = %q, want it to contain %q", diag, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	err := New(Busy, "agent is already processing a turn")
	kind, ok := KindOf(err)
	if !ok || kind != Busy {
		t.Errorf("KindOf() = (%v, %v), want (%v, true)", kind, ok, Busy)
	}

	if _, ok := KindOf(errors.New("plain error")); ok {
		t.Error("KindOf() on a non-*Error should report ok=false")
	}
}

func TestIs(t *testing.T) {
	if !Is(ErrBusy, Busy) {
		t.Error("expected ErrBusy to be of Kind Busy")
	}
	if Is(ErrCancelled, Busy) {
		t.Error("ErrCancelled should not match Kind Busy")
	}
}

func TestWrappedErrorSurvivesErrorsAs(t *testing.T) {
	cause := New(Authentication, "invalid api key").WithInstance("openai-main")
	wrapped := Wrap(Configuration, cause, "provider setup failed")

	var target *Error
	if !errors.As(wrapped, &target) {
		t.Fatal("expected errors.As to find the outer *Error")
	}
	if target.Kind != Configuration {
		t.Errorf("Kind = %v, want %v", target.Kind, Configuration)
	}
}
