package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("connection refused")
	wrapped := fmt.Errorf("load attempts: %w", Wrap(CodeStorageFailure, cause, "查询失败"))

	if got := CodeOf(wrapped); got != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", got)
	}
	if !RetryableError(wrapped) {
		t.Fatal("storage failures should be retryable")
	}
	if !stdErrors.Is(wrapped, cause) {
		t.Fatal("expected cause to remain reachable")
	}
	if !stdErrors.Is(wrapped, New(CodeStorageFailure, "")) {
		t.Fatal("expected errors.Is to match on code")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if HTTPStatusOf(err) != http.StatusTeapot {
		t.Fatalf("unexpected status %d", HTTPStatusOf(err))
	}
	if err.Retryable() {
		t.Fatal("custom code registered as non retryable")
	}
	if !New(code, "", WithRetryable(true)).Retryable() {
		t.Fatal("option should override registry")
	}
}

func TestUnknownErrors(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown {
		t.Fatal("plain errors should map to UNKNOWN")
	}
	if HTTPStatusOf(plain) != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", HTTPStatusOf(plain))
	}
	if HTTPStatusOf(nil) != http.StatusOK {
		t.Fatal("nil error should map to 200")
	}
}
