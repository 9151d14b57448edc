package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

// TestHTTPStatusForCode checks the status each code renders with.
func TestHTTPStatusForCode(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{VAULT_VALIDATION, http.StatusBadRequest},
		{VAULT_NOT_FOUND, http.StatusNotFound},
		{VAULT_LINK_UNAVAILABLE, http.StatusNotFound},
		{VAULT_LINK_EXPIRED, http.StatusGone},
		{VAULT_LINK_EXHAUSTED, http.StatusGone},
		{VAULT_PIN_INVALID, http.StatusUnauthorized},
		{VAULT_FORBIDDEN, http.StatusForbidden},
		{VAULT_CONFLICT, http.StatusConflict},
		{VAULT_INTERNAL, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x", "").HTTPStatus; got != tt.want {
			t.Errorf("status for %s: got %v want %v", tt.code, got, tt.want)
		}
	}
}

// TestCodeOf checks code extraction through wrapping.
func TestCodeOf(t *testing.T) {
	base := New(VAULT_CONFLICT, "already submitted", "")
	wrapped := fmt.Errorf("submit: %w", base)

	if got := CodeOf(wrapped); got != VAULT_CONFLICT {
		t.Errorf("CodeOf() = %v, want %v", got, VAULT_CONFLICT)
	}
	if !Is(wrapped, VAULT_CONFLICT) {
		t.Error("Is() = false, want true")
	}
	if got := CodeOf(stderrors.New("boom")); got != VAULT_INTERNAL {
		t.Errorf("CodeOf(plain) = %v, want %v", got, VAULT_INTERNAL)
	}
	if Is(nil, VAULT_INTERNAL) {
		t.Error("Is(nil) = true, want false")
	}
}

// TestWrapUnwrap checks that causes stay reachable.
func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(VAULT_INTERNAL, "failed to load document", cause)
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if From(cause).Code != VAULT_INTERNAL {
		t.Errorf("From(plain).Code = %v, want %v", From(cause).Code, VAULT_INTERNAL)
	}
}
