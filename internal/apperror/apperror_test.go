package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindSentinelsMatchAnyMessage(t *testing.T) {
	err := fmt.Errorf("load order: %w", NotFound("order %s not found", "ord-1"))

	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped not-found error to match sentinel")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("not-found error must not match conflict sentinel")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected kind not_found, got %s", KindOf(err))
	}
}

func TestUnknownErrorsAreInternal(t *testing.T) {
	err := errors.New("connection reset")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind, got %s", KindOf(err))
	}
	if HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", HTTPStatus(err))
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{Validation("quantity must be positive"), http.StatusBadRequest},
		{NotFound("session missing"), http.StatusNotFound},
		{Conflict("session already open"), http.StatusConflict},
		{InsufficientStock("only 2 left"), http.StatusConflict},
		{InvalidState("order already refunded"), http.StatusConflict},
		{Internal(errors.New("boom"), "persist order"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, got)
		}
	}
}

func TestInternalUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal(cause, "append cash transaction")
	if !errors.Is(err, cause) {
		t.Fatalf("expected internal error to unwrap its cause")
	}
	if err.Error() != "append cash transaction: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
