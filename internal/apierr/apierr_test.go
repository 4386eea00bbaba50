package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{ValidationFailed, http.StatusBadRequest},
		{AuthRequired, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{PrecheckFailed, http.StatusUnprocessableEntity},
		{ResourceExhausted, http.StatusTooManyRequests},
		{HostLocalError, http.StatusInternalServerError},
		{VersionSkew, http.StatusInternalServerError},
		{Timeout, http.StatusGatewayTimeout},
		{Unavailable, http.StatusServiceUnavailable},
	}

	for _, c := range cases {
		err := New(c.kind, "boom", nil)
		if got := err.Status(); got != c.want {
			t.Errorf("Kind %s: Status() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if New(Conflict, "dup", nil).Retryable() {
		t.Error("Conflict should not be retryable")
	}
	if !New(Timeout, "slow", nil).Retryable() {
		t.Error("Timeout should be retryable")
	}
	if !New(Unavailable, "down", nil).Retryable() {
		t.Error("Unavailable should be retryable")
	}
}

func TestWrapPreservesKind(t *testing.T) {
	inner := New(NotFound, "vm not found", nil)
	wrapped := Wrap(inner, "fallback")
	if wrapped.Kind != NotFound {
		t.Errorf("Wrap() did not preserve Kind, got %s", wrapped.Kind)
	}
}

func TestWrapClassifiesUnknown(t *testing.T) {
	wrapped := Wrap(errors.New("disk full"), "could not write file")
	if wrapped.Kind != HostLocalError {
		t.Errorf("Wrap() of plain error = %s, want HostLocalError", wrapped.Kind)
	}
	if wrapped.FaultMessage != "could not write file" {
		t.Errorf("FaultMessage = %q", wrapped.FaultMessage)
	}
}

func TestAsRecoversThroughChain(t *testing.T) {
	base := New(Conflict, "dup name", nil)
	chained := errors.Join(errors.New("context"), base)
	got, ok := As(chained)
	if !ok || got.Kind != Conflict {
		t.Fatalf("As() failed to recover Conflict kind from chained error")
	}
}
