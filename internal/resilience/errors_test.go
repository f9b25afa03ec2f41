package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("page fetch failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	if !IsTransient(fmt.Errorf("write tcp: %w", syscall.ECONNRESET)) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
	if !IsTimeout(err) {
		t.Error("network timeout should be a timeout")
	}
}

func TestIsTimeout_ClientTimeoutMessage(t *testing.T) {
	err := errors.New(`Get "https://example.com": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`)
	if !IsTimeout(err) {
		t.Error("client timeout message should be a timeout")
	}
	if IsTimeout(errors.New("connection refused")) {
		t.Error("connection refused is not a timeout")
	}
}

func TestIsTransient_FatalKindsNeverTransient(t *testing.T) {
	for _, sentinel := range []error{ErrExhaustedRetries, ErrMalformedResponse, ErrMissingConfiguration} {
		wrapped := eris.Wrap(sentinel, "i/o timeout while reading")
		if IsTransient(wrapped) {
			t.Errorf("%v should not be transient", sentinel)
		}
	}
}

func TestSentinelsSurviveErisWrapping(t *testing.T) {
	err := eris.Wrapf(ErrExhaustedRetries, "geocode: candidate %d", 7)
	err = eris.Wrap(err, "geocoding: source Cook County")
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Error("expected errors.Is to find ErrExhaustedRetries")
	}
	if errors.Is(err, ErrMalformedResponse) {
		t.Error("did not expect ErrMalformedResponse")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
		{501, true},
		{599, true},
		{600, false},
	}
	for _, tt := range tests {
		if got := IsTransientHTTPStatus(tt.code); got != tt.want {
			t.Errorf("IsTransientHTTPStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(NewTransientError(errors.New("x"), 503)); got != "transient" {
		t.Errorf("expected transient, got %s", got)
	}
	if got := ClassifyError(ErrExhaustedRetries); got != "permanent" {
		t.Errorf("expected permanent, got %s", got)
	}
}

func TestExhaustedError_MatchesSentinelAndKeepsCause(t *testing.T) {
	cause := NewTransientError(errors.New("status 502"), 502)
	err := eris.Wrap(&ExhaustedError{Attempts: 3, Last: cause}, "acquire: page at offset 0")

	if !errors.Is(err, ErrExhaustedRetries) {
		t.Error("expected ErrExhaustedRetries to match")
	}
	if IsTransient(err) {
		t.Error("exhausted retries must not be transient")
	}
	if got := Cause(err); got != cause {
		t.Errorf("Cause = %v, want %v", got, cause)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("unexpected message %q", err.Error())
	}

	plain := errors.New("plain")
	if got := Cause(plain); got != plain {
		t.Errorf("Cause of a plain error = %v", got)
	}
}
