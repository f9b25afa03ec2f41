package resilience

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
)

func TestNewDeadLetter(t *testing.T) {
	err := NewTransientError(errors.New("http 503"), 503)
	dl := NewDeadLetter("Cook County", 12, "123 main st chicago il", 6, err)

	if dl.Source != "Cook County" || dl.CaseIdentifier != 12 {
		t.Errorf("unexpected identity: %+v", dl)
	}
	if dl.ErrorType != "transient" {
		t.Errorf("expected transient, got %s", dl.ErrorType)
	}
	if dl.Attempts != 6 {
		t.Errorf("expected 6 attempts, got %d", dl.Attempts)
	}
	if dl.FailedAt.IsZero() {
		t.Error("expected FailedAt to be set")
	}
}

func TestNewDeadLetter_ClassifiesLastFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"transient cause",
			eris.Wrap(&ExhaustedError{Attempts: 6, Last: NewTransientError(errors.New("status 503"), 503)}, "geocode: case 3"),
			"transient",
		},
		{
			"client error cause",
			eris.Wrap(&ExhaustedError{Attempts: 6, Last: errors.New("status 400")}, "geocode: case 3"),
			"permanent",
		},
		{"bare sentinel", eris.Wrap(ErrExhaustedRetries, "gave up"), "permanent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := NewDeadLetter("Cook County", 3, "1 main st", 6, tt.err)
			if dl.ErrorType != tt.want {
				t.Errorf("ErrorType = %s, want %s", dl.ErrorType, tt.want)
			}
		})
	}
}
