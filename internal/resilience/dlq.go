package resilience

import (
	"time"
)

// DeadLetter records an item that was given up on after its retries ran out.
// The geocoding run writes these instead of aborting when skip mode is on.
type DeadLetter struct {
	Source         string    `json:"source"`
	CaseIdentifier int       `json:"CaseIdentifier"`
	Input          string    `json:"input"`
	Error          string    `json:"error"`
	ErrorType      string    `json:"error_type"` // class of the last failure: "transient" or "permanent"
	Attempts       int       `json:"attempts"`
	FailedAt       time.Time `json:"failed_at"`
}

// NewDeadLetter builds a DeadLetter stamped with the current time. The error
// type classifies the failure that exhausted the retries, not the exhaustion.
func NewDeadLetter(source string, id int, input string, attempts int, err error) DeadLetter {
	return DeadLetter{
		Source:         source,
		CaseIdentifier: id,
		Input:          input,
		Error:          err.Error(),
		ErrorType:      ClassifyError(Cause(err)),
		Attempts:       attempts,
		FailedAt:       time.Now().UTC(),
	}
}
