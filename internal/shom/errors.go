package shom

import (
	"errors"
	"fmt"
)

// ErrIncompleteData marks a coefficient response that parsed fewer days
// than requested. Days that did parse are persisted before this is returned.
var ErrIncompleteData = errors.New("incomplete coefficient data")

// APIError represents a failed or malformed SHOM API exchange.
type APIError struct {
	Dataset string
	Harbor  string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("SHOM %s for %s: %s: %v", e.Dataset, e.Harbor, e.Message, e.Err)
	}
	return fmt.Sprintf("SHOM %s for %s: %s", e.Dataset, e.Harbor, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func newAPIError(dataset, harbor, message string, err error) *APIError {
	return &APIError{
		Dataset: dataset,
		Harbor:  harbor,
		Message: message,
		Err:     err,
	}
}
