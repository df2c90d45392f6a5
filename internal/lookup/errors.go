package lookup

import (
	"errors"
	"fmt"
)

// Failure taxonomy. These are logged at the worker boundary and never
// returned to identify callers.
var (
	ErrNetworkNotFound          = errors.New("network: not found")
	ErrNetworkTimeout           = errors.New("network: timed out")
	ErrNetworkOther             = errors.New("network: transport error")
	ErrMalformedPage            = errors.New("malformed page")
	ErrMissingStructuredPayload = errors.New("missing structured payload")
	ErrFieldExtraction          = errors.New("field extraction failed")
)

// FieldError reports a single field that could not be extracted.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Field, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FieldError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrFieldExtraction) match any FieldError.
func (e *FieldError) Is(target error) bool {
	return target == ErrFieldExtraction
}

// Err maps a non-successful fetch outcome onto the taxonomy.
func (r FetchResult) Err() error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeNotFound:
		return fmt.Errorf("%w: %s", ErrNetworkNotFound, r.URL)
	case OutcomeTimeout:
		return fmt.Errorf("%w: %s", ErrNetworkTimeout, r.URL)
	default:
		if r.Detail == "" {
			return fmt.Errorf("%w: %s", ErrNetworkOther, r.URL)
		}
		return fmt.Errorf("%w: %s: %s", ErrNetworkOther, r.URL, r.Detail)
	}
}
