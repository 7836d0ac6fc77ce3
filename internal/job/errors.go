package job

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for a type tag outside the closed set.
	ErrUnknownType = errors.New("unknown job type")

	// ErrInvalidEnvelope is returned when an envelope is missing required fields.
	ErrInvalidEnvelope = errors.New("invalid job envelope")

	// ErrInvalidPayload is returned when a payload violates its field constraints.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.err)
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so that the worker dead-letters the job instead of
// scheduling another attempt. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
