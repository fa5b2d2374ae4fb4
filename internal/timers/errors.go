package timers

import "errors"

// ErrDuplicateHandler is returned by Registry.Register when the event
// kind already has a handler. Registration happens once at startup;
// a duplicate is a wiring defect, not something to paper over.
var ErrDuplicateHandler = errors.New("handler already registered for event kind")

// PermanentError marks a handler failure that can never succeed.
// The timer is dead-lettered on the first attempt instead of being retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so dispatch skips retries. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
