package generation

// Error wraps a backend failure. The raw cause is kept for internal logging
// and classification; it must never be forwarded verbatim to a client.
type Error struct {
	err error
}

func NewError(err error) *Error {
	return &Error{err: err}
}

func (e *Error) Error() string {
	return "generation failed: " + e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// RawCause returns the unredacted backend error description.
func (e *Error) RawCause() string {
	return e.err.Error()
}
