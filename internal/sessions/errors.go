package sessions

import "errors"

// ErrMissingSessionKey is returned when an operation requires a session key
// and none was resolved. Surfaced synchronously, never swallowed.
var ErrMissingSessionKey = errors.New("sessions: missing session key")
