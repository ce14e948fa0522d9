package repository

import "errors"

// ErrInvalidSessionID is returned when a row carries a session id that is not a UUID.
var ErrInvalidSessionID = errors.New("invalid session id")
