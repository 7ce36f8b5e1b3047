package store

import "errors"

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("not_found")
