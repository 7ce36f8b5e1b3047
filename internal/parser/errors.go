package parser

import "errors"

// ErrParseFailed is returned when a clause matches no grammar rule.
var ErrParseFailed = errors.New("parse_failed")

// ErrUnknownTarget is returned when a clause parses but its target
// selector resolves to no device in the catalog.
var ErrUnknownTarget = errors.New("unknown_target")

// ErrBadParameter is returned when a captured parameter cannot be
// converted to its declared type.
var ErrBadParameter = errors.New("bad_parameter")
