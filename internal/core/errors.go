package core

import "errors"

// ErrShuttingDown is returned by Submit/SubmitCorrection once Stop has
// been called.
var ErrShuttingDown = errors.New("shutting_down")

// ErrIntentNotFound is returned by GetIntent/RevokeIntent for an unknown id.
var ErrIntentNotFound = errors.New("intent_not_found")
