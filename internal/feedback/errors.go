package feedback

import "errors"

// ErrNoTarget is returned internally when an intent being monitored has no
// resolved device to report a correction against.
var ErrNoTarget = errors.New("no_target")
