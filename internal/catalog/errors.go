package catalog

import "errors"

// ErrConfigInvalid is returned by Reload when a grammar rule or template
// references an unknown parameter or substitution key. Reload never
// partially applies: the snapshot swap only happens once the whole new
// configuration has parsed and cross-validated.
var ErrConfigInvalid = errors.New("config_invalid")

// ErrUnknownDevice is returned by Lookup when no device with the given id exists.
var ErrUnknownDevice = errors.New("unknown_device")

// ErrUnknownTarget is returned by ResolveTargets when a selector matches zero devices.
var ErrUnknownTarget = errors.New("unknown_target")

// ErrUnknownTemplate is returned by Template when no template is registered for a key.
var ErrUnknownTemplate = errors.New("unknown_template")
