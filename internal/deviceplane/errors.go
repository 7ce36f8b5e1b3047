package deviceplane

import "errors"

// ErrDeviceOffline names the offline-device condition. Apply does not
// return it: a policy for an offline device is queued with status
// pending_delivery, retried on reconnect, and Apply returns a nil error.
var ErrDeviceOffline = errors.New("device_offline")

// ErrAckTimeout is returned when a control publish's telemetry
// acknowledgement does not arrive within the ack window.
var ErrAckTimeout = errors.New("ack_timeout")

// ErrNoDeviceCommand is returned when a policy's template has no
// device_command to send over the wire.
var ErrNoDeviceCommand = errors.New("no_device_command")
