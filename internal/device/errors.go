package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrConfiguration) {
//	    // do not retry; the config itself is wrong
//	}
var (
	// ErrNotFound is returned when a device ID does not exist.
	ErrNotFound = errors.New("device: not found")

	// ErrExists is returned when adding a device with an ID that already exists.
	ErrExists = errors.New("device: already exists")

	// ErrInvalidMode is returned when a connection-mode value is not
	// recognised, after legacy alias mapping.
	ErrInvalidMode = errors.New("device: invalid connection mode")

	// ErrInvalidFamily is returned when a family value is not recognised.
	ErrInvalidFamily = errors.New("device: invalid family")

	// ErrInvalidChannel is returned when a channel is not A or B, or the
	// device does not expose it.
	ErrInvalidChannel = errors.New("device: invalid channel")

	// ErrConfiguration is returned when required connection fields for the
	// chosen mode are missing. Fatal: never auto-retried.
	ErrConfiguration = errors.New("device: configuration error")

	// ErrTransport is returned on transport I/O failure. The adapter
	// enters Error status and is eligible for bounded reconnection.
	ErrTransport = errors.New("device: transport error")

	// ErrProtocol is returned for malformed or checksum-failed inbound
	// packets. Logged and dropped; the connection stays up.
	ErrProtocol = errors.New("device: protocol error")

	// ErrUnsupportedAction is returned when an action falls outside the
	// device's declared capabilities. Surfaced, never retried.
	ErrUnsupportedAction = errors.New("device: unsupported action")

	// ErrNotConnected is returned when a command is issued to a device
	// that is not in Connected status.
	ErrNotConnected = errors.New("device: not connected")
)
