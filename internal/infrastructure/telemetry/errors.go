package telemetry

import "errors"

// Domain-specific errors for telemetry recording.
var (
	// ErrDisabled is returned when connecting with telemetry disabled in config.
	ErrDisabled = errors.New("telemetry: recording disabled in configuration")

	// ErrConnectionFailed is returned when the InfluxDB connection cannot be
	// established.
	ErrConnectionFailed = errors.New("telemetry: connection failed")

	// ErrNotConnected is returned when operating on a closed recorder.
	ErrNotConnected = errors.New("telemetry: not connected")
)
