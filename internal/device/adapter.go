package device

import "context"

// Protocol maxima for native strength ranges. Channel limits are clamped
// to these regardless of configuration.
const (
	// MaxStrengthEMS is the native ceiling for EMS stimulation channels.
	MaxStrengthEMS = 276

	// MaxStrengthActuator is the native ceiling for actuator intensity.
	MaxStrengthActuator = 100

	// MaxStrengthRelay is the ceiling for relay-paired channels; the
	// companion app maps this 0-100 scale onto the hardware range.
	MaxStrengthRelay = 100

	// MaxMotorSpeed is the per-motor speed ceiling for actuator devices.
	MaxMotorSpeed = 20
)

// Adapter translates uniform device operations into a concrete wire
// protocol. Exactly one transport connection is owned per adapter.
//
// Adapters work in native units; unit conversion and strength algebra
// happen in the Manager so every protocol shares one clamping rule.
type Adapter interface {
	// Connect opens the transport and prepares the device. It blocks
	// until connected or failed; the Manager runs it as a cancellable
	// background task. A cancelled connect must leave the adapter
	// disconnected, never half-open.
	Connect(ctx context.Context) error

	// Disconnect closes the transport. Safe to call when not connected.
	Disconnect() error

	// Reconnect replays the last-used configuration with the adapter's
	// bounded retry policy before giving up with ErrTransport.
	Reconnect(ctx context.Context) error

	// SetStrength writes an absolute native strength to a channel.
	// The value is pre-clamped by the Manager.
	SetStrength(ctx context.Context, ch Channel, native int) error

	// SendWaveform streams a waveform through the protocol's
	// custom/real-time mode.
	SendWaveform(ctx context.Context, ch Channel, wf Waveform) error

	// NativeMax returns the adapter's native strength ceiling.
	NativeMax() int

	// Close tears down background loops (polling, reconnection) and the
	// transport. The adapter is unusable afterwards.
	Close() error
}

// Callbacks are invoked by adapters to report asynchronous developments.
// All callbacks may be invoked from transport goroutines; implementations
// must be safe for concurrent use and must not block.
type Callbacks struct {
	// OnStatus reports connection lifecycle transitions.
	OnStatus func(Status)

	// OnBattery reports a battery level reading (0-100).
	OnBattery func(level int)

	// OnTelemetry reports a decoded telemetry quantity
	// (e.g. "steps", "angle", "strength_a").
	OnTelemetry func(kind string, value float64)
}

// AdapterFactory builds an adapter for a device. The Manager calls it on
// first connect and again whenever the connection config changes.
type AdapterFactory func(dev *Device, callbacks Callbacks) (Adapter, error)
