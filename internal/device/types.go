package device

import "time"

// Family classifies a device by the kind of feedback it produces.
type Family string

// Supported device families.
const (
	// FamilyStimulation covers EMS stimulation units with two output
	// channels and waveform control.
	FamilyStimulation Family = "stimulation"

	// FamilyActuator covers toy-actuator devices (motors, pumps, locks).
	FamilyActuator Family = "actuator"
)

// Valid reports whether the family is a known value.
func (f Family) Valid() bool {
	return f == FamilyStimulation || f == FamilyActuator
}

// ConnectionMode identifies the transport a device is reached over.
type ConnectionMode string

// Canonical connection modes.
const (
	ModeBLE     ConnectionMode = "ble"
	ModeRelay   ConnectionMode = "relay"
	ModeIMRelay ConnectionMode = "im-relay"
	ModeVirtual ConnectionMode = "virtual"
)

// legacyModeAliases maps connection-mode values accepted from older
// configurations onto canonical modes.
var legacyModeAliases = map[string]ConnectionMode{
	"bluetooth": ModeBLE,
	"bt":        ModeBLE,
	"socket":    ModeRelay,
	"ws":        ModeRelay,
	"qq":        ModeIMRelay,
	"fake":      ModeVirtual,
}

// ParseMode resolves a mode string to a canonical ConnectionMode,
// mapping legacy aliases. Unknown values return ErrInvalidMode.
func ParseMode(s string) (ConnectionMode, error) {
	switch ConnectionMode(s) {
	case ModeBLE, ModeRelay, ModeIMRelay, ModeVirtual:
		return ConnectionMode(s), nil
	}
	if m, ok := legacyModeAliases[s]; ok {
		return m, nil
	}
	return "", ErrInvalidMode
}

// Generation tags the wire-protocol variant a device speaks.
type Generation string

// Known protocol generations for the EMS family.
const (
	// GenV2 addresses channels via a bitmask per packet.
	GenV2 Generation = "v2"

	// GenV3 always writes both channels together and supports
	// frequency-sequence waveforms.
	GenV3 Generation = "v3"
)

// Status is a device's connection lifecycle state.
type Status string

// Lifecycle states. Transitions: Disconnected -> Connecting -> Connected,
// with Error reachable from any state and WaitingForBind specific to
// relay-paired devices between id receipt and bind completion.
const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusWaitingForBind Status = "waiting_for_bind"
	StatusError          Status = "error"
)

// Capability declares an operation a device supports. The dispatch engine's
// action translators check capabilities before issuing commands.
type Capability string

// Capability set.
const (
	CapChannelStrength Capability = "channel_strength"
	CapWaveform        Capability = "waveform"
	CapFixedMode       Capability = "fixed_mode"
	CapCustomWaveform  Capability = "custom_waveform_params"
	CapMotorControl    Capability = "motor_control"
	CapTelemetry       Capability = "telemetry"
	CapPumpControl     Capability = "pump_control"
	CapLockControl     Capability = "lock_control"
	CapRawCommand      Capability = "raw_command"
)

// Channel identifies an independent output line on a stimulation device.
type Channel string

// Output channels.
const (
	ChannelA Channel = "A"
	ChannelB Channel = "B"
)

// Valid reports whether the channel is A or B.
func (c Channel) Valid() bool {
	return c == ChannelA || c == ChannelB
}

// StrengthOp selects how a strength value combines with the current one.
type StrengthOp uint8

// Strength operations: result = clamp(f(previous, requested), 0, limit).
const (
	OpSet      StrengthOp = iota // f = identity(requested)
	OpIncrease                   // f = previous + requested
	OpDecrease                   // f = previous - requested
)

// Unit tags how a strength value is expressed at the API boundary.
//
// The zero value is UnitAuto, which preserves the historical behaviour of
// inferring the unit from magnitude: values above 100 are treated as native.
// That inference is ambiguous for devices whose native maximum is at or
// below 100, so callers should pass an explicit unit.
type Unit uint8

// Strength units.
const (
	UnitAuto    Unit = iota // legacy magnitude sniffing; avoid in new code
	UnitPercent             // logical 0-100 scale
	UnitNative              // device-native range (e.g. 0-276)
)

// ChannelState tracks one output channel.
type ChannelState struct {
	// Strength is the current output level in native units.
	// Invariant: 0 <= Strength <= Limit.
	Strength int `json:"strength"`

	// Limit is the configured ceiling in native units, itself clamped to
	// the protocol maximum for the device family.
	Limit int `json:"limit"`
}

// WaveSegment is one step of a waveform: an output frequency (1-100) held
// for the segment's implicit tick with the given pulse width (0-100).
type WaveSegment struct {
	Frequency  int `json:"frequency"`
	PulseWidth int `json:"pulse_width"`
}

// Waveform is an ordered sequence of segments played in real time.
// There is no device-side waveform queue; adapters stream segments through
// their protocol's custom/real-time mode.
type Waveform []WaveSegment

// Device represents a configured feedback device.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Family     Family         `json:"family"`
	Mode       ConnectionMode `json:"mode"`
	Generation Generation     `json:"generation,omitempty"`

	Status Status `json:"status"`

	// Channels holds per-channel strength state. Actuator devices use
	// ChannelA only.
	Channels map[Channel]*ChannelState `json:"channels"`

	// Battery is the last reported level (0-100); nil when the device
	// does not report battery or none has been received yet.
	Battery *int `json:"battery,omitempty"`

	Capabilities []Capability `json:"capabilities"`

	// Config is the per-mode connection configuration.
	Config ConnectionConfig `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCapability reports whether the device declares the capability.
func (d *Device) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Channel returns the state for the given channel, or nil if the device
// does not expose it.
func (d *Device) Channel(c Channel) *ChannelState {
	return d.Channels[c]
}

// Clone returns an independent copy of the device. Channel states are
// copied so callers can inspect a snapshot without racing the manager.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	cpy := *d

	if d.Channels != nil {
		cpy.Channels = make(map[Channel]*ChannelState, len(d.Channels))
		for ch, st := range d.Channels {
			s := *st
			cpy.Channels[ch] = &s
		}
	}
	if d.Capabilities != nil {
		cpy.Capabilities = make([]Capability, len(d.Capabilities))
		copy(cpy.Capabilities, d.Capabilities)
	}
	if d.Battery != nil {
		b := *d.Battery
		cpy.Battery = &b
	}
	return &cpy
}

// defaultCapabilities returns the capability set for a family/generation.
func defaultCapabilities(family Family, gen Generation) []Capability {
	switch family {
	case FamilyStimulation:
		caps := []Capability{CapChannelStrength, CapWaveform, CapFixedMode, CapTelemetry}
		if gen == GenV3 {
			caps = append(caps, CapCustomWaveform)
		}
		return caps
	case FamilyActuator:
		return []Capability{CapChannelStrength, CapMotorControl, CapPumpControl, CapLockControl, CapRawCommand}
	default:
		return nil
	}
}
