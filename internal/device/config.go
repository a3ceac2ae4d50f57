package device

import (
	"fmt"
	"strings"
)

// ConnectionConfig is the tagged union of per-mode connection settings.
// Each variant carries only the fields its mode needs and is built via a
// per-mode constructor.
type ConnectionConfig interface {
	// Mode returns the canonical connection mode of the variant.
	Mode() ConnectionMode

	// Validate checks that required fields for the mode are present.
	// A failure wraps ErrConfiguration.
	Validate() error

	// Equal reports whether the other config would produce the same
	// connection. Connect is idempotent when the config is unchanged.
	Equal(other ConnectionConfig) bool
}

// BLEConfig connects a device over Bluetooth Low Energy.
type BLEConfig struct {
	// Address is the peripheral's MAC (or platform handle). Empty is
	// permitted only for virtual devices, which never open a transport.
	Address string `json:"address"`

	// Virtual marks a device that simulates a BLE peripheral in-process.
	Virtual bool `json:"virtual,omitempty"`
}

// NewBLEConfig builds a BLE connection config.
func NewBLEConfig(address string) BLEConfig {
	return BLEConfig{Address: address}
}

// NewVirtualBLEConfig builds a config for an addressless virtual device.
func NewVirtualBLEConfig() BLEConfig {
	return BLEConfig{Virtual: true}
}

// Mode implements ConnectionConfig.
func (c BLEConfig) Mode() ConnectionMode { return ModeBLE }

// Validate implements ConnectionConfig.
func (c BLEConfig) Validate() error {
	if c.Address == "" && !c.Virtual {
		return fmt.Errorf("%w: ble address required for non-virtual device", ErrConfiguration)
	}
	return nil
}

// Equal implements ConnectionConfig.
func (c BLEConfig) Equal(other ConnectionConfig) bool {
	o, ok := other.(BLEConfig)
	return ok && o == c
}

// RelayConfig pairs a device through the WebSocket relay/binding server.
type RelayConfig struct {
	// ConnectCode is the pairing credential in "userId token" form,
	// as displayed by the companion app.
	ConnectCode string `json:"connect_code"`

	// ServerURL is the relay endpoint (ws:// or wss://).
	ServerURL string `json:"server_url"`
}

// NewRelayConfig builds a relay connection config.
func NewRelayConfig(connectCode, serverURL string) RelayConfig {
	return RelayConfig{ConnectCode: connectCode, ServerURL: serverURL}
}

// Mode implements ConnectionConfig.
func (c RelayConfig) Mode() ConnectionMode { return ModeRelay }

// Validate implements ConnectionConfig.
func (c RelayConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%w: relay server URL required", ErrConfiguration)
	}
	parts := strings.Fields(c.ConnectCode)
	if len(parts) != 2 {
		return fmt.Errorf("%w: relay pairing needs a %q connect-code", ErrConfiguration, "userId token")
	}
	return nil
}

// Equal implements ConnectionConfig.
func (c RelayConfig) Equal(other ConnectionConfig) bool {
	o, ok := other.(RelayConfig)
	return ok && o == c
}

// UserID returns the user half of the connect-code.
func (c RelayConfig) UserID() string {
	parts := strings.Fields(c.ConnectCode)
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}

// Token returns the token half of the connect-code.
func (c RelayConfig) Token() string {
	parts := strings.Fields(c.ConnectCode)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// IMRelayConfig reaches a device through an instant-messaging gateway that
// forwards relay-grammar messages.
type IMRelayConfig struct {
	// GatewayURL is the IM gateway's WebSocket endpoint.
	GatewayURL string `json:"gateway_url"`

	// RoomCode identifies the conversation carrying device commands.
	RoomCode string `json:"room_code"`
}

// NewIMRelayConfig builds an IM-relay connection config.
func NewIMRelayConfig(gatewayURL, roomCode string) IMRelayConfig {
	return IMRelayConfig{GatewayURL: gatewayURL, RoomCode: roomCode}
}

// Mode implements ConnectionConfig.
func (c IMRelayConfig) Mode() ConnectionMode { return ModeIMRelay }

// Validate implements ConnectionConfig.
func (c IMRelayConfig) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("%w: im-relay gateway URL required", ErrConfiguration)
	}
	if c.RoomCode == "" {
		return fmt.Errorf("%w: im-relay room code required", ErrConfiguration)
	}
	return nil
}

// Equal implements ConnectionConfig.
func (c IMRelayConfig) Equal(other ConnectionConfig) bool {
	o, ok := other.(IMRelayConfig)
	return ok && o == c
}

// VirtualConfig is a loopback device with no transport. Commands update
// in-memory state only; useful for rule testing and demos.
type VirtualConfig struct{}

// NewVirtualConfig builds a virtual connection config.
func NewVirtualConfig() VirtualConfig { return VirtualConfig{} }

// Mode implements ConnectionConfig.
func (c VirtualConfig) Mode() ConnectionMode { return ModeVirtual }

// Validate implements ConnectionConfig.
func (c VirtualConfig) Validate() error { return nil }

// Equal implements ConnectionConfig.
func (c VirtualConfig) Equal(other ConnectionConfig) bool {
	_, ok := other.(VirtualConfig)
	return ok
}
