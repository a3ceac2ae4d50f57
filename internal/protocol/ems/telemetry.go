package ems

import (
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/pulselink-core/internal/device"
)

// Notification is a decoded inbound telemetry frame. Exactly one concrete
// type is returned per frame, selected by the leading command byte.
type Notification interface {
	notification()
}

// ChannelStatusNotification reports both channels' native strength.
// Payload: [strengthA BE:2][strengthB BE:2].
type ChannelStatusNotification struct {
	StrengthA int
	StrengthB int
}

// BatteryNotification reports the battery level (0-100).
// Payload: [level].
type BatteryNotification struct {
	Level int
}

// MotorNotification reports one motor's current speed.
// Payload: [index][speed].
type MotorNotification struct {
	Index int
	Speed int
}

// StepsNotification reports the pedometer count.
// Payload: [count BE:4].
type StepsNotification struct {
	Count uint32
}

// AngleNotification reports the device angle in degrees.
// Payload: [raw BE:2 signed]; degrees = raw / 100.0.
type AngleNotification struct {
	Degrees float64
}

func (ChannelStatusNotification) notification() {}
func (BatteryNotification) notification()       {}
func (MotorNotification) notification()         {}
func (StepsNotification) notification()         {}
func (AngleNotification) notification()         {}

// Minimum payload lengths per notification command.
const (
	channelStatusLen = 4
	batteryLen       = 1
	motorLen         = 2
	stepsLen         = 4
	angleLen         = 2
)

// angleScale converts raw angle units to degrees.
const angleScale = 100.0

// DecodeNotification validates and decodes an inbound frame.
//
// Unknown command bytes and payloads shorter than the command's minimum
// length return device.ErrProtocol (wrapped); the caller logs and drops the
// frame without disturbing the connection.
func DecodeNotification(frame []byte) (Notification, error) {
	cmd, payload, err := Decode(frame)
	if err != nil {
		return nil, err
	}

	switch cmd {
	case NotifyChannelStatus:
		if len(payload) < channelStatusLen {
			return nil, truncated(cmd, len(payload))
		}
		return ChannelStatusNotification{
			StrengthA: int(binary.BigEndian.Uint16(payload[0:2])),
			StrengthB: int(binary.BigEndian.Uint16(payload[2:4])),
		}, nil

	case NotifyBattery:
		if len(payload) < batteryLen {
			return nil, truncated(cmd, len(payload))
		}
		return BatteryNotification{Level: int(payload[0])}, nil

	case NotifyMotor:
		if len(payload) < motorLen {
			return nil, truncated(cmd, len(payload))
		}
		return MotorNotification{
			Index: int(payload[0]),
			Speed: int(payload[1]),
		}, nil

	case NotifySteps:
		if len(payload) < stepsLen {
			return nil, truncated(cmd, len(payload))
		}
		return StepsNotification{Count: binary.BigEndian.Uint32(payload[0:4])}, nil

	case NotifyAngle:
		if len(payload) < angleLen {
			return nil, truncated(cmd, len(payload))
		}
		raw := int16(binary.BigEndian.Uint16(payload[0:2])) //nolint:gosec // Wire format is signed 16-bit
		return AngleNotification{Degrees: float64(raw) / angleScale}, nil
	}

	return nil, fmt.Errorf("%w: unknown notification 0x%02X", device.ErrProtocol, cmd)
}

func truncated(cmd byte, got int) error {
	return fmt.Errorf("%w: truncated notification 0x%02X (%d payload bytes)", device.ErrProtocol, cmd, got)
}
