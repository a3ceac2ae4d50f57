package ems

import (
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/pulselink-core/internal/device"
)

// Wire framing. Every packet, outbound and inbound, is
// [header][command][payload...][checksum] with checksum = sum of all
// preceding bytes mod 256.
const (
	// Header opens every EMS frame.
	Header byte = 0x35

	// frameOverhead is header + command + checksum.
	frameOverhead = 3

	// minFrameLen is the shortest valid frame (empty payload).
	minFrameLen = frameOverhead
)

// Outbound command bytes.
const (
	// CmdChannelControl drives channel strength/mode on generation-2
	// devices, addressing channels via a leading bitmask.
	CmdChannelControl byte = 0x01

	// CmdChannelControlV3 drives both channels together on generation-3
	// devices; there is no per-packet channel mask.
	CmdChannelControlV3 byte = 0x02

	// CmdFreqSequence uploads a frequency-sequence waveform
	// (generation 3 only, up to MaxSequencePairs pairs).
	CmdFreqSequence byte = 0x03

	// CmdMotor sets a motor's speed on actuator hardware revisions.
	CmdMotor byte = 0x04

	// CmdPedometer toggles step-count telemetry.
	CmdPedometer byte = 0x05

	// CmdAngleSensor toggles angle telemetry.
	CmdAngleSensor byte = 0x06

	// CmdQuery requests a reading; the single payload byte selects the
	// queried quantity.
	CmdQuery byte = 0x07
)

// Inbound notification command bytes.
const (
	NotifyChannelStatus byte = 0x81
	NotifyBattery       byte = 0x83
	NotifyMotor         byte = 0x84
	NotifySteps         byte = 0x85
	NotifyAngle         byte = 0x86
)

// Query quantities for CmdQuery.
const (
	QueryChannelStatus byte = 0x01
	QueryMotor         byte = 0x02
	QueryBattery       byte = 0x03
	QuerySteps         byte = 0x04
	QueryAngle         byte = 0x05
)

// Channel mask bits for generation-2 channel control.
const (
	MaskChannelA byte = 0x01
	MaskChannelB byte = 0x02
)

// Output modes. Fixed modes 1-16 select built-in patterns; ModeCustom is
// the reserved real-time mode carrying explicit frequency and pulse-width.
const (
	MinFixedMode byte = 0x01
	MaxFixedMode byte = 0x10
	ModeCustom   byte = 0x1F
)

// Protocol value ranges.
const (
	// MaxStrength is the native channel strength ceiling.
	MaxStrength = 276

	// MinFrequency and MaxFrequency bound the custom-mode frequency.
	MinFrequency = 1
	MaxFrequency = 100

	// MaxPulseWidth bounds the custom-mode pulse width (minimum 0).
	MaxPulseWidth = 100

	// MaxSequencePairs is the frequency-sequence capacity.
	MaxSequencePairs = 100
)

// Checksum computes the frame checksum: sum of the given bytes mod 256.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Encode frames a command and payload with header and checksum.
func Encode(cmd byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+frameOverhead)
	frame = append(frame, Header, cmd)
	frame = append(frame, payload...)
	return append(frame, Checksum(frame))
}

// Decode validates a frame and returns its command byte and payload.
//
// Returns device.ErrProtocol (wrapped) for frames that are too short, carry
// the wrong header, or fail the checksum. Callers log and drop such frames;
// the connection stays up.
func Decode(frame []byte) (cmd byte, payload []byte, err error) {
	if len(frame) < minFrameLen {
		return 0, nil, fmt.Errorf("%w: frame too short (%d bytes)", device.ErrProtocol, len(frame))
	}
	if frame[0] != Header {
		return 0, nil, fmt.Errorf("%w: bad header 0x%02X", device.ErrProtocol, frame[0])
	}
	body, sum := frame[:len(frame)-1], frame[len(frame)-1]
	if got := Checksum(body); got != sum {
		return 0, nil, fmt.Errorf("%w: checksum mismatch (want 0x%02X, got 0x%02X)", device.ErrProtocol, sum, got)
	}
	return frame[1], frame[2 : len(frame)-1], nil
}

// ChannelSetting is one channel's target state for a control packet.
type ChannelSetting struct {
	// Strength in native units, 0-MaxStrength, big-endian on the wire.
	Strength int

	// Enable gates output on generation-2 packets.
	Enable bool

	// Mode is a fixed mode 1-16 or ModeCustom.
	Mode byte

	// Frequency (1-100) and PulseWidth (0-100) apply in ModeCustom;
	// devices ignore them in fixed modes.
	Frequency  int
	PulseWidth int
}

func (s ChannelSetting) validate() error {
	if s.Strength < 0 || s.Strength > MaxStrength {
		return fmt.Errorf("%w: strength %d out of range", device.ErrProtocol, s.Strength)
	}
	if s.Mode != ModeCustom && (s.Mode < MinFixedMode || s.Mode > MaxFixedMode) {
		return fmt.Errorf("%w: mode 0x%02X out of range", device.ErrProtocol, s.Mode)
	}
	if s.Mode == ModeCustom {
		if s.Frequency < MinFrequency || s.Frequency > MaxFrequency {
			return fmt.Errorf("%w: frequency %d out of range", device.ErrProtocol, s.Frequency)
		}
		if s.PulseWidth < 0 || s.PulseWidth > MaxPulseWidth {
			return fmt.Errorf("%w: pulse width %d out of range", device.ErrProtocol, s.PulseWidth)
		}
	}
	return nil
}

// EncodeChannelControlV2 builds a generation-2 channel-control frame.
//
// Payload: [mask][strength BE:2][enable][mode] with [frequency][pulse_width]
// appended when mode is ModeCustom.
func EncodeChannelControlV2(mask byte, setting ChannelSetting) ([]byte, error) {
	if mask == 0 || mask&^(MaskChannelA|MaskChannelB) != 0 {
		return nil, fmt.Errorf("%w: invalid channel mask 0x%02X", device.ErrProtocol, mask)
	}
	if err := setting.validate(); err != nil {
		return nil, err
	}

	payload := make([]byte, 5, 7)
	payload[0] = mask
	binary.BigEndian.PutUint16(payload[1:3], uint16(setting.Strength))
	if setting.Enable {
		payload[3] = 0x01
	}
	payload[4] = setting.Mode
	if setting.Mode == ModeCustom {
		payload = append(payload, byte(setting.Frequency), byte(setting.PulseWidth))
	}

	return Encode(CmdChannelControl, payload), nil
}

// EncodeChannelControlV3 builds a generation-3 channel-control frame.
// Both channels are always written together.
//
// Payload: [strengthA BE:2][modeA][freqA][pwA][strengthB BE:2][modeB][freqB][pwB].
func EncodeChannelControlV3(a, b ChannelSetting) ([]byte, error) {
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("channel A: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("channel B: %w", err)
	}

	payload := make([]byte, 10)
	binary.BigEndian.PutUint16(payload[0:2], uint16(a.Strength))
	payload[2] = a.Mode
	payload[3] = byte(a.Frequency)
	payload[4] = byte(a.PulseWidth)
	binary.BigEndian.PutUint16(payload[5:7], uint16(b.Strength))
	payload[7] = b.Mode
	payload[8] = byte(b.Frequency)
	payload[9] = byte(b.PulseWidth)

	return Encode(CmdChannelControlV3, payload), nil
}

// EncodeFrequencySequence builds a generation-3 frequency-sequence frame:
// up to MaxSequencePairs (frequency, pulse-width) pairs played in order.
//
// Payload: [mask][count][freq pw]...
func EncodeFrequencySequence(mask byte, wf device.Waveform) ([]byte, error) {
	if mask == 0 || mask&^(MaskChannelA|MaskChannelB) != 0 {
		return nil, fmt.Errorf("%w: invalid channel mask 0x%02X", device.ErrProtocol, mask)
	}
	if len(wf) == 0 || len(wf) > MaxSequencePairs {
		return nil, fmt.Errorf("%w: sequence length %d out of range", device.ErrProtocol, len(wf))
	}

	payload := make([]byte, 2, 2+2*len(wf))
	payload[0] = mask
	payload[1] = byte(len(wf))
	for _, seg := range wf {
		if seg.Frequency < MinFrequency || seg.Frequency > MaxFrequency {
			return nil, fmt.Errorf("%w: frequency %d out of range", device.ErrProtocol, seg.Frequency)
		}
		if seg.PulseWidth < 0 || seg.PulseWidth > MaxPulseWidth {
			return nil, fmt.Errorf("%w: pulse width %d out of range", device.ErrProtocol, seg.PulseWidth)
		}
		payload = append(payload, byte(seg.Frequency), byte(seg.PulseWidth))
	}

	return Encode(CmdFreqSequence, payload), nil
}

// EncodeMotor builds a motor-control frame. Speed is 0-MaxMotorSpeed.
func EncodeMotor(index, speed int) ([]byte, error) {
	if index < 0 || index > 0xFF {
		return nil, fmt.Errorf("%w: motor index %d out of range", device.ErrProtocol, index)
	}
	if speed < 0 || speed > device.MaxMotorSpeed {
		return nil, fmt.Errorf("%w: motor speed %d out of range", device.ErrProtocol, speed)
	}
	return Encode(CmdMotor, []byte{byte(index), byte(speed)}), nil
}

// EncodePedometer builds a step-count telemetry toggle frame.
func EncodePedometer(enable bool) []byte {
	return Encode(CmdPedometer, []byte{boolByte(enable)})
}

// EncodeAngleSensor builds an angle telemetry toggle frame.
func EncodeAngleSensor(enable bool) []byte {
	return Encode(CmdAngleSensor, []byte{boolByte(enable)})
}

// EncodeQuery builds a query frame for the given quantity.
func EncodeQuery(quantity byte) []byte {
	return Encode(CmdQuery, []byte{quantity})
}

func boolByte(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}
