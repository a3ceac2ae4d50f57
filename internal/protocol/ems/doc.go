// Package ems implements the binary BLE protocol spoken by EMS stimulation
// devices.
//
// Frames are [0x35][command][payload][checksum] with a sum-mod-256 checksum.
// Two protocol generations share the adapter: generation 2 addresses
// channels with a per-packet bitmask, generation 3 always writes both
// channels together and adds a frequency-sequence waveform mode. Inbound
// notifications are dispatched on their leading command byte; multi-byte
// quantities are big-endian.
package ems
