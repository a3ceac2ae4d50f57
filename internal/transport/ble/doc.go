// Package ble provides the Bluetooth Low Energy central transport used by
// BLE protocol adapters: bounded discovery scans, connection establishment
// with GATT profile resolution, write-without-response output, and
// notification delivery.
//
// Adapters depend on the Transport and Conn interfaces, never on the
// tinygo bluetooth types, so protocol logic is testable without radio
// hardware.
package ble
