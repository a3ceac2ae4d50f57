package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// ErrNotFound is returned when no peripheral with the requested address is
// discovered within the scan window.
var ErrNotFound = errors.New("ble: peripheral not found")

// Peripheral describes a discovered BLE device.
type Peripheral struct {
	Name    string
	Address string
	RSSI    int16
}

// Profile names the GATT endpoints a protocol uses: one service with one
// write-without-response characteristic and one notify characteristic.
type Profile struct {
	Service string
	Write   string
	Notify  string
}

// Conn is an established connection to a peripheral.
//
// Implementations deliver inbound notifications on their own goroutine;
// subscribers must not block.
type Conn interface {
	// Write sends a packet via write-without-response.
	Write(p []byte) error

	// Subscribe registers the notification callback. Only one subscriber
	// is supported; later calls replace the earlier one.
	Subscribe(fn func(data []byte)) error

	// OnDisconnect registers a callback fired when the link drops.
	OnDisconnect(fn func())

	// Close disconnects from the peripheral.
	Close() error
}

// Transport is the pluggable BLE capability consumed by protocol adapters.
// The production implementation is Central; tests use fakes.
type Transport interface {
	// Scan discovers peripherals whose advertised name carries the given
	// prefix ("" matches all). It returns when ctx expires, yielding the
	// peripherals found so far rather than an error.
	Scan(ctx context.Context, namePrefix string) ([]Peripheral, error)

	// Connect scans for the peripheral with the given address, connects,
	// and resolves the profile's characteristics.
	Connect(ctx context.Context, address string, profile Profile) (Conn, error)
}

// Central implements Transport over the host's Bluetooth adapter.
type Central struct {
	adapter *bluetooth.Adapter

	mu    sync.Mutex
	conns map[string]*centralConn
}

// NewCentral enables the host adapter and returns a central transport.
func NewCentral(adapter *bluetooth.Adapter) (*Central, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	c := &Central{
		adapter: adapter,
		conns:   make(map[string]*centralConn),
	}

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		c.mu.Lock()
		conn := c.conns[device.Address.String()]
		c.mu.Unlock()
		if conn != nil {
			conn.notifyDisconnect()
		}
	})

	return c, nil
}

// Scan implements Transport.
func (c *Central) Scan(ctx context.Context, namePrefix string) ([]Peripheral, error) {
	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		found []Peripheral
	)

	go func() {
		<-ctx.Done()
		_ = c.adapter.StopScan()
	}()

	err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if namePrefix != "" && !strings.HasPrefix(name, namePrefix) {
			return
		}
		addr := result.Address.String()

		mu.Lock()
		if !seen[addr] {
			seen[addr] = true
			found = append(found, Peripheral{
				Name:    name,
				Address: addr,
				RSSI:    result.RSSI,
			})
		}
		mu.Unlock()
	})

	// StopScan aborts the blocking Scan call; an expired window is a
	// normal end of discovery, not a failure.
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

// Connect implements Transport.
func (c *Central) Connect(ctx context.Context, address string, profile Profile) (Conn, error) {
	target, err := c.findAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	device, err := c.adapter.Connect(target, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}

	serviceUUID, writeUUID, notifyUUID, err := profile.parse()
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) != 1 {
		_ = device.Disconnect()
		return nil, fmt.Errorf("discovering service on %s: %w", address, err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{writeUUID, notifyUUID})
	if err != nil || len(chars) != 2 {
		_ = device.Disconnect()
		return nil, fmt.Errorf("discovering characteristics on %s: %w", address, err)
	}

	conn := &centralConn{
		central: c,
		address: address,
		device:  device,
		write:   chars[0],
		notify:  chars[1],
	}

	c.mu.Lock()
	c.conns[address] = conn
	c.mu.Unlock()

	return conn, nil
}

// findAddress scans until the peripheral with the given address appears.
func (c *Central) findAddress(ctx context.Context, address string) (bluetooth.Address, error) {
	var (
		found bluetooth.Address
		ok    bool
	)

	go func() {
		<-ctx.Done()
		_ = c.adapter.StopScan()
	}()

	err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.Address.String() == address {
			found = result.Address
			ok = true
			_ = c.adapter.StopScan()
		}
	})
	if err != nil && ctx.Err() == nil {
		return bluetooth.Address{}, fmt.Errorf("ble scan: %w", err)
	}
	if !ok {
		return bluetooth.Address{}, fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return found, nil
}

func (p Profile) parse() (service, write, notify bluetooth.UUID, err error) {
	if service, err = bluetooth.ParseUUID(p.Service); err != nil {
		return service, write, notify, fmt.Errorf("parsing service UUID: %w", err)
	}
	if write, err = bluetooth.ParseUUID(p.Write); err != nil {
		return service, write, notify, fmt.Errorf("parsing write UUID: %w", err)
	}
	if notify, err = bluetooth.ParseUUID(p.Notify); err != nil {
		return service, write, notify, fmt.Errorf("parsing notify UUID: %w", err)
	}
	return service, write, notify, nil
}

// centralConn is a live connection over the host adapter.
type centralConn struct {
	central *Central
	address string
	device  bluetooth.Device
	write   bluetooth.DeviceCharacteristic
	notify  bluetooth.DeviceCharacteristic

	mu           sync.Mutex
	onDisconnect func()
}

// Write implements Conn.
func (c *centralConn) Write(p []byte) error {
	if _, err := c.write.WriteWithoutResponse(p); err != nil {
		return fmt.Errorf("ble write: %w", err)
	}
	return nil
}

// Subscribe implements Conn.
func (c *centralConn) Subscribe(fn func(data []byte)) error {
	if err := c.notify.EnableNotifications(fn); err != nil {
		return fmt.Errorf("enabling notifications: %w", err)
	}
	return nil
}

// OnDisconnect implements Conn.
func (c *centralConn) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *centralConn) notifyDisconnect() {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close implements Conn.
func (c *centralConn) Close() error {
	c.central.mu.Lock()
	delete(c.central.conns, c.address)
	c.central.mu.Unlock()
	return c.device.Disconnect()
}
