package device

import (
	"context"
	"sync"
)

// VirtualAdapter is a loopback adapter with no transport. It accepts every
// command, tracks strength in memory, and connects instantly. Used for
// virtual devices and as the reference adapter in tests.
type VirtualAdapter struct {
	mu        sync.Mutex
	connected bool
	strength  map[Channel]int
	nativeMax int
	callbacks Callbacks
}

// NewVirtualAdapter creates a virtual adapter with the given native range.
func NewVirtualAdapter(nativeMax int, callbacks Callbacks) *VirtualAdapter {
	return &VirtualAdapter{
		strength:  make(map[Channel]int),
		nativeMax: nativeMax,
		callbacks: callbacks,
	}
}

// VirtualFactory returns an AdapterFactory producing virtual adapters whose
// native range matches the device family.
func VirtualFactory() AdapterFactory {
	return func(dev *Device, callbacks Callbacks) (Adapter, error) {
		nativeMax := MaxStrengthEMS
		if dev.Family == FamilyActuator {
			nativeMax = MaxStrengthActuator
		}
		return NewVirtualAdapter(nativeMax, callbacks), nil
	}
}

// Connect implements Adapter.
func (a *VirtualAdapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

// Disconnect implements Adapter.
func (a *VirtualAdapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

// Reconnect implements Adapter.
func (a *VirtualAdapter) Reconnect(ctx context.Context) error {
	return a.Connect(ctx)
}

// SetStrength implements Adapter.
func (a *VirtualAdapter) SetStrength(_ context.Context, ch Channel, native int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	a.strength[ch] = native
	return nil
}

// SendWaveform implements Adapter.
func (a *VirtualAdapter) SendWaveform(_ context.Context, _ Channel, _ Waveform) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return ErrNotConnected
	}
	return nil
}

// NativeMax implements Adapter.
func (a *VirtualAdapter) NativeMax() int { return a.nativeMax }

// Close implements Adapter.
func (a *VirtualAdapter) Close() error {
	return a.Disconnect()
}

// Strength returns the last value written to a channel.
func (a *VirtualAdapter) Strength(ch Channel) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.strength[ch]
}
