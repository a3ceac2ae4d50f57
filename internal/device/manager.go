package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/pulselink-core/internal/bus"
)

// Logger is the minimal logging interface the manager needs.
// Satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// managed pairs a device with its adapter and connect task.
type managed struct {
	dev     *Device
	adapter Adapter

	// cfgUsed is the connection config the adapter was built with.
	// Connect is idempotent only while it equals dev.Config.
	cfgUsed ConnectionConfig

	// cancelConnect aborts an in-flight background connect.
	cancelConnect context.CancelFunc
}

// Manager owns configured devices, their adapters, and their lifecycle.
// It is the only component that touches adapters; everything else (the
// dispatch engine in particular) goes through the Manager's uniform
// interface.
//
// Thread Safety: all methods are safe for concurrent use. Transport calls
// run outside the manager lock so one device's slow or failing transport
// never blocks commands to another.
type Manager struct {
	mu        sync.RWMutex
	devices   map[string]*managed
	factories map[ConnectionMode]AdapterFactory
	repo      *Repository
	bus       *bus.Bus
	logger    Logger
}

// NewManager creates a device manager.
//
// Parameters:
//   - repo: Device repository for persistence (may be nil for ephemeral use)
//   - eventBus: Bus for status and telemetry notifications (may be nil)
//   - logger: Logger instance (nil for silent operation)
func NewManager(repo *Repository, eventBus *bus.Bus, logger Logger) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		devices:   make(map[string]*managed),
		factories: make(map[ConnectionMode]AdapterFactory),
		repo:      repo,
		bus:       eventBus,
		logger:    logger,
	}
}

// RegisterFactory installs the adapter factory for a connection mode.
// Must be called before Connect is used for that mode.
func (m *Manager) RegisterFactory(mode ConnectionMode, factory AdapterFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[mode] = factory
}

// AddDevice registers a new device and returns its id.
//
// Channel layout and capabilities follow the family: stimulation devices get
// channels A and B limited to the EMS native maximum; actuators get channel
// A limited to the actuator maximum. The connection config is stored as
// given; it is validated at Connect time, not here.
func (m *Manager) AddDevice(ctx context.Context, family Family, cfg ConnectionConfig, name string) (string, error) {
	if !family.Valid() {
		return "", ErrInvalidFamily
	}
	if cfg == nil {
		return "", fmt.Errorf("%w: connection config required", ErrConfiguration)
	}

	now := time.Now().UTC()
	dev := &Device{
		ID:           uuid.NewString(),
		Name:         name,
		Family:       family,
		Mode:         cfg.Mode(),
		Status:       StatusDisconnected,
		Capabilities: defaultCapabilities(family, GenV3),
		Config:       cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	switch family {
	case FamilyStimulation:
		// Relay-paired devices speak the relay's 0-100 scale; the BLE
		// native range applies only when the hub owns the hardware link.
		limit := MaxStrengthEMS
		if dev.Mode == ModeRelay || dev.Mode == ModeIMRelay {
			limit = MaxStrengthRelay
		}
		dev.Channels = map[Channel]*ChannelState{
			ChannelA: {Limit: limit},
			ChannelB: {Limit: limit},
		}
	case FamilyActuator:
		dev.Channels = map[Channel]*ChannelState{
			ChannelA: {Limit: MaxStrengthActuator},
		}
	}

	if m.repo != nil {
		if err := m.repo.Create(ctx, dev); err != nil {
			return "", fmt.Errorf("persisting device: %w", err)
		}
	}

	m.mu.Lock()
	m.devices[dev.ID] = &managed{dev: dev}
	m.mu.Unlock()

	m.logger.Info("device added", "device_id", dev.ID, "family", family, "mode", dev.Mode)
	return dev.ID, nil
}

// SetGeneration tags the protocol generation a device speaks and refreshes
// its capability set accordingly.
func (m *Manager) SetGeneration(id string, gen Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	md.dev.Generation = gen
	md.dev.Capabilities = defaultCapabilities(md.dev.Family, gen)
	md.dev.UpdatedAt = time.Now().UTC()
	return nil
}

// SetChannelLimit configures a channel's strength ceiling, clamped to the
// protocol maximum for the family. Current strength is reduced if it now
// exceeds the limit.
func (m *Manager) SetChannelLimit(id string, ch Channel, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	st := md.dev.Channels[ch]
	if st == nil {
		return ErrInvalidChannel
	}

	maxLimit := MaxStrengthEMS
	if md.dev.Family == FamilyActuator {
		maxLimit = MaxStrengthActuator
	}
	st.Limit = clamp(limit, 0, maxLimit)
	if st.Strength > st.Limit {
		st.Strength = st.Limit
	}
	md.dev.UpdatedAt = time.Now().UTC()
	return nil
}

// Connect brings a device online.
//
// Validation of the connection config is synchronous: missing required
// fields fail immediately with ErrConfiguration and no transport activity.
// The transport open itself runs as a cancellable background task so bus
// delivery is never blocked; status transitions are published as
// device.status events.
//
// Connect is idempotent while the device is already Connected (or still
// Connecting) with an unchanged config.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()

	md, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	cfg := md.dev.Config
	if cfg == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: connection config required", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}

	unchanged := md.cfgUsed != nil && md.cfgUsed.Equal(cfg)
	if unchanged && (md.dev.Status == StatusConnected || md.dev.Status == StatusConnecting) {
		m.mu.Unlock()
		return nil
	}

	// Config changed underneath an existing adapter: rebuild.
	if md.adapter != nil && !unchanged {
		if md.cancelConnect != nil {
			md.cancelConnect()
			md.cancelConnect = nil
		}
		_ = md.adapter.Close()
		md.adapter = nil
	}

	if md.adapter == nil {
		factory, ok := m.factories[cfg.Mode()]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: no adapter for mode %q", ErrInvalidMode, cfg.Mode())
		}
		adapter, err := factory(md.dev, m.callbacksFor(id))
		if err != nil {
			m.mu.Unlock()
			return err
		}
		md.adapter = adapter
		md.cfgUsed = cfg
	}

	md.dev.Status = StatusConnecting
	adapter := md.adapter

	cctx, cancel := context.WithCancel(context.Background())
	md.cancelConnect = cancel
	m.mu.Unlock()

	m.publishStatus(id, StatusConnecting)

	go func() {
		err := adapter.Connect(cctx)

		m.mu.Lock()
		md, ok := m.devices[id]
		if !ok {
			m.mu.Unlock()
			return
		}
		md.cancelConnect = nil

		var status Status
		switch {
		case cctx.Err() != nil:
			// Cancelled mid-connect: deterministic Disconnected,
			// never stuck Connecting.
			status = StatusDisconnected
		case err != nil:
			status = StatusError
		default:
			status = StatusConnected
		}
		md.dev.Status = status
		md.dev.UpdatedAt = time.Now().UTC()
		m.mu.Unlock()

		if err != nil && cctx.Err() == nil {
			m.logger.Error("device connect failed", "device_id", id, "error", err)
		}
		m.publishStatus(id, status)
	}()

	return nil
}

// Disconnect takes a device offline, cancelling any in-flight connect.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	md, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if md.cancelConnect != nil {
		md.cancelConnect()
		md.cancelConnect = nil
	}
	adapter := md.adapter
	md.dev.Status = StatusDisconnected
	md.dev.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if adapter != nil {
		if err := adapter.Disconnect(); err != nil {
			m.logger.Warn("device disconnect", "device_id", id, "error", err)
		}
	}
	m.publishStatus(id, StatusDisconnected)
	return nil
}

// Reconnect replays the device's last configuration through the adapter's
// bounded retry policy. It runs in the caller's goroutine; callers wanting
// background behaviour should wrap it themselves.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	m.mu.RLock()
	md, ok := m.devices[id]
	var adapter Adapter
	if ok {
		adapter = md.adapter
	}
	m.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if adapter == nil {
		return ErrNotConnected
	}

	err := adapter.Reconnect(ctx)

	status := StatusConnected
	if err != nil {
		status = StatusError
	}
	m.setStatus(id, status)
	return err
}

// Remove deletes a device, implicitly disconnecting it first.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.Disconnect(id); err != nil {
		return err
	}

	m.mu.Lock()
	md := m.devices[id]
	delete(m.devices, id)
	m.mu.Unlock()

	if md != nil && md.adapter != nil {
		_ = md.adapter.Close()
	}
	if m.repo != nil {
		if err := m.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("removing persisted device: %w", err)
		}
	}
	m.logger.Info("device removed", "device_id", id)
	return nil
}

// SetStrength applies a strength operation to one channel and returns the
// resulting native strength.
//
// The requested value is converted to native units per the unit tag, then
// combined with the current strength and clamped to the channel limit:
// result = clamp(f(previous, requested), 0, limit).
func (m *Manager) SetStrength(ctx context.Context, id string, ch Channel, value int, op StrengthOp, unit Unit) (int, error) {
	if !ch.Valid() {
		return 0, ErrInvalidChannel
	}

	m.mu.RLock()
	md, ok := m.devices[id]
	if !ok {
		m.mu.RUnlock()
		return 0, ErrNotFound
	}
	if md.dev.Status != StatusConnected {
		m.mu.RUnlock()
		return 0, ErrNotConnected
	}
	if !md.dev.HasCapability(CapChannelStrength) {
		m.mu.RUnlock()
		return 0, fmt.Errorf("%w: channel strength on %s", ErrUnsupportedAction, md.dev.Family)
	}
	st := md.dev.Channels[ch]
	if st == nil {
		m.mu.RUnlock()
		return 0, ErrInvalidChannel
	}
	adapter := md.adapter
	previous, limit := st.Strength, st.Limit
	m.mu.RUnlock()

	native := ConvertToNative(value, unit, adapter.NativeMax())
	target := ApplyStrength(previous, native, op, limit)

	if err := adapter.SetStrength(ctx, ch, target); err != nil {
		m.noteTransportError(id, err)
		return 0, err
	}

	m.mu.Lock()
	if md, ok := m.devices[id]; ok {
		if st := md.dev.Channels[ch]; st != nil {
			st.Strength = target
		}
		md.dev.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type:         bus.EventDeviceTelemetry,
			DeviceID:     id,
			Channel:      string(ch),
			Detail:       "strength",
			Value:        float64(target),
			Source:       "manager",
			SkipDispatch: true,
		})
	}
	return target, nil
}

// SendWaveform streams a waveform to one channel.
func (m *Manager) SendWaveform(ctx context.Context, id string, ch Channel, wf Waveform) error {
	if !ch.Valid() {
		return ErrInvalidChannel
	}

	m.mu.RLock()
	md, ok := m.devices[id]
	if !ok {
		m.mu.RUnlock()
		return ErrNotFound
	}
	if md.dev.Status != StatusConnected {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	if !md.dev.HasCapability(CapWaveform) {
		m.mu.RUnlock()
		return fmt.Errorf("%w: waveform on %s", ErrUnsupportedAction, md.dev.Family)
	}
	adapter := md.adapter
	m.mu.RUnlock()

	if err := adapter.SendWaveform(ctx, ch, wf); err != nil {
		m.noteTransportError(id, err)
		return err
	}
	return nil
}

// GetDevice returns a snapshot of a device.
func (m *Manager) GetDevice(id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return md.dev.Clone(), nil
}

// ListDevices returns snapshots of all devices, optionally filtered by
// family ("" matches all).
func (m *Manager) ListDevices(filter Family) []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Device, 0, len(m.devices))
	for _, md := range m.devices {
		if filter != "" && md.dev.Family != filter {
			continue
		}
		out = append(out, *md.dev.Clone())
	}
	return out
}

// ListConnected returns snapshots of devices in Connected status, optionally
// filtered by family. Devices in Error are excluded until reconnected.
func (m *Manager) ListConnected(filter Family) []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Device, 0, len(m.devices))
	for _, md := range m.devices {
		if md.dev.Status != StatusConnected {
			continue
		}
		if filter != "" && md.dev.Family != filter {
			continue
		}
		out = append(out, *md.dev.Clone())
	}
	return out
}

// LoadPersisted restores devices from the repository into the manager.
// Restored devices start Disconnected regardless of their state at shutdown.
func (m *Manager) LoadPersisted(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	devs, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range devs {
		dev.Status = StatusDisconnected
		m.devices[dev.ID] = &managed{dev: dev}
	}
	m.logger.Info("devices restored", "count", len(devs))
	return nil
}

// Close disconnects every device and tears down all adapters.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Disconnect(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, md := range m.devices {
		if md.adapter != nil {
			_ = md.adapter.Close()
			md.adapter = nil
		}
	}
}

// callbacksFor wires adapter callbacks to manager state for one device.
func (m *Manager) callbacksFor(id string) Callbacks {
	return Callbacks{
		OnStatus: func(s Status) {
			m.setStatus(id, s)
		},
		OnBattery: func(level int) {
			m.mu.Lock()
			if md, ok := m.devices[id]; ok {
				l := clamp(level, 0, 100)
				md.dev.Battery = &l
			}
			m.mu.Unlock()

			if m.bus != nil {
				m.bus.Publish(bus.Event{
					Type:         bus.EventDeviceTelemetry,
					DeviceID:     id,
					Detail:       "battery",
					Value:        float64(level),
					Source:       "adapter",
					SkipDispatch: true,
				})
			}
		},
		OnTelemetry: func(kind string, value float64) {
			if m.bus != nil {
				m.bus.Publish(bus.Event{
					Type:         bus.EventDeviceTelemetry,
					DeviceID:     id,
					Detail:       kind,
					Value:        value,
					Source:       "adapter",
					SkipDispatch: true,
				})
			}
		},
	}
}

func (m *Manager) setStatus(id string, status Status) {
	m.mu.Lock()
	md, ok := m.devices[id]
	if ok {
		md.dev.Status = status
		md.dev.UpdatedAt = time.Now().UTC()
	}
	m.mu.Unlock()

	if ok {
		m.publishStatus(id, status)
	}
}

// noteTransportError marks a device Errored after a failed transport call.
// Configuration and capability errors do not change status.
func (m *Manager) noteTransportError(id string, err error) {
	if !errors.Is(err, ErrTransport) {
		return
	}
	m.logger.Error("device transport error", "device_id", id, "error", err)
	m.setStatus(id, StatusError)
}

func (m *Manager) publishStatus(id string, status Status) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Type:         bus.EventDeviceStatus,
		DeviceID:     id,
		Detail:       string(status),
		Source:       "manager",
		SkipDispatch: true,
	})
}
