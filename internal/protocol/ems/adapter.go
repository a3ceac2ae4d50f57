package ems

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/pulselink-core/internal/device"
	"github.com/nerrad567/pulselink-core/internal/transport/ble"
)

// DefaultProfile is the GATT profile spoken by EMS stimulation units:
// one write-without-response characteristic for commands and one notify
// characteristic for telemetry.
var DefaultProfile = ble.Profile{
	Service: "955A180B-0FE2-F5AA-A094-84B8D4F3E8AD",
	Write:   "955A1504-0FE2-F5AA-A094-84B8D4F3E8AD",
	Notify:  "955A1505-0FE2-F5AA-A094-84B8D4F3E8AD",
}

// Default timing for connection handling.
const (
	DefaultConnectTimeout      = 10 * time.Second
	DefaultReconnectAttempts   = 5
	DefaultReconnectDelay      = 3 * time.Second
	DefaultBatteryPollInterval = 60 * time.Second
)

// Options configures an EMS adapter.
type Options struct {
	// Transport provides BLE connectivity. Required.
	Transport ble.Transport

	// Address is the peripheral address. Required.
	Address string

	// Generation selects the wire variant (GenV2 or GenV3).
	Generation device.Generation

	// Callbacks receive status transitions and telemetry. Optional.
	Callbacks device.Callbacks

	// Profile overrides DefaultProfile when set.
	Profile ble.Profile

	ConnectTimeout      time.Duration
	ReconnectAttempts   int
	ReconnectDelay      time.Duration
	BatteryPollInterval time.Duration

	Logger device.Logger
}

func (o *Options) applyDefaults() {
	if o.Profile == (ble.Profile{}) {
		o.Profile = DefaultProfile
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.BatteryPollInterval <= 0 {
		o.BatteryPollInterval = DefaultBatteryPollInterval
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Adapter speaks the EMS binary protocol over one BLE connection.
//
// Channel state is guarded by a mutex: telemetry callbacks arrive on the
// transport's goroutine independent of outbound command issuance. Loss of
// the link transitions to Disconnected without automatic retry (the
// transport layer owns passive reconnection; duplicating it here would race
// it); Reconnect replays the last configuration with a bounded retry.
type Adapter struct {
	opts Options

	mu         sync.Mutex
	conn       ble.Conn
	settings   map[device.Channel]ChannelSetting
	pollCancel context.CancelFunc
	closed     bool
}

var _ device.Adapter = (*Adapter)(nil)

// New creates an EMS adapter. The connection is opened by Connect.
func New(opts Options) (*Adapter, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: BLE transport required", device.ErrConfiguration)
	}
	if opts.Address == "" {
		return nil, fmt.Errorf("%w: peripheral address required", device.ErrConfiguration)
	}
	if opts.Generation != device.GenV2 && opts.Generation != device.GenV3 {
		return nil, fmt.Errorf("%w: unknown protocol generation %q", device.ErrConfiguration, opts.Generation)
	}
	opts.applyDefaults()

	return &Adapter{
		opts: opts,
		settings: map[device.Channel]ChannelSetting{
			device.ChannelA: {Mode: MinFixedMode},
			device.ChannelB: {Mode: MinFixedMode},
		},
	}, nil
}

// Factory returns an AdapterFactory building EMS adapters from a device's
// BLE connection config. Virtual BLE devices get a loopback adapter with
// the EMS native range.
func Factory(transport ble.Transport, connectTimeout, reconnectDelay, batteryPoll time.Duration, reconnectAttempts int, logger device.Logger) device.AdapterFactory {
	return func(dev *device.Device, callbacks device.Callbacks) (device.Adapter, error) {
		cfg, ok := dev.Config.(device.BLEConfig)
		if !ok {
			return nil, fmt.Errorf("%w: BLE config required for mode %q", device.ErrConfiguration, dev.Mode)
		}
		if cfg.Virtual {
			return device.NewVirtualAdapter(MaxStrength, callbacks), nil
		}

		gen := dev.Generation
		if gen == "" {
			gen = device.GenV3
		}

		return New(Options{
			Transport:           transport,
			Address:             cfg.Address,
			Generation:          gen,
			Callbacks:           callbacks,
			ConnectTimeout:      connectTimeout,
			ReconnectAttempts:   reconnectAttempts,
			ReconnectDelay:      reconnectDelay,
			BatteryPollInterval: batteryPoll,
			Logger:              logger,
		})
	}
}

// Connect implements device.Adapter. It opens the BLE link, subscribes to
// telemetry, enables pedometer and angle reporting, and starts the battery
// poll loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("%w: adapter closed", device.ErrTransport)
	}
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	conn, err := a.opts.Transport.Connect(ctx, a.opts.Address, a.opts.Profile)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrTransport, err)
	}

	if err := conn.Subscribe(a.handleNotification); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %v", device.ErrTransport, err)
	}
	conn.OnDisconnect(a.handleDisconnect)

	// Telemetry toggles are best effort; a device without the sensors
	// ignores them.
	if err := conn.Write(EncodePedometer(true)); err != nil {
		a.opts.Logger.Debug("pedometer enable failed", "error", err)
	}
	if err := conn.Write(EncodeAngleSensor(true)); err != nil {
		a.opts.Logger.Debug("angle enable failed", "error", err)
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())

	// Re-check under the lock before committing: a Close or context
	// cancellation that landed during the dial must not leave a live link
	// behind a closed adapter.
	a.mu.Lock()
	if a.closed || ctx.Err() != nil {
		wasClosed := a.closed
		a.mu.Unlock()
		pollCancel()
		_ = conn.Close()
		if wasClosed {
			return fmt.Errorf("%w: adapter closed", device.ErrTransport)
		}
		return fmt.Errorf("%w: %v", device.ErrTransport, ctx.Err())
	}
	if a.conn != nil {
		// A concurrent Connect won the race; keep its link.
		a.mu.Unlock()
		pollCancel()
		_ = conn.Close()
		return nil
	}
	a.conn = conn
	a.pollCancel = pollCancel
	a.mu.Unlock()

	go a.batteryPollLoop(pollCtx)

	return nil
}

// Disconnect implements device.Adapter.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	if a.pollCancel != nil {
		a.pollCancel()
		a.pollCancel = nil
	}
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("%w: %v", device.ErrTransport, err)
	}
	return nil
}

// Reconnect implements device.Adapter: replay the last configuration with a
// bounded retry (fixed delay between attempts) before a terminal Error.
func (a *Adapter) Reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= a.opts.ReconnectAttempts; attempt++ {
		if err := a.Connect(ctx); err == nil {
			a.opts.Logger.Info("reconnected", "address", a.opts.Address, "attempt", attempt)
			return nil
		} else { //nolint:revive // keep err scoped to the attempt
			lastErr = err
			a.opts.Logger.Warn("reconnect attempt failed",
				"address", a.opts.Address, "attempt", attempt, "error", err)
		}

		if attempt == a.opts.ReconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.opts.ReconnectDelay):
		}
	}

	if a.opts.Callbacks.OnStatus != nil {
		a.opts.Callbacks.OnStatus(device.StatusError)
	}
	return fmt.Errorf("%w: reconnect failed after %d attempts: %v",
		device.ErrTransport, a.opts.ReconnectAttempts, lastErr)
}

// SetStrength implements device.Adapter. The value is absolute and native
// (0-276), pre-clamped by the manager.
func (a *Adapter) SetStrength(_ context.Context, ch device.Channel, native int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return device.ErrNotConnected
	}

	setting := a.settings[ch]
	setting.Strength = native
	setting.Enable = native > 0
	a.settings[ch] = setting

	frame, err := a.encodeChannelsLocked(ch)
	if err != nil {
		return err
	}
	return a.writeLocked(frame)
}

// SendWaveform implements device.Adapter. Generation 3 streams the sequence
// through frequency-sequence packets (chunked at the protocol capacity);
// generation 2 has no sequence mode, so each segment is written as a
// real-time custom-mode channel control packet.
func (a *Adapter) SendWaveform(_ context.Context, ch device.Channel, wf device.Waveform) error {
	if len(wf) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return device.ErrNotConnected
	}

	setting := a.settings[ch]
	setting.Mode = ModeCustom
	setting.Enable = true
	a.settings[ch] = setting

	if a.opts.Generation == device.GenV3 {
		for start := 0; start < len(wf); start += MaxSequencePairs {
			end := min(start+MaxSequencePairs, len(wf))
			frame, err := EncodeFrequencySequence(maskFor(ch), wf[start:end])
			if err != nil {
				return err
			}
			if err := a.writeLocked(frame); err != nil {
				return err
			}
		}
		return nil
	}

	for _, seg := range wf {
		setting.Frequency = seg.Frequency
		setting.PulseWidth = seg.PulseWidth
		a.settings[ch] = setting

		frame, err := EncodeChannelControlV2(maskFor(ch), a.settings[ch])
		if err != nil {
			return err
		}
		if err := a.writeLocked(frame); err != nil {
			return err
		}
	}
	return nil
}

// SetMotor drives a motor on actuator hardware revisions.
func (a *Adapter) SetMotor(_ context.Context, index, speed int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return device.ErrNotConnected
	}
	frame, err := EncodeMotor(index, speed)
	if err != nil {
		return err
	}
	return a.writeLocked(frame)
}

// Query requests a reading; the answer arrives as a notification.
func (a *Adapter) Query(_ context.Context, quantity byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return device.ErrNotConnected
	}
	return a.writeLocked(EncodeQuery(quantity))
}

// NativeMax implements device.Adapter.
func (a *Adapter) NativeMax() int { return MaxStrength }

// Close implements device.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return a.Disconnect()
}

// encodeChannelsLocked builds the channel-control frame for the current
// settings. Generation 2 addresses the changed channel via mask; generation
// 3 always writes both channels together.
func (a *Adapter) encodeChannelsLocked(changed device.Channel) ([]byte, error) {
	if a.opts.Generation == device.GenV3 {
		return EncodeChannelControlV3(a.settings[device.ChannelA], a.settings[device.ChannelB])
	}
	return EncodeChannelControlV2(maskFor(changed), a.settings[changed])
}

func (a *Adapter) writeLocked(frame []byte) error {
	if err := a.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", device.ErrTransport, err)
	}
	return nil
}

func maskFor(ch device.Channel) byte {
	if ch == device.ChannelB {
		return MaskChannelB
	}
	return MaskChannelA
}

// handleNotification decodes an inbound frame and fans telemetry out to the
// callbacks. Malformed frames are logged and dropped; the connection stays up.
func (a *Adapter) handleNotification(data []byte) {
	n, err := DecodeNotification(data)
	if err != nil {
		a.opts.Logger.Debug("dropping notification", "error", err)
		return
	}

	cb := a.opts.Callbacks
	switch n := n.(type) {
	case ChannelStatusNotification:
		a.mu.Lock()
		sa := a.settings[device.ChannelA]
		sa.Strength = n.StrengthA
		a.settings[device.ChannelA] = sa
		sb := a.settings[device.ChannelB]
		sb.Strength = n.StrengthB
		a.settings[device.ChannelB] = sb
		a.mu.Unlock()

		if cb.OnTelemetry != nil {
			cb.OnTelemetry("strength_a", float64(n.StrengthA))
			cb.OnTelemetry("strength_b", float64(n.StrengthB))
		}

	case BatteryNotification:
		if cb.OnBattery != nil {
			cb.OnBattery(n.Level)
		}

	case StepsNotification:
		if cb.OnTelemetry != nil {
			cb.OnTelemetry("steps", float64(n.Count))
		}

	case AngleNotification:
		if cb.OnTelemetry != nil {
			cb.OnTelemetry("angle", n.Degrees)
		}

	case MotorNotification:
		if cb.OnTelemetry != nil {
			cb.OnTelemetry("motor_speed", float64(n.Speed))
		}
	}
}

// handleDisconnect reacts to link loss reported by the transport.
func (a *Adapter) handleDisconnect() {
	a.mu.Lock()
	a.conn = nil
	if a.pollCancel != nil {
		a.pollCancel()
		a.pollCancel = nil
	}
	a.mu.Unlock()

	a.opts.Logger.Warn("ble link lost", "address", a.opts.Address)
	if a.opts.Callbacks.OnStatus != nil {
		a.opts.Callbacks.OnStatus(device.StatusDisconnected)
	}
}

// batteryPollLoop queries the battery level at the configured interval
// while connected. The loop ends when its context is cancelled on
// disconnect or close.
func (a *Adapter) batteryPollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.BatteryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Query(ctx, QueryBattery); err != nil {
				a.opts.Logger.Debug("battery poll failed", "error", err)
			}
		}
	}
}
