package socketdev

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/pulselink-core/internal/device"
	"github.com/nerrad567/pulselink-core/internal/relay"
)

// NativeMax is the native strength ceiling on the relay scale. Relay-paired
// devices speak percent-like values regardless of hardware generation; the
// companion app maps them onto the hardware range.
const NativeMax = 100

// Default timing for the adapter.
const (
	DefaultDialTimeout       = 10 * time.Second
	DefaultBindTimeout       = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectAttempts = 5
	defaultWriteTimeout      = 10 * time.Second
)

// Logger is the minimal logging interface the adapter needs.
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

// Options configure an Adapter.
type Options struct {
	// Config carries the relay endpoint and pairing credential: a
	// RelayConfig for direct relay pairing, or an IMRelayConfig reaching
	// the device through an instant-messaging gateway speaking the same
	// grammar.
	Config device.ConnectionConfig

	// Callbacks receive status transitions and strength echoes.
	Callbacks device.Callbacks

	DialTimeout       time.Duration
	BindTimeout       time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int

	Logger Logger
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.BindTimeout <= 0 {
		o.BindTimeout = DefaultBindTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

// Adapter drives a relay-paired device: a WebSocket client of the
// relay/binding server whose bound peer is the companion app holding the
// actual hardware connection.
//
// Pairing follows the server's handshake. The server announces this
// connection's id in an initial bind frame; the adapter then binds to the
// user id from the connect-code, presenting the token half as the pairing
// word the relay checks. Strength and waveform commands travel as grammar
// bodies in msg frames.
type Adapter struct {
	opts Options

	// Endpoint and pairing credential derived from the config variant.
	serverURL string
	targetID  string
	bindWord  string

	mu     sync.Mutex
	conn   *websocket.Conn
	ownID  string
	peerID string
}

// New creates a relay device adapter from a RelayConfig or IMRelayConfig.
func New(opts Options) (*Adapter, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: relay adapter needs a connection config", device.ErrConfiguration)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	a := &Adapter{opts: opts}
	switch cfg := opts.Config.(type) {
	case device.RelayConfig:
		a.serverURL = cfg.ServerURL
		a.targetID = cfg.UserID()
		a.bindWord = cfg.Token()
	case device.IMRelayConfig:
		// IM gateways address the conversation by room code and accept it
		// as the pairing word too.
		a.serverURL = cfg.GatewayURL
		a.targetID = cfg.RoomCode
		a.bindWord = cfg.RoomCode
	default:
		return nil, fmt.Errorf("%w: relay adapter cannot use a %s config", device.ErrConfiguration, cfg.Mode())
	}
	return a, nil
}

// Factory returns a device.AdapterFactory wiring relay and im-relay devices
// to the shared timing configuration.
func Factory(dialTimeout, reconnectDelay time.Duration, reconnectAttempts int, logger Logger) device.AdapterFactory {
	return func(dev *device.Device, callbacks device.Callbacks) (device.Adapter, error) {
		return New(Options{
			Config:            dev.Config,
			Callbacks:         callbacks,
			DialTimeout:       dialTimeout,
			ReconnectDelay:    reconnectDelay,
			ReconnectAttempts: reconnectAttempts,
			Logger:            logger,
		})
	}
}

// Connect dials the relay server and completes the bind handshake. It
// blocks until the binding is acknowledged or ctx is cancelled; a failed or
// cancelled connect leaves the adapter disconnected.
func (a *Adapter) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: a.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, a.serverURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dialing relay %s: %v", device.ErrTransport, a.serverURL, err)
	}

	// Abort the handshake reads if the caller gives up.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-handshakeDone:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(a.opts.BindTimeout))

	// The server's first frame announces the id this socket was assigned.
	var hello relay.Message
	if err := conn.ReadJSON(&hello); err != nil {
		close(handshakeDone)
		_ = conn.Close()
		return fmt.Errorf("%w: reading relay hello: %v", device.ErrTransport, err)
	}
	if hello.Type.Name != relay.TypeBind || hello.ClientID == "" {
		close(handshakeDone)
		_ = conn.Close()
		return fmt.Errorf("%w: unexpected relay hello frame %q", device.ErrProtocol, hello.Type)
	}
	ownID := hello.ClientID

	if a.opts.Callbacks.OnStatus != nil {
		a.opts.Callbacks.OnStatus(device.StatusWaitingForBind)
	}

	bind := relay.Message{
		Type:     relay.StringType(relay.TypeBind),
		ClientID: ownID,
		TargetID: a.targetID,
		Message:  a.bindWord,
	}
	if err := writeFrame(conn, bind); err != nil {
		close(handshakeDone)
		_ = conn.Close()
		return fmt.Errorf("%w: sending bind request: %v", device.ErrTransport, err)
	}

	var reply relay.Message
	if err := conn.ReadJSON(&reply); err != nil {
		close(handshakeDone)
		_ = conn.Close()
		return fmt.Errorf("%w: reading bind reply: %v", device.ErrTransport, err)
	}
	close(handshakeDone)

	if reply.Type.Name != relay.TypeBind || reply.Message != relay.CodeOK {
		_ = conn.Close()
		return bindError(reply.Message)
	}

	_ = conn.SetReadDeadline(time.Time{})

	a.mu.Lock()
	a.conn = conn
	a.ownID = ownID
	a.peerID = a.targetID
	a.mu.Unlock()

	go a.readLoop(conn)

	a.opts.Logger.Info("relay device bound", "own_id", ownID, "peer_id", a.targetID)
	return nil
}

// bindError maps a relay result code to a sentinel error.
func bindError(code string) error {
	switch code {
	case relay.CodeUnknownTarget:
		return fmt.Errorf("%w: relay target offline (code %s)", device.ErrTransport, code)
	case relay.CodeAlreadyBound:
		return fmt.Errorf("%w: relay target already bound (code %s)", device.ErrConfiguration, code)
	case relay.CodeMalformed:
		return fmt.Errorf("%w: relay rejected bind request (code %s)", device.ErrConfiguration, code)
	default:
		return fmt.Errorf("%w: bind failed with code %s", device.ErrTransport, code)
	}
}

// Disconnect closes the relay socket. Safe to call when not connected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Reconnect re-dials and re-binds with the configured bounded retry policy.
func (a *Adapter) Reconnect(ctx context.Context) error {
	_ = a.Disconnect()

	var lastErr error
	for attempt := 1; attempt <= a.opts.ReconnectAttempts; attempt++ {
		err := a.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		a.opts.Logger.Warn("relay reconnect attempt failed",
			"attempt", attempt, "max", a.opts.ReconnectAttempts, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.opts.ReconnectDelay):
		}
	}

	if a.opts.Callbacks.OnStatus != nil {
		a.opts.Callbacks.OnStatus(device.StatusError)
	}
	return fmt.Errorf("%w: relay reconnect exhausted after %d attempts: %v",
		device.ErrTransport, a.opts.ReconnectAttempts, lastErr)
}

// SetStrength sends an absolute strength for a channel using the set form
// of the strength grammar. Channel A maps to wire channel 1, B to 2.
func (a *Adapter) SetStrength(ctx context.Context, ch device.Channel, native int) error {
	num, err := wireChannel(ch)
	if err != nil {
		return err
	}
	if native < 0 || native > NativeMax {
		return fmt.Errorf("%w: relay strength %d outside 0-%d", device.ErrProtocol, native, NativeMax)
	}
	return a.send(ctx, relay.FormatStrength(num, 2, native))
}

// SendWaveform streams a waveform as a pulse-grammar body: a JSON array of
// [frequency, pulseWidth] pairs for the channel.
func (a *Adapter) SendWaveform(ctx context.Context, ch device.Channel, wf device.Waveform) error {
	if !ch.Valid() {
		return device.ErrInvalidChannel
	}
	pairs := make([][2]int, len(wf))
	for i, seg := range wf {
		pairs[i] = [2]int{seg.Frequency, seg.PulseWidth}
	}
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("encoding waveform: %w", err)
	}
	return a.send(ctx, relay.FormatPulse(string(ch), string(encoded)))
}

// NativeMax implements device.Adapter.
func (a *Adapter) NativeMax() int { return NativeMax }

// Close implements device.Adapter.
func (a *Adapter) Close() error { return a.Disconnect() }

// send relays a grammar body to the bound peer.
func (a *Adapter) send(_ context.Context, body string) error {
	a.mu.Lock()
	conn := a.conn
	ownID := a.ownID
	peerID := a.peerID
	a.mu.Unlock()

	if conn == nil {
		return device.ErrNotConnected
	}

	msg := relay.Message{
		Type:     relay.StringType(relay.TypeMsg),
		ClientID: ownID,
		TargetID: peerID,
		Message:  body,
	}
	if err := writeFrame(conn, msg); err != nil {
		return fmt.Errorf("%w: relay write: %v", device.ErrTransport, err)
	}
	return nil
}

func writeFrame(conn *websocket.Conn, msg relay.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return conn.WriteJSON(msg)
}

// readLoop consumes inbound frames until the socket drops. Strength echoes
// from the peer feed telemetry; a break frame means the peer is gone.
func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		var msg relay.Message
		if err := conn.ReadJSON(&msg); err != nil {
			a.handleDrop(conn)
			return
		}

		switch msg.Type.Name {
		case relay.TypeHeartbeat:
			// Keep-alive only.

		case relay.TypeBreak:
			a.opts.Logger.Info("relay peer disconnected", "code", msg.Message)
			a.handleDrop(conn)
			return

		case relay.TypeMsg:
			a.handlePeerMessage(msg.Message)

		case relay.TypeError:
			a.opts.Logger.Warn("relay error frame", "code", msg.Message)

		default:
			a.opts.Logger.Debug("ignoring relay frame", "type", msg.Type.String())
		}
	}
}

// handlePeerMessage decodes a strength echo from the companion app.
func (a *Adapter) handlePeerMessage(body string) {
	if !relay.ValidStrengthMsg(body) {
		a.opts.Logger.Debug("ignoring relay body", "body", body)
		return
	}
	channel, mode, value, ok := parseStrength(body)
	if !ok || mode != 2 {
		return
	}
	if a.opts.Callbacks.OnTelemetry != nil {
		kind := "strength_a"
		if channel == 2 {
			kind = "strength_b"
		}
		a.opts.Callbacks.OnTelemetry(kind, float64(value))
	}
}

// handleDrop marks the adapter disconnected exactly once per socket.
func (a *Adapter) handleDrop(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.mu.Unlock()

	_ = conn.Close()
	if a.opts.Callbacks.OnStatus != nil {
		a.opts.Callbacks.OnStatus(device.StatusDisconnected)
	}
}

// wireChannel maps a channel name onto the strength grammar's 1/2 numbers.
func wireChannel(ch device.Channel) (int, error) {
	switch ch {
	case device.ChannelA:
		return 1, nil
	case device.ChannelB:
		return 2, nil
	}
	return 0, device.ErrInvalidChannel
}

// parseStrength splits a valid strength body into its parts.
func parseStrength(body string) (channel, mode, value int, ok bool) {
	rest, found := strings.CutPrefix(body, "strength-")
	if !found {
		return 0, 0, 0, false
	}
	parts := strings.Split(rest, "+")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	var err error
	if channel, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, false
	}
	if mode, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, false
	}
	if value, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, 0, false
	}
	return channel, mode, value, true
}
