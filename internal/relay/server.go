package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/pulselink-core/internal/infrastructure/config"
)

// Logger is the minimal logging interface the server needs.
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

// sendBufferSize is the per-client outbound frame buffer.
const sendBufferSize = 64

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// defaultHeartbeatInterval is used when the configured heartbeat is
// non-positive.
const defaultHeartbeatInterval = 60 * time.Second

// client is one connected socket.
type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Server is the standalone WebSocket relay/binding service pairing a
// companion app with the hub.
//
// Each accepted connection is assigned an opaque client id and announced it
// via an initial bind frame. A bind request referencing two live, unbound
// ids records a bidirectional relation; subsequent strength and waveform
// exchanges are validated against that relation before being relayed.
//
// The client and relation maps sit behind one coarse mutex: connection
// counts are small, and simplicity wins over throughput here.
type Server struct {
	cfg    config.RelayConfig
	logger Logger

	upgrader websocket.Upgrader
	http     *http.Server

	mu        sync.Mutex
	clients   map[string]*client
	relations map[string]string // client id -> bound peer id, both directions
}

// NewServer creates a relay server from configuration.
func NewServer(cfg config.RelayConfig, logger Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Pairing is by connect-code, not origin.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients:   make(map[string]*client),
		relations: make(map[string]string),
	}
}

// Start runs the HTTP listener and heartbeat loop until ctx is cancelled.
// It returns once the listener is up; errors from the accept loop are
// logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Get(s.cfg.Path, s.handleWS)
	r.Get("/bindurl", s.handleBindURL)
	r.Get("/healthz", s.handleHealth)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", addr, err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server stopped", "error", err)
		}
	}()

	go s.heartbeatLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	s.logger.Info("relay server listening", "addr", addr, "path", s.cfg.Path)
	return nil
}

// ClientCount returns the number of connected sockets.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// handleWS upgrades the connection, mints a client id, announces it, and
// runs the read/write pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBufferSize),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("relay client connected", "client_id", c.id)

	go s.writePump(c)

	// Expose the freshly minted id so the peer side can be told what to
	// bind to (QR pairing embeds it).
	s.deliver(c, Message{
		Type:     StringType(TypeBind),
		ClientID: c.id,
		Message:  "targetId",
	})

	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.dropClient(c)

	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(s.cfg.MaxMessageSize))
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyCode(c, TypeError, "", CodeMalformed)
			continue
		}
		s.handleMessage(c, msg)
	}
}

func (s *Server) writePump(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	// Send channel closed: the server is done with this socket.
	_ = c.conn.Close()
}

// handleMessage routes one inbound frame.
func (s *Server) handleMessage(c *client, msg Message) {
	// Frames must speak for the socket they arrive on.
	if msg.ClientID != "" && msg.ClientID != c.id {
		s.replyCode(c, TypeError, msg.TargetID, CodeMalformed)
		return
	}

	if msg.Type.IsNumeric() {
		s.handleQuickStrength(c, msg)
		return
	}

	switch msg.Type.Name {
	case TypeBind:
		s.handleBind(c, msg)
	case TypeMsg:
		s.handleRelayMsg(c, msg)
	case TypeClientMsg:
		s.handleWaveform(c, msg)
	case TypeHeartbeat:
		// Clients may echo heartbeats; nothing to do.
	default:
		s.replyCode(c, TypeError, msg.TargetID, CodeMalformed)
	}
}

// handleBind completes pairing between two live, unbound client ids.
func (s *Server) handleBind(c *client, msg Message) {
	if msg.Message != s.cfg.BindMagic || msg.TargetID == "" {
		s.replyCode(c, TypeBind, msg.TargetID, CodeMalformed)
		return
	}

	s.mu.Lock()
	target, live := s.clients[msg.TargetID]
	_, selfBound := s.relations[c.id]
	_, targetBound := s.relations[msg.TargetID]

	switch {
	case !live:
		s.mu.Unlock()
		s.replyCode(c, TypeBind, msg.TargetID, CodeUnknownTarget)
		return
	case selfBound || targetBound:
		s.mu.Unlock()
		s.replyCode(c, TypeBind, msg.TargetID, CodeAlreadyBound)
		return
	}

	s.relations[c.id] = msg.TargetID
	s.relations[msg.TargetID] = c.id
	s.mu.Unlock()

	s.logger.Info("relay binding established", "client_id", c.id, "target_id", msg.TargetID)

	// Success is echoed to both halves of the new relation.
	ok := Message{
		Type:     StringType(TypeBind),
		ClientID: c.id,
		TargetID: msg.TargetID,
		Message:  CodeOK,
	}
	s.deliver(c, ok)
	s.deliver(target, ok)
}

// handleRelayMsg forwards a strength/pulse body between bound peers.
func (s *Server) handleRelayMsg(c *client, msg Message) {
	if !ValidStrengthMsg(msg.Message) && !ValidPulseMsg(msg.Message) {
		s.replyCode(c, TypeMsg, msg.TargetID, CodeMalformed)
		return
	}
	s.forward(c, msg.TargetID, msg.Message)
}

// handleQuickStrength translates numeric quick operations (1 decrease,
// 2 increase, 3 zero, 4 absolute) into the strength grammar and relays the
// result. The message body carries "<channel>" or "<channel>+<value>".
func (s *Server) handleQuickStrength(c *client, msg Message) {
	body, ok := translateQuickStrength(msg.Type.Num, msg.Message)
	if !ok {
		s.replyCode(c, TypeMsg, msg.TargetID, CodeMalformed)
		return
	}
	s.forward(c, msg.TargetID, body)
}

// handleWaveform translates a clientMsg waveform ("<channel>:<json-array>")
// into the pulse grammar and relays it.
func (s *Server) handleWaveform(c *client, msg Message) {
	channel, array, ok := strings.Cut(msg.Message, ":")
	if !ok || (channel != "A" && channel != "B") {
		s.replyCode(c, TypeClientMsg, msg.TargetID, CodeMalformed)
		return
	}
	body := FormatPulse(channel, array)
	if !ValidPulseMsg(body) {
		s.replyCode(c, TypeClientMsg, msg.TargetID, CodeMalformed)
		return
	}
	s.forward(c, msg.TargetID, body)
}

// translateQuickStrength maps a numeric op onto the strength grammar.
func translateQuickStrength(op int, body string) (string, bool) {
	channelStr, valueStr, hasValue := strings.Cut(body, "+")
	channel, err := strconv.Atoi(channelStr)
	if err != nil || (channel != 1 && channel != 2) {
		return "", false
	}

	value := 1
	if hasValue {
		if value, err = strconv.Atoi(valueStr); err != nil || value < 0 {
			return "", false
		}
	}

	switch op {
	case OpDecrease:
		return FormatStrength(channel, 0, value), true
	case OpIncrease:
		return FormatStrength(channel, 1, value), true
	case OpZero:
		return FormatStrength(channel, 2, 0), true
	case OpAbsolute:
		if !hasValue {
			return "", false
		}
		return FormatStrength(channel, 2, value), true
	}
	return "", false
}

// forward validates the relation and relays a body to the bound peer.
func (s *Server) forward(c *client, targetID, body string) {
	s.mu.Lock()
	peerID, bound := s.relations[c.id]
	peer := s.clients[peerID]
	s.mu.Unlock()

	if !bound || (targetID != "" && targetID != peerID) {
		s.replyCode(c, TypeMsg, targetID, CodeNotBoundPair)
		return
	}
	if peer == nil {
		s.replyCode(c, TypeMsg, targetID, CodeUnreachable)
		return
	}

	out := Message{
		Type:     StringType(TypeMsg),
		ClientID: c.id,
		TargetID: peerID,
		Message:  body,
	}
	if !s.deliver(peer, out) {
		s.replyCode(c, TypeMsg, targetID, CodeUnreachable)
	}
}

// dropClient tears down a socket and cascades to its bound peer: the peer
// is notified with 209 and closed, and both sides of the relation are
// cleared so no one-sided binding survives.
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)

	peerID, bound := s.relations[c.id]
	delete(s.relations, c.id)
	var peer *client
	if bound {
		delete(s.relations, peerID)
		peer = s.clients[peerID]
		delete(s.clients, peerID)
	}
	s.mu.Unlock()

	close(c.send)
	s.logger.Info("relay client disconnected", "client_id", c.id)

	if peer != nil {
		// Best effort: the peer learns its partner is gone, then goes too.
		// The break frame goes through the peer's send queue so writePump
		// stays the only writer on the socket; it drains the queue after
		// the close and shuts the connection down.
		s.deliver(peer, Message{
			Type:     StringType(TypeBreak),
			ClientID: peerID,
			TargetID: c.id,
			Message:  CodePeerGone,
		})
		close(peer.send)
		s.logger.Info("relay peer closed after partner loss", "client_id", peerID)
	}
}

// deliver queues a frame for a client, reporting false when the client's
// buffer is full (treated as unreachable).
func (s *Server) deliver(c *client, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Server) replyCode(c *client, frameType, targetID, code string) {
	s.deliver(c, Message{
		Type:     StringType(frameType),
		ClientID: c.id,
		TargetID: targetID,
		Message:  code,
	})
}

// heartbeatLoop pushes a heartbeat frame to every socket at the configured
// interval, keeping NAT mappings and half-dead connections honest.
func (s *Server) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			targets := make([]*client, 0, len(s.clients))
			for _, c := range s.clients {
				targets = append(targets, c)
			}
			s.mu.Unlock()

			for _, c := range targets {
				s.deliver(c, Message{
					Type:     StringType(TypeHeartbeat),
					ClientID: c.id,
					Message:  CodeOK,
				})
			}
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.relations = make(map[string]string)
	s.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

// handleBindURL returns the pairing URL for a connected client id. The URL
// embeds the resolved LAN address so a QR code scanned by the companion app
// reaches this hub directly.
func (s *Server) handleBindURL(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")

	s.mu.Lock()
	_, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown client id", http.StatusNotFound)
		return
	}

	wsURL := fmt.Sprintf("ws://%s:%d%s", lanAddress(), s.cfg.Port, s.cfg.Path)
	resp := map[string]string{
		"clientId": clientID,
		"url":      wsURL,
		"qr":       fmt.Sprintf("%s#%s", wsURL, clientID),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// lanAddress resolves the first non-loopback IPv4 address, falling back to
// localhost when the host has none.
func lanAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
