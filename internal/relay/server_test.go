package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/pulselink-core/internal/infrastructure/config"
)

func TestTranslateQuickStrength(t *testing.T) {
	tests := []struct {
		name string
		op   int
		body string
		want string
		ok   bool
	}{
		{name: "decrease default step", op: OpDecrease, body: "1", want: "strength-1+0+1", ok: true},
		{name: "decrease with value", op: OpDecrease, body: "2+5", want: "strength-2+0+5", ok: true},
		{name: "increase", op: OpIncrease, body: "1+10", want: "strength-1+1+10", ok: true},
		{name: "zero ignores value", op: OpZero, body: "1+99", want: "strength-1+2+0", ok: true},
		{name: "absolute", op: OpAbsolute, body: "2+42", want: "strength-2+2+42", ok: true},
		{name: "absolute needs value", op: OpAbsolute, body: "1", ok: false},
		{name: "bad channel", op: OpIncrease, body: "3+10", ok: false},
		{name: "negative value", op: OpIncrease, body: "1+-5", ok: false},
		{name: "garbage", op: OpIncrease, body: "abc", ok: false},
		{name: "unknown op", op: 9, body: "1+10", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := translateQuickStrength(tt.op, tt.body)
			if ok != tt.ok {
				t.Fatalf("translateQuickStrength(%d, %q) ok = %v, want %v", tt.op, tt.body, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("translateQuickStrength(%d, %q) = %q, want %q", tt.op, tt.body, got, tt.want)
			}
		})
	}
}

// testServer runs the relay's websocket handler on an ephemeral listener.
func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(config.RelayConfig{
		BindMagic:        "DGLAB",
		HeartbeatSeconds: 60,
		MaxMessageSize:   8192,
	}, nil)

	ts := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(ts.Close)
	t.Cleanup(s.closeAll)

	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// dialClient connects a websocket client and consumes the id announcement.
func dialClient(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	hello := readFrame(t, conn)
	if hello.Type.Name != TypeBind || hello.ClientID == "" {
		t.Fatalf("hello frame = %+v, want bind with client id", hello)
	}
	return conn, hello.ClientID
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func bindPair(t *testing.T, a *websocket.Conn, aID string, b *websocket.Conn, bID string) {
	t.Helper()
	if err := a.WriteJSON(Message{
		Type:     StringType(TypeBind),
		ClientID: aID,
		TargetID: bID,
		Message:  "DGLAB",
	}); err != nil {
		t.Fatalf("bind write: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		reply := readFrame(t, conn)
		if reply.Type.Name != TypeBind || reply.Message != CodeOK {
			t.Fatalf("bind reply = %+v, want bind/200", reply)
		}
	}
}

func TestBindAndRelay(t *testing.T) {
	_, url := testServer(t)

	app, appID := dialClient(t, url)
	hub, hubID := dialClient(t, url)
	bindPair(t, app, appID, hub, hubID)

	// A valid strength body reaches the bound peer.
	if err := app.WriteJSON(Message{
		Type:     StringType(TypeMsg),
		ClientID: appID,
		TargetID: hubID,
		Message:  "strength-1+2+50",
	}); err != nil {
		t.Fatalf("msg write: %v", err)
	}
	got := readFrame(t, hub)
	if got.Message != "strength-1+2+50" || got.ClientID != appID {
		t.Errorf("relayed frame = %+v, want strength body from %s", got, appID)
	}
}

func TestBindRejectsSecondBinding(t *testing.T) {
	_, url := testServer(t)

	app, appID := dialClient(t, url)
	hub, hubID := dialClient(t, url)
	bindPair(t, app, appID, hub, hubID)

	intruder, intruderID := dialClient(t, url)
	if err := intruder.WriteJSON(Message{
		Type:     StringType(TypeBind),
		ClientID: intruderID,
		TargetID: hubID,
		Message:  "DGLAB",
	}); err != nil {
		t.Fatalf("bind write: %v", err)
	}
	reply := readFrame(t, intruder)
	if reply.Message != CodeAlreadyBound {
		t.Errorf("reply code = %s, want %s", reply.Message, CodeAlreadyBound)
	}
}

func TestBindErrors(t *testing.T) {
	_, url := testServer(t)
	conn, id := dialClient(t, url)

	// Wrong magic word.
	if err := conn.WriteJSON(Message{
		Type: StringType(TypeBind), ClientID: id, TargetID: "whatever", Message: "OPEN-SESAME",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := readFrame(t, conn); reply.Message != CodeMalformed {
		t.Errorf("wrong magic reply = %s, want %s", reply.Message, CodeMalformed)
	}

	// Unknown target id.
	if err := conn.WriteJSON(Message{
		Type: StringType(TypeBind), ClientID: id, TargetID: "no-such-id", Message: "DGLAB",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := readFrame(t, conn); reply.Message != CodeUnknownTarget {
		t.Errorf("unknown target reply = %s, want %s", reply.Message, CodeUnknownTarget)
	}
}

func TestRelayWithoutBinding(t *testing.T) {
	_, url := testServer(t)
	conn, id := dialClient(t, url)

	if err := conn.WriteJSON(Message{
		Type: StringType(TypeMsg), ClientID: id, Message: "strength-1+2+50",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := readFrame(t, conn); reply.Message != CodeNotBoundPair {
		t.Errorf("reply code = %s, want %s", reply.Message, CodeNotBoundPair)
	}
}

func TestRelayRejectsBadGrammar(t *testing.T) {
	_, url := testServer(t)

	app, appID := dialClient(t, url)
	hub, hubID := dialClient(t, url)
	bindPair(t, app, appID, hub, hubID)

	if err := app.WriteJSON(Message{
		Type: StringType(TypeMsg), ClientID: appID, TargetID: hubID, Message: "strength-9+9+9",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := readFrame(t, app); reply.Message != CodeMalformed {
		t.Errorf("reply code = %s, want %s", reply.Message, CodeMalformed)
	}
}

func TestRelayRejectsSpoofedClientID(t *testing.T) {
	_, url := testServer(t)
	conn, _ := dialClient(t, url)

	if err := conn.WriteJSON(Message{
		Type: StringType(TypeMsg), ClientID: "someone-else", Message: "strength-1+2+50",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readFrame(t, conn)
	if reply.Type.Name != TypeError || reply.Message != CodeMalformed {
		t.Errorf("reply = %+v, want error/403", reply)
	}
}

func TestQuickStrengthTranslation(t *testing.T) {
	_, url := testServer(t)

	app, appID := dialClient(t, url)
	hub, hubID := dialClient(t, url)
	bindPair(t, app, appID, hub, hubID)

	if err := app.WriteJSON(Message{
		Type: NumericType(OpAbsolute), ClientID: appID, TargetID: hubID, Message: "1+50",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readFrame(t, hub)
	if got.Message != "strength-1+2+50" {
		t.Errorf("translated body = %q, want strength-1+2+50", got.Message)
	}
}

func TestWaveformTranslation(t *testing.T) {
	_, url := testServer(t)

	app, appID := dialClient(t, url)
	hub, hubID := dialClient(t, url)
	bindPair(t, app, appID, hub, hubID)

	if err := app.WriteJSON(Message{
		Type: StringType(TypeClientMsg), ClientID: appID, TargetID: hubID, Message: "A:[[10,20]]",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readFrame(t, hub)
	if got.Message != "pulse-A:[[10,20]]" {
		t.Errorf("translated body = %q, want pulse-A:[[10,20]]", got.Message)
	}
}

func TestHeartbeatLoopToleratesZeroInterval(t *testing.T) {
	// NewServer accepts raw config; a non-positive heartbeat falls back to
	// the default instead of panicking the ticker.
	s := NewServer(config.RelayConfig{BindMagic: "DGLAB"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.heartbeatLoop(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
}

func TestDisconnectDeliversBreakAfterQueuedFrames(t *testing.T) {
	_, url := testServer(t)

	app, appID := dialClient(t, url)
	hub, hubID := dialClient(t, url)
	bindPair(t, app, appID, hub, hubID)

	// Queue several relayed frames without the peer reading, then drop the
	// partner: the break frame must arrive through the same serialized
	// write path, after everything already queued.
	const queued = 8
	for i := 0; i < queued; i++ {
		if err := app.WriteJSON(Message{
			Type:     StringType(TypeMsg),
			ClientID: appID,
			TargetID: hubID,
			Message:  "strength-1+2+50",
		}); err != nil {
			t.Fatalf("msg write: %v", err)
		}
	}
	// The close frame trails the burst on the wire, so the server relays
	// every queued frame before the teardown runs.
	_ = app.Close()

	got := 0
	for {
		msg := readFrame(t, hub)
		if msg.Type.Name == TypeBreak {
			if msg.Message != CodePeerGone {
				t.Fatalf("break frame = %+v, want break/209", msg)
			}
			break
		}
		if msg.Type.Name != TypeMsg || msg.Message != "strength-1+2+50" {
			t.Fatalf("frame before break = %+v, want relayed strength body", msg)
		}
		got++
	}
	if got != queued {
		t.Errorf("relayed frames before break = %d, want %d", got, queued)
	}
}

func TestDisconnectCascades(t *testing.T) {
	s, url := testServer(t)

	app, appID := dialClient(t, url)
	hub, hubID := dialClient(t, url)
	bindPair(t, app, appID, hub, hubID)

	_ = app.Close()

	// The surviving peer is told its partner is gone, then loses its socket.
	breakMsg := readFrame(t, hub)
	if breakMsg.Type.Name != TypeBreak || breakMsg.Message != CodePeerGone {
		t.Fatalf("break frame = %+v, want break/209", breakMsg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("clients remaining = %d, want 0 after cascade", s.ClientCount())
}
