package relay

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Frame type names. Numeric types 1-4 are quick strength operations and are
// represented by MsgType.Num.
const (
	TypeBind      = "bind"
	TypeMsg       = "msg"
	TypeClientMsg = "clientMsg"
	TypeHeartbeat = "heartbeat"
	TypeBreak     = "break"
	TypeError     = "error"
)

// Quick strength operations carried as numeric frame types.
const (
	OpDecrease = 1
	OpIncrease = 2
	OpZero     = 3
	OpAbsolute = 4
)

// Result codes exchanged in the message field.
const (
	CodeOK            = "200"
	CodePeerGone      = "209"
	CodeAlreadyBound  = "400"
	CodeUnknownTarget = "401"
	CodeNotBoundPair  = "402"
	CodeMalformed     = "403"
	CodeUnreachable   = "404"
)

// MsgType is a frame type that is a string on most frames but a bare number
// (1-4) on quick strength operations.
type MsgType struct {
	Name string
	Num  int
}

// IsNumeric reports whether the type is a quick strength operation.
func (t MsgType) IsNumeric() bool { return t.Name == "" && t.Num != 0 }

// String returns the wire representation for logging.
func (t MsgType) String() string {
	if t.IsNumeric() {
		return strconv.Itoa(t.Num)
	}
	return t.Name
}

// MarshalJSON implements json.Marshaler.
func (t MsgType) MarshalJSON() ([]byte, error) {
	if t.IsNumeric() {
		return json.Marshal(t.Num)
	}
	return json.Marshal(t.Name)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *MsgType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.Name = name
		t.Num = 0
		return nil
	}
	var num int
	if err := json.Unmarshal(data, &num); err == nil {
		t.Name = ""
		t.Num = num
		return nil
	}
	return fmt.Errorf("invalid frame type %s", string(data))
}

// StringType builds a string MsgType.
func StringType(name string) MsgType { return MsgType{Name: name} }

// NumericType builds a numeric MsgType.
func NumericType(n int) MsgType { return MsgType{Num: n} }

// Message is the JSON frame exchanged on relay sockets.
type Message struct {
	Type     MsgType `json:"type"`
	ClientID string  `json:"clientId"`
	TargetID string  `json:"targetId"`
	Message  string  `json:"message"`
}

// Relay message grammars.
//
//	strength-<channel>+<mode>+<value>   channel 1|2, mode 0 dec / 1 inc / 2 set
//	pulse-<channel>:<json-array>        channel A|B
var (
	strengthRe = regexp.MustCompile(`^strength-[12]\+[0-2]\+\d{1,3}$`)
	pulseRe    = regexp.MustCompile(`^pulse-[AB]:(\[.*\])$`)
)

// ValidStrengthMsg reports whether a body matches the strength grammar.
func ValidStrengthMsg(body string) bool {
	return strengthRe.MatchString(body)
}

// ValidPulseMsg reports whether a body matches the pulse grammar with a
// well-formed JSON array.
func ValidPulseMsg(body string) bool {
	m := pulseRe.FindStringSubmatch(body)
	if m == nil {
		return false
	}
	var arr []any
	return json.Unmarshal([]byte(m[1]), &arr) == nil
}

// FormatStrength renders a strength body.
func FormatStrength(channel, mode, value int) string {
	return fmt.Sprintf("strength-%d+%d+%d", channel, mode, value)
}

// FormatPulse renders a pulse body from a channel name and JSON array.
func FormatPulse(channel string, array string) string {
	return fmt.Sprintf("pulse-%s:%s", channel, array)
}
