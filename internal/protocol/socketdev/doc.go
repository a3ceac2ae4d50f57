// Package socketdev drives devices paired through the WebSocket relay.
//
// The adapter is a relay client: it dials the relay server, learns its own
// id from the server's hello frame, and binds to the user id half of the
// connect-code, presenting the token half as the pairing word. Once bound,
// strength and waveform commands travel as relay-grammar bodies in msg
// frames; the companion app on the far side applies them to the hardware.
// All values use the relay's 0-100 scale.
package socketdev
