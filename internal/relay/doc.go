// Package relay implements the WebSocket relay/binding service that pairs a
// companion app with the hub over the local network.
//
// Frames are small JSON objects of type, clientId, targetId, and message.
// Most frame types are strings; quick strength operations arrive with a bare
// numeric type (1-4) and are translated into the strength grammar before
// forwarding. Pairing is a bind handshake carrying a shared magic word;
// success records a bidirectional relation, and every later frame is checked
// against it. When either side drops, its peer is notified and torn down too
// so no one-sided binding survives.
package relay
