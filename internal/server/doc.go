// Package server implements the WebSocket session surface of the relay.
//
// A client authenticates during the HTTP handshake, then exchanges JSON
// frames: commands in, events out. Each socket is served by a read pump,
// which runs commands through the dispatcher one at a time, and a write
// pump, which drains the connection's outbound queue. The Hub supervises
// those goroutines and closes every socket on shutdown.
//
// The implementation is organized into files for configuration, origin and
// rate limiting policy, the wire protocol, command routing, client pumps,
// and HTTP handlers.
package server
