// Package signaling implements the WebSocket surface of the consultation
// service: connection authentication, frame parsing and dispatch into the
// room layer, plus peer-to-peer relay of SDP and ICE payloads.
package signaling
