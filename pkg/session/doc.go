// Package session implements the per-connection state machine that binds a
// client to at most one transport.
//
// A Session moves through Idle, Connecting, Connected and Disconnecting and
// ends in Closed. Every inbound envelope is checked against a bounded set of
// recently seen ids before it can cause a transition, and every outbound
// envelope is stamped from a per-session counter so the client sees a gapless
// sequence.
package session
