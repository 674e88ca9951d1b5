// Package gateway serves terminal clients over websockets. Each connection
// gets a session (see package session) that is registered for the lifetime of
// the connection and probed by a periodic liveness sweep; connections that
// stop answering probes are terminated.
package gateway
