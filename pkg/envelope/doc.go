// Package envelope defines the message unit exchanged between a terminal client
// and the gateway.
//
// Every envelope carries a type and an id. Inbound ids are supplied by the
// client and act as deduplication keys; outbound ids come from the sending
// session's counter. [Inbound] and [Outbound] model the two directions, and a
// [Codec] (JSON text or CBOR binary, chosen by websocket subprotocol through a
// [Registry]) moves them on and off the wire.
package envelope
