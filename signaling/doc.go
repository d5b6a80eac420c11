// Package signaling defines the call-control message contract and the
// channel abstraction used to exchange those messages with a remote peer.
//
// The call core never talks to a network directly; it depends on the narrow
// Channel interface, which any transport can satisfy. This repository ships
// two implementations: an in-process Pipe for tests and demos, and a
// websocket client that speaks to the relay server in package relay.
// Delivery is best effort: the caller's local state never waits on a
// delivery confirmation.
//
// Messages are JSON envelopes tagged with a session identifier. The envelope
// carries an opaque payload field so that a future negotiation layer
// (offer/answer, ICE) can ride the same channel without a schema change.
package signaling
