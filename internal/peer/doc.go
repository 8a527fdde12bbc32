// Package peer drives the client side of peer-to-peer connection setup: one
// Orchestrator per local participant, one PeerLink per remote peer.
//
// Discovery of a peer (via room-info or user-joined) makes the local side
// initiate: open a "chat" data channel, create an offer, relay it through
// the signaling server. Both sides of a pair may initiate toward each other;
// the protocol tolerates this glare rather than resolving it, and only the
// inbound-offer path is idempotent about existing links.
package peer
