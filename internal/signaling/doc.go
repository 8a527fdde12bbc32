// Package signaling implements the chat signaling server: a WebSocket
// endpoint that tracks room membership and relays negotiation and broadcast
// frames between the members of a room.
//
// The server is a pure relay. It never inspects SDP offers, answers, or ICE
// candidates; it annotates relayed frames with the sender's name and room
// and fans them out to every other open session in the room. Peer-to-peer
// connection establishment is entirely the clients' business (see
// internal/peer).
package signaling
