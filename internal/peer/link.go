package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// LinkState tracks a PeerLink through its lifecycle.
type LinkState int

const (
	// LinkNone is the implicit state of a peer with no link yet.
	LinkNone LinkState = iota
	// LinkNegotiating covers offer/answer exchange and ICE gathering.
	LinkNegotiating
	// LinkConnected means the underlying transport reported connected.
	LinkConnected
	// LinkClosed is terminal for this link instance.
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNone:
		return "none"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerLink is the per-remote-peer connection attempt: one peer connection,
// at most one open "chat" data channel. There is no negotiation timeout; a
// link that never completes stays in LinkNegotiating until the peer leaves
// or the orchestrator tears down.
type PeerLink struct {
	peer string

	mu      sync.Mutex
	state   LinkState
	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel
}

// Peer returns the remote participant name this link targets.
func (l *PeerLink) Peer() string { return l.peer }

// State returns the link's current lifecycle state.
func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PeerLink) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *PeerLink) setChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.channel = dc
	l.mu.Unlock()
}

func (l *PeerLink) clearChannel() {
	l.mu.Lock()
	l.channel = nil
	l.mu.Unlock()
}

// Open reports whether the link's data channel is ready for sends.
func (l *PeerLink) Open() bool {
	l.mu.Lock()
	dc := l.channel
	l.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send writes a text payload on the link's data channel.
func (l *PeerLink) Send(payload []byte) error {
	l.mu.Lock()
	dc := l.channel
	l.mu.Unlock()
	if dc == nil {
		return errNoChannel
	}
	return dc.SendText(string(payload))
}

// close tears this link down. Safe to call more than once; the peer
// connection close error is returned for logging only.
func (l *PeerLink) close() error {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = LinkClosed
	pc := l.pc
	l.pc = nil
	l.channel = nil
	l.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}
