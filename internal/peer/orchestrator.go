package peer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ezchat/ezchat/internal/metrics"
	"github.com/ezchat/ezchat/internal/protocol"
)

const chatChannelLabel = "chat"

var errNoChannel = errors.New("peer: no open data channel")

// SignalSender relays frames to the signaling server. The orchestrator never
// talks to peers except through this and the data channels it negotiates.
type SignalSender interface {
	SendSignal(frame protocol.SignalFrame) error
}

// Config configures an Orchestrator.
type Config struct {
	// Room and Username identify the local participant.
	Room     string
	Username string

	// Transport carries offers, answers and ICE candidates to the server.
	Transport SignalSender

	// ICEServers configures each peer connection. Empty is valid and keeps
	// connectivity to host candidates, which is enough on one machine.
	ICEServers []webrtc.ICEServer

	// OnMessage receives every message that arrives over a direct channel.
	OnMessage func(msg protocol.Message)

	// OnStatusChange, when set, fires after any link opens or closes.
	OnStatusChange func()

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Orchestrator owns all PeerLinks for one participant, reacting to signaling
// frames and keeping the channel table that the delivery router reads.
type Orchestrator struct {
	room      string
	username  string
	transport SignalSender
	webrtcCfg webrtc.Configuration

	onMessage func(protocol.Message)
	onStatus  func()

	log     *slog.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	links        map[string]*PeerLink
	participants map[string]struct{}
	closed       bool
}

// NewOrchestrator builds an Orchestrator. Transport must be non-nil.
func NewOrchestrator(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	onMessage := cfg.OnMessage
	if onMessage == nil {
		onMessage = func(protocol.Message) {}
	}
	onStatus := cfg.OnStatusChange
	if onStatus == nil {
		onStatus = func() {}
	}
	return &Orchestrator{
		room:         cfg.Room,
		username:     cfg.Username,
		transport:    cfg.Transport,
		webrtcCfg:    webrtc.Configuration{ICEServers: cfg.ICEServers},
		onMessage:    onMessage,
		onStatus:     onStatus,
		log:          log.With(slog.String("component", "peer"), slog.String("room", cfg.Room)),
		metrics:      cfg.Metrics,
		links:        make(map[string]*PeerLink),
		participants: make(map[string]struct{}),
	}
}

// HandleSignal consumes one frame from the signaling connection. Frames the
// orchestrator does not understand are ignored so the caller can route the
// same stream to other consumers.
func (o *Orchestrator) HandleSignal(f protocol.SignalFrame) {
	switch f.Type {
	case protocol.TypeRoomInfo:
		o.handleRoomInfo(f.Participants)
	case protocol.TypeUserJoined:
		o.handleUserJoined(f.Name)
	case protocol.TypeUserLeft:
		o.handleUserLeft(f.Name)
	case protocol.TypeOffer:
		o.handleOffer(f.Sender, f.Offer)
	case protocol.TypeAnswer:
		o.handleAnswer(f.Sender, f.Answer)
	case protocol.TypeICECandidate:
		o.handleCandidate(f.Sender, f.Candidate)
	}
}

// handleRoomInfo records the current membership snapshot and initiates toward
// every listed peer that has no link yet.
func (o *Orchestrator) handleRoomInfo(participants []string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.participants = make(map[string]struct{}, len(participants))
	var fresh []string
	for _, name := range participants {
		if name == "" || name == o.username {
			continue
		}
		o.participants[name] = struct{}{}
		if _, ok := o.links[name]; !ok {
			fresh = append(fresh, name)
		}
	}
	o.mu.Unlock()

	for _, name := range fresh {
		o.initiate(name)
	}
}

func (o *Orchestrator) handleUserJoined(name string) {
	if name == "" || name == o.username {
		return
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.participants[name] = struct{}{}
	_, exists := o.links[name]
	o.mu.Unlock()

	// Both sides initiate on discovery. The resulting glare is tolerated;
	// whichever negotiation completes first carries the traffic.
	if !exists {
		o.initiate(name)
	}
}

func (o *Orchestrator) handleUserLeft(name string) {
	o.mu.Lock()
	delete(o.participants, name)
	link := o.links[name]
	delete(o.links, name)
	o.mu.Unlock()

	if link != nil {
		if err := link.close(); err != nil {
			o.log.Debug("closing link after peer left", slog.String("peer", name), slog.Any("error", err))
		}
		o.log.Info("peer left, link closed", slog.String("peer", name))
		o.onStatus()
	}
}

// initiate opens the local side of a link: data channel first, then offer.
func (o *Orchestrator) initiate(peer string) {
	link, created := o.ensureLink(peer)
	if !created {
		return
	}

	pc, err := o.newPeerConnection(link)
	if err != nil {
		o.log.Warn("creating peer connection", slog.String("peer", peer), slog.Any("error", err))
		o.dropLink(link)
		return
	}

	dc, err := pc.CreateDataChannel(chatChannelLabel, nil)
	if err != nil {
		o.log.Warn("creating data channel", slog.String("peer", peer), slog.Any("error", err))
		o.dropLink(link)
		return
	}
	o.attachChannel(link, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		o.log.Warn("creating offer", slog.String("peer", peer), slog.Any("error", err))
		o.dropLink(link)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		o.log.Warn("applying local offer", slog.String("peer", peer), slog.Any("error", err))
		o.dropLink(link)
		return
	}

	sdp := protocol.SDPFromPion(*pc.LocalDescription())
	err = o.transport.SendSignal(protocol.SignalFrame{
		Type:   protocol.TypeOffer,
		Room:   o.room,
		Target: peer,
		Offer:  &sdp,
	})
	if err != nil {
		o.log.Warn("sending offer", slog.String("peer", peer), slog.Any("error", err))
		o.dropLink(link)
		return
	}
	o.log.Debug("offer sent", slog.String("peer", peer))
}

// handleOffer answers an inbound offer. If a link for the sender already
// exists (local glare, or a re-offer) the frame reuses it rather than
// spawning a second connection.
func (o *Orchestrator) handleOffer(sender string, offer *protocol.SDP) {
	if sender == "" || offer == nil {
		return
	}
	link, created := o.ensureLink(sender)

	o.mu.Lock()
	o.participants[sender] = struct{}{}
	o.mu.Unlock()

	link.mu.Lock()
	pc := link.pc
	link.mu.Unlock()
	if pc == nil {
		if !created {
			// Link is mid-teardown; let the peer retry on its own terms.
			return
		}
		var err error
		pc, err = o.newPeerConnection(link)
		if err != nil {
			o.log.Warn("creating peer connection for offer", slog.String("peer", sender), slog.Any("error", err))
			o.dropLink(link)
			return
		}
	}

	desc, err := offer.ToPion()
	if err != nil {
		o.log.Warn("decoding offer", slog.String("peer", sender), slog.Any("error", err))
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		o.log.Warn("applying remote offer", slog.String("peer", sender), slog.Any("error", err))
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		o.log.Warn("creating answer", slog.String("peer", sender), slog.Any("error", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		o.log.Warn("applying local answer", slog.String("peer", sender), slog.Any("error", err))
		return
	}

	sdp := protocol.SDPFromPion(*pc.LocalDescription())
	err = o.transport.SendSignal(protocol.SignalFrame{
		Type:   protocol.TypeAnswer,
		Room:   o.room,
		Target: sender,
		Answer: &sdp,
	})
	if err != nil {
		o.log.Warn("sending answer", slog.String("peer", sender), slog.Any("error", err))
		return
	}
	o.log.Debug("answer sent", slog.String("peer", sender))
}

func (o *Orchestrator) handleAnswer(sender string, answer *protocol.SDP) {
	if sender == "" || answer == nil {
		return
	}
	o.mu.Lock()
	link := o.links[sender]
	o.mu.Unlock()
	if link == nil {
		o.log.Debug("answer for unknown link dropped", slog.String("peer", sender))
		return
	}
	link.mu.Lock()
	pc := link.pc
	link.mu.Unlock()
	if pc == nil {
		return
	}

	desc, err := answer.ToPion()
	if err != nil {
		o.log.Warn("decoding answer", slog.String("peer", sender), slog.Any("error", err))
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		o.log.Warn("applying remote answer", slog.String("peer", sender), slog.Any("error", err))
	}
}

// handleCandidate applies a trickled candidate in arrival order. Candidates
// for peers with no link yet are dropped without error; the eventual offer
// restarts gathering from scratch.
func (o *Orchestrator) handleCandidate(sender string, cand *protocol.Candidate) {
	if sender == "" || cand == nil {
		return
	}
	o.mu.Lock()
	link := o.links[sender]
	o.mu.Unlock()
	if link == nil {
		o.log.Debug("candidate without link dropped", slog.String("peer", sender))
		return
	}
	link.mu.Lock()
	pc := link.pc
	link.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(cand.ToPion()); err != nil {
		o.log.Debug("applying candidate", slog.String("peer", sender), slog.Any("error", err))
	}
}

// ensureLink returns the link for peer, creating a LinkNegotiating entry if
// absent. created reports whether this call made it.
func (o *Orchestrator) ensureLink(peer string) (link *PeerLink, created bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return &PeerLink{peer: peer, state: LinkClosed}, false
	}
	if l, ok := o.links[peer]; ok {
		return l, false
	}
	l := &PeerLink{peer: peer, state: LinkNegotiating}
	o.links[peer] = l
	return l, true
}

// dropLink closes a link that failed before completing negotiation.
func (o *Orchestrator) dropLink(link *PeerLink) {
	o.mu.Lock()
	if o.links[link.peer] == link {
		delete(o.links, link.peer)
	}
	o.mu.Unlock()
	_ = link.close()
}

// newPeerConnection builds the pion connection for a link and wires its
// lifecycle callbacks. Callbacks run on pion goroutines.
func (o *Orchestrator) newPeerConnection(link *PeerLink) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(o.webrtcCfg)
	if err != nil {
		return nil, err
	}

	peerName := link.peer

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := protocol.CandidateFromPion(c.ToJSON())
		err := o.transport.SendSignal(protocol.SignalFrame{
			Type:      protocol.TypeICECandidate,
			Room:      o.room,
			Target:    peerName,
			Candidate: &cand,
		})
		if err != nil {
			o.log.Debug("sending candidate", slog.String("peer", peerName), slog.Any("error", err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.log.Debug("connection state", slog.String("peer", peerName), slog.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			link.setState(LinkConnected)
			o.onStatus()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			link.setState(LinkClosed)
			link.clearChannel()
			o.onStatus()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != chatChannelLabel {
			return
		}
		o.attachChannel(link, dc)
	})

	link.mu.Lock()
	link.pc = pc
	link.mu.Unlock()
	return pc, nil
}

// attachChannel registers a data channel (locally created or announced by
// the remote) as the link's chat channel.
func (o *Orchestrator) attachChannel(link *PeerLink, dc *webrtc.DataChannel) {
	peerName := link.peer

	dc.OnOpen(func() {
		o.log.Info("direct channel open", slog.String("peer", peerName))
		o.onStatus()
	})

	dc.OnClose(func() {
		link.clearChannel()
		o.log.Info("direct channel closed", slog.String("peer", peerName))
		o.onStatus()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var m protocol.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			o.log.Debug("malformed channel payload dropped", slog.String("peer", peerName), slog.Any("error", err))
			return
		}
		o.onMessage(m)
	})

	link.setChannel(dc)
}

// OpenChannels snapshots every link whose data channel is currently open.
func (o *Orchestrator) OpenChannels() []*PeerLink {
	o.mu.Lock()
	links := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	open := links[:0]
	for _, l := range links {
		if l.Open() {
			open = append(open, l)
		}
	}
	return open
}

// ParticipantCount returns how many remote participants are currently known.
func (o *Orchestrator) ParticipantCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.participants)
}

// Status describes the orchestrator's view of the room for display.
type Status struct {
	Participants []string
	Links        map[string]LinkState
	OpenChannels int
}

// Status snapshots participants and link states, participants sorted for
// stable display.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		Participants: make([]string, 0, len(o.participants)),
		Links:        make(map[string]LinkState, len(o.links)),
	}
	for name := range o.participants {
		st.Participants = append(st.Participants, name)
	}
	links := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.mu.Unlock()

	sort.Strings(st.Participants)
	for _, l := range links {
		st.Links[l.peer] = l.State()
		if l.Open() {
			st.OpenChannels++
		}
	}
	return st
}

// Teardown closes every link and forgets all room state. The orchestrator
// accepts no new links afterwards.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	links := make([]*PeerLink, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.links = make(map[string]*PeerLink)
	o.participants = make(map[string]struct{})
	o.mu.Unlock()

	for _, l := range links {
		if err := l.close(); err != nil {
			o.log.Debug("closing link on teardown", slog.String("peer", l.peer), slog.Any("error", err))
		}
	}
}
