package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ezchat/ezchat/internal/config"
	"github.com/ezchat/ezchat/internal/metrics"
	"github.com/ezchat/ezchat/internal/protocol"
	"github.com/ezchat/ezchat/internal/ratelimit"
	"github.com/ezchat/ezchat/internal/rooms"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MembershipMode selects how membership changes are relayed to a room
	// (see config.MembershipMode).
	MembershipMode config.MembershipMode

	// MaxFrameBytes caps one inbound WebSocket message.
	MaxFrameBytes int64
	// WriteTimeout bounds one write to one recipient.
	WriteTimeout time.Duration
	// SendQueueLen is the per-session outbound queue; when a recipient's
	// queue is full the frame is dropped for that recipient only.
	SendQueueLen int
	// MaxFramesPerSec caps inbound frames per session; 0 disables the cap.
	// Frames over the cap are dropped, the connection stays up.
	MaxFramesPerSec int
}

// Server accepts WebSocket connections on GET /signal and relays frames
// between room members. One reader goroutine and one writer goroutine run
// per connection; all cross-connection state lives in the room registry.
type Server struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	membershipMode  config.MembershipMode
	maxFrameBytes   int64
	writeTimeout    time.Duration
	sendQueueLen    int
	maxFramesPerSec int

	registry *rooms.Registry[*session]

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	mode := cfg.MembershipMode
	if mode == "" {
		mode = config.MembershipEvents
	}
	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = config.DefaultMaxFrameBytes
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = config.DefaultWriteTimeout
	}
	sendQueueLen := cfg.SendQueueLen
	if sendQueueLen <= 0 {
		sendQueueLen = config.DefaultSendQueueLen
	}
	return &Server{
		log:             log,
		metrics:         cfg.Metrics,
		membershipMode:  mode,
		maxFrameBytes:   maxFrameBytes,
		writeTimeout:    writeTimeout,
		sendQueueLen:    sendQueueLen,
		maxFramesPerSec: cfg.MaxFramesPerSec,
		registry:        rooms.NewRegistry[*session](),
		sessions:        make(map[*session]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RoomLen reports the current member count of a room.
func (s *Server) RoomLen(room string) int {
	return s.registry.Len(room)
}

// Close tears down every live session. New connections are rejected after
// Close returns.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.close()
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The signaling protocol carries no credentials and no Origin policy
		// is configured; browsers talk to their own deployment.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		send: make(chan []byte, s.sendQueueLen),
		done: make(chan struct{}),
	}
	if s.maxFramesPerSec > 0 {
		limit := int64(s.maxFramesPerSec)
		sess.limiter = ratelimit.NewTokenBucket(nil, limit, limit)
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.log.Debug("client connected", "session_id", sess.id, "remote_addr", conn.RemoteAddr().String())

	go sess.writeLoop()
	sess.readLoop()
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// dispatch is the single state-transition entry point for one inbound frame.
func (s *Server) dispatch(sess *session, data []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		s.metrics.Inc(metrics.FrameMalformed)
		s.log.Debug("dropping malformed frame", "session_id", sess.id, "err", err)
		return
	}

	switch t := frame.Type(); {
	case t == protocol.TypeJoin:
		s.handleJoin(sess, frame)
	case protocol.IsSignal(t):
		s.relaySignal(sess, frame)
	case frame.Has(protocol.FieldRoom):
		s.relayToRoom(sess, frame, frame.String(protocol.FieldRoom))
	default:
		s.metrics.Inc(metrics.RoutingMiss)
		s.log.Debug("dropping unroutable frame", "session_id", sess.id, "type", t)
	}
}

func (s *Server) handleJoin(sess *session, frame *protocol.Frame) {
	room := frame.String(protocol.FieldRoom)
	name := frame.String(protocol.FieldName)
	sess.setName(name)

	// A rejoin moves the session; the old room sees the same departure it
	// would see on disconnect.
	if prev, ok := s.registry.RoomOf(sess); ok && prev != room {
		s.registry.Leave(sess)
		s.announceLeave(sess, prev, sess.name())
	}

	s.registry.Join(sess, room)
	s.metrics.Inc(metrics.SessionJoined)
	s.log.Info("client joined room", "session_id", sess.id, "room", room, "name", name)

	members := s.registry.Members(room)
	switch s.membershipMode {
	case config.MembershipSnapshot:
		s.sendRoomInfo(room, members, nil)
	default:
		// Joiner gets the existing participants; everyone else learns the
		// delta.
		others := make([]string, 0, len(members))
		for _, m := range members {
			if m != sess {
				others = append(others, m.name())
			}
		}
		sess.enqueueFrame(protocol.SignalFrame{
			Type:         protocol.TypeRoomInfo,
			Participants: others,
		})
		s.fanOut(members, sess, protocol.SignalFrame{
			Type: protocol.TypeUserJoined,
			Name: name,
		})
	}
}

// relaySignal relays offer/answer/ice-candidate frames to the sender's
// current room, annotated with sender and room.
func (s *Server) relaySignal(sess *session, frame *protocol.Frame) {
	room, ok := s.registry.RoomOf(sess)
	if !ok {
		s.metrics.Inc(metrics.RoutingMiss)
		s.log.Debug("signaling frame from session with no room", "session_id", sess.id, "type", frame.Type())
		return
	}
	frame.SetString(protocol.FieldRoom, room)
	s.relayAnnotated(sess, frame, room)
}

// relayToRoom relays any frame carrying an explicit room field (notably
// broadcast) to that room.
func (s *Server) relayToRoom(sess *session, frame *protocol.Frame, room string) {
	s.relayAnnotated(sess, frame, room)
}

func (s *Server) relayAnnotated(sess *session, frame *protocol.Frame, room string) {
	frame.SetString(protocol.FieldSender, sess.name())
	payload, err := frame.Encode()
	if err != nil {
		s.log.Warn("failed to encode relay frame", "session_id", sess.id, "err", err)
		return
	}

	relayed := false
	for _, m := range s.registry.Members(room) {
		if m == sess {
			continue
		}
		m.enqueue(payload)
		relayed = true
	}
	if relayed {
		s.metrics.Inc(metrics.FrameRelayed)
	}
	s.log.Debug("relayed frame", "session_id", sess.id, "type", frame.Type(), "room", room)
}

// teardown runs exactly once per session, after its reader loop exits.
func (s *Server) teardown(sess *session) {
	s.untrack(sess)
	room, had := s.registry.Leave(sess)
	if had {
		s.metrics.Inc(metrics.SessionLeft)
		s.log.Info("client disconnected", "session_id", sess.id, "room", room, "name", sess.name())
		s.announceLeave(sess, room, sess.name())
	} else {
		s.log.Debug("client disconnected", "session_id", sess.id)
	}
}

func (s *Server) announceLeave(sess *session, room, name string) {
	members := s.registry.Members(room)
	switch s.membershipMode {
	case config.MembershipSnapshot:
		s.sendRoomInfo(room, members, nil)
	default:
		s.fanOut(members, nil, protocol.SignalFrame{
			Type: protocol.TypeUserLeft,
			Name: name,
		})
	}
}

// sendRoomInfo pushes a full membership snapshot to every member except skip.
func (s *Server) sendRoomInfo(room string, members []*session, skip *session) {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.name())
	}
	s.fanOut(members, skip, protocol.SignalFrame{
		Type:         protocol.TypeRoomInfo,
		Participants: names,
	})
}

// fanOut sends a server-generated frame to every member except skip. Each
// send is independent; a full queue or closed session only loses that one
// recipient's copy.
func (s *Server) fanOut(members []*session, skip *session, frame protocol.SignalFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("failed to encode server frame", "type", frame.Type, "err", err)
		return
	}
	for _, m := range members {
		if m == skip {
			continue
		}
		m.enqueue(payload)
	}
}
