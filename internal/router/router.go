// Package router decides how each outbound chat message travels and funnels
// every inbound copy, direct or relayed, through one dedup point.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ezchat/ezchat/internal/metrics"
	"github.com/ezchat/ezchat/internal/protocol"
	"github.com/ezchat/ezchat/internal/store"
)

// SignalSender carries relay-fallback broadcasts to the signaling server.
type SignalSender interface {
	SendSignal(frame protocol.SignalFrame) error
}

// Channel is one open direct path to a peer.
type Channel interface {
	Peer() string
	Send(payload []byte) error
}

// ChannelSource exposes the orchestrator's channel table.
type ChannelSource interface {
	OpenChannels() []Channel
	ParticipantCount() int
}

// Config configures a Router.
type Config struct {
	Room     string
	Username string

	// Peers supplies direct channels; Transport carries the relay fallback.
	Peers     ChannelSource
	Transport SignalSender

	History *store.History

	// OnDisplay receives each message exactly once, in persistence order.
	OnDisplay func(msg protocol.Message)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Router routes outbound messages over direct channels with server-relay
// fallback, and persists plus displays inbound ones.
type Router struct {
	room     string
	username string

	peers     ChannelSource
	transport SignalSender
	history   *store.History
	display   func(protocol.Message)

	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRouter builds a Router. Peers, Transport and History must be non-nil.
func NewRouter(cfg Config) *Router {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	display := cfg.OnDisplay
	if display == nil {
		display = func(protocol.Message) {}
	}
	return &Router{
		room:      cfg.Room,
		username:  cfg.Username,
		peers:     cfg.Peers,
		transport: cfg.Transport,
		history:   cfg.History,
		display:   display,
		log:       log.With(slog.String("component", "router"), slog.String("room", cfg.Room)),
		metrics:   cfg.Metrics,
	}
}

// Deliver persists msg locally, shows it, then sends it to the room. The
// message goes out on every open direct channel; it additionally goes
// through the server relay when no direct send happened or when no remote
// participants are known. Both paths may fire for one message, and the
// receiver's dedup absorbs the overlap.
func (r *Router) Deliver(ctx context.Context, msg protocol.Message) error {
	stored, err := r.history.Persist(ctx, r.room, msg)
	if err != nil {
		// Storage trouble must not silence the room.
		r.log.Warn("persisting outbound message", slog.Any("error", err))
		r.display(msg)
	} else if stored {
		r.display(msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	direct := 0
	for _, link := range r.peers.OpenChannels() {
		if err := link.Send(payload); err != nil {
			r.log.Debug("direct send failed", slog.String("peer", link.Peer()), slog.Any("error", err))
			continue
		}
		direct++
		r.metrics.Inc(metrics.DirectSend)
	}

	if direct > 0 && r.peers.ParticipantCount() > 0 {
		return nil
	}

	r.metrics.Inc(metrics.RelayFallback)
	err = r.transport.SendSignal(protocol.SignalFrame{
		Type:        protocol.TypeBroadcast,
		Room:        r.room,
		MessageData: &msg,
	})
	if err != nil {
		return fmt.Errorf("relaying message: %w", err)
	}
	return nil
}

// Receive handles one inbound message copy, whichever path carried it. The
// first copy of a (timestamp, sender, content) identity is persisted and
// displayed; later copies are dropped.
func (r *Router) Receive(ctx context.Context, msg protocol.Message) {
	stored, err := r.history.Persist(ctx, r.room, msg)
	if err != nil {
		// Without history there is no dedup; showing a possible duplicate
		// beats losing the message.
		r.log.Warn("persisting inbound message", slog.Any("error", err))
		r.display(msg)
		return
	}
	if !stored {
		r.metrics.Inc(metrics.DuplicateDropped)
		r.log.Debug("duplicate message dropped", slog.String("sender", msg.Sender))
		return
	}
	r.display(msg)
}
