// Package client is the chat participant runtime: one signaling connection,
// one peer orchestrator and one delivery router per joined room. All state a
// participant needs lives on the Client, so joining, leaving and rejoining
// is constructing, closing and reconstructing one value.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/ezchat/ezchat/internal/metrics"
	"github.com/ezchat/ezchat/internal/peer"
	"github.com/ezchat/ezchat/internal/protocol"
	"github.com/ezchat/ezchat/internal/router"
	"github.com/ezchat/ezchat/internal/store"
)

// Config configures a Client.
type Config struct {
	// ServerAddr is the signaling server's host:port.
	ServerAddr string

	Room     string
	Username string

	// KV backs message history and identity persistence.
	KV store.KV

	ICEServers []webrtc.ICEServer

	// OnDisplay receives each deliverable message exactly once, own
	// messages included.
	OnDisplay func(msg protocol.Message)

	// OnStatusChange, when set, fires whenever peer connectivity shifts.
	OnStatusChange func(st peer.Status)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is a connected room participant.
type Client struct {
	cfg Config
	log *slog.Logger

	history *store.History
	orch    *peer.Orchestrator
	router  *router.Router

	writeMu sync.Mutex
	conn    *websocket.Conn

	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once

	// readErr is set before done closes.
	readErr error
}

// Connect dials the signaling server, joins the configured room and starts
// consuming frames. The returned Client is live until Close.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Room == "" || cfg.Username == "" {
		return nil, fmt.Errorf("client: room and username are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("room", cfg.Room), slog.String("user", cfg.Username))

	u := url.URL{Scheme: "ws", Host: cfg.ServerAddr, Path: "/signal"}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing signaling server at %s: %w", u.String(), err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		cfg:     cfg,
		log:     log,
		history: store.NewHistory(cfg.KV),
		conn:    conn,
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}

	onStatus := func() {
		if cfg.OnStatusChange != nil {
			cfg.OnStatusChange(c.orch.Status())
		}
	}

	c.orch = peer.NewOrchestrator(peer.Config{
		Room:           cfg.Room,
		Username:       cfg.Username,
		Transport:      c,
		ICEServers:     cfg.ICEServers,
		OnMessage:      c.onDirectMessage,
		OnStatusChange: onStatus,
		Logger:         log,
		Metrics:        cfg.Metrics,
	})
	c.router = router.NewRouter(router.Config{
		Room:      cfg.Room,
		Username:  cfg.Username,
		Peers:     channelSource{orch: c.orch},
		Transport: c,
		History:   c.history,
		OnDisplay: cfg.OnDisplay,
		Logger:    log,
		Metrics:   cfg.Metrics,
	})

	err = c.SendSignal(protocol.SignalFrame{
		Type: protocol.TypeJoin,
		Room: cfg.Room,
		Name: cfg.Username,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("joining room %q: %w", cfg.Room, err)
	}

	go c.readLoop()
	return c, nil
}

// SendSignal writes one frame to the signaling server. It is safe for
// concurrent use; the orchestrator calls it from pion callbacks.
func (c *Client) SendSignal(f protocol.SignalFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Send routes one chat message to the room.
func (c *Client) Send(ctx context.Context, content string, attachments []protocol.Attachment) error {
	msg := protocol.NewMessage(c.cfg.Username, content, attachments)
	return c.router.Deliver(ctx, msg)
}

// History returns the room's persisted messages, oldest first.
func (c *Client) History(ctx context.Context) ([]protocol.Message, error) {
	return c.history.Load(ctx, c.cfg.Room)
}

// ClearHistory erases this room's stored messages. Other rooms keep theirs.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.history.Clear(ctx, c.cfg.Room)
}

// Status reports current peer connectivity.
func (c *Client) Status() peer.Status {
	return c.orch.Status()
}

// Done closes when the signaling connection ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the signaling connection ended, once Done is closed. A
// locally initiated Close yields nil.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Close tears down peer links and the signaling connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.orch.Teardown()
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.conn.Close()
		c.writeMu.Unlock()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
				err = nil
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
			}
			c.readErr = err
			return
		}
		var f protocol.SignalFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug("malformed frame dropped", slog.Any("error", err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f protocol.SignalFrame) {
	switch f.Type {
	case protocol.TypeBroadcast:
		if f.MessageData == nil {
			c.log.Debug("broadcast without messageData dropped", slog.String("sender", f.Sender))
			return
		}
		c.router.Receive(context.Background(), *f.MessageData)
	default:
		c.orch.HandleSignal(f)
	}
}

// onDirectMessage feeds data-channel arrivals into the same dedup path as
// relayed broadcasts.
func (c *Client) onDirectMessage(msg protocol.Message) {
	c.router.Receive(context.Background(), msg)
}

// channelSource adapts the orchestrator's link table to what the router
// consumes.
type channelSource struct {
	orch *peer.Orchestrator
}

func (s channelSource) OpenChannels() []router.Channel {
	links := s.orch.OpenChannels()
	channels := make([]router.Channel, len(links))
	for i, l := range links {
		channels[i] = l
	}
	return channels
}

func (s channelSource) ParticipantCount() int {
	return s.orch.ParticipantCount()
}
