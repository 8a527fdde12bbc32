package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ezchat/ezchat/internal/metrics"
	"github.com/ezchat/ezchat/internal/protocol"
	"github.com/ezchat/ezchat/internal/ratelimit"
)

// pingInterval must be comfortably below any intermediary idle timeout.
const pingInterval = 30 * time.Second

// session is one live client connection. The reader goroutine owns dispatch;
// the writer goroutine owns the socket's write side. Other sessions hand off
// frames through the buffered send channel and never touch the socket.
type session struct {
	id   string
	srv  *Server
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	// limiter is nil when no inbound rate cap is configured.
	limiter *ratelimit.TokenBucket

	closeOnce sync.Once

	nameMu  sync.Mutex
	nameVal string
}

func (sess *session) name() string {
	sess.nameMu.Lock()
	defer sess.nameMu.Unlock()
	return sess.nameVal
}

func (sess *session) setName(name string) {
	sess.nameMu.Lock()
	sess.nameVal = name
	sess.nameMu.Unlock()
}

// enqueue hands a frame to the session's writer. It never blocks: a slow or
// stuck recipient loses this frame rather than stalling the sender's
// broadcast loop.
func (sess *session) enqueue(payload []byte) {
	select {
	case <-sess.done:
	case sess.send <- payload:
	default:
		sess.srv.metrics.Inc(metrics.BroadcastSendFailure)
		sess.srv.log.Warn("send queue full, dropping frame", "session_id", sess.id)
	}
}

func (sess *session) enqueueFrame(frame protocol.SignalFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		sess.srv.log.Warn("failed to encode server frame", "session_id", sess.id, "err", err)
		return
	}
	sess.enqueue(payload)
}

// readLoop reads frames until the transport closes. Transport errors are not
// fatal to the server; the close is what tears the session down.
func (sess *session) readLoop() {
	defer sess.close()
	defer sess.srv.teardown(sess)

	sess.conn.SetReadLimit(sess.srv.maxFrameBytes)

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				sess.srv.log.Debug("websocket read error", "session_id", sess.id, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if sess.limiter != nil && !sess.limiter.Allow() {
			sess.srv.metrics.Inc(metrics.FrameRateLimited)
			sess.srv.log.Debug("inbound frame rate capped, dropping", "session_id", sess.id)
			continue
		}
		sess.srv.dispatch(sess, data)
	}
}

func (sess *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()

	for {
		select {
		case payload := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(sess.srv.writeTimeout))
			if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				sess.srv.metrics.Inc(metrics.BroadcastSendFailure)
				sess.srv.log.Debug("websocket write failed", "session_id", sess.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(sess.srv.writeTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		_ = sess.conn.Close()
	})
}
