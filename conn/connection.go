// Package conn implements the per-socket connection state machine: the
// read loop, the serialized write queue, heartbeat, and protocol framing
// pinning, generalized from the upgrade-then-pump shape in
// go/ingest/ws_api.go to a long-lived, bidirectional connection.
package conn

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/synckit/syncserver/auth"
	"github.com/synckit/syncserver/metrics"
	"github.com/synckit/syncserver/wire"
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

const writeQueueDepth = 256

// Connection wraps one upgraded websocket with protocol framing pinning,
// a serialized write queue, heartbeat tracking, and the authenticated
// identity/subscription state the router consults per message.
type Connection struct {
	id  string
	ws  *websocket.Conn
	log *logrus.Entry
	mt  *metrics.Collectors

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	mu             sync.Mutex
	state          State
	codec          *wire.Codec
	clientID       string
	principal      *auth.TokenPayload
	subscribedDocs map[string]struct{}
	awareDocs      map[string]struct{}
	lastPong       time.Time

	writeCh   chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	// OnClose runs exactly once, after the socket is torn down, with the
	// reason teardown was triggered. Set before the connection starts
	// reading; used by the router layer to scrub subscriptions and
	// awareness state.
	OnClose func(c *Connection, reason string)
}

// New wraps an already-upgraded websocket connection. id is the minted
// connection id, used as the fallback clientId until ResolveClientID is
// called.
func New(id string, ws *websocket.Conn, heartbeatInterval, heartbeatTimeout time.Duration, log *logrus.Entry, mt *metrics.Collectors) *Connection {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connection{
		id:                id,
		ws:                ws,
		log:               log.WithField("connId", id),
		mt:                mt,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		state:             StateConnecting,
		subscribedDocs:    make(map[string]struct{}),
		awareDocs:         make(map[string]struct{}),
		writeCh:           make(chan []byte, writeQueueDepth),
		closed:            make(chan struct{}),
		lastPong:          time.Now(),
	}
	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})
	return c
}

// ID returns the minted connection id.
func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ClientID returns the resolved client id, fixed once when the auth
// message is handled, for the connection's entire lifetime. Before resolution it
// returns the connection id itself.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clientID == "" {
		return c.id
	}
	return c.clientID
}

// ResolveClientID fixes the connection's client id the first time it is
// called; later calls are no-ops. Callers must not call this more than
// once with different values across the connection's lifetime.
func (c *Connection) ResolveClientID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clientID == "" {
		c.clientID = id
	}
}

// MarkAuthenticated transitions the connection to StateAuthenticated.
// Called by the router once AuthGate validation succeeds.
func (c *Connection) MarkAuthenticated() {
	c.setState(StateAuthenticated)
}

func (c *Connection) Principal() *auth.TokenPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *Connection) SetPrincipal(p *auth.TokenPayload) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
}

// Framing reports the framing pinned by the first inbound frame, or
// FramingUnknown before the first frame arrives.
func (c *Connection) Framing() wire.Framing {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec == nil {
		return wire.FramingUnknown
	}
	return c.codec.Framing()
}

func (c *Connection) AddSubscription(docID string) {
	c.mu.Lock()
	c.subscribedDocs[docID] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) RemoveSubscription(docID string) {
	c.mu.Lock()
	delete(c.subscribedDocs, docID)
	c.mu.Unlock()
}

func (c *Connection) IsSubscribed(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribedDocs[docID]
	return ok
}

// SubscribedDocs returns a snapshot of every document this connection
// subscribes to, used to scrub state on teardown.
func (c *Connection) SubscribedDocs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribedDocs))
	for id := range c.subscribedDocs {
		out = append(out, id)
	}
	return out
}

func (c *Connection) AddAwarenessSubscription(docID string) {
	c.mu.Lock()
	c.awareDocs[docID] = struct{}{}
	c.mu.Unlock()
}

// AwareDocs returns a snapshot of every document this connection
// subscribes to for awareness, used to scrub state on teardown.
func (c *Connection) AwareDocs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.awareDocs))
	for id := range c.awareDocs {
		out = append(out, id)
	}
	return out
}

// Send encodes msg with the connection's pinned codec and enqueues it on
// the write pump. It never blocks the caller's goroutine on a slow
// socket: a full queue drops the message and logs a warning, since a wedged
// peer must not stall delta fan-out to every other subscriber.
func (c *Connection) Send(msg *wire.Message) error {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	if codec == nil {
		return fmt.Errorf("conn: cannot send before framing is pinned")
	}
	data, err := codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("conn: encoding message: %w", err)
	}
	select {
	case <-c.closed:
		return fmt.Errorf("conn: connection closed")
	default:
	}
	select {
	case c.writeCh <- data:
		if c.mt != nil {
			c.mt.MessagesOut.WithLabelValues(string(msg.Type)).Inc()
		}
		return nil
	case <-c.closed:
		return fmt.Errorf("conn: connection closed")
	default:
		c.log.WithField("msgType", msg.Type).Warn("conn: write queue full, dropping message")
		return fmt.Errorf("conn: write queue full")
	}
}

// PinFraming fixes the connection's wire framing without waiting for a
// first inbound frame. Used by tests and by any caller that decides
// framing out of band instead of relying on first-frame auto-detection.
func (c *Connection) PinFraming(framing wire.Framing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codec = wire.NewCodec(framing)
}

// pinFraming detects and fixes the connection's framing from its first
// inbound frame. Subsequent calls are no-ops.
func (c *Connection) pinFraming(first []byte) (*wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec != nil {
		return c.codec.Decode(first)
	}
	framing, msg, err := wire.Detect(first)
	if err != nil {
		return nil, err
	}
	c.codec = wire.NewCodec(framing)
	return msg, nil
}

// ReadLoop blocks reading frames off the socket, decoding each with the
// pinned (or newly-detected) framing and invoking handle. It returns
// when the socket errs, closes, or handle asks for teardown by returning
// a non-nil error.
func (c *Connection) ReadLoop(handle func(*wire.Message) error) {
	c.setState(StateAuthenticating)
	reason := "peer closed"
	defer func() { c.Close(reason) }()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = fmt.Sprintf("read error: %v", err)
			}
			return
		}

		msg, err := c.pinFraming(data)
		if err != nil {
			c.log.WithField("err", err).Warn("conn: framing error")
			reason = "protocol error"
			return
		}
		if msg == nil {
			continue
		}
		if c.mt != nil {
			c.mt.MessagesIn.WithLabelValues(string(msg.Type)).Inc()
		}
		if err := handle(msg); err != nil {
			reason = err.Error()
			return
		}
	}
}

// WritePump drains the write queue onto the socket until the connection
// closes or a write fails. It must run in its own goroutine. writeCh is
// never closed (only c.closed is) so that a concurrent Send from a
// fan-out goroutine racing Close can never select a send on a closed
// channel, which panics.
func (c *Connection) WritePump() {
	for {
		select {
		case data := <-c.writeCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.heartbeatTimeout))
			if err := c.ws.WriteMessage(c.frameType(), data); err != nil {
				c.log.WithField("err", err).Warn("conn: write failed")
				c.Close("write error")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) frameType() int {
	if c.Framing() == wire.FramingBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Heartbeat runs a ping/pong loop until stop is closed or the peer
// misses heartbeatTimeout worth of pongs, at which point it closes the
// connection.
func (c *Connection) Heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			sincePong := time.Since(c.lastPong)
			c.mu.Unlock()
			if sincePong > c.heartbeatTimeout {
				c.log.Warn("conn: heartbeat timeout, closing")
				c.Close("heartbeat timeout")
				return
			}
			deadline := time.Now().Add(c.heartbeatTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close("ping write failed")
				return
			}
		}
	}
}

// Close tears the connection down exactly once: sends a best-effort close
// frame, closes the socket, stops the write pump, and invokes OnClose.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateDisconnecting)
		deadline := time.Now().Add(c.heartbeatTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = c.ws.Close()
		close(c.closed)
		c.setState(StateDisconnected)
		if c.OnClose != nil {
			c.OnClose(c, reason)
		}
	})
}
