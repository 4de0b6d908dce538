package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaycast/relaycast/pkg/logging"
	"github.com/relaycast/relaycast/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	sendBuffer = 64
	taskBuffer = 32
)

// Client is one signaling connection. Three goroutines serve it: a reader
// parsing envelopes off the socket, a task loop applying one operation at a
// time, and a writer draining the send channel. The task loop is what makes
// per-client operations strictly sequential; replies are enqueued only
// after an operation's side effects are fully applied.
type Client struct {
	ID string

	conn    *websocket.Conn
	handler *Handler
	logger  logging.Logger

	send  chan *protocol.ServerMessage
	tasks chan protocol.Envelope
	done  chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	gotRouterCaps bool
	recvCaps      *protocol.RTPCapabilities
}

func newClient(id string, conn *websocket.Conn, handler *Handler, logger logging.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		handler: handler,
		logger:  logger.With("clientId", id),
		send:    make(chan *protocol.ServerMessage, sendBuffer),
		tasks:   make(chan protocol.Envelope, taskBuffer),
		done:    make(chan struct{}),
	}
}

// Send enqueues an outbound message. A client that cannot keep up with its
// send buffer is disconnected rather than buffered without bound.
func (c *Client) Send(msg *protocol.ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Warn("send buffer full, disconnecting slow client")
		c.close()
	}
}

// close signals all pumps to exit. Idempotent.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// markRouterCapsSent records that the client fetched the router
// capabilities, the first step of the required ordering.
func (c *Client) markRouterCapsSent() {
	c.mu.Lock()
	c.gotRouterCaps = true
	c.mu.Unlock()
}

func (c *Client) routerCapsSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gotRouterCaps
}

// setRecvCaps stores the client's declared receive capabilities.
func (c *Client) setRecvCaps(caps protocol.RTPCapabilities) {
	c.mu.Lock()
	c.recvCaps = &caps
	c.mu.Unlock()
}

// recvCapabilities returns the declared capabilities, or false when the
// client never declared any.
func (c *Client) recvCapabilities() (protocol.RTPCapabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvCaps == nil {
		return protocol.RTPCapabilities{}, false
	}
	return *c.recvCaps, true
}

// readPump reads envelopes off the socket and feeds the task loop. It owns
// the read side: deadlines, pong handling, size limits.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.logger.Warn("malformed envelope", "error", err)
			continue
		}

		select {
		case c.tasks <- env:
		case <-c.done:
			return
		}
	}
}

// taskPump applies operations one at a time, in arrival order.
func (c *Client) taskPump() {
	for {
		select {
		case env := <-c.tasks:
			c.handler.dispatch(c, env)
		case <-c.done:
			return
		}
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
