package socketio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pawkeeper-live/internal/model"
)

var (
	errClosed       = errors.New("connection closed")
	errSlowConsumer = errors.New("send queue full")
)

// conn is one Engine.IO websocket session. Outbound packets go through a
// bounded queue drained by writePump; a client that lets the queue fill up is
// disconnected instead of stalling the sender.
type conn struct {
	ws  *websocket.Conn
	cfg Config

	sid        string
	queryToken string

	// user is written once before connected is set.
	user      model.User
	connected atomic.Bool

	send      chan string
	done      chan struct{}
	closeOnce sync.Once

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time
}

func newConn(ws *websocket.Conn, cfg Config, queryToken string) *conn {
	return &conn{
		ws:         ws,
		cfg:        cfg,
		sid:        uuid.NewString(),
		queryToken: queryToken,
		send:       make(chan string, cfg.SendQueueSize),
		done:       make(chan struct{}),
		nextPingAt: time.Now().Add(cfg.PingInterval),
	}
}

func (c *conn) ID() string     { return c.sid }
func (c *conn) UserID() string { return c.user.ID }

// Emit queues a named event for the client.
func (c *conn) Emit(event string, payload any) error {
	packet, err := buildSocketEventPacket("/", nil, event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(string(engineMessage) + packet)
}

func (c *conn) Close() { c.close() }

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) enqueue(msg string) error {
	if c.isClosed() {
		return errClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *conn) ack(namespace string, id int, args ...any) error {
	packet, err := buildSocketAckPacket(namespace, id, args...)
	if err != nil {
		return err
	}
	return c.enqueue(string(engineMessage) + packet)
}

// writeText writes directly to the socket, bypassing the queue.
func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.writeText(msg); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingTick(c.cfg.PingInterval))
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > c.cfg.PingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(c.cfg.PingInterval)
			c.pingMu.Unlock()
			_ = c.enqueue(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func pingTick(interval time.Duration) time.Duration {
	tick := time.Second
	if half := interval / 2; half > 0 && half < tick {
		tick = half
	}
	return tick
}
