package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/ayame-go/internal/util"
)

const writeWait = 10 * time.Second

// WSChannel is a Channel over a gorilla websocket connection. A single
// goroutine reads frames; writes are serialized by a mutex.
type WSChannel struct {
	conn *websocket.Conn

	writeMu  sync.Mutex
	incoming chan []byte
	stop     chan struct{}
	done     chan struct{}

	closing   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

// Dial connects to a rendezvous server, e.g. wss://ayame.example.com/signaling.
func Dial(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return NewWSChannel(conn), nil
}

// NewWSChannel wraps an established connection and starts its read loop.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		conn:     conn,
		incoming: make(chan []byte, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WSChannel) readLoop() {
	defer close(c.incoming)

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		util.Stats.AddMsgRecv()

		select {
		case c.incoming <- data:
		case <-c.stop:
			c.finish(nil)
			return
		}
	}
}

// finish records why the read loop ended and marks the channel closed.
func (c *WSChannel) finish(err error) {
	switch {
	case c.closing.Load():
		err = nil
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		err = nil
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.closed.Store(true)
	close(c.done)
	c.conn.Close()
}

// Send writes msg as one JSON text frame.
func (c *WSChannel) Send(msg Message) error {
	if c.closed.Load() || c.closing.Load() {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	util.Stats.AddMsgSent()
	return nil
}

func (c *WSChannel) Incoming() <-chan []byte { return c.incoming }

func (c *WSChannel) Done() <-chan struct{} { return c.done }

func (c *WSChannel) Closed() bool { return c.closed.Load() }

// Err returns nil while open or after a clean close, the transport error otherwise.
func (c *WSChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a close frame and shuts the connection down. The read loop
// observes the shutdown and closes Done. Safe to call more than once.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)

		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !c.closed.Load() {
			c.closeErr = err
		}
		if cerr := c.conn.Close(); cerr != nil && c.closeErr == nil && !c.closed.Load() {
			c.closeErr = cerr
		}
	})
	return c.closeErr
}
