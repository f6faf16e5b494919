package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mindhaven/pkg/types"
)

// connOptions are the per-socket timings copied from the manager options.
type connOptions struct {
	writeTimeout time.Duration
	readTimeout  time.Duration
	pingInterval time.Duration
	sendBuffer   int
}

// Connection wraps one client socket.
// ARCHITECTURAL DISCOVERY: gorilla connections allow one concurrent writer, so
// every write (frames and pings) funnels through writeLoop
type Connection struct {
	id      string
	userID  types.ID
	conn    *websocket.Conn
	opts    connOptions
	writeCh chan []byte

	onFrame func([]byte)
	onClose func(*Connection, error)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{} // closed when the read loop exits

	mu  sync.RWMutex
	err error
}

func newConnection(conn *websocket.Conn, userID types.ID, opts connOptions, onFrame func([]byte), onClose func(*Connection, error)) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:      uuid.New().String(),
		userID:  userID,
		conn:    conn,
		opts:    opts,
		writeCh: make(chan []byte, opts.sendBuffer),
		onFrame: onFrame,
		onClose: onClose,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// start launches the reader and writer goroutines.
func (c *Connection) start() {
	go c.writeLoop()
	go c.readLoop()
}

// ID returns the handle id of this socket.
func (c *Connection) ID() string { return c.id }

// UserID returns the identity the socket was opened for.
func (c *Connection) UserID() types.ID { return c.userID }

// Err returns the error that terminated the socket, if any.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Done is closed once the read loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) writeLoop() {
	var pingC <-chan time.Time
	if c.opts.pingInterval > 0 {
		ticker := time.NewTicker(c.opts.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}

		case <-pingC:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer close(c.done)

	extend := func() error {
		if c.opts.readTimeout <= 0 {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
	}
	if err := extend(); err != nil {
		c.fail(err)
		return
	}
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if err := extend(); err != nil {
			c.fail(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}

// WriteJSON encodes v and queues it for the writer goroutine.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.opts.writeTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// fail tears the socket down after a transport error and reports it.
func (c *Connection) fail(err error) {
	c.shutdown(err, false)
}

// Close sends a normal close frame and releases the socket. Idempotent.
func (c *Connection) Close() error {
	return c.shutdown(nil, true)
}

func (c *Connection) shutdown(cause error, graceful bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		c.cancel()
		if graceful {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		err = c.conn.Close()

		if c.onClose != nil {
			c.onClose(c, cause)
		}
	})
	return err
}
