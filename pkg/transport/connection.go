package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

// Overflow policies for a full send queue.
const (
	OverflowDrop       = "drop"
	OverflowDisconnect = "disconnect"
)

type ConnectionConfig struct {
	ReadTimeout    time.Duration
	SendQueueSize  int
	OverflowPolicy string
}

var errSendQueueOverflow = errors.New("send queue overflow")

// Connection represents a single, thread-safe WebSocket connection.
//
// Outbound messages pass through a bounded queue drained by a single
// writePump, so per-connection delivery order is preserved. A slow or
// half-dead peer fills the queue; the overflow policy then decides between
// dropping messages and cutting the connection.
type Connection struct {
	id      uuid.UUID
	conn    *websocket.Conn
	config  ConnectionConfig
	send    chan []byte
	dropped atomic.Uint64

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	started   atomic.Bool
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 256
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendQueueSize),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.started.Store(true)
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		// Pass a connection-scoped context to the handler.
		c.onMessage(c.ctx, c.id, message)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
// It is the only goroutine that writes to the socket.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "connection closing")
			return
		}
	}
}

// Send enqueues a message for the client. It is safe for concurrent use and
// never blocks: when the queue is full the configured overflow policy is
// applied instead.
func (c *Connection) Send(message []byte) {
	select {
	case <-c.ctx.Done():
		c.logger.Debug("Attempted to send on a closed connection")
		return
	default:
	}

	select {
	case c.send <- message:
	case <-c.ctx.Done():
	default:
		switch c.config.OverflowPolicy {
		case OverflowDisconnect:
			c.logger.Warn("Send queue full, disconnecting peer")
			go c.Close(errSendQueueOverflow)
		default:
			dropped := c.dropped.Add(1)
			c.logger.Warn("Send queue full, dropping message", slog.Uint64("totalDropped", dropped))
		}
	}
}

// Dropped reports how many outbound messages were discarded by the drop
// overflow policy.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// Close gracefully shuts down the connection and its resources. The send
// channel is deliberately left open; writePump exits through the cancelled
// context, which keeps concurrent Send calls safe.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.started.Load() {
			c.wg.Done()
		}
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
