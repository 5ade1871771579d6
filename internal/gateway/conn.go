package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

var errConnClosed = errors.New("connection closed")

type outbound struct {
	kind int
	data []byte
}

// conn serializes every write to a websocket through one goroutine.
// Reads stay on the handler goroutine.
type conn struct {
	ws           *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration
	pingInterval time.Duration

	out     chan outbound
	closing chan struct{}
	dead    chan struct{}

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func newConn(ws *websocket.Conn, cfg config.HTTPConfig, log *slog.Logger) *conn {
	queue := cfg.OutboundQueueSize
	if queue <= 0 {
		queue = 256
	}
	writeTimeout := time.Duration(cfg.WriteTimeoutMS) * time.Millisecond
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	c := &conn{
		ws:           ws,
		log:          log,
		writeTimeout: writeTimeout,
		pingInterval: time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		out:          make(chan outbound, queue),
		closing:      make(chan struct{}),
		dead:         make(chan struct{}),
	}
	if cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(cfg.MaxMessageBytes)
	}
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// send encodes msg as a text frame.
func (c *conn) send(msg protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

// sendFrame encodes frame as a binary message.
func (c *conn) sendFrame(frame protocol.AudioFrame) error {
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: protocol.EncodeFrame(frame)})
}

func (c *conn) enqueue(m outbound) error {
	select {
	case <-c.dead:
		return errConnClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.dead:
		return errConnClosed
	}
}

// read returns the next message and refreshes the keepalive deadline.
func (c *conn) read() (int, []byte, error) {
	kind, data, err := c.ws.ReadMessage()
	if err == nil {
		c.extendReadDeadline()
	}
	return kind, data, err
}

func (c *conn) extendReadDeadline() {
	if c.pingInterval <= 0 {
		_ = c.ws.SetReadDeadline(time.Time{})
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
}

// shutdown flushes queued messages, sends a close frame and waits for the
// writer to exit before closing the socket.
func (c *conn) shutdown(code int, reason string) {
	c.shutdownOnce.Do(func() {
		msg := outbound{kind: websocket.CloseMessage, data: websocket.FormatCloseMessage(code, reason)}
		select {
		case c.out <- msg:
		case <-c.dead:
		case <-time.After(c.writeTimeout):
		}
		close(c.closing)
	})
	c.wg.Wait()
	_ = c.ws.Close()
}

func (c *conn) writeLoop() {
	defer c.wg.Done()
	defer close(c.dead)

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case m := <-c.out:
			if done := c.write(m); done {
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}
		case <-c.closing:
			for {
				select {
				case m := <-c.out:
					if done := c.write(m); done {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// write reports whether the writer should stop.
func (c *conn) write(m outbound) bool {
	deadline := time.Now().Add(c.writeTimeout)
	if m.kind == websocket.CloseMessage {
		_ = c.ws.WriteControl(websocket.CloseMessage, m.data, deadline)
		return true
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(m.kind, m.data); err != nil {
		c.fail(fmt.Errorf("write: %w", err))
		return true
	}
	return false
}

func (c *conn) fail(err error) {
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Debug("websocket writer stopped", slogError(err))
	}
	// Unblocks the reader.
	_ = c.ws.Close()
}
