package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
	maxMessage = 64 * 1024
)

var (
	// ErrConnClosed is returned by Send once the connection is shut down.
	ErrConnClosed = errors.New("websocket connection closed")
	// ErrMalformed is returned by Read for a frame that is not a JSON object.
	ErrMalformed = errors.New("malformed message")
)

// Conn serialises writes to a gorilla connection through one write pump so
// monitor callbacks can push events without blocking on the network.
type Conn struct {
	ws   *websocket.Conn
	log  zerolog.Logger
	send chan interface{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn starts the write pump for ws.
func NewConn(ws *websocket.Conn, log zerolog.Logger) *Conn {
	c := &Conn{
		ws:   ws,
		log:  log,
		send: make(chan interface{}, sendBuffer),
		done: make(chan struct{}),
	}
	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c
}

// Send queues v for writing. A slow client whose buffer is full is disconnected.
func (c *Conn) Send(v interface{}) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- v:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.log.Warn().Msg("Send buffer full, dropping slow client")
		c.Close()
		return ErrConnClosed
	}
}

// SendError queues a typed ErrorResponse.
func (c *Conn) SendError(code, msg string) error {
	return c.Send(ErrorResponse{Event: EventError, Code: code, Error: msg})
}

// Read blocks for the next client message and returns its action and raw body.
func (c *Conn) Read() (Action, []byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", data, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Action, data, nil
}

// Close stops the write pump, which then closes the socket. It is safe to
// call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed after Close.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case v := <-c.send:
			if err := WriteTyped(c.ws, v); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket. Use it only
// before a Conn owns the socket.
func WriteError(conn *websocket.Conn, code, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}
