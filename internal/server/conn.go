package server

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is a websocket-backed Connection. Writes are queued onto a bounded
// buffer drained by the write pump so a slow peer never stalls a room.
type Conn struct {
	conn     *websocket.Conn
	log      *log.Logger
	userId   string
	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

func NewConn(conn *websocket.Conn, userId string, l *log.Logger) *Conn {
	return &Conn{
		conn:   conn,
		log:    l,
		userId: userId,
		send:   make(chan []byte, sendBufferSize),
		stop:   make(chan struct{}),
	}
}

func (c *Conn) Send(data []byte) error {
	select {
	case <-c.stop:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	return nil
}

// Serve runs the connection's pumps until the transport closes, then
// disconnects it from room.
func (c *Conn) Serve(room *Room, connId string) {
	go c.writePump()
	c.readPump(room, connId)
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if !c.write(websocket.TextMessage, data) {
				return
			}
		case <-c.stop:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Conn) readPump(room *Room, connId string) {
	defer func() {
		room.Disconnect(connId)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		if err := room.HandleInboundFrame(connId, raw); err != nil {
			c.log.Printf("connection %q: %v", connId, err)
			return
		}
	}
}

func (c *Conn) write(msgType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}
