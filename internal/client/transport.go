package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Transport is one established realtime session.
type Transport interface {
	// ReadMessage blocks until a text message arrives or the session ends.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Target struct {
	URL      string
	CoupleId string
	UserId   string
	Token    string
}

type Dialer interface {
	Dial(ctx context.Context, target Target) (Transport, error)
}

// Endpoint builds the handshake URL for target: {URL}/ws/{coupleId}?userId=&token=
func Endpoint(target Target) (string, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = path.Join("/", u.Path, "ws", target.CoupleId)
	q := url.Values{}
	q.Set("userId", target.UserId)
	q.Set("token", target.Token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// WebsocketDialer dials the realtime server with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, target Target) (Transport, error) {
	endpoint, err := Endpoint(target)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("dial: handshake rejected with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
	// gorilla allows a single concurrent writer
	writeLock sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.writeLock.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeLock.Unlock()

	return t.conn.Close()
}
