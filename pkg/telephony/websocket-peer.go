package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPeerClosed is returned when writing to a socket that has been closed
var ErrPeerClosed = errors.New("peer connection closed")

const (
	peerWriteTimeout = 5 * time.Second
	peerCloseTimeout = time.Second
)

// websocketPeer wraps one leg of a call. Writes are serialized; reads are
// done by a single goroutine; Close may be called from anywhere.
type websocketPeer struct {
	name        string
	conn        *websocket.Conn
	readTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func newWebsocketPeer(name string, conn *websocket.Conn, readTimeout time.Duration) *websocketPeer {
	p := &websocketPeer{
		name:        name,
		conn:        conn,
		readTimeout: readTimeout,
	}

	if readTimeout > 0 {
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(peerWriteTimeout))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	return p
}

// IsOpen reports whether the socket can still be written to
func (p *websocketPeer) IsOpen() bool {
	return !p.closed.Load()
}

// Read blocks for the next data message
func (p *websocketPeer) Read() ([]byte, error) {
	if p.readTimeout > 0 {
		p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	}

	_, data, err := p.conn.ReadMessage()
	if err != nil {
		p.closed.Store(true)
		return nil, err
	}
	return data, nil
}

// SendJSON marshals v and writes it as one text frame
func (p *websocketPeer) SendJSON(v interface{}) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", p.name, err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed.Load() {
		return ErrPeerClosed
	}
	p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s message: %w", p.name, err)
	}
	return nil
}

// Close sends a normal close frame and releases the connection
func (p *websocketPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(peerCloseTimeout),
		)
		err = p.conn.Close()
	})
	return err
}
