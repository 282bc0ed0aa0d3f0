package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulsefeed/models"
)

const defaultEventBuffer = 64

// Transport is one live duplex session to the event endpoint. It delivers
// the open/message/error/close contract as a stream of TransportEvents:
// a successful dial is the open, and the event channel is closed after the
// close event has been delivered.
type Transport interface {
	Events() <-chan models.TransportEvent
	Send(data []byte) error
	Close() error
}

// Dialer opens a new Transport session. The connection state machine owns
// the returned session and is the only writer to it.
type Dialer func(ctx context.Context, url string) (Transport, error)

// NewWebSocketDialer returns a Dialer backed by gorilla/websocket.
func NewWebSocketDialer(handshakeTimeout time.Duration, eventBuffer int) Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}
	return func(ctx context.Context, url string) (Transport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		t := &wsTransport{
			conn:   conn,
			events: make(chan models.TransportEvent, eventBuffer),
		}
		go t.readPump()
		return t, nil
	}
}

type wsTransport struct {
	conn      *websocket.Conn
	events    chan models.TransportEvent
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) Events() <-chan models.TransportEvent {
	return t.events
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// readPump turns the blocking gorilla read loop into the four-event
// contract. A read error is reported as an error event followed by a close
// event, matching how browser WebSockets surface failures.
func (t *wsTransport) readPump() {
	defer close(t.events)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				t.events <- models.TransportEvent{Type: models.TransportError, Err: err}
			}
			t.events <- models.TransportEvent{Type: models.TransportClose, Err: err}
			return
		}
		t.events <- models.TransportEvent{Type: models.TransportMessage, Data: data}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
