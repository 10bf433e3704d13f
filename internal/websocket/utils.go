package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 10 * time.Second
	// ReadWait is refreshed on every client message; clients ping well inside it.
	ReadWait = 5 * time.Minute
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, code, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// ReadMessage reads one text frame with a read deadline.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(ReadWait))
	_, data, err := conn.ReadMessage()
	return data, err
}

// Outbox serializes writes to a connection from any goroutine.
// gorilla/websocket allows one concurrent writer only.
type Outbox struct {
	conn *websocket.Conn
	out  chan interface{}
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

// NewOutbox creates an outbox with room for size pending events.
func NewOutbox(conn *websocket.Conn, size int, log zerolog.Logger) *Outbox {
	return &Outbox{
		conn: conn,
		out:  make(chan interface{}, size),
		done: make(chan struct{}),
		log:  log,
	}
}

// Run writes queued events until Close or a write error.
func (o *Outbox) Run() {
	defer o.Close()
	for {
		select {
		case <-o.done:
			return
		case v := <-o.out:
			if err := WriteTyped(o.conn, v); err != nil {
				o.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

// Send queues v without blocking. A client that falls this far behind is
// disconnected; it resumes from the journal on reconnect.
func (o *Outbox) Send(v interface{}) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.out <- v:
		return true
	default:
		o.log.Warn().Msg("WebSocket outbox full, closing connection")
		o.Close()
		return false
	}
}

// Flush writes what is still queued, best-effort. Call after Run returned.
func (o *Outbox) Flush() {
	for {
		select {
		case v := <-o.out:
			if err := WriteTyped(o.conn, v); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close stops Run. Safe to call more than once.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

// Done is closed once the outbox stopped.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}
