package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errSinkFull   = errors.New("sink send buffer full")
	errSinkClosed = errors.New("sink closed")
)

const closeWriteTimeout = 5 * time.Second

// sink adapts one WebSocket connection to the session.Sink interface. A
// bounded send channel and a dedicated writePump decouple the relay loop
// from the client's socket: a subscriber that cannot drain its buffer
// fails the next Send and gets evicted by the broadcast.
type sink struct {
	conn *websocket.Conn
	send chan []byte

	once        sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newSink(conn *websocket.Conn, buffer int) *sink {
	s := &sink{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

func (s *sink) Send(chunk []byte) error {
	select {
	case <-s.done:
		return errSinkClosed
	default:
	}
	select {
	case s.send <- chunk:
		return nil
	default:
		return errSinkFull
	}
}

// Close signals the writePump to emit a close frame with the given code
// and shut the connection. Safe to call more than once; only the first
// code wins.
func (s *sink) Close(code int, reason string) {
	s.once.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

func (s *sink) writePump() {
	defer s.conn.Close()
	for {
		select {
		case chunk := <-s.send:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
			return
		}
	}
}
