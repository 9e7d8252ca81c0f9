package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/types"
)

// wsConnection is the subset of *websocket.Conn the transport touches,
// extracted so tests can substitute a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const writeWait = 10 * time.Second

// wsSession is one live connection: an unbounded outbound queue drained by a
// dedicated writer goroutine. Enqueue never blocks the caller; slow clients
// grow their own queue without stalling the land's sync cycle.
type wsSession struct {
	id       types.SessionID
	clientID types.ClientID
	conn     wsConnection

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func newSession(id types.SessionID, clientID types.ClientID, conn wsConnection) *wsSession {
	s := &wsSession{
		id:       id,
		clientID: clientID,
		conn:     conn,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writePump()
	return s
}

// enqueue appends a frame for delivery. Frames enqueued after close are
// dropped silently.
func (s *wsSession) enqueue(frame []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *wsSession) drainQueue() [][]byte {
	s.mu.Lock()
	frames := s.queue
	s.queue = nil
	s.mu.Unlock()
	return frames
}

// close stops the writer. The writer drains what it can, sends a close
// frame, and closes the connection.
func (s *wsSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// wait blocks until the writer goroutine has exited.
func (s *wsSession) wait() {
	s.wg.Wait()
}

// writePump drains the outbound queue onto the wire. Exits on close or the
// first write error; the read side notices the dead connection and runs the
// disconnect path.
func (s *wsSession) writePump() {
	defer s.wg.Done()
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			for _, frame := range s.drainQueue() {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					return
				}
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-s.wake:
			for _, frame := range s.drainQueue() {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					logging.Error(context.Background(), "error writing frame",
						zap.String("session_id", string(s.id)), zap.Error(err))
					return
				}
			}
		}
	}
}
