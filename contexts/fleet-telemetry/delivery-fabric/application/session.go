package application

import (
	"sync"
	"time"

	"haulmatch/internal/shared/events"
)

// Conn is the transport half of a session. The websocket adapter implements
// it; tests use an in-memory fake.
type Conn interface {
	WriteEnvelope(envelope events.Envelope) error
	Close() error
}

// Session is one authenticated client connection with a bounded outbound
// queue. Critical events are FIFO and never dropped by the queue; when the
// queue is full, the oldest non-critical event is discarded first.
type Session struct {
	ID          string
	UserID      string
	Role        string
	ConnectedAt time.Time

	conn     Conn
	maxQueue int

	mu      sync.Mutex
	queue   []events.Envelope
	dropped int
	closed  bool
	wake    chan struct{}
}

// NewSession wraps a connection. maxQueue bounds the outbound buffer; zero
// means the default of 64.
func NewSession(id, userID, role string, conn Conn, maxQueue int, connectedAt time.Time) *Session {
	if maxQueue <= 0 {
		maxQueue = 64
	}
	return &Session{
		ID:          id,
		UserID:      userID,
		Role:        role,
		ConnectedAt: connectedAt,
		conn:        conn,
		maxQueue:    maxQueue,
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue buffers one outbound envelope. Returns false when the session is
// closed or the event was dropped by back-pressure.
func (s *Session) Enqueue(envelope events.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.queue) >= s.maxQueue {
		if idx := s.oldestNonCriticalLocked(); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			s.dropped++
		} else if !envelope.Event.Critical() {
			s.dropped++
			return false
		}
		// A critical event over a queue of criticals still appends; the
		// delivery guarantee is at-most-once, not bounded-memory-exactly.
	}
	s.queue = append(s.queue, envelope)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) oldestNonCriticalLocked() int {
	for i, queued := range s.queue {
		if !queued.Event.Critical() {
			return i
		}
	}
	return -1
}

// drain pops everything currently buffered.
func (s *Session) drain() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

// Dropped reports how many events back-pressure discarded.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// WritePump flushes the queue to the connection until the session closes or a
// write fails. Runs on its own goroutine per connection.
func (s *Session) WritePump(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.wake:
		}
		for _, envelope := range s.drain() {
			if err := s.conn.WriteEnvelope(envelope); err != nil {
				s.CloseConn()
				return
			}
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

// Send writes one envelope synchronously, bypassing the queue. Used for the
// connection-policy farewell before an eviction.
func (s *Session) Send(envelope events.Envelope) error {
	return s.conn.WriteEnvelope(envelope)
}

// CloseConn closes the underlying transport once.
func (s *Session) CloseConn() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.conn.Close()
}
