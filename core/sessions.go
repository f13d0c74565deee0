package core

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

// SessionID identifies one accepted peer connection. IDs are assigned by the
// owning SessionTable starting at 0, increment by 1, and are never reused.
type SessionID uint32

const (
	// maxSessionBuffer bounds the inbound bytes held for one session
	// between polls. Bytes past the cap are rejected.
	maxSessionBuffer = 1 << 20

	// writeWait caps how long one queued broadcast write may stall its
	// session's writer goroutine.
	writeWait = 5 * time.Second

	// acceptBacklog is how many accepted-but-unclaimed connections the
	// listener goroutine may hold before it blocks.
	acceptBacklog = 8

	// outboundBacklog is how many queued broadcasts a session may fall
	// behind before further ones are dropped for it.
	outboundBacklog = 16
)

type session struct {
	id   SessionID
	conn net.Conn
	out  chan []byte
	done chan struct{}

	mu         sync.Mutex
	pending    []byte
	overflowed bool
}

// readLoop pulls bytes off the connection into the pending buffer until the
// connection fails. A failed session is not removed from the table; removal
// is an explicit host decision (SessionTable.Remove).
func (s *session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.push(buf[:n])
		}
		if err != nil {
			log.Printf("[session] %d read stopped: %v", s.id, err)
			return
		}
	}
}

func (s *session) push(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := maxSessionBuffer - len(s.pending)
	if room <= 0 {
		if !s.overflowed {
			log.Printf("[session] %d inbound buffer full, rejecting excess", s.id)
			s.overflowed = true
		}
		return
	}
	if len(data) > room {
		if !s.overflowed {
			log.Printf("[session] %d inbound buffer full, rejecting excess", s.id)
			s.overflowed = true
		}
		data = data[:room]
	}
	s.pending = append(s.pending, data...)
}

// writeLoop delivers queued broadcasts until the session is stopped. A
// write that fails or times out is logged and does not stop the loop;
// removal stays the host's call.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := s.conn.Write(data); err != nil {
				log.Printf("[session] send to %d failed: %v", s.id, err)
			}
		}
	}
}

// enqueue hands a broadcast to the writer goroutine without waiting. A
// session that has fallen outboundBacklog broadcasts behind loses this one.
func (s *session) enqueue(data []byte) {
	select {
	case s.out <- data:
	default:
		log.Printf("[session] %d outbound queue full, dropping broadcast", s.id)
	}
}

// stop shuts the connection and parks the writer goroutine.
func (s *session) stop() {
	close(s.done)
	s.conn.Close()
}

// drain hands back everything buffered so far and leaves the buffer empty.
func (s *session) drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.pending
	s.pending = nil
	s.overflowed = false
	return data
}

// SessionTable owns the listening socket and every accepted peer connection.
// Accept, receive, and send never block the tick thread; inbound bytes are
// staged by per-session reader goroutines.
type SessionTable struct {
	ln       net.Listener
	accepted chan net.Conn

	mu       sync.Mutex
	sessions map[SessionID]*session
	order    []SessionID
	nextID   SessionID
}

// NewSessionTable wraps an already-listening socket. The table takes
// ownership of the listener and closes it on Close.
func NewSessionTable(ln net.Listener) *SessionTable {
	t := &SessionTable{
		ln:       ln,
		accepted: make(chan net.Conn, acceptBacklog),
		sessions: make(map[SessionID]*session),
	}
	go t.acceptLoop()
	return t
}

// ListenSessions opens a TCP listener on addr and returns a table serving it.
func ListenSessions(addr string) (*SessionTable, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewSessionTable(ln), nil
}

// Addr returns the listener's address.
func (t *SessionTable) Addr() net.Addr {
	return t.ln.Addr()
}

func (t *SessionTable) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(t.accepted)
				return
			}
			// Accept failures are non-fatal; keep listening.
			log.Printf("[session] accept failed: %v", err)
			continue
		}
		t.accepted <- conn
	}
}

// AcceptPending registers at most one pending inbound connection and returns
// its new id. It returns false immediately when nothing is waiting.
func (t *SessionTable) AcceptPending() (SessionID, bool) {
	select {
	case conn, ok := <-t.accepted:
		if !ok {
			return 0, false
		}
		t.mu.Lock()
		id := t.nextID
		t.nextID++
		s := &session{
			id:   id,
			conn: conn,
			out:  make(chan []byte, outboundBacklog),
			done: make(chan struct{}),
		}
		t.sessions[id] = s
		t.order = append(t.order, id)
		t.mu.Unlock()

		go s.readLoop()
		go s.writeLoop()
		log.Printf("[session] %d connected from %s", id, conn.RemoteAddr())
		return id, true
	default:
		return 0, false
	}
}

// IDs returns the registered session ids in accept order.
func (t *SessionTable) IDs() []SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]SessionID, len(t.order))
	copy(ids, t.order)
	return ids
}

// Len returns the number of registered sessions.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Receive returns every byte buffered for the session since the last call.
// An empty result means nothing has arrived; it is not an error. Unknown ids
// also return nothing.
func (t *SessionTable) Receive(id SessionID) []byte {
	t.mu.Lock()
	s := t.sessions[id]
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.drain()
}

// SendToAll queues the same bytes for every session registered at the
// moment of the call and returns without waiting on any socket. Sessions
// accepted afterwards do not receive this message. A session whose writer
// has fallen behind loses the message; delivery to the rest is unaffected.
func (t *SessionTable) SendToAll(data []byte) {
	t.mu.Lock()
	targets := make([]*session, 0, len(t.order))
	for _, id := range t.order {
		if s, ok := t.sessions[id]; ok {
			targets = append(targets, s)
		}
	}
	t.mu.Unlock()

	for _, s := range targets {
		s.enqueue(data)
	}
}

// Remove closes and unregisters one session. It is an explicit operation:
// the table never removes sessions on its own, not even after a read or
// write failure.
func (t *SessionTable) Remove(id SessionID) bool {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
		for i, sid := range t.order {
			if sid == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	s.stop()
	log.Printf("[session] %d removed", id)
	return true
}

// Close shuts the listener and every registered connection. Session ids are
// not reset; a table is not reusable after Close.
func (t *SessionTable) Close() error {
	err := t.ln.Close()

	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[SessionID]*session)
	t.order = nil
	t.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	return err
}
