package tabapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"ClawdCity-TabComm/internal/logger"
	"ClawdCity-TabComm/internal/tabcomm"

	"github.com/gorilla/websocket"
)

// Client operations on the tab websocket.
const (
	OpOn   = "on"
	OpOff  = "off"
	OpEmit = "emit"
	OpAck  = "ack"
)

// Server frame types.
const (
	FrameRequest = "request"
	FrameOK      = "ok"
	FrameError   = "error"
)

var (
	errUnknownOp  = errors.New("unknown op")
	errUnknownRef = errors.New("unknown or already answered ref")
)

// ClientFrame is sent by the remote tab.
type ClientFrame struct {
	Op   string            `json:"op"`
	Name string            `json:"name,omitempty"`
	Args []json.RawMessage `json:"args,omitempty"`
	// Ref answers a request frame when Op is "ack".
	Ref uint64 `json:"ref,omitempty"`
}

// ServerFrame is pushed to the remote tab.
type ServerFrame struct {
	Type  string            `json:"type"`
	Op    string            `json:"op,omitempty"`
	Name  string            `json:"name,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Ref   uint64            `json:"ref,omitempty"`
	Error string            `json:"error,omitempty"`
}

// stream is one websocket bound to a tab. Every listener it registers is
// removed when the socket closes. At most maxAcks forwarded requests stay
// answerable; older refs are forgotten first.
type stream struct {
	conn *websocket.Conn
	tab  *tab
	log  *logger.Logger

	writeMu sync.Mutex
	broken  bool

	mu        sync.Mutex
	listeners map[string]tabcomm.ListenerID
	nextRef   uint64
	oldest    uint64
	maxAcks   int
	acks      map[uint64]tabcomm.AckFunc
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	st := &stream{
		conn:      conn,
		tab:       t,
		log:       s.log,
		listeners: map[string]tabcomm.ListenerID{},
		oldest:    1,
		maxAcks:   s.maxAcks,
		acks:      map[uint64]tabcomm.AckFunc{},
	}
	s.mu.Lock()
	s.streams[st] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, st)
		s.mu.Unlock()
		st.close()
	}()

	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("tab stream closed", "tab", t.ctx.ID(), "error", err)
			}
			return
		}
		if err := st.apply(frame); err != nil {
			st.write(ServerFrame{Type: FrameError, Op: frame.Op, Name: frame.Name, Ref: frame.Ref, Error: err.Error()})
			continue
		}
		st.write(ServerFrame{Type: FrameOK, Op: frame.Op, Name: frame.Name, Ref: frame.Ref})
	}
}

func (st *stream) apply(frame ClientFrame) error {
	switch frame.Op {
	case OpOn:
		st.on(frame.Name)
		return nil
	case OpOff:
		st.off(frame.Name)
		return nil
	case OpEmit:
		return st.tab.comm.Emit(frame.Name, rawArgs(frame.Args)...)
	case OpAck:
		st.mu.Lock()
		ack, ok := st.acks[frame.Ref]
		delete(st.acks, frame.Ref)
		st.mu.Unlock()
		if !ok {
			return errUnknownRef
		}
		return ack(rawArgs(frame.Args)...)
	default:
		return errUnknownOp
	}
}

// on forwards requests named name to the socket. Registering a name twice
// is a no-op.
func (st *stream) on(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.listeners[name]; ok {
		return
	}
	st.listeners[name] = st.tab.comm.On(name, func(args tabcomm.Args, ack tabcomm.AckFunc) {
		st.mu.Lock()
		if st.acks == nil {
			st.mu.Unlock()
			return
		}
		st.nextRef++
		ref := st.nextRef
		st.acks[ref] = ack
		st.evictLocked()
		st.mu.Unlock()
		st.write(ServerFrame{Type: FrameRequest, Name: name, Args: args, Ref: ref})
	})
}

// evictLocked drops the oldest unanswered refs until at most maxAcks remain.
// Refs are handed out consecutively, so every live ref is >= oldest.
func (st *stream) evictLocked() {
	for len(st.acks) > st.maxAcks && st.oldest <= st.nextRef {
		delete(st.acks, st.oldest)
		st.oldest++
	}
}

// pendingAcks returns the number of forwarded requests that can still be
// answered.
func (st *stream) pendingAcks() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.acks)
}

func (st *stream) off(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if id, ok := st.listeners[name]; ok {
		st.tab.comm.Off(name, id)
		delete(st.listeners, name)
	}
}

// write sends frame to the socket. A failed write, including one that hits
// wsWriteTimeout on a client that stopped reading, closes the connection so
// the read loop exits and later frames are dropped without waiting.
func (st *stream) write(frame ServerFrame) {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if st.broken {
		return
	}
	_ = st.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := st.conn.WriteJSON(frame); err != nil {
		st.broken = true
		st.log.Debug("tab stream write failed", "tab", st.tab.ctx.ID(), "error", err)
		_ = st.conn.Close()
	}
}

func (st *stream) close() {
	st.mu.Lock()
	for name, id := range st.listeners {
		st.tab.comm.Off(name, id)
	}
	st.listeners = nil
	st.acks = nil
	st.mu.Unlock()
	_ = st.conn.Close()
}
