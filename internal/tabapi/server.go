// Package tabapi lets remote clients act as tabs of a node's storage area
// over HTTP and websockets.
package tabapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"ClawdCity-TabComm/internal/core/storage"
	"ClawdCity-TabComm/internal/logger"
	"ClawdCity-TabComm/internal/metrics"
	"ClawdCity-TabComm/internal/tabcomm"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	maxBodyBytes    = 1 << 20
	maxFrameBytes   = 1 << 20
	wsWriteTimeout  = 5 * time.Second
	defaultCallWait = 5 * time.Second
	maxCallTimeout  = 10 * time.Minute
	defaultMaxAcks  = 1024
)

type tab struct {
	ctx  *storage.Context
	comm *tabcomm.Communicator
}

type Server struct {
	area     *storage.Area
	log      *logger.Logger
	metrics  *metrics.Metrics
	commOpts []tabcomm.Option
	timeout  time.Duration
	maxAcks  int
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	tabs    map[string]*tab
	streams map[*stream]struct{}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCommunicatorOptions is applied to the communicator of every new tab.
func WithCommunicatorOptions(opts ...tabcomm.Option) Option {
	return func(s *Server) { s.commOpts = append(s.commOpts, opts...) }
}

// WithMaxPendingAcks bounds the forwarded requests each websocket keeps
// answerable. Fire-and-forget requests are usually never acked, so the oldest
// refs are evicted once n is exceeded.
func WithMaxPendingAcks(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxAcks = n
		}
	}
}

// WithDefaultTimeout is used for calls that do not name a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewServer(area *storage.Area, opts ...Option) *Server {
	s := &Server{
		area:    area,
		log:     logger.Discard(),
		timeout: defaultCallWait,
		maxAcks: defaultMaxAcks,
		tabs:    map[string]*tab{},
		streams: map[*stream]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	s.Register(r)
	return r
}

func (s *Server) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/store/keys", s.handleKeys)
		r.Post("/tabs", s.handleOpen)
		r.Route("/tabs/{id}", func(r chi.Router) {
			r.Delete("/", s.handleClose)
			r.Post("/emit", s.handleEmit)
			r.Post("/call", s.handleCall)
			r.Post("/clean", s.handleClean)
			r.Get("/listeners", s.handleListeners)
			r.Get("/ws", s.handleStream)
		})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
}

// Len returns the number of open tabs.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tabs)
}

// Close drops every websocket and detaches every tab.
func (s *Server) Close() error {
	s.mu.Lock()
	tabs := s.tabs
	s.tabs = map[string]*tab{}
	streams := s.streams
	s.streams = map[*stream]struct{}{}
	s.mu.Unlock()

	for st := range streams {
		_ = st.conn.Close()
	}

	var errs []error
	for _, t := range tabs {
		errs = append(errs, closeTab(t))
		s.metrics.TabsAdd(-1)
	}
	return errors.Join(errs...)
}

func closeTab(t *tab) error {
	return errors.Join(t.comm.Close(), t.ctx.Close())
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.area.Keys()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.area.Attach()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	comm, err := tabcomm.New(ctx, s.commOpts...)
	if err != nil {
		_ = ctx.Close()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	s.tabs[ctx.ID()] = &tab{ctx: ctx, comm: comm}
	s.mu.Unlock()
	s.metrics.TabsAdd(1)
	s.log.Debug("tab opened", "tab", ctx.ID())
	writeJSON(w, http.StatusCreated, map[string]any{"id": ctx.ID()})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	t, ok := s.tabs[id]
	delete(s.tabs, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "tab not found")
		return
	}
	if err := closeTab(t); err != nil {
		s.log.Warn("close tab", "tab", id, "error", err)
	}
	s.metrics.TabsAdd(-1)
	s.log.Debug("tab closed", "tab", id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type emitRequest struct {
	Name      string            `json:"name"`
	Args      []json.RawMessage `json:"args"`
	TimeoutMS *int64            `json:"timeout_ms,omitempty"`
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req emitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := t.comm.Emit(req.Name, rawArgs(req.Args)...); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req emitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	timeout := s.timeout
	if req.TimeoutMS != nil {
		if *req.TimeoutMS > maxCallTimeout.Milliseconds() {
			writeError(w, http.StatusBadRequest, "timeout_ms exceeds "+maxCallTimeout.String())
			return
		}
		timeout = time.Duration(*req.TimeoutMS) * time.Millisecond
	}
	args, err := t.comm.EmitWithTimeout(r.Context(), req.Name, timeout, rawArgs(req.Args)...)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if args == nil {
		args = tabcomm.Args{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"args": args})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	n, err := t.comm.CleanMessages()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"names": t.comm.ListenerNames()})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*tab, bool) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	t, ok := s.tabs[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "tab not found")
	}
	return t, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// rawArgs forwards client-supplied JSON values unchanged.
func rawArgs(in []json.RawMessage) []any {
	out := make([]any, len(in))
	for i, a := range in {
		out[i] = a
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tabcomm.ErrEmptyName), errors.Is(err, tabcomm.ErrNotSerializable):
		return http.StatusBadRequest
	case errors.Is(err, tabcomm.ErrAckTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, tabcomm.ErrClosed), errors.Is(err, storage.ErrDetached), errors.Is(err, storage.ErrClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions,
	}, ","))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
