// Package api serves the relay over HTTP.
//
// Routes:
//
//	GET  /status      relay state, heartbeat and recent log lines
//	GET  /devices     cached endpoint lists
//	POST /refresh     re-enumerate endpoints
//	POST /connect     {"input":..., "output":...} by name, or input_id/output_id
//	POST /disconnect  close the live pair
//	POST /selection   {"selecting": bool} while a user is picking devices
//	GET  /events      WebSocket stream of relay events
//	GET  /metrics     Prometheus metrics
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chase3718/midirelay/pkg/cache"
	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/metrics"
	"github.com/chase3718/midirelay/pkg/relay"
	"github.com/chase3718/midirelay/pkg/transport"
)

// Relay is the subset of relay.Controller the API drives.
type Relay interface {
	Status() relay.Status
	Devices() cache.Snapshot
	Refresh() (cache.Snapshot, error)
	Connect(ctx context.Context, inID, outID string) error
	ConnectByName(ctx context.Context, inName, outName string) error
	Disconnect()
	SelectionChanged(selecting bool)
	Bus() *events.Bus
}

// DefaultLogLines is how many presenter log lines /status returns.
const DefaultLogLines = 50

// A nil CheckOrigin accepts clients without an Origin header and browsers
// on the same host, and rejects other origins with 403.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Server is both an HTTP front end and a relay.Presenter: it remembers the
// connected state and the most recent log lines for /status.
type Server struct {
	log *slog.Logger

	connected atomic.Bool
	lines     *lineBuffer

	pingInterval time.Duration
}

// New creates a Server.
func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{log: log, lines: newLineBuffer(DefaultLogLines), pingInterval: 20 * time.Second}
}

// LogMessage implements relay.Presenter.
func (s *Server) LogMessage(text string) { s.lines.Push(text) }

// SetConnectedState implements relay.Presenter.
func (s *Server) SetConnectedState(connected bool) { s.connected.Store(connected) }

// DevicesChanged implements relay.Presenter. Clients get device lists from
// /devices and the event stream.
func (s *Server) DevicesChanged(_, _ []transport.Endpoint) {}

// Handler returns the routes bound to r.
func (s *Server) Handler(r Relay) http.Handler {
	h := &handlers{srv: s, relay: r}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("GET /devices", h.devices)
	mux.HandleFunc("POST /refresh", requireJSON(h.refresh))
	mux.HandleFunc("POST /connect", requireJSON(h.connect))
	mux.HandleFunc("POST /disconnect", requireJSON(h.disconnect))
	mux.HandleFunc("POST /selection", requireJSON(h.selection))
	mux.HandleFunc("GET /events", h.eventStream)
	mux.Handle("GET /metrics", metrics.Handler())
	return withLogging(s.log, mux)
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string, r Relay) error {
	hs := &http.Server{Addr: addr, Handler: s.Handler(r), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	s.log.Info("api: listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handlers struct {
	srv   *Server
	relay Relay
}

type statusResponse struct {
	relay.Status
	Connected bool     `json:"connected"`
	Log       []string `json:"log"`
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    h.relay.Status(),
		Connected: h.srv.connected.Load(),
		Log:       h.srv.lines.Lines(),
	})
}

func (h *handlers) devices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.relay.Devices())
}

func (h *handlers) refresh(w http.ResponseWriter, _ *http.Request) {
	snap, err := h.relay.Refresh()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type connectRequest struct {
	Input    string `json:"input"`
	Output   string `json:"output"`
	InputID  string `json:"input_id"`
	OutputID string `json:"output_id"`
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	switch {
	case req.InputID != "" && req.OutputID != "":
		err = h.relay.Connect(r.Context(), req.InputID, req.OutputID)
	case req.Input != "" && req.Output != "":
		err = h.relay.ConnectByName(r.Context(), req.Input, req.Output)
	default:
		writeError(w, http.StatusBadRequest, errors.New("need input and output names or input_id and output_id"))
		return
	}
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, transport.ErrEndpointNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, h.relay.Status())
}

func (h *handlers) disconnect(w http.ResponseWriter, _ *http.Request) {
	h.relay.Disconnect()
	writeJSON(w, http.StatusOK, h.relay.Status())
}

func (h *handlers) selection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selecting bool `json:"selecting"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.relay.SelectionChanged(req.Selecting)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.srv.log.Warn("api: ws upgrade", "err", err)
		return
	}
	defer conn.Close()

	// The bus dispatcher must never block on a slow client.
	ch := make(chan events.Event, 64)
	unsub := h.relay.Bus().Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			metrics.EventsDropped.Inc()
		}
	})
	defer unsub()

	// Reading detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.srv.pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt := <-ch:
			if err := conn.WriteJSON(evt); err != nil {
				h.srv.log.Debug("api: ws write", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// requireJSON rejects requests that are not application/json. Browsers
// cannot send that type cross-site without a preflight.
func requireJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mt != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, errors.New("content type must be application/json"))
			return
		}
		next(w, r)
	}
}

func withLogging(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.code,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: hijack not supported")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// lineBuffer keeps the last n lines, oldest first.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
	head  int
	size  int
}

func newLineBuffer(n int) *lineBuffer {
	return &lineBuffer{lines: make([]string, n)}
}

func (b *lineBuffer) Push(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tail := (b.head + b.size) % len(b.lines)
	b.lines[tail] = line
	if b.size < len(b.lines) {
		b.size++
		return
	}
	b.head = (b.head + 1) % len(b.lines)
}

func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, b.size)
	for i := range out {
		out[i] = b.lines[(b.head+i)%len(b.lines)]
	}
	return out
}
