package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/orgmap/orgmap/pkg/latex"
	"github.com/orgmap/orgmap/pkg/log"
	"github.com/orgmap/orgmap/pkg/orghtml"
	"github.com/orgmap/orgmap/pkg/protocol"
	"github.com/orgmap/orgmap/pkg/search"
)

// statusInterval paces the periodic status_update heartbeat.
const statusInterval = 10 * time.Second

// Server frames the Facade over HTTP and WebSocket.
type Server struct {
	facade   *Facade
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New builds the transport shell around a facade.
func New(f *Facade, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Server{
		facade: f,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP mux for the request surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /graph", s.handleGraph)
	mux.HandleFunc("GET /node/{id}", s.handleRender)
	mux.HandleFunc("GET /latex/{id}/{index}", s.handleLatex)
	mux.HandleFunc("GET /tags", s.handleTags)
	mux.HandleFunc("POST /hint/opened", s.handleHintOpened)
	mux.HandleFunc("POST /hint/modified", s.handleHintModified)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.statusLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.facade.Bus.Publish(s.facade.Status())
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "err", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, latex.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, latex.ErrTimeout):
		s.writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	case errors.Is(err, latex.ErrUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	snap := s.facade.SnapshotGraph(
		splitTags(r.URL.Query().Get("tags_any")),
		splitTags(r.URL.Query().Get("tags_none")),
	)
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	scope := orghtml.ScopeNode
	if r.URL.Query().Get("scope") == "file" {
		scope = orghtml.ScopeFile
	}
	doc, err := s.facade.RenderDocument(r.PathValue("id"), scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleLatex(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad block index"})
		return
	}
	color := r.URL.Query().Get("color")
	if color == "" {
		color = "000000"
	}
	svg, err := s.facade.RenderLatex(r.Context(), r.PathValue("id"), index, color)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(svg); err != nil {
		s.logger.Warn("svg write failed", "err", err)
	}
}

func (s *Server) handleTags(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.facade.ListTags())
}

type hintBody struct {
	ID   string `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
}

func (s *Server) handleHintOpened(w http.ResponseWriter, r *http.Request) {
	var body hintBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "id is required"})
		return
	}
	s.facade.EditorHintOpened(body.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHintModified(w http.ResponseWriter, r *http.Request) {
	var body hintBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "path is required"})
		return
	}
	s.facade.EditorHintModified(body.Path)
	w.WriteHeader(http.StatusNoContent)
}

// wsConn serializes writes to one WebSocket peer; the bus pump and search
// emissions run on different goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   chan struct{} // used as a mutex that plays well with write deadlines
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, mu: make(chan struct{}, 1)}
	c.mu <- struct{}{}
	return c
}

func (c *wsConn) writeJSON(v any) error {
	<-c.mu
	defer func() { c.mu <- struct{}{} }()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	return c.conn.WriteJSON(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	wc := newWSConn(conn)

	sub := s.facade.Bus.Subscribe(0)
	defer sub.Close()
	defer conn.Close() //nolint:errcheck
	defer s.facade.Dispatcher.CancelCaller(sub.ID)

	// Initial snapshot and provider registry, then live deltas.
	if err := wc.writeJSON(s.facade.SnapshotGraph(nil, nil)); err != nil {
		return
	}
	if err := wc.writeJSON(protocol.NewSearchConfigurationResponse(s.facade.SearchConfiguration())); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for msg := range sub.C() {
			if err := wc.writeJSON(msg); err != nil {
				return
			}
		}
	}()

	emit := func(requestID string, hit search.Hit) {
		resp := protocol.NewSearchResponse(requestID, protocol.ResultEntry{
			Provider: hit.Provider,
			ID:       hit.ID,
			Title:    hit.Title,
			Tags:     hit.Tags,
		})
		if err := wc.writeJSON(resp); err != nil {
			s.logger.Debug("search result write failed", "err", err)
		}
	}

	for {
		var msg protocol.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case protocol.KindPong:
			sub.Pong()
		case protocol.KindSearchRequest:
			s.facade.Search(ctx, msg.Query, msg.RequestID, sub.ID, emit)
		case protocol.KindSearchConfigRequest:
			if err := wc.writeJSON(protocol.NewSearchConfigurationResponse(s.facade.SearchConfiguration())); err != nil {
				return
			}
		default:
			s.logger.Debug("unknown client message", "type", msg.Type)
		}
	}
}
