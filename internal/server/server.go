package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"astroseq/internal/mode"
	"astroseq/internal/session"
	"astroseq/internal/storage"
)

// Server exposes the session over HTTP: status, run history, mode requests
// and a live event stream over SSE and websockets.
type Server struct {
	addr   string
	host   *session.Host
	store  *storage.Store
	mount  string
	log    *slog.Logger
	hub    *Hub
	server *http.Server
}

// NewServer creates a server for host. store may be nil.
func NewServer(addr string, host *session.Host, store *storage.Store, mount string, log *slog.Logger) *Server {
	return &Server{
		addr:  addr,
		host:  host,
		store: store,
		mount: mount,
		log:   log,
		hub:   NewHub(log),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	events, unsubscribe := s.host.Subscribe()
	go func() {
		defer unsubscribe()
		s.hub.Pump(ctx, events)
	}()
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/events", s.handleRunEvents).Methods("GET")
	r.HandleFunc("/runs/{id}/builds", s.handleRunBuilds).Methods("GET")
	r.HandleFunc("/calibration", s.handleCalibration).Methods("GET")
	r.HandleFunc("/modes/{type}", s.handleStartMode).Methods("POST")
	r.HandleFunc("/abort", s.handleAbort).Methods("POST")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.HandleWebSocket).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if st := s.host.Status(); st.Fatal != "" {
		http.Error(w, st.Fatal, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Status())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunEvents(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunBuilds(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunBuilds(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if c := s.host.Status().Calibration; c != nil {
		writeJSON(w, http.StatusOK, c)
		return
	}
	rec, err := s.store.LatestCalibration(s.mount)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, storage.ErrNotInitialized) {
		writeError(w, http.StatusNotFound, errors.New("mount is not calibrated"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, mode.MountMoveCalibrRes{
		MoveRAX: rec.MoveRAX, MoveRAY: rec.MoveRAY, MoveDecX: rec.MoveDecX, MoveDecY: rec.MoveDecY,
	})
}

// handleStartMode starts the mode named in the path. The body carries the
// rest of the request; ?queue=true runs it after the active mode.
func (s *Server) handleStartMode(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	req.Type = mode.Type(mux.Vars(r)["type"])
	queue := r.URL.Query().Get("queue") == "true"

	err := s.host.Do(r.Context(), func(h *session.Host) error { return h.Submit(req, queue) })
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, s.host.Status())
	case errors.Is(err, session.ErrSessionFailed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	err := s.host.Do(r.Context(), func(h *session.Host) error {
		h.Abort()
		return nil
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, s.host.Status())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	evCh, unsubscribe := s.host.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("event: " + string(ev.Type) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
