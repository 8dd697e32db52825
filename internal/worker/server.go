package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/airweave/syncd/internal/logger"
)

// Server is the worker control port: health and status probes, a drain
// trigger, and the metrics endpoint.
type Server struct {
	worker *Worker
	srv    *http.Server
	log    logger.Logger
}

// NewServer builds the control server for a worker on the given port.
func NewServer(w *Worker, metrics *Metrics, port int) *Server {
	s := &Server{
		worker: w,
		log:    logger.New("control"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/drain", s.handleDrain).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.log.Info("control server listening", logger.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the control server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealth reports the worker lifecycle state. Anything but a running,
// accepting worker answers 503 so load balancers stop routing to it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.worker.State()
	code := http.StatusOK
	if state != StateOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(state)})
}

// handleDrain stops the worker from claiming new activities. In-flight
// activities run to completion.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.worker.Drain()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(StateDraining)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.Status(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
