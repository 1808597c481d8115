package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mqic/communicator/pkg/events"
	"github.com/mqic/communicator/pkg/log"
	"github.com/mqic/communicator/pkg/metrics"
	"github.com/mqic/communicator/pkg/scheduler"
	"github.com/mqic/communicator/pkg/storage"
	"github.com/mqic/communicator/pkg/types"
	"github.com/mqic/communicator/pkg/worker"
)

// PoolStats exposes the worker pool counters
type PoolStats interface {
	Snapshot() worker.Stats
}

// SchedulerStats exposes the scheduling counters
type SchedulerStats interface {
	Metrics() scheduler.MetricsSnapshot
}

// Server is the read-only dashboard HTTP server
type Server struct {
	store  storage.Store
	broker *events.Broker
	pool   PoolStats
	sched  SchedulerStats
	logger zerolog.Logger

	router  *mux.Router
	httpSrv *http.Server
}

// NewServer creates the dashboard server
func NewServer(store storage.Store, broker *events.Broker, pool PoolStats, sched SchedulerStats) *Server {
	s := &Server{
		store:  store,
		broker: broker,
		pool:   pool,
		sched:  sched,
		logger: log.WithComponent("dashboard"),
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/cases", s.handleListCases).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/cases/{id:[0-9]+}", s.handleGetCase).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/gpus", s.handleListGpus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the route table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("dashboard listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	var (
		cases []*types.Case
		err   error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		cases, err = s.store.ListCasesByStatus(types.CaseStatus(raw))
	} else {
		cases, err = s.store.ListCases()
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cases": cases, "count": len(cases)})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := s.store.GetCase(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	steps, err := s.store.ListWorkflowSteps(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"case": c, "workflow_steps": steps})
}

func (s *Server) handleListGpus(w http.ResponseWriter, r *http.Request) {
	gpus, err := s.store.ListGpus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"gpus": gpus, "count": len(gpus)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var recent []*events.Event
	if s.broker != nil {
		recent = s.broker.Recent()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": recent, "count": len(recent)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{}
	if s.pool != nil {
		out["workers"] = s.pool.Snapshot()
	}
	if s.sched != nil {
		out["scheduler"] = s.sched.Metrics()
	}

	byStatus := map[string]int{}
	for _, status := range []types.CaseStatus{
		types.CaseStatusSubmitted, types.CaseStatusRunning,
		types.CaseStatusCompleted, types.CaseStatusFailed,
	} {
		if n, err := s.store.CountCasesByStatus(status); err == nil {
			byStatus[string(status)] = n
		}
	}
	out["cases_by_status"] = byStatus
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := metrics.GetHealth()
	code := http.StatusOK
	if health.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
