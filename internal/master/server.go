package master

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/descriptor"
	"github.com/heliosproject/helios/internal/errkind"
	"github.com/heliosproject/helios/internal/httpapi"
)

// Server adapts a Master to the HTTP RPC surface of spec section 4.3,
// routed with gorilla/mux the way ORCA's OrcaServer does.
type Server struct {
	master *Master
	log    *logrus.Entry
	router *mux.Router
}

// NewServer builds a Server wrapping master, with routes installed.
func NewServer(master *Master, log *logrus.Entry) *Server {
	s := &Server{master: master, log: log.WithField("component", "master-http")}
	s.setupRoutes()
	return s
}

// Router exposes the configured http.Handler for use by an http.Server or
// by tests via httptest.NewServer.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)

	s.router.HandleFunc("/jobs", s.createJobHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs", s.listJobsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}", s.getJobHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}", s.removeJobHandler).Methods(http.MethodDelete)

	s.router.HandleFunc("/hosts", s.listHostsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/hosts/{host}", s.hostStatusHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/hosts/{host}/jobs/{id}", s.deployHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/hosts/{host}/jobs/{id}/goal", s.setGoalHandler).Methods(http.MethodPut)
	s.router.HandleFunc("/hosts/{host}/jobs/{id}", s.undeployHandler).Methods(http.MethodDelete)

	s.router.HandleFunc("/history/jobs/{id}", s.jobHistoryHandler).Methods(http.MethodGet)

	s.router.Use(s.loggingMiddleware)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"duration":   time.Since(start),
			"remote":     r.RemoteAddr,
			"request_id": requestID,
		}).Info("http request")
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, httpapi.HealthResponse{Status: "healthy", Version: "1.0.0", Service: "helios-master"})
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	var req httpapi.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.Validation, "invalid JSON body"))
		return
	}

	id, err := s.master.CreateJob(r.Context(), req.Name, req.Version, req.Image, req.Command, req.Env, req.Ports, req.Hash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpapi.CreateJobResponse{JobId: id.String()})
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := descriptor.ParseJobId(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.master.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.master.ListJobs(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpapi.ListJobsResponse{Jobs: jobs})
}

func (s *Server) removeJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := descriptor.ParseJobId(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.master.RemoveJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpapi.StatusResponse{Status: "ok"})
}

func (s *Server) deployHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := descriptor.ParseJobId(vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	var req httpapi.GoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.Validation, "invalid JSON body"))
		return
	}
	if req.Goal == "" {
		req.Goal = descriptor.Start
	}
	if err := s.master.Deploy(r.Context(), id, vars["host"], req.Goal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpapi.StatusResponse{Status: "ok"})
}

func (s *Server) setGoalHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := descriptor.ParseJobId(vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	var req httpapi.GoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.Validation, "invalid JSON body"))
		return
	}
	if err := s.master.SetGoal(r.Context(), id, vars["host"], req.Goal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpapi.StatusResponse{Status: "ok"})
}

func (s *Server) undeployHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := descriptor.ParseJobId(vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.master.Undeploy(r.Context(), id, vars["host"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpapi.StatusResponse{Status: "ok"})
}

func (s *Server) hostStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.master.HostStatus(r.Context(), mux.Vars(r)["host"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listHostsHandler(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.master.ListHosts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpapi.ListHostsResponse{Hosts: hosts})
}

func (s *Server) jobHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := descriptor.ParseJobId(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.master.JobHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpapi.JobHistoryResponse{Events: events})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := errkind.KindOf(err)
	if !ok {
		kind = errkind.Fatal
	}
	writeJSON(w, statusForKind(kind), httpapi.ErrorResponse{Error: string(kind), Message: err.Error()})
}

func statusForKind(kind errkind.Kind) int {
	switch kind {
	case errkind.Validation:
		return http.StatusBadRequest
	case errkind.Conflict:
		return http.StatusConflict
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
