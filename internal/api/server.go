// Package api is the thin JSON surface over the orchestration services.
// Handlers translate HTTP to service calls and back; no cluster logic
// lives here.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"slurmdeck/internal/config"
	"slurmdeck/internal/inventory"
	"slurmdeck/internal/jobs"
	"slurmdeck/internal/store"
)

type Server struct {
	clusters *config.File
	inv      *inventory.Service
	jobs     *jobs.Service
	store    store.JobStore

	tailLines int
}

func NewServer(clusters *config.File, inv *inventory.Service, jobSvc *jobs.Service, st store.JobStore, tailLines int) *Server {
	return &Server{clusters: clusters, inv: inv, jobs: jobSvc, store: st, tailLines: tailLines}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /api/clusters", s.listClusters)
	mux.HandleFunc("GET /api/clusters/{name}/gpus", s.gpuAvailability)
	mux.HandleFunc("GET /api/clusters/{name}/partitions", s.partitions)
	mux.HandleFunc("POST /api/clusters/{name}/test-connection", s.testConnection)

	mux.HandleFunc("POST /api/jobs", s.submitJob)
	mux.HandleFunc("POST /api/jobs/preview", s.previewJob)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.getJob)
	mux.HandleFunc("GET /api/jobs/{id}/logs", s.jobLogs)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.cancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/refresh", s.refreshJob)

	return mux
}

func (s *Server) listClusters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.clusters.Clusters)
}

func (s *Server) gpuAvailability(w http.ResponseWriter, r *http.Request) {
	snap, err := s.inv.GPUAvailability(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) partitions(w http.ResponseWriter, r *http.Request) {
	parts, err := s.inv.Partitions(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parts)
}

func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	res, err := s.inv.TestConnection(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	rec, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) previewJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	script, err := s.jobs.Preview(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"script": script})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	tail := s.tailLines
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tail = n
		}
	}
	content, err := s.jobs.Logs(r.Context(), r.PathValue("id"), tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) refreshJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.jobs.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("api: encode response: %v", err)
	}
}

// writeError maps the error taxonomy onto status codes: configuration
// problems are client errors, missing records are 404, anything touching
// the remote side is a 502.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway

	var notFound *store.NotFoundError
	var cfgErr *config.ConfigError
	switch {
	case errors.As(err, &notFound):
		code = http.StatusNotFound
	case errors.As(err, &cfgErr):
		code = http.StatusBadRequest
		if strings.Contains(cfgErr.Msg, "not found") {
			code = http.StatusNotFound
		}
	}

	writeJSON(w, code, map[string]string{"error": err.Error()})
}
