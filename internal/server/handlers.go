package server

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/labsched/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.source == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	respondOK(w, reqID, s.source.Status())
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	hosts, err := s.store.ListSchedulableHostsInStatus(r.Context(), model.AllHostStatuses...)
	if err != nil {
		s.logger.Error("list hosts", "error", err)
		respondError(w, reqID, http.StatusInternalServerError, "listing hosts failed")
		return
	}
	respondOK(w, reqID, hosts)
}

type jobResponse struct {
	Job     *model.Job          `json:"job"`
	Entries []*model.QueueEntry `json:"entries"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get job", "id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, "loading job failed")
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, "job not found")
		return
	}

	entries, err := s.store.ListEntriesByJob(r.Context(), id)
	if err != nil {
		s.logger.Error("list job entries", "id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError, "loading entries failed")
		return
	}
	respondOK(w, reqID, jobResponse{Job: job, Entries: entries})
}
