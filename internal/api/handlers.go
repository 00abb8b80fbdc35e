package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/softK1T/crawler-api/internal/crawler"
	"github.com/softK1T/crawler-api/internal/orchestrator"
)

type jobRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Timeout *int              `json:"timeout"`
}

type batchRequest struct {
	URLs    []string          `json:"urls"`
	Headers map[string]string `json:"headers"`
	Timeout *int              `json:"timeout"`
}

type batchResponse struct {
	BatchID    string   `json:"batch_id"`
	JobIDs     []string `json:"job_ids"`
	TotalCount int      `json:"total_count"`
}

type resultEnvelope struct {
	Exists  bool                   `json:"exists"`
	Payload *crawler.ResultPayload `json:"payload"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout, err := s.timeout(req.Timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.deps.Service.SubmitJob(r.Context(), orchestrator.JobRequest{
		URL:            req.URL,
		Headers:        req.Headers,
		TimeoutSeconds: timeout,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Service.JobStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	payload, err := s.deps.Service.JobResult(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// getJobResultEnvelope never answers 404; absence is reported in the body.
func (s *Server) getJobResultEnvelope(w http.ResponseWriter, r *http.Request) {
	payload, err := s.deps.Service.JobResult(r.Context(), chi.URLParam(r, "job_id"))
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeJSON(w, http.StatusOK, resultEnvelope{})
	case err != nil:
		s.writeServiceError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, resultEnvelope{Exists: true, Payload: &payload})
	}
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > s.limits.MaxBatchURLs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per batch", s.limits.MaxBatchURLs))
		return
	}
	for i, u := range req.URLs {
		if err := validateURL(u); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("urls[%d]: %v", i, err))
			return
		}
	}
	timeout, err := s.timeout(req.Timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, err := s.deps.Service.SubmitBatch(r.Context(), orchestrator.BatchRequest{
		URLs:           req.URLs,
		Headers:        req.Headers,
		TimeoutSeconds: timeout,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{
		BatchID:    batch.BatchID,
		JobIDs:     batch.JobIDs,
		TotalCount: batch.TotalCount,
	})
}

func (s *Server) getBatchStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Service.BatchStatus(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getBatchResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Service.BatchResults(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) timeout(requested *int) (int, error) {
	if requested == nil {
		return s.limits.DefaultTimeoutSeconds, nil
	}
	if *requested < 1 || *requested > s.limits.MaxTimeoutSeconds {
		return 0, fmt.Errorf("timeout must be between 1 and %d seconds", s.limits.MaxTimeoutSeconds)
	}
	return *requested, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use http or https")
	}
	if u.Host == "" {
		return errors.New("url must be absolute")
	}
	return nil
}
