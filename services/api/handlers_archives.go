package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"unpackd/services/ingest/errs"
	"unpackd/services/ingest/jobs"
	"unpackd/services/ingest/tree"
)

type submitResponse struct {
	JobID     string     `json:"job_id,omitempty"`
	SessionID string     `json:"session_id"`
	State     jobs.State `json:"state"`
	Cached    bool       `json:"cached"`
	StatusURL string     `json:"status_url,omitempty"`
	Message   string     `json:"message,omitempty"`
	Structure *tree.Node `json:"structure,omitempty"`
}

type jobResponse struct {
	JobID     string       `json:"job_id"`
	SessionID string       `json:"session_id"`
	State     jobs.State   `json:"state"`
	Result    *jobs.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errs.New(errs.KindInvalidRequest, "decode", err))
		return
	}

	h, err := a.jobs.Submit(r.Context(), req.URL)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			a.config.Logger.Error().Err(err).Msg("submit archive")
		}
		respondError(w, status, err)
		return
	}

	if h.Cached {
		respondJSON(w, http.StatusOK, submitResponse{
			JobID:     h.JobID,
			SessionID: h.SessionID,
			State:     h.State,
			Cached:    true,
			Message:   h.Message,
			Structure: h.Structure,
		})
		return
	}

	respondJSON(w, http.StatusAccepted, submitResponse{
		JobID:     h.JobID,
		SessionID: h.SessionID,
		State:     h.State,
		StatusURL: fmt.Sprintf("/v1/jobs/%s", h.JobID),
	})
}

func (a *API) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	resp := jobResponse{JobID: job.ID, SessionID: job.SessionID, State: job.State}
	switch job.State {
	case jobs.StateSuccess:
		resp.Result = job.Result
	case jobs.StateFailure:
		resp.Error = job.Error
	}
	respondJSON(w, http.StatusOK, resp)
}
