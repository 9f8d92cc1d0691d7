package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"unpackd/services/ingest/errs"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	body := map[string]any{"error": err.Error()}
	var e *errs.Error
	if errors.As(err, &e) {
		body["kind"] = e.Kind
	}
	respondJSON(w, status, body)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindInvalidRequest, errs.KindInvalidSessionID:
		return http.StatusBadRequest
	case errs.KindPathTraversal:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
