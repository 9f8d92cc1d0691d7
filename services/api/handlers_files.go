package api

import (
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"

	"unpackd/services/ingest/errs"
)

func (a *API) handleFile(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	rel := chi.URLParam(r, "*")
	// chi routes on the escaped path when one exists.
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(rel)
		if err != nil {
			respondError(w, http.StatusBadRequest, errs.New(errs.KindInvalidRequest, "retrieve", err))
			return
		}
		rel = unescaped
		if s, err := url.PathUnescape(sessionID); err == nil {
			sessionID = s
		}
	}

	f, err := a.files.Resolve(sessionID, rel)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusForbidden {
			a.config.Logger.Warn().Str("session", sessionID).Str("path", rel).Msg("path traversal denied")
		}
		respondError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", f.ContentType)
	if redirect := a.files.RedirectPath(sessionID, f); redirect != "" {
		w.Header().Set("X-Accel-Redirect", redirect)
		w.WriteHeader(http.StatusOK)
		return
	}

	file, err := os.Open(f.Path)
	if err != nil {
		respondError(w, http.StatusNotFound, errs.New(errs.KindNotFound, "retrieve", err))
		return
	}
	defer file.Close()

	http.ServeContent(w, r, f.Name, f.ModTime, file)
}
