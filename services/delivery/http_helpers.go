package delivery

import (
	"encoding/json"
	"errors"
	"net/http"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
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
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondDomainError maps the engine's error taxonomy to HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		transient  *TransientStoreError
	)

	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, err)
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, err)
	case errors.As(err, &transient):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}
