// Package api serves the event stream and the snapshot endpoints a
// reconnecting subscriber needs: task record, log buffer, and chat
// history.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	overrs "github.com/randalmurphal/overseer/internal/errors"
)

// APIError is the standard error response body.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a plain error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message})
}

// HandleError maps structured errors onto HTTP statuses.
func HandleError(w http.ResponseWriter, err error) {
	var oe *overrs.Error
	if errors.As(err, &oe) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(oe.HTTPStatus())
		_ = json.NewEncoder(w).Encode(APIError{Error: oe.What, Code: string(oe.Code)})
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
