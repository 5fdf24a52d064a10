// Package api contains JSON helpers for HTTP API handlers.
package api

import (
	"encoding/json"
	"net/http"
)

// JSONError encodes err as JSON to w.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	JSONProblems(w, err.Error(), nil, statusCode)
}

// JSONProblems encodes msg and a list of specific problems as JSON to w.
// A statusCode less than 1 is sent as an internal server error.
func JSONProblems(w http.ResponseWriter, msg string, problems []string, statusCode int) {
	jsonErr := &struct {
		Err      string   `json:"error"`
		Problems []string `json:"problems,omitempty"`
	}{Err: msg, Problems: problems}
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(jsonErr)
}
